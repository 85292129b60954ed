package codec

import "fmt"

type stringCodec struct{}

// String returns the codec for plain text messages.
func String() Codec { return stringCodec{} }

func (stringCodec) Tag() byte           { return TagString }
func (stringCodec) ContentType() string { return "text/plain; charset=utf-8" }

func (stringCodec) Marshal(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("string: unsupported value %T", v)
	}
	return []byte(s), nil
}

func (stringCodec) Unmarshal(data []byte, v any) error {
	switch dst := v.(type) {
	case *string:
		*dst = string(data)
	case *any:
		*dst = string(data)
	default:
		return fmt.Errorf("string: unsupported target %T", v)
	}
	return nil
}

type bytesCodec struct{}

// Bytes returns the codec for opaque binary messages.
func Bytes() Codec { return bytesCodec{} }

func (bytesCodec) Tag() byte           { return TagBytes }
func (bytesCodec) ContentType() string { return "application/octet-stream" }

func (bytesCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("bytes: unsupported value %T", v)
	}
	return b, nil
}

func (bytesCodec) Unmarshal(data []byte, v any) error {
	cp := append([]byte(nil), data...)
	switch dst := v.(type) {
	case *[]byte:
		*dst = cp
	case *any:
		*dst = cp
	default:
		return fmt.Errorf("bytes: unsupported target %T", v)
	}
	return nil
}
