package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

type protoCodec struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

// Proto returns a Protocol Buffers codec with deterministic marshaling.
// Messages travel wrapped in google.protobuf.Any so the receiver can
// resolve the concrete type from the global registry.
// Content-Type: application/x-protobuf
func Proto() Codec {
	return protoCodec{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{},
	}
}

func (p protoCodec) Tag() byte           { return TagProto }
func (p protoCodec) ContentType() string { return "application/x-protobuf" }

func (p protoCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protobuf: value does not implement proto.Message: %T", v)
	}
	wrapped, err := anypb.New(msg)
	if err != nil {
		return nil, fmt.Errorf("protobuf: wrap: %w", err)
	}
	return p.mo.Marshal(wrapped)
}

func (p protoCodec) Unmarshal(data []byte, v any) error {
	var wrapped anypb.Any
	if err := p.uo.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	switch dst := v.(type) {
	case *any:
		msg, err := wrapped.UnmarshalNew()
		if err != nil {
			return fmt.Errorf("protobuf: resolve %s: %w", wrapped.GetTypeUrl(), err)
		}
		*dst = msg
		return nil
	case proto.Message:
		return wrapped.UnmarshalTo(dst)
	default:
		return fmt.Errorf("protobuf: target does not implement proto.Message: %T", v)
	}
}
