package protocol

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/ezavada/pdg-node/pkg/protocol/codec"
)

// ProbePayload is the datagram sent to bring up the best-effort path. No
// serialized message starts with '_', so it cannot be mistaken for one.
var ProbePayload = []byte("_pdg-dgram-start")

// IsProbe reports whether b is the datagram probe marker.
func IsProbe(b []byte) bool { return bytes.Equal(b, ProbePayload) }

// Message is an inbound application message. Value holds the codec's
// generic decoding; Decode re-reads Raw into a typed destination.
type Message struct {
	Tag   byte
	Value any
	Raw   []byte

	c codec.Codec
}

// Decode unmarshals the payload into v using the codec that produced it.
func (m *Message) Decode(v any) error {
	if m.c == nil {
		return fmt.Errorf("message has no codec for tag %q", m.Tag)
	}
	return m.c.Unmarshal(m.Raw, v)
}

// String returns the message text for string messages, and a formatted
// Value otherwise.
func (m *Message) String() string {
	if s, ok := m.Value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", m.Value)
}

// Serializer converts application values to tagged payloads and back.
// Strings, byte slices and proto messages have dedicated codecs; every
// other value goes through the structured codec (JSON or CBOR).
type Serializer struct {
	reg        *codec.Registry
	structured codec.Codec
}

// NewSerializer returns a serializer using reg, encoding structured values
// with the codec registered under structuredTag.
func NewSerializer(reg *codec.Registry, structuredTag byte) (*Serializer, error) {
	c := reg.ByTag(structuredTag)
	if c == nil {
		return nil, fmt.Errorf("no codec registered for tag %q", structuredTag)
	}
	return &Serializer{reg: reg, structured: c}, nil
}

// DefaultSerializer uses JSON for structured values.
func DefaultSerializer() *Serializer {
	reg := codec.NewRegistry()
	return &Serializer{reg: reg, structured: reg.ByTag(codec.TagJSON)}
}

// Marshal encodes v as tag byte + codec payload. A received *Message is
// re-emitted unchanged, whatever the structured format.
func (s *Serializer) Marshal(v any) ([]byte, error) {
	if m, ok := v.(*Message); ok {
		// relayed as received
		out := make([]byte, 1+len(m.Raw))
		out[0] = m.Tag
		copy(out[1:], m.Raw)
		return out, nil
	}
	c := s.structured
	switch v.(type) {
	case string:
		c = s.reg.ByTag(codec.TagString)
	case []byte:
		c = s.reg.ByTag(codec.TagBytes)
	case proto.Message:
		c = s.reg.ByTag(codec.TagProto)
	}
	if c == nil {
		return nil, NewError(CodeBadData, "no codec for %T", v)
	}
	b, err := c.Marshal(v)
	if err != nil {
		return nil, WrapError(CodeBadData, err, fmt.Sprintf("serialize %T", v))
	}
	out := make([]byte, 1+len(b))
	out[0] = c.Tag()
	copy(out[1:], b)
	return out, nil
}

// Unmarshal decodes a payload produced by Marshal.
func (s *Serializer) Unmarshal(payload []byte) (*Message, error) {
	if len(payload) == 0 {
		return nil, NewError(CodeRemoteBadData, "empty payload")
	}
	c := s.reg.ByTag(payload[0])
	if c == nil {
		return nil, NewError(CodeRemoteBadData, "unknown serialization tag %q", payload[0])
	}
	m := &Message{Tag: payload[0], Raw: payload[1:], c: c}
	if err := c.Unmarshal(m.Raw, &m.Value); err != nil {
		return nil, WrapError(CodeRemoteBadData, err, fmt.Sprintf("decode %s payload", c.ContentType()))
	}
	return m, nil
}
