package codec

import (
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestJSONCodec(t *testing.T) {
	c := JSON()
	in := map[string]any{"a": 1, "b": "x"}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["a"].(float64) != 1 || out["b"].(string) != "x" {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestCBORCodecGenericMaps(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	b, err := c.Marshal(map[string]any{"n": 42})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any, got %T", out)
	}
	if m["n"].(uint64) != 42 {
		t.Fatalf("roundtrip mismatch: %#v", m)
	}
}

func TestProtoCodecResolvesType(t *testing.T) {
	c := Proto()
	s, err := structpb.NewStruct(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	b, err := c.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var typed structpb.Struct
	if err := c.Unmarshal(b, &typed); err != nil {
		t.Fatalf("unmarshal typed: %v", err)
	}
	if typed.Fields["k"].GetStringValue() != "v" {
		t.Fatalf("typed mismatch")
	}
	var generic any
	if err := c.Unmarshal(b, &generic); err != nil {
		t.Fatalf("unmarshal generic: %v", err)
	}
	if !proto.Equal(generic.(proto.Message), s) {
		t.Fatalf("generic mismatch: %v", generic)
	}
	if _, err := c.Marshal("not proto"); err == nil {
		t.Fatalf("expected error for non-proto value")
	}
}

func TestRegistryLookups(t *testing.T) {
	r, err := NewDefaultRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	for _, tag := range []byte{TagString, TagBytes, TagJSON, TagCBOR, TagProto} {
		if r.ByTag(tag) == nil {
			t.Fatalf("missing codec for tag %q", tag)
		}
	}
	if r.ByTag('?') != nil {
		t.Fatalf("unexpected codec for unknown tag")
	}
	if r.Get("application/json") == nil {
		t.Fatalf("lookup by content type failed")
	}
}
