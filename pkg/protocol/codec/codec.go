package codec

// Codec turns application values into bytes and back. Every encoded
// message carries the codec's Tag as its first byte so the receiver can
// pick the matching codec without out-of-band negotiation.
type Codec interface {
	Tag() byte
	ContentType() string
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes data into v. Passing a *any asks the codec for
	// its natural Go representation.
	Unmarshal(data []byte, v any) error
}

// Tags written in front of every serialized message.
const (
	TagString byte = 's'
	TagBytes  byte = 'b'
	TagJSON   byte = 'j'
	TagCBOR   byte = 'c'
	TagProto  byte = 'p'
)

// Registry maps tags and content types to codecs.
type Registry struct {
	byTag  map[byte]Codec
	byType map[string]Codec
}

// NewRegistry constructs a registry preloaded with the codecs that need no
// initialization: string, bytes, JSON and Protobuf. CBOR can be added via
// Register(CBOR()) or by using NewDefaultRegistry.
func NewRegistry() *Registry {
	r := &Registry{byTag: make(map[byte]Codec), byType: make(map[string]Codec)}
	r.Register(String())
	r.Register(Bytes())
	r.Register(JSON())
	r.Register(Proto())
	return r
}

// NewDefaultRegistry returns a registry with every built-in codec, CBOR
// included.
func NewDefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	c, err := CBOR()
	if err != nil {
		return nil, err
	}
	r.Register(c)
	return r, nil
}

// Register adds a codec, replacing any codec with the same tag.
func (r *Registry) Register(c Codec) {
	r.byTag[c.Tag()] = c
	r.byType[c.ContentType()] = c
}

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// ByTag returns the codec registered for tag, or nil.
func (r *Registry) ByTag(tag byte) Codec { return r.byTag[tag] }
