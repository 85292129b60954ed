package netconn

import (
	"time"

	"go.uber.org/zap"

	"github.com/ezavada/pdg-node/pkg/config"
	"github.com/ezavada/pdg-node/pkg/observability"
	"github.com/ezavada/pdg-node/pkg/peers"
	"github.com/ezavada/pdg-node/pkg/protocol"
	"github.com/ezavada/pdg-node/pkg/protocol/codec"
)

// settings are shared by a Server or Client and every Connection it owns.
type settings struct {
	log           *zap.Logger
	metrics       *observability.Metrics
	serializer    *protocol.Serializer
	version       int
	maxFrameBytes int
	maxProbes     int
	probeInterval time.Duration
	probeBackoff  time.Duration
	maxDgramBytes int
	peers         *peers.Store
	nextID        func() string
}

func defaultSettings() settings {
	return settings{
		log:           zap.L(),
		serializer:    protocol.DefaultSerializer(),
		version:       protocol.CurrentVersion,
		maxProbes:     100,
		probeInterval: 500 * time.Millisecond,
		probeBackoff:  100 * time.Millisecond,
		maxDgramBytes: 1400,
	}
}

// Option customizes a Server or Client.
type Option func(*settings)

// WithLogger sets the base logger (default zap.L()).
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records protocol events into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithSerializer replaces the default JSON serializer.
func WithSerializer(sz *protocol.Serializer) Option {
	return func(s *settings) {
		if sz != nil {
			s.serializer = sz
		}
	}
}

// WithProtocolVersion sets the highest version this side speaks.
func WithProtocolVersion(v int) Option {
	return func(s *settings) { s.version = v }
}

// WithMaxFrameBytes bounds how much undelivered data a connection buffers
// while waiting for a frame to complete. Zero means unbounded.
func WithMaxFrameBytes(n int) Option {
	return func(s *settings) { s.maxFrameBytes = n }
}

// WithProbes configures datagram path probing: at most max probes, the
// n-th retry waiting interval + n*backoff.
func WithProbes(max int, interval, backoff time.Duration) Option {
	return func(s *settings) {
		s.maxProbes = max
		s.probeInterval = interval
		s.probeBackoff = backoff
	}
}

// WithMaxDatagramPayload sets the largest payload sent best-effort; larger
// messages go over the stream.
func WithMaxDatagramPayload(n int) Option {
	return func(s *settings) { s.maxDgramBytes = n }
}

// WithPeerStore publishes connection records to st.
func WithPeerStore(st *peers.Store) Option {
	return func(s *settings) { s.peers = st }
}

// FromConfig maps the node configuration onto options.
func FromConfig(cfg *config.Config) ([]Option, error) {
	reg, err := codec.NewDefaultRegistry()
	if err != nil {
		return nil, err
	}
	tag := codec.TagJSON
	if cfg.Protocol.Format == "cbor" {
		tag = codec.TagCBOR
	}
	sz, err := protocol.NewSerializer(reg, tag)
	if err != nil {
		return nil, err
	}
	return []Option{
		WithSerializer(sz),
		WithProtocolVersion(cfg.Protocol.Version),
		WithMaxFrameBytes(cfg.Protocol.MaxFrameBytes),
		WithProbes(cfg.Datagram.MaxProbes, cfg.Datagram.ProbeInterval(), cfg.Datagram.ProbeBackoff()),
		WithMaxDatagramPayload(cfg.Datagram.MaxPayload),
	}, nil
}

func newSettings(opts []Option) settings {
	s := defaultSettings()
	for _, o := range opts {
		o(&s)
	}
	if s.nextID == nil {
		s.nextID = idGenerator()
	}
	return s
}

// ServerConfigFrom maps the server section of the node configuration.
func ServerConfigFrom(c config.ServerConfig) ServerConfig {
	return ServerConfig{
		ListenAddress:       c.ListenAddress,
		ListenPort:          c.ListenPort,
		FixedPort:           c.FixedPort,
		MaxPortAttempts:     c.MaxPortAttempts,
		AllowDatagram:       c.AllowDatagram,
		ReservationRequired: c.ReservationRequired,
		HandshakeTimeout:    c.HandshakeTimeout(),
	}
}

// ClientConfigFrom maps the client section of the node configuration.
func ClientConfigFrom(c config.ClientConfig) ClientConfig {
	return ClientConfig{AllowDatagram: c.AllowDatagram}
}

// ReservationOptions converts a configured reservation into ExpectClient
// options.
func ReservationOptions(r config.ReservationConfig) []ReservationOption {
	opts := []ReservationOption{FromIP(r.IP)}
	if ttl := r.TTL(); ttl > 0 {
		opts = append(opts, WithTTL(ttl))
	}
	if r.SingleUse {
		opts = append(opts, SingleUse())
	}
	return opts
}
