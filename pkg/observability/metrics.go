package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values used by the connection layer.
const (
	DirIn  = "in"
	DirOut = "out"

	KindData    = "data"
	KindCommand = "command"

	PathReliable   = "reliable"
	PathUnreliable = "unreliable"

	HandshakeEstablished = "established"
	HandshakeRejected    = "rejected"
	HandshakeTimeout     = "timeout"
	HandshakeFailed      = "failed"
)

// Metrics groups the collectors the protocol engine updates. A nil
// *Metrics is valid and records nothing, so library code never checks.
type Metrics struct {
	connections       prometheus.Gauge
	handshakes        *prometheus.CounterVec
	errors            *prometheus.CounterVec
	frames            *prometheus.CounterVec
	bytes             *prometheus.CounterVec
	datagramConfirmed prometheus.Counter
	probesSent        prometheus.Counter
	reservations      prometheus.Gauge
}

// MetricsConfig configures NewMetrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "pdg").
	Namespace string
	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures NewMetrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// NewMetrics registers the connection-layer collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := MetricsConfig{Namespace: "pdg", Registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&cfg)
	}
	f := promauto.With(cfg.Registry)
	ns := cfg.Namespace
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "connections_active",
			Help: "Connections that completed the handshake and were accepted.",
		}),
		handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "handshakes_total",
			Help: "Handshake outcomes.",
		}, []string{"result"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "errors_total",
			Help: "Protocol errors by code.",
		}, []string{"code"}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "frames_total",
			Help: "Stream frames by direction and kind.",
		}, []string{"direction", "kind"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "bytes_total",
			Help: "Application payload bytes by direction and delivery path.",
		}, []string{"direction", "path"}),
		datagramConfirmed: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "datagram_confirmed_total",
			Help: "Connections whose best-effort path was confirmed.",
		}),
		probesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "probes_sent_total",
			Help: "Datagram probes sent.",
		}),
		reservations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "reservations_active",
			Help: "Reservations currently held by the server.",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) Handshake(result string) {
	if m != nil {
		m.handshakes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Error(code string) {
	if m != nil {
		m.errors.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) Frame(direction, kind string) {
	if m != nil {
		m.frames.WithLabelValues(direction, kind).Inc()
	}
}

func (m *Metrics) Bytes(direction, path string, n int) {
	if m != nil {
		m.bytes.WithLabelValues(direction, path).Add(float64(n))
	}
}

func (m *Metrics) DatagramConfirmed() {
	if m != nil {
		m.datagramConfirmed.Inc()
	}
}

func (m *Metrics) ProbeSent() {
	if m != nil {
		m.probesSent.Inc()
	}
}

func (m *Metrics) SetReservations(n int) {
	if m != nil {
		m.reservations.Set(float64(n))
	}
}
