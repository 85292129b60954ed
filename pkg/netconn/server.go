package netconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ezavada/pdg-node/pkg/core/loop"
	"github.com/ezavada/pdg-node/pkg/observability"
	"github.com/ezavada/pdg-node/pkg/protocol"
	"github.com/ezavada/pdg-node/pkg/transport"
)

// ServerConfig controls the listening endpoint and admission policy.
type ServerConfig struct {
	ListenAddress string
	ListenPort    int
	// FixedPort turns off the retry on the next port when the port is busy.
	FixedPort       bool
	MaxPortAttempts int
	AllowDatagram   bool
	// ReservationRequired admits only clients matching an ExpectClient
	// reservation by IP at accept and by key during the handshake.
	ReservationRequired bool
	// HandshakeTimeout of zero disables the timer.
	HandshakeTimeout time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddress:    "0.0.0.0",
		ListenPort:       5000,
		MaxPortAttempts:  100,
		AllowDatagram:    true,
		HandshakeTimeout: 5 * time.Second,
	}
}

// AcceptHandler decides whether an established connection is kept.
type AcceptHandler func(c *Connection) bool

var ErrAlreadyListening = errors.New("netconn: server already listening")

// Server accepts peer connections and fans messages out to them.
type Server struct {
	sched loop.Scheduler
	set   settings
	log   *zap.Logger
	cfg   ServerConfig
	st    transport.StreamTransport
	dt    transport.DatagramTransport

	listener  transport.Listener
	dgram     transport.Datagram
	listening bool
	port      int
	addr      net.Addr

	conns        []*Connection
	pending      map[*Connection]struct{}
	reservations reservationTable

	onAccept AcceptHandler
	onError  ErrorHandler
}

// NewServer builds a server; dt may be nil for a stream-only server.
func NewServer(sched loop.Scheduler, st transport.StreamTransport, dt transport.DatagramTransport, cfg ServerConfig, opts ...Option) *Server {
	s := &Server{
		sched:   sched,
		set:     newSettings(opts),
		cfg:     cfg,
		st:      st,
		dt:      dt,
		pending: make(map[*Connection]struct{}),
	}
	s.log = s.set.log.With(zap.String("component", "server"), zap.Stringer("transport", st.Kind()))
	return s
}

// OnError registers the handler for errors not claimed by a connection.
// Without one, errors are logged.
func (s *Server) OnError(h ErrorHandler) *Server {
	s.onError = h
	return s
}

// Listen binds the stream endpoint and, when allowed, a datagram socket on
// the same address and port. A busy port is retried one up at a time
// unless FixedPort is set.
func (s *Server) Listen(ctx context.Context, accept AcceptHandler) error {
	if s.listening {
		return ErrAlreadyListening
	}
	s.onAccept = accept
	port := s.cfg.ListenPort
	last := port + s.cfg.MaxPortAttempts
	if last > 65535 {
		last = 65535
	}
	for {
		address := net.JoinHostPort(s.cfg.ListenAddress, strconv.Itoa(port))
		l, err := s.st.Listen(ctx, address, s.handleAccept, s.handleListenerError)
		if err == nil {
			s.listener = l
			break
		}
		if transport.IsAddrInUse(err) && !s.cfg.FixedPort && port != 0 && port < last {
			s.log.Info("port in use, trying next", zap.Int("port", port))
			port++
			continue
		}
		return fmt.Errorf("listen %s: %w", address, err)
	}
	s.listening = true
	s.addr = s.listener.Addr()
	s.port = port
	if p := portOf(s.addr); p > 0 {
		s.port = p
	}
	s.log.Info("listening", zap.String("addr", transport.Endpoint(s.addr)))

	if !s.cfg.AllowDatagram || s.dt == nil {
		return nil
	}
	if !s.st.Kind().SupportsDatagram() {
		s.log.Info("datagram path not available on this transport")
		return nil
	}
	daddr := net.JoinHostPort(s.cfg.ListenAddress, strconv.Itoa(s.port))
	d, err := s.dt.Bind(daddr)
	if err != nil {
		s.log.Warn("datagram bind failed, continuing stream-only", zap.String("addr", daddr), zap.Error(err))
		return nil
	}
	s.dgram = d
	d.Start(serverDatagramEvents{s})
	return nil
}

func portOf(a net.Addr) int {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.Port
	case *net.UDPAddr:
		return v.Port
	}
	return 0
}

func (s *Server) Listening() bool       { return s.listening }
func (s *Server) Port() int             { return s.port }
func (s *Server) Addr() net.Addr        { return s.addr }
func (s *Server) PendingCount() int     { return len(s.pending) }
func (s *Server) DatagramEnabled() bool { return s.dgram != nil }

// Connections returns the established connections in accept order.
func (s *Server) Connections() []*Connection {
	return append([]*Connection(nil), s.conns...)
}

// ExpectClient adds a reservation for key. By default it matches any IP,
// never expires and may be reused.
func (s *Server) ExpectClient(key string, opts ...ReservationOption) {
	o := reservationOptions{ip: AnyIP}
	for _, opt := range opts {
		opt(&o)
	}
	now := s.sched.Now()
	r := Reservation{Key: key, IP: o.ip, SingleUse: o.singleUse}
	if o.ttl > 0 {
		r.Expires = now.Add(o.ttl)
	}
	s.reservations.add(r, now)
	s.set.metrics.SetReservations(s.reservations.len())
	s.log.Debug("client expected", zap.String("ip", r.IP), zap.Bool("single_use", r.SingleUse))
}

// Reservations returns the stored reservations, expired ones included
// until the next lookup purges them.
func (s *Server) Reservations() []Reservation { return s.reservations.snapshot() }

func (s *Server) checkClientIP(ip string) bool {
	if !s.cfg.ReservationRequired {
		return true
	}
	ok := s.reservations.matchIP(ip, s.sched.Now())
	s.set.metrics.SetReservations(s.reservations.len())
	return ok
}

func (s *Server) checkClientKey(key, ip string) bool {
	if !s.cfg.ReservationRequired {
		return true
	}
	ok := s.reservations.matchKey(key, ip, s.sched.Now())
	s.set.metrics.SetReservations(s.reservations.len())
	return ok
}

func (s *Server) handleAccept(st transport.Stream) {
	if !s.listening {
		_ = st.Destroy()
		return
	}
	ip := transport.HostOf(st.RemoteAddr())
	if !s.checkClientIP(ip) {
		s.log.Info("dropping connection without reservation", zap.String("ip", ip))
		s.set.metrics.Handshake(observability.HandshakeRejected)
		_ = st.Destroy()
		return
	}
	c := newConnection(s.sched, &s.set, st, RoleServer)
	c.server = s
	if s.cfg.ReservationRequired {
		c.requireKey = true
		c.state = StateAwaitingKey
	} else {
		c.state = StateAwaitingVersion
	}
	s.pending[c] = struct{}{}
	if s.cfg.HandshakeTimeout > 0 {
		c.handshakeTimer = s.sched.AfterFunc(s.cfg.HandshakeTimeout, c.handshakeExpired)
	}
	c.log.Debug("accepted stream")
	st.Start(streamEvents{c})
}

func (s *Server) connectionEstablished(c *Connection) {
	delete(s.pending, c)
	if !s.listening {
		c.Kill()
		return
	}
	if !s.callAccept(c) {
		c.log.Info("connection rejected by application")
		s.set.metrics.Handshake(observability.HandshakeRejected)
		c.Kill()
		return
	}
	s.conns = append(s.conns, c)
	s.set.metrics.Handshake(observability.HandshakeEstablished)
	s.set.metrics.ConnectionOpened()
	if s.dgram != nil {
		c.attachDatagram(s.dgram, false)
	}
	s.set.peers.Upsert(c.record())
}

// callAccept runs the accept handler; a panic counts as a rejection.
func (s *Server) callAccept(c *Connection) (ok bool) {
	if s.onAccept == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("accept handler panicked", zap.Any("panic", r))
			ok = false
		}
	}()
	return s.onAccept(c)
}

func (s *Server) dropPending(c *Connection) { delete(s.pending, c) }

func (s *Server) connectionClosed(c *Connection) {
	delete(s.pending, c)
	for i, x := range s.conns {
		if x == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			s.set.metrics.ConnectionClosed()
			return
		}
	}
}

func (s *Server) reportError(err error, c *Connection) {
	if s.onError == nil {
		s.log.Warn("connection error", zap.Error(err))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("error handler panicked", zap.Any("panic", r))
		}
	}()
	s.onError(err, c)
}

// handleListenerError is an unexpected listener failure: every connection
// goes down with it.
func (s *Server) handleListenerError(err error) {
	if !s.listening {
		return
	}
	s.log.Error("listener failed", zap.Error(err))
	s.listening = false
	s.listener = nil
	s.closeAll(true)
	s.reportError(protocol.WrapError(protocol.CodeTransport, err, "listener failed"), nil)
}

// Broadcast serializes v once and sends it reliably to every established
// connection accepted by filter (nil means all). It returns how many
// connections the message was written to.
func (s *Server) Broadcast(v any, filter func(*Connection) bool) (int, error) {
	payload, err := s.set.serializer.Marshal(v)
	if err != nil {
		return 0, err
	}
	frame := protocol.EncodeData(payload)
	n := 0
	for _, c := range s.Connections() {
		if !c.alive || c.state != StateEstablished {
			continue
		}
		if filter != nil && !filter(c) {
			continue
		}
		if err := c.writeFrame(frame, len(payload)); err != nil {
			c.log.Debug("broadcast write failed", zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// Shutdown stops accepting. Handshakes in flight are always dropped;
// established connections are closed (gracefully, or at once with kill)
// only when closeExisting is set.
func (s *Server) Shutdown(closeExisting, kill bool) {
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	s.listening = false
	for c := range s.pending {
		c.Kill()
	}
	if closeExisting {
		s.closeAll(kill)
	}
	s.log.Info("server shut down", zap.Bool("close_existing", closeExisting), zap.Int("remaining", len(s.conns)))
}

func (s *Server) closeAll(kill bool) {
	if s.dgram != nil {
		_ = s.dgram.Close()
		s.dgram = nil
	}
	for c := range s.pending {
		c.Kill()
	}
	for _, c := range s.Connections() {
		c.closeDatagram()
		if kill {
			c.Kill()
		} else {
			c.Close()
		}
	}
}

// serverDatagramEvents routes datagrams on the shared socket to the
// connection whose stream peer sent them.
type serverDatagramEvents struct{ s *Server }

func (e serverDatagramEvents) HandleDatagram(b []byte, from net.Addr) {
	for _, c := range e.s.conns {
		if transport.SameEndpoint(c.remote, from) {
			c.handleDatagram(b)
			return
		}
	}
	e.s.log.Debug("dropping datagram from unknown sender", zap.String("from", transport.Endpoint(from)))
}

func (e serverDatagramEvents) HandleDatagramError(err error) {
	s := e.s
	if s.dgram == nil {
		return
	}
	s.log.Warn("datagram socket failed, continuing stream-only", zap.Error(err))
	_ = s.dgram.Close()
	s.dgram = nil
	for _, c := range s.conns {
		c.closeDatagram()
	}
	s.reportError(protocol.WrapError(protocol.CodeTransport, err, "datagram socket failed"), nil)
}
