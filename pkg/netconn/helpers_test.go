package netconn

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/ezavada/pdg-node/pkg/core/loop"
	"github.com/ezavada/pdg-node/pkg/protocol"
	"github.com/ezavada/pdg-node/pkg/transport"
	"github.com/ezavada/pdg-node/pkg/transport/mem"
)

const serverAddr = "127.0.0.1:5000"

type harness struct {
	t   *testing.T
	m   *loop.Manual
	net *mem.Network
}

func newHarness(t *testing.T) *harness {
	m := loop.NewManual()
	return &harness{t: t, m: m, net: mem.NewNetwork(m)}
}

func testServerConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.ListenAddress = "127.0.0.1"
	cfg.MaxPortAttempts = 5
	return cfg
}

func (h *harness) server(cfg ServerConfig, accept AcceptHandler, opts ...Option) *Server {
	h.t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(h.t))}, opts...)
	s := NewServer(h.m, h.net.Stream(), h.net.Datagram(), cfg, opts...)
	if err := s.Listen(context.Background(), accept); err != nil {
		h.t.Fatalf("listen: %v", err)
	}
	return s
}

func (h *harness) client(opts ...Option) *Client {
	opts = append([]Option{WithLogger(zaptest.NewLogger(h.t))}, opts...)
	return NewClient(h.m, h.net.Stream(), h.net.Datagram(), ClientConfig{AllowDatagram: true}, opts...)
}

// connect dials the test server and returns the client connection once
// the reactor is idle, or nil if the handshake did not complete.
func (h *harness) connect(cl *Client, key string) *Connection {
	h.t.Helper()
	var got *Connection
	if err := cl.Connect(context.Background(), serverAddr, key, func(c *Connection) { got = c }); err != nil {
		h.t.Fatalf("connect: %v", err)
	}
	h.m.Drain()
	return got
}

// inbox records delivered messages.
type inbox struct {
	msgs  []*protocol.Message
	paths []Delivery
}

func (b *inbox) handle(_ *Connection, m *protocol.Message, d Delivery) {
	b.msgs = append(b.msgs, m)
	b.paths = append(b.paths, d)
}

func (b *inbox) last() (*protocol.Message, Delivery) {
	if len(b.msgs) == 0 {
		return nil, Reliable
	}
	return b.msgs[len(b.msgs)-1], b.paths[len(b.paths)-1]
}

// errorLog records reported errors.
type errorLog struct{ errs []error }

func (l *errorLog) handle(err error, _ *Connection) { l.errs = append(l.errs, err) }

func (l *errorLog) has(target error) bool {
	for _, err := range l.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// rawPeer speaks bytes directly to the server, bypassing Client.
type rawPeer struct {
	st     transport.Stream
	data   []byte
	closed bool
}

func (r *rawPeer) HandleData(b []byte)   { r.data = append(r.data, b...) }
func (r *rawPeer) HandleClose(err error) { r.closed = true }

func (h *harness) dialRaw(from string) *rawPeer {
	h.t.Helper()
	r := &rawPeer{}
	st := h.net.Stream()
	if from != "" {
		st = h.net.StreamFrom(from)
	}
	st.Dial(context.Background(), serverAddr, func(s transport.Stream, err error) {
		if err != nil {
			h.t.Errorf("raw dial: %v", err)
			return
		}
		r.st = s
		s.Start(r)
	})
	h.m.Drain()
	if r.st == nil {
		h.t.Fatalf("raw dial did not complete")
	}
	return r
}

func (r *rawPeer) command(t *testing.T, cmd byte, data string) {
	t.Helper()
	b, err := protocol.EncodeCommand(protocol.CurrentVersion, cmd, []byte(data))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := r.st.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (r *rawPeer) write(t *testing.T, b []byte) {
	t.Helper()
	if err := r.st.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}
