package netconn

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ezavada/pdg-node/pkg/core/loop"
	"github.com/ezavada/pdg-node/pkg/observability"
	"github.com/ezavada/pdg-node/pkg/protocol"
	"github.com/ezavada/pdg-node/pkg/transport"
)

// ClientConfig controls the outbound side.
type ClientConfig struct {
	AllowDatagram bool
}

// ConnectHandler runs once the handshake completes.
type ConnectHandler func(c *Connection)

var ErrAlreadyConnected = errors.New("netconn: client already connected")

// Client owns at most one outbound connection. Errors without a handler
// fail the reactor, so Run returns them.
type Client struct {
	sched loop.Scheduler
	set   settings
	log   *zap.Logger
	cfg   ClientConfig
	st    transport.StreamTransport
	dt    transport.DatagramTransport

	conn       *Connection
	connecting bool
	onConnect  ConnectHandler
	onError    ErrorHandler
}

// NewClient builds a client; dt may be nil for a stream-only client.
func NewClient(sched loop.Scheduler, st transport.StreamTransport, dt transport.DatagramTransport, cfg ClientConfig, opts ...Option) *Client {
	cl := &Client{sched: sched, set: newSettings(opts), cfg: cfg, st: st, dt: dt}
	cl.log = cl.set.log.With(zap.String("component", "client"), zap.Stringer("transport", st.Kind()))
	return cl
}

// OnError registers the handler for errors not claimed by the connection.
func (cl *Client) OnError(h ErrorHandler) *Client {
	cl.onError = h
	return cl
}

// Connection returns the current connection, or nil.
func (cl *Client) Connection() *Connection { return cl.conn }

// Connect dials address and runs the handshake, presenting key when it is
// not empty. onConnect runs on the reactor once the connection is
// established.
func (cl *Client) Connect(ctx context.Context, address, key string, onConnect ConnectHandler) error {
	if cl.connecting || (cl.conn != nil && cl.conn.alive) {
		return ErrAlreadyConnected
	}
	cl.connecting = true
	cl.onConnect = onConnect
	cl.log.Info("connecting", zap.String("addr", address))
	cl.st.Dial(ctx, address, func(st transport.Stream, err error) {
		cl.connecting = false
		if err != nil {
			cl.set.metrics.Handshake(observability.HandshakeFailed)
			cl.reportError(protocol.WrapError(protocol.CodeTransport, err, fmt.Sprintf("connect %s", address)), nil)
			return
		}
		c := newConnection(cl.sched, &cl.set, st, RoleClient)
		c.client = cl
		c.key = key
		cl.conn = c
		st.Start(streamEvents{c})
		c.startClientHandshake()
	})
	return nil
}

// Close kills the current connection.
func (cl *Client) Close() {
	if cl.conn != nil {
		cl.conn.Kill()
	}
}

func (cl *Client) connectionEstablished(c *Connection) {
	cl.set.metrics.Handshake(observability.HandshakeEstablished)
	cl.set.metrics.ConnectionOpened()
	if cl.onConnect != nil && !c.guard("connect", func() { cl.onConnect(c) }) {
		return
	}
	cl.set.peers.Upsert(c.record())
	if !c.alive || !cl.cfg.AllowDatagram || cl.dt == nil || !c.stream.Kind().SupportsDatagram() {
		return
	}
	d, err := cl.dt.Bind(transport.Endpoint(c.local))
	if err != nil {
		c.log.Info("datagram bind failed, continuing stream-only", zap.Error(err))
		return
	}
	if !c.attachDatagram(d, true) {
		_ = d.Close()
		return
	}
	d.Start(clientDatagramEvents{c})
	c.startProbing()
}

func (cl *Client) reportError(err error, c *Connection) {
	if cl.onError == nil {
		cl.log.Error("client error", zap.Error(err))
		cl.sched.Fail(err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			cl.log.Error("error handler panicked", zap.Any("panic", r))
			cl.sched.Fail(fmt.Errorf("error handler panicked: %v", r))
		}
	}()
	cl.onError(err, c)
}
