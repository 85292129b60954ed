package netconn

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ezavada/pdg-node/pkg/core/loop"
	"github.com/ezavada/pdg-node/pkg/observability"
	"github.com/ezavada/pdg-node/pkg/peers"
	"github.com/ezavada/pdg-node/pkg/protocol"
	"github.com/ezavada/pdg-node/pkg/transport"
)

// Role tells which end of the handshake a Connection plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// State is the handshake/lifecycle state of a Connection.
type State int

const (
	StateConnecting State = iota
	StateAwaitingKey
	StateAwaitingVersion
	StateVersionAckPending
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingKey:
		return "awaiting_key"
	case StateAwaitingVersion:
		return "awaiting_version"
	case StateVersionAckPending:
		return "version_ack_pending"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Delivery says which path a message arrived on.
type Delivery int

const (
	Reliable Delivery = iota
	Unreliable
)

func (d Delivery) String() string {
	if d == Unreliable {
		return "unreliable"
	}
	return "reliable"
}

type (
	MessageHandler func(c *Connection, m *protocol.Message, d Delivery)
	CloseHandler   func(c *Connection)
	ErrorHandler   func(err error, c *Connection)
)

// Stats counts application traffic on one connection.
type Stats struct {
	MsgsIn   uint64
	MsgsOut  uint64
	BytesIn  uint64
	BytesOut uint64
}

// Connection is one peer link: a stream carrying the framed protocol plus
// an optional datagram path for best-effort messages. All methods must be
// called on the reactor that owns it.
type Connection struct {
	id     string
	sched  loop.Scheduler
	set    *settings
	log    *zap.Logger
	stream transport.Stream
	local  net.Addr
	remote net.Addr
	role   Role

	state         State
	alive         bool
	established   bool
	finalized     bool
	errReported   bool
	ourVersion    int
	remoteVersion int
	gotVersion    bool
	requireKey    bool
	keyAccepted   bool
	key           string
	rx            *protocol.Reassembler

	dgram          transport.Datagram
	ownsDgram      bool
	dgramPeer      *net.UDPAddr
	dgramConfirmed bool
	probesSent     int
	probeTimer     loop.Timer
	handshakeTimer loop.Timer

	client *Client
	server *Server

	onMessage MessageHandler
	onClose   CloseHandler
	onError   ErrorHandler

	stats       Stats
	connectedAt time.Time
}

func newConnection(sched loop.Scheduler, set *settings, st transport.Stream, role Role) *Connection {
	c := &Connection{
		id:         set.nextID(),
		sched:      sched,
		set:        set,
		stream:     st,
		local:      st.LocalAddr(),
		remote:     st.RemoteAddr(),
		role:       role,
		state:      StateConnecting,
		alive:      true,
		ourVersion: set.version,
		rx:         protocol.NewReassembler(set.maxFrameBytes),
	}
	c.log = set.log.With(
		zap.String("conn", c.id),
		zap.String("remote", transport.Endpoint(c.remote)),
		zap.String("role", role.String()),
	)
	return c
}

func idGenerator() func() string {
	var n atomic.Uint64
	return func() string { return "c" + strconv.FormatUint(n.Add(1), 10) }
}

func (c *Connection) ID() string                 { return c.id }
func (c *Connection) Role() Role                 { return c.role }
func (c *Connection) State() State               { return c.state }
func (c *Connection) Alive() bool                { return c.alive }
func (c *Connection) LocalAddr() net.Addr        { return c.local }
func (c *Connection) RemoteAddr() net.Addr       { return c.remote }
func (c *Connection) Transport() transport.Kind  { return c.stream.Kind() }
func (c *Connection) ProtocolVersion() int       { return c.ourVersion }
func (c *Connection) RemoteProtocolVersion() int { return c.remoteVersion }
func (c *Connection) KeyAccepted() bool          { return c.keyAccepted }
func (c *Connection) DatagramConfirmed() bool    { return c.dgramConfirmed }
func (c *Connection) Stats() Stats               { return c.stats }
func (c *Connection) ConnectedAt() time.Time     { return c.connectedAt }
func (c *Connection) String() string             { return c.id + "@" + transport.Endpoint(c.remote) }

// OnMessage registers the handler for incoming application messages.
func (c *Connection) OnMessage(h MessageHandler) *Connection {
	c.onMessage = h
	return c
}

// OnClose registers a handler run once when the stream closes.
func (c *Connection) OnClose(h CloseHandler) *Connection {
	c.onClose = h
	return c
}

// OnError registers a per-connection error handler. Without one, errors go
// to the owning Server or Client.
func (c *Connection) OnError(h ErrorHandler) *Connection {
	c.onError = h
	return c
}

// Send serializes v and sends it over the stream.
func (c *Connection) Send(v any) error {
	if !c.alive || c.state != StateEstablished {
		return c.errorf(protocol.CodeNotConnected, "send on %s connection", c.state)
	}
	payload, err := c.set.serializer.Marshal(v)
	if err != nil {
		return c.decorate(err)
	}
	return c.sendPayload(payload)
}

// SendReliable is Send.
func (c *Connection) SendReliable(v any) error { return c.Send(v) }

// SendBestEffort sends v as a datagram when the datagram path is confirmed
// and the payload fits; otherwise it falls back to the stream.
func (c *Connection) SendBestEffort(v any) error {
	if !c.alive || c.state != StateEstablished {
		return c.errorf(protocol.CodeNotConnected, "send on %s connection", c.state)
	}
	payload, err := c.set.serializer.Marshal(v)
	if err != nil {
		return c.decorate(err)
	}
	if c.dgram == nil || !c.dgramConfirmed || len(payload) > c.set.maxDgramBytes {
		return c.sendPayload(payload)
	}
	if err := c.dgram.WriteTo(payload, c.dgramPeer); err != nil {
		c.datagramFailed(err)
		return c.sendPayload(payload)
	}
	c.stats.MsgsOut++
	c.stats.BytesOut += uint64(len(payload))
	c.set.metrics.Bytes(observability.DirOut, observability.PathUnreliable, len(payload))
	return nil
}

func (c *Connection) sendPayload(payload []byte) error {
	return c.writeFrame(protocol.EncodeData(payload), len(payload))
}

// writeFrame sends an encoded data frame; Broadcast shares one frame
// between connections.
func (c *Connection) writeFrame(frame []byte, payloadLen int) error {
	if err := c.stream.Write(frame); err != nil {
		return c.wrap(protocol.CodeTransport, err, "write")
	}
	c.stats.MsgsOut++
	c.stats.BytesOut += uint64(payloadLen)
	c.set.metrics.Frame(observability.DirOut, observability.KindData)
	c.set.metrics.Bytes(observability.DirOut, observability.PathReliable, payloadLen)
	return nil
}

// sendCommand writes a command frame. It reports and returns false on
// failure.
func (c *Connection) sendCommand(cmd byte, data string) bool {
	b, err := protocol.EncodeCommand(c.ourVersion, cmd, []byte(data))
	if err != nil {
		c.report(c.decorate(err))
		return false
	}
	if err := c.stream.Write(b); err != nil {
		c.log.Debug("command write failed", zap.String("cmd", string(cmd)), zap.Error(err))
		return false
	}
	c.set.metrics.Frame(observability.DirOut, observability.KindCommand)
	return true
}

// Close ends the stream after queued data is flushed.
func (c *Connection) Close() {
	if c.state == StateClosing || c.state == StateClosed {
		return
	}
	c.alive = false
	c.state = StateClosing
	c.stopTimers()
	c.log.Debug("closing connection")
	_ = c.stream.End()
}

// Kill destroys the stream immediately.
func (c *Connection) Kill() {
	if c.state == StateClosed {
		return
	}
	c.alive = false
	c.state = StateClosed
	c.stopTimers()
	c.closeDatagram()
	c.log.Debug("killing connection")
	_ = c.stream.Destroy()
}

func (c *Connection) stopTimers() {
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	if c.probeTimer != nil {
		c.probeTimer.Stop()
		c.probeTimer = nil
	}
}

// streamEvents adapts the transport callbacks to the connection.
type streamEvents struct{ c *Connection }

func (e streamEvents) HandleData(b []byte)   { e.c.handleData(b) }
func (e streamEvents) HandleClose(err error) { e.c.handleStreamClose(err) }

func (c *Connection) handleData(b []byte) {
	if !c.alive {
		return
	}
	c.rx.Feed(b)
	for c.alive {
		f, ok, err := c.rx.Next()
		if err != nil {
			c.report(c.decorate(err))
			return
		}
		if !ok {
			return
		}
		c.handleFrame(f)
	}
}

func (c *Connection) handleFrame(f protocol.Frame) {
	if c.requireKey && f.Cmd != protocol.CmdKey {
		c.abort(true, c.errorf(protocol.CodeMissingClientKey, "first frame %q is not a client key", f.Cmd))
		return
	}
	if f.IsData() {
		c.set.metrics.Frame(observability.DirIn, observability.KindData)
		if c.state != StateEstablished {
			e := c.errorf(protocol.CodeRemoteBadFrame, "data frame before handshake completed")
			c.report(e)
			return
		}
		c.deliver(f.Data, Reliable)
		return
	}
	c.set.metrics.Frame(observability.DirIn, observability.KindCommand)
	if !protocol.IsLegalCommand(c.ourVersion, f.Cmd) {
		e := c.errorf(protocol.CodeRemoteBadTCPCommand, "command %q is not legal in version %d", f.Cmd, c.ourVersion)
		e.Cmd = f.Cmd
		c.report(e)
		return
	}
	if c.state == StateEstablished {
		c.log.Warn("ignoring handshake command on established connection", zap.String("cmd", string(f.Cmd)))
		return
	}
	switch f.Cmd {
	case protocol.CmdKey:
		c.handleKey(string(f.Data))
	case protocol.CmdVersion:
		c.handleVersion(string(f.Data))
	}
}

// deliver decodes a payload and hands it to the message handler. A payload
// that cannot be decoded is reported and dropped; the connection stays up.
func (c *Connection) deliver(payload []byte, d Delivery) {
	m, err := c.set.serializer.Unmarshal(payload)
	if err != nil {
		c.report(c.decorate(err))
		return
	}
	c.stats.MsgsIn++
	c.stats.BytesIn += uint64(len(payload))
	path := observability.PathReliable
	if d == Unreliable {
		path = observability.PathUnreliable
	}
	c.set.metrics.Bytes(observability.DirIn, path, len(payload))
	if c.set.peers != nil {
		c.set.peers.Upsert(c.record())
	}
	if c.onMessage == nil {
		c.log.Debug("message dropped, no handler", zap.Stringer("path", d))
		return
	}
	c.guard("message", func() { c.onMessage(c, m, d) })
}

func (c *Connection) handleStreamClose(err error) {
	if c.finalized {
		return
	}
	c.finalized = true
	c.alive = false
	c.state = StateClosed
	c.stopTimers()
	c.closeDatagram()
	_ = c.stream.Destroy()
	if err != nil {
		c.report(c.wrap(protocol.CodeTransport, err, "stream failed"))
	}
	if c.client != nil && !c.established && !c.errReported {
		c.report(c.errorf(protocol.CodeTransport, "connection closed before handshake completed"))
	}
	c.log.Info("connection closed",
		zap.Uint64("msgs_in", c.stats.MsgsIn),
		zap.Uint64("msgs_out", c.stats.MsgsOut))
	c.set.peers.Closed(c.record())
	if c.server != nil {
		c.server.connectionClosed(c)
	} else if c.established {
		c.set.metrics.ConnectionClosed()
	}
	if c.onClose != nil {
		c.guard("close", func() { c.onClose(c) })
	}
}

// abort closes the connection, then reports err.
func (c *Connection) abort(kill bool, err *protocol.Error) {
	if kill {
		c.Kill()
	} else {
		c.Close()
	}
	c.report(err)
}

// errorf builds an *protocol.Error carrying this connection's context.
func (c *Connection) errorf(code protocol.Code, format string, args ...any) *protocol.Error {
	e := protocol.NewError(code, format, args...)
	c.fill(e)
	return e
}

func (c *Connection) wrap(code protocol.Code, err error, msg string) *protocol.Error {
	e := protocol.WrapError(code, err, msg)
	c.fill(e)
	return e
}

// decorate adds connection context to errors raised by lower layers.
func (c *Connection) decorate(err error) *protocol.Error {
	e, ok := err.(*protocol.Error)
	if !ok {
		return c.wrap(protocol.CodeUnknown, err, "")
	}
	cp := *e
	c.fill(&cp)
	return &cp
}

func (c *Connection) fill(e *protocol.Error) {
	if c.local != nil {
		e.Local = transport.Endpoint(c.local)
	}
	if c.remote != nil {
		e.Remote = transport.Endpoint(c.remote)
	}
	e.Version = c.ourVersion
	e.RemoteVersion = c.remoteVersion
}

// report routes err to the most specific handler: the connection's own,
// then its Server or Client.
func (c *Connection) report(err *protocol.Error) {
	c.errReported = true
	c.set.metrics.Error(err.Code.String())
	c.log.Debug("connection error", zap.Error(err))
	switch {
	case c.onError != nil:
		c.guard("error", func() { c.onError(err, c) })
	case c.server != nil:
		c.server.reportError(err, c)
	case c.client != nil:
		c.client.reportError(err, c)
	default:
		c.log.Error("unhandled connection error", zap.Error(err))
	}
}

// guard runs an application callback. A panic is logged; on the client it
// also fails the reactor, on the server the connection carries on.
func (c *Connection) guard(what string, f func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err := fmt.Errorf("%s handler panicked: %v", what, r)
			c.log.Error("handler panicked", zap.String("handler", what), zap.Any("panic", r))
			if c.role == RoleClient {
				c.sched.Fail(err)
			}
		}
	}()
	f()
	return true
}

func (c *Connection) record() peers.Record {
	r := peers.Record{
		ID:        c.id,
		Remote:    transport.Endpoint(c.remote),
		Role:      c.role.String(),
		Transport: c.stream.Kind().String(),
		Version:   c.ourVersion,
		State:     c.state.String(),
		Datagram:  c.dgramConfirmed,
		MsgsIn:    c.stats.MsgsIn,
		MsgsOut:   c.stats.MsgsOut,
		BytesIn:   c.stats.BytesIn,
		BytesOut:  c.stats.BytesOut,
		LastSeen:  c.sched.Now().UnixMilli(),
	}
	if c.local != nil {
		r.Local = transport.Endpoint(c.local)
	}
	if !c.connectedAt.IsZero() {
		r.ConnectedAt = c.connectedAt.UnixMilli()
	}
	if c.state == StateClosed {
		r.ClosedAt = r.LastSeen
	}
	return r
}
