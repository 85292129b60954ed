// Package mem is an in-process network for tests. Streams and datagrams
// never touch the OS; every delivery is posted onto the reactor, so with
// loop.Manual the whole exchange is deterministic.
package mem

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"

	"github.com/ezavada/pdg-node/pkg/transport"
)

// Network holds the listeners and datagram sockets of one simulated host
// set. Addresses are ip:port strings; a listener or socket bound to
// 0.0.0.0 accepts traffic for any IP on its port.
type Network struct {
	poster transport.Poster

	mu        sync.Mutex
	listeners map[string]*listener
	sockets   map[string]*socket
	nextPort  int

	blockDatagrams bool
	dropped        int
}

func NewNetwork(p transport.Poster) *Network {
	return &Network{
		poster:    p,
		listeners: make(map[string]*listener),
		sockets:   make(map[string]*socket),
		nextPort:  40000,
	}
}

// BlockDatagrams drops every datagram while on, simulating a firewalled
// UDP path.
func (n *Network) BlockDatagrams(on bool) {
	n.mu.Lock()
	n.blockDatagrams = on
	n.mu.Unlock()
}

// Dropped counts datagrams that found no receiver or were blocked.
func (n *Network) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Stream returns a stream transport whose dialed connections originate
// from 127.0.0.1.
func (n *Network) Stream() *StreamTransport { return n.StreamFrom("127.0.0.1") }

// StreamFrom returns a stream transport whose dialed connections
// originate from ip.
func (n *Network) StreamFrom(ip string) *StreamTransport {
	return &StreamTransport{n: n, ip: net.ParseIP(ip)}
}

// Datagram returns the datagram transport of the network.
func (n *Network) Datagram() *DatagramTransport { return &DatagramTransport{n: n} }

func errInUse(op, address string) error {
	return &net.OpError{Op: op, Net: "mem", Addr: nil, Err: os.NewSyscallError(op, syscall.EADDRINUSE)}
}

func splitAddr(address string) (net.IP, int, error) {
	host, ps, err := net.SplitHostPort(address)
	if err != nil {
		return nil, 0, err
	}
	port, err := strconv.Atoi(ps)
	if err != nil {
		return nil, 0, err
	}
	ip := net.ParseIP(host)
	if host == "" {
		ip = net.IPv4zero
	}
	if ip == nil {
		return nil, 0, fmt.Errorf("mem: %q is not an IP address", host)
	}
	return ip, port, nil
}

func key(ip net.IP, port int) string {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port))
}

func wildcard(port int) string { return key(net.IPv4zero, port) }

func (n *Network) ephemeral() int {
	n.nextPort++
	return n.nextPort
}

// StreamTransport implements transport.StreamTransport on a Network.
type StreamTransport struct {
	n  *Network
	ip net.IP
}

func (t *StreamTransport) Kind() transport.Kind { return transport.KindMem }

func (t *StreamTransport) Listen(_ context.Context, address string, accept transport.AcceptFunc, _ transport.ErrorFunc) (transport.Listener, error) {
	ip, port, err := splitAddr(address)
	if err != nil {
		return nil, err
	}
	k := key(ip, port)
	t.n.mu.Lock()
	defer t.n.mu.Unlock()
	if _, ok := t.n.listeners[k]; ok {
		return nil, errInUse("listen", address)
	}
	if _, ok := t.n.listeners[wildcard(port)]; ok {
		return nil, errInUse("listen", address)
	}
	l := &listener{n: t.n, key: k, addr: &net.TCPAddr{IP: ip, Port: port}, accept: accept}
	t.n.listeners[k] = l
	return l, nil
}

func (t *StreamTransport) Dial(_ context.Context, address string, done transport.DialFunc) {
	n := t.n
	ip, port, err := splitAddr(address)
	if err != nil {
		n.poster.Post(func() { done(nil, err) })
		return
	}
	n.mu.Lock()
	l := n.listeners[key(ip, port)]
	if l == nil {
		l = n.listeners[wildcard(port)]
	}
	if l == nil {
		n.mu.Unlock()
		refused := &net.OpError{Op: "dial", Net: "mem", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
		n.poster.Post(func() { done(nil, refused) })
		return
	}
	local := &net.TCPAddr{IP: t.ip, Port: n.ephemeral()}
	n.mu.Unlock()

	remote := &net.TCPAddr{IP: ip, Port: port}
	cli := &end{n: n, local: local, remote: remote}
	srv := &end{n: n, local: remote, remote: local}
	cli.peer, srv.peer = srv, cli
	n.poster.Post(func() {
		if l.isClosed() {
			srv.closeBoth(nil)
		} else {
			l.accept(srv)
		}
		done(cli, nil)
	})
}

type listener struct {
	n      *Network
	key    string
	addr   *net.TCPAddr
	accept transport.AcceptFunc

	mu     sync.Mutex
	closed bool
}

func (l *listener) Addr() net.Addr { return l.addr }

func (l *listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return net.ErrClosed
	}
	l.closed = true
	l.mu.Unlock()
	l.n.mu.Lock()
	delete(l.n.listeners, l.key)
	l.n.mu.Unlock()
	return nil
}

// end is one side of an in-memory stream.
type end struct {
	n      *Network
	local  *net.TCPAddr
	remote *net.TCPAddr
	peer   *end

	mu       sync.Mutex
	handler  transport.StreamHandler
	pending  [][]byte
	closing  bool
	notified bool
	early    bool // closed before Start
}

var ErrClosed = errors.New("mem: stream closed")

func (e *end) Kind() transport.Kind { return transport.KindMem }
func (e *end) LocalAddr() net.Addr  { return e.local }
func (e *end) RemoteAddr() net.Addr { return e.remote }

func (e *end) Start(h transport.StreamHandler) {
	e.mu.Lock()
	if e.handler != nil {
		e.mu.Unlock()
		return
	}
	e.handler = h
	pending := e.pending
	e.pending = nil
	early := e.early
	e.mu.Unlock()
	if len(pending) > 0 || early {
		e.n.poster.Post(func() {
			for _, b := range pending {
				h.HandleData(b)
			}
			if early {
				h.HandleClose(nil)
			}
		})
	}
}

func (e *end) Write(b []byte) error {
	e.mu.Lock()
	closing := e.closing
	e.mu.Unlock()
	if closing {
		return ErrClosed
	}
	cp := append([]byte(nil), b...)
	peer := e.peer
	e.n.poster.Post(func() { peer.deliver(cp) })
	return nil
}

func (e *end) deliver(b []byte) {
	e.mu.Lock()
	if e.notified {
		e.mu.Unlock()
		return
	}
	h := e.handler
	if h == nil {
		e.pending = append(e.pending, b)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	h.HandleData(b)
}

// End posts the close behind the writes already queued, so the peer sees
// every byte before the close.
func (e *end) End() error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()
	e.n.poster.Post(func() { e.closeBoth(nil) })
	return nil
}

func (e *end) Destroy() error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()
	e.peer.mu.Lock()
	e.peer.closing = true
	e.peer.mu.Unlock()
	e.n.poster.Post(func() { e.closeBoth(nil) })
	return nil
}

func (e *end) closeBoth(err error) {
	e.notifyClose(err)
	e.peer.notifyClose(err)
}

func (e *end) notifyClose(err error) {
	e.mu.Lock()
	if e.notified {
		e.mu.Unlock()
		return
	}
	e.notified = true
	e.closing = true
	h := e.handler
	if h == nil {
		e.early = true
	}
	e.mu.Unlock()
	if h != nil {
		h.HandleClose(err)
	}
}

// DatagramTransport implements transport.DatagramTransport on a Network.
type DatagramTransport struct{ n *Network }

func (t *DatagramTransport) Bind(address string) (transport.Datagram, error) {
	ip, port, err := splitAddr(address)
	if err != nil {
		return nil, err
	}
	k := key(ip, port)
	t.n.mu.Lock()
	defer t.n.mu.Unlock()
	if _, ok := t.n.sockets[k]; ok {
		return nil, errInUse("bind", address)
	}
	s := &socket{n: t.n, key: k, addr: &net.UDPAddr{IP: ip, Port: port}}
	t.n.sockets[k] = s
	return s, nil
}

type socket struct {
	n    *Network
	key  string
	addr *net.UDPAddr

	mu      sync.Mutex
	handler transport.DatagramHandler
	closed  bool
}

func (s *socket) LocalAddr() net.Addr { return s.addr }

func (s *socket) Start(h transport.DatagramHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *socket) WriteTo(b []byte, to net.Addr) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return net.ErrClosed
	}
	ua, err := transport.UDPAddrOf(to)
	if err != nil {
		return err
	}
	n := s.n
	n.mu.Lock()
	dst := n.sockets[key(ua.IP, ua.Port)]
	if dst == nil {
		dst = n.sockets[wildcard(ua.Port)]
	}
	if dst == nil || n.blockDatagrams {
		n.dropped++
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	cp := append([]byte(nil), b...)
	from := s.addr
	if from.IP.IsUnspecified() {
		from = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: from.Port}
	}
	n.poster.Post(func() { dst.deliver(cp, from) })
	return nil
}

func (s *socket) deliver(b []byte, from net.Addr) {
	s.mu.Lock()
	h, closed := s.handler, s.closed
	s.mu.Unlock()
	if closed || h == nil {
		return
	}
	h.HandleDatagram(b, from)
}

// Fail reports err to the socket's handler, as a broken OS socket would.
func (s *socket) Fail(err error) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		s.n.poster.Post(func() { h.HandleDatagramError(err) })
	}
}

func (s *socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.n.mu.Lock()
	delete(s.n.sockets, s.key)
	s.n.mu.Unlock()
	return nil
}

// Socket returns the datagram socket bound at address, for tests that
// need to inject failures.
func (n *Network) Socket(address string) interface{ Fail(error) } {
	ip, port, err := splitAddr(address)
	if err != nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if s := n.sockets[key(ip, port)]; s != nil {
		return s
	}
	return nil
}
