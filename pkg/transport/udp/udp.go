package udp

import (
	"net"
	"sync"

	"github.com/ezavada/pdg-node/pkg/transport"
)

// Transport binds UDP sockets for the best-effort path. One socket may
// serve many peers; the caller routes by source address.
type Transport struct {
	poster transport.Poster
}

func New(p transport.Poster) *Transport { return &Transport{poster: p} }

func (t *Transport) Kind() transport.Kind { return transport.KindUDP }

func (t *Transport) Bind(address string) (transport.Datagram, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &socket{poster: t.poster, conn: c}, nil
}

type socket struct {
	poster transport.Poster
	conn   *net.UDPConn

	mu      sync.Mutex
	started bool
	closed  bool
}

func (s *socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *socket) Start(h transport.DatagramHandler) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.readLoop(h)
}

func (s *socket) WriteTo(b []byte, to net.Addr) error {
	ua, err := transport.UDPAddrOf(to)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(b, ua)
	return err
}

func (s *socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *socket) readLoop(h transport.DatagramHandler) {
	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.isClosed() {
				return
			}
			s.poster.Post(func() { h.HandleDatagramError(err) })
			return
		}
		// copy out payload and dispatch
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.poster.Post(func() { h.HandleDatagram(pkt, raddr) })
	}
}
