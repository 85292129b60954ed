package transport

import (
	"errors"
	"io"
	"net"
	"sync"
)

// ErrStreamClosed is returned by Write after End or Destroy.
var ErrStreamClosed = errors.New("transport: stream closed")

// ConnStream adapts any blocking io.ReadWriteCloser to Stream: a reader
// goroutine posts chunks to the reactor and a writer goroutine drains an
// unbounded queue, so Write never blocks the reactor.
type ConnStream struct {
	kind   Kind
	poster Poster
	c      io.ReadWriteCloser
	local  net.Addr
	remote net.Addr

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	ending  bool
	closed  bool
	handler StreamHandler
	started bool

	closeOnce sync.Once
	readSize  int
}

// NewConnStream wraps c. If c implements CloseWrite, End half-closes after
// the queue drains and waits for the peer to finish; otherwise it closes.
func NewConnStream(kind Kind, p Poster, c io.ReadWriteCloser, local, remote net.Addr) *ConnStream {
	s := &ConnStream{kind: kind, poster: p, c: c, local: local, remote: remote, readSize: 32 << 10}
	s.cond = sync.NewCond(&s.mu)
	go s.writeLoop()
	return s
}

func (s *ConnStream) Kind() Kind           { return s.kind }
func (s *ConnStream) LocalAddr() net.Addr  { return s.local }
func (s *ConnStream) RemoteAddr() net.Addr { return s.remote }

func (s *ConnStream) Start(h StreamHandler) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.handler = h
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.poster.Post(func() { h.HandleClose(nil) })
		return
	}
	go s.readLoop(h)
}

func (s *ConnStream) Write(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ending {
		return ErrStreamClosed
	}
	s.queue = append(s.queue, b)
	s.cond.Signal()
	return nil
}

func (s *ConnStream) End() error {
	s.mu.Lock()
	s.ending = true
	s.cond.Signal()
	s.mu.Unlock()
	return nil
}

func (s *ConnStream) Destroy() error {
	s.finish(nil)
	return nil
}

func (s *ConnStream) readLoop(h StreamHandler) {
	buf := make([]byte, s.readSize)
	for {
		n, err := s.c.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.poster.Post(func() { h.HandleData(chunk) })
		}
		if err != nil {
			if errors.Is(err, io.EOF) || s.isClosed() {
				err = nil
			}
			s.finish(err)
			return
		}
	}
}

func (s *ConnStream) writeLoop() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.ending && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		ending := s.ending && len(batch) == 0
		s.mu.Unlock()

		if ending {
			if cw, ok := s.c.(interface{ CloseWrite() error }); ok && cw.CloseWrite() == nil {
				// the read loop finishes once the peer closes its side
				return
			}
			s.finish(nil)
			return
		}
		for _, b := range batch {
			if _, err := s.c.Write(b); err != nil {
				s.finish(err)
				return
			}
		}
	}
}

func (s *ConnStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// finish closes the connection once and reports the close to the handler.
func (s *ConnStream) finish(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		h, started := s.handler, s.started
		s.cond.Broadcast()
		s.mu.Unlock()
		_ = s.c.Close()
		if started {
			s.poster.Post(func() { h.HandleClose(err) })
		}
	})
}
