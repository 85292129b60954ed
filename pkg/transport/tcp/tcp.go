package tcp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ezavada/pdg-node/pkg/transport"
)

// Transport implements the stream transport over TCP. Frames are carried
// as-is; the connection layer does its own framing.
type Transport struct {
	poster    transport.Poster
	keepAlive time.Duration
}

// New returns a TCP transport posting events to p.
func New(p transport.Poster) *Transport {
	return &Transport{poster: p, keepAlive: 2 * time.Second}
}

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Listen(ctx context.Context, address string, accept transport.AcceptFunc, onErr transport.ErrorFunc) (transport.Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	tl := &listener{l: l, closeCh: make(chan struct{})}
	go tl.acceptLoop(t, accept, onErr)
	go func() {
		select {
		case <-ctx.Done():
			_ = tl.Close()
		case <-tl.closeCh:
		}
	}()
	return tl, nil
}

func (t *Transport) Dial(ctx context.Context, address string, done transport.DialFunc) {
	go func() {
		d := &net.Dialer{KeepAlive: t.keepAlive}
		c, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			t.poster.Post(func() { done(nil, err) })
			return
		}
		s := t.wrap(c)
		t.poster.Post(func() { done(s, nil) })
	}()
}

func (t *Transport) wrap(c net.Conn) *transport.ConnStream {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(t.keepAlive)
	}
	return transport.NewConnStream(transport.KindTCP, t.poster, c, c.LocalAddr(), c.RemoteAddr())
}

type listener struct {
	l         net.Listener
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Close() error {
	err := net.ErrClosed
	l.closeOnce.Do(func() {
		close(l.closeCh)
		err = l.l.Close()
	})
	return err
}

func (l *listener) closed() bool {
	select {
	case <-l.closeCh:
		return true
	default:
		return false
	}
}

func (l *listener) acceptLoop(t *Transport, accept transport.AcceptFunc, onErr transport.ErrorFunc) {
	for {
		c, err := l.l.Accept()
		if err != nil {
			if l.closed() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if onErr != nil {
				t.poster.Post(func() { onErr(err) })
			}
			return
		}
		s := t.wrap(c)
		t.poster.Post(func() { accept(s) })
	}
}
