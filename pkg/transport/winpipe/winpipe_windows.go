//go:build windows

// Package winpipe carries the stream over Windows named pipes. Pipes have
// no IP endpoint, so connections over them never get a datagram path.
package winpipe

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/Microsoft/go-winio"

	"github.com/ezavada/pdg-node/pkg/transport"
)

type Transport struct {
	poster transport.Poster
}

func New(p transport.Poster) *Transport { return &Transport{poster: p} }

func (t *Transport) Kind() transport.Kind { return transport.KindWinPipe }

// Listen treats address as a pipe name such as \\.\pipe\pdg.
func (t *Transport) Listen(ctx context.Context, address string, accept transport.AcceptFunc, onErr transport.ErrorFunc) (transport.Listener, error) {
	l, err := winio.ListenPipe(address, &winio.PipeConfig{MessageMode: false})
	if err != nil {
		return nil, err
	}
	wl := &listener{l: l, closeCh: make(chan struct{})}
	go wl.acceptLoop(t, accept, onErr)
	go func() {
		select {
		case <-ctx.Done():
			_ = wl.Close()
		case <-wl.closeCh:
		}
	}()
	return wl, nil
}

func (t *Transport) Dial(ctx context.Context, address string, done transport.DialFunc) {
	go func() {
		c, err := winio.DialPipeContext(ctx, address)
		if err != nil {
			t.poster.Post(func() { done(nil, err) })
			return
		}
		s := transport.NewConnStream(transport.KindWinPipe, t.poster, c, c.LocalAddr(), c.RemoteAddr())
		t.poster.Post(func() { done(s, nil) })
	}()
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

func (l *listener) acceptLoop(t *Transport, accept transport.AcceptFunc, onErr transport.ErrorFunc) {
	for {
		c, err := l.l.Accept()
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
			}
			if errors.Is(err, winio.ErrPipeListenerClosed) || errors.Is(err, net.ErrClosed) {
				return
			}
			if onErr != nil {
				t.poster.Post(func() { onErr(err) })
			}
			return
		}
		s := transport.NewConnStream(transport.KindWinPipe, t.poster, c, c.LocalAddr(), c.RemoteAddr())
		t.poster.Post(func() { accept(s) })
	}
}
