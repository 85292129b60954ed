// Package ws carries the stream over WebSocket binary messages. Message
// boundaries are not significant; the connection layer reframes the bytes.
package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ezavada/pdg-node/pkg/transport"
)

// DefaultPath is the upgrade path used when none is configured.
const DefaultPath = "/pdg"

type Transport struct {
	poster   transport.Poster
	path     string
	upgrader websocket.Upgrader
	dialer   websocket.Dialer
}

// New returns a WebSocket transport serving and dialing path.
func New(p transport.Poster, path string) *Transport {
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &Transport{
		poster: p,
		path:   path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindWebSocket }

// Path returns the upgrade path.
func (t *Transport) Path() string { return t.path }

func (t *Transport) Listen(ctx context.Context, address string, accept transport.AcceptFunc, onErr transport.ErrorFunc) (transport.Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	r := chi.NewRouter()
	r.Get(t.path, func(w http.ResponseWriter, req *http.Request) {
		c, err := t.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		s := t.wrap(c)
		t.poster.Post(func() { accept(s) })
	})
	wl := &listener{l: l, srv: &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}, closeCh: make(chan struct{})}
	go func() {
		err := wl.srv.Serve(l)
		if err == nil || errors.Is(err, http.ErrServerClosed) || wl.closed() {
			return
		}
		if onErr != nil {
			t.poster.Post(func() { onErr(err) })
		}
	}()
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
		c, _, err := t.dialer.DialContext(ctx, "ws://"+address+t.path, nil)
		if err != nil {
			t.poster.Post(func() { done(nil, err) })
			return
		}
		s := t.wrap(c)
		t.poster.Post(func() { done(s, nil) })
	}()
}

func (t *Transport) wrap(c *websocket.Conn) *transport.ConnStream {
	return transport.NewConnStream(transport.KindWebSocket, t.poster, &conn{c: c}, c.LocalAddr(), c.RemoteAddr())
}

type listener struct {
	l         net.Listener
	srv       *http.Server
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Close() error {
	err := net.ErrClosed
	l.closeOnce.Do(func() {
		close(l.closeCh)
		err = l.srv.Close()
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

// conn flattens a message stream into bytes.
type conn struct {
	c *websocket.Conn
	r io.Reader
}

func (w *conn) Read(b []byte) (int, error) {
	for {
		if w.r == nil {
			_, r, err := w.c.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			w.r = r
		}
		n, err := w.r.Read(b)
		if errors.Is(err, io.EOF) {
			w.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (w *conn) Write(b []byte) (int, error) {
	if err := w.c.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// CloseWrite sends a normal close; the peer echoes it and our reader sees EOF.
func (w *conn) CloseWrite() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (w *conn) Close() error { return w.c.Close() }
