package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/ezavada/pdg-node/pkg/transport"
)

// ALPN is the application protocol negotiated on every QUIC link.
const ALPN = "pdg"

// Transport carries one bidirectional QUIC stream per connection. The peer
// certificate is self-signed and not verified; authentication happens in
// the connection handshake.
type Transport struct {
	poster transport.Poster
	conf   *quicgo.Config

	tlsOnce sync.Once
	tlsConf *tls.Config
	tlsErr  error
}

// New returns a QUIC transport posting events to p.
func New(p transport.Poster) *Transport {
	return &Transport{
		poster: p,
		conf: &quicgo.Config{
			KeepAlivePeriod: 2 * time.Second,
			MaxIdleTimeout:  30 * time.Second,
		},
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) serverTLS() (*tls.Config, error) {
	t.tlsOnce.Do(func() {
		cert, err := selfSignedCert()
		if err != nil {
			t.tlsErr = err
			return
		}
		t.tlsConf = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{ALPN},
			MinVersion:   tls.VersionTLS13,
		}
	})
	return t.tlsConf, t.tlsErr
}

func (t *Transport) Listen(ctx context.Context, address string, accept transport.AcceptFunc, onErr transport.ErrorFunc) (transport.Listener, error) {
	tc, err := t.serverTLS()
	if err != nil {
		return nil, err
	}
	l, err := quicgo.ListenAddr(address, tc, t.conf)
	if err != nil {
		return nil, err
	}
	ql := &listener{l: l, closeCh: make(chan struct{})}
	go ql.acceptLoop(t, accept, onErr)
	go func() {
		select {
		case <-ctx.Done():
			_ = ql.Close()
		case <-ql.closeCh:
		}
	}()
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string, done transport.DialFunc) {
	go func() {
		tc := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{ALPN}, MinVersion: tls.VersionTLS13}
		c, err := quicgo.DialAddr(ctx, address, tc, t.conf)
		if err != nil {
			t.poster.Post(func() { done(nil, err) })
			return
		}
		st, err := c.OpenStreamSync(ctx)
		if err != nil {
			_ = c.CloseWithError(0, "")
			t.poster.Post(func() { done(nil, err) })
			return
		}
		s := t.wrap(c, st)
		t.poster.Post(func() { done(s, nil) })
	}()
}

func (t *Transport) wrap(c quicgo.Connection, st quicgo.Stream) *transport.ConnStream {
	return transport.NewConnStream(transport.KindQUIC, t.poster, &link{conn: c, st: st}, c.LocalAddr(), c.RemoteAddr())
}

type listener struct {
	l         *quicgo.Listener
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
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		c, err := l.l.Accept(ctx)
		if err != nil {
			if l.closed() || errors.Is(err, quicgo.ErrServerClosed) {
				return
			}
			if onErr != nil {
				t.poster.Post(func() { onErr(err) })
			}
			return
		}
		go l.acceptStream(ctx, t, c, accept)
	}
}

// acceptStream waits for the peer's stream; QUIC only announces a stream
// once the opener writes to it, which the client handshake does at once.
func (l *listener) acceptStream(ctx context.Context, t *Transport, c quicgo.Connection, accept transport.AcceptFunc) {
	st, err := c.AcceptStream(ctx)
	if err != nil {
		_ = c.CloseWithError(0, "")
		return
	}
	s := t.wrap(c, st)
	t.poster.Post(func() { accept(s) })
}

// link exposes a QUIC stream as a half-closable io.ReadWriteCloser.
type link struct {
	conn quicgo.Connection
	st   quicgo.Stream
}

func (k *link) Read(b []byte) (int, error) {
	n, err := k.st.Read(b)
	var ae *quicgo.ApplicationError
	if errors.As(err, &ae) && ae.ErrorCode == 0 {
		err = io.EOF
	}
	return n, err
}

func (k *link) Write(b []byte) (int, error) { return k.st.Write(b) }

// CloseWrite finishes our direction; the peer sees EOF.
func (k *link) CloseWrite() error { return k.st.Close() }

func (k *link) Close() error {
	k.st.CancelRead(0)
	return k.conn.CloseWithError(0, "")
}

// selfSignedCert generates a short-lived certificate for the listener.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
