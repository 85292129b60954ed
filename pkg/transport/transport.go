package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// Kind identifies the link type.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindQUIC
	KindWebSocket
	KindWinPipe
	KindUDP
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindWebSocket:
		return "ws"
	case KindWinPipe:
		return "winpipe"
	case KindUDP:
		return "udp"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// ParseKind maps a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp", "":
		return KindTCP, nil
	case "quic":
		return KindQUIC, nil
	case "ws", "websocket":
		return KindWebSocket, nil
	case "winpipe":
		return KindWinPipe, nil
	case "udp":
		return KindUDP, nil
	case "mem":
		return KindMem, nil
	default:
		return KindUnknown, fmt.Errorf("unknown transport kind %q", s)
	}
}

// SupportsDatagram reports whether a UDP socket can share the stream's
// local address:port. QUIC already owns its UDP port and pipes have no IP
// endpoint.
func (k Kind) SupportsDatagram() bool {
	switch k {
	case KindTCP, KindWebSocket, KindMem:
		return true
	default:
		return false
	}
}

// Poster hands a callback to the reactor. loop.Scheduler satisfies it.
type Poster interface {
	Post(f func())
}

// StreamHandler receives stream events on the reactor.
type StreamHandler interface {
	HandleData(b []byte)
	// HandleClose is delivered exactly once. err is nil for an orderly close.
	HandleClose(err error)
}

// Stream is one ordered, reliable byte stream.
type Stream interface {
	Kind() Kind
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Start begins delivering events to h. Bytes that arrived earlier are
	// delivered first.
	Start(h StreamHandler)
	// Write enqueues b; it never blocks. The stream owns b afterwards.
	Write(b []byte) error
	// End flushes queued writes, then closes.
	End() error
	// Destroy closes immediately, dropping queued writes.
	Destroy() error
}

// AcceptFunc receives inbound streams on the reactor.
type AcceptFunc func(s Stream)

// DialFunc receives the outcome of Dial on the reactor.
type DialFunc func(s Stream, err error)

// ErrorFunc receives asynchronous listener failures on the reactor.
type ErrorFunc func(err error)

// Listener is a bound stream endpoint.
type Listener interface {
	Addr() net.Addr
	Close() error
}

// StreamTransport listens for and dials streams of one kind.
type StreamTransport interface {
	Kind() Kind
	// Listen binds synchronously; accepted streams and later failures are
	// posted to accept and onErr.
	Listen(ctx context.Context, address string, accept AcceptFunc, onErr ErrorFunc) (Listener, error)
	// Dial connects in the background and posts the result to done.
	Dial(ctx context.Context, address string, done DialFunc)
}

// DatagramHandler receives datagram events on the reactor.
type DatagramHandler interface {
	HandleDatagram(b []byte, from net.Addr)
	HandleDatagramError(err error)
}

// Datagram is a bound, message-bounded socket.
type Datagram interface {
	LocalAddr() net.Addr
	Start(h DatagramHandler)
	WriteTo(b []byte, to net.Addr) error
	Close() error
}

// DatagramTransport binds datagram sockets.
type DatagramTransport interface {
	Bind(address string) (Datagram, error)
}
