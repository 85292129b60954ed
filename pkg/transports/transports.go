// Package transports builds concrete transports from configuration names.
package transports

import (
	"fmt"

	"github.com/ezavada/pdg-node/pkg/transport"
	"github.com/ezavada/pdg-node/pkg/transport/quic"
	"github.com/ezavada/pdg-node/pkg/transport/tcp"
	"github.com/ezavada/pdg-node/pkg/transport/udp"
	"github.com/ezavada/pdg-node/pkg/transport/ws"
)

// Options carries per-kind settings.
type Options struct {
	// WSPath is the WebSocket upgrade path.
	WSPath string
}

// NewStream returns the stream transport for kind ("tcp", "quic", "ws",
// "winpipe").
func NewStream(kind string, p transport.Poster, opts Options) (transport.StreamTransport, error) {
	k, err := transport.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	switch k {
	case transport.KindTCP:
		return tcp.New(p), nil
	case transport.KindQUIC:
		return quic.New(p), nil
	case transport.KindWebSocket:
		return ws.New(p, opts.WSPath), nil
	case transport.KindWinPipe:
		return newWinPipeTransport(p)
	default:
		return nil, fmt.Errorf("%s is not a stream transport", k)
	}
}

// NewDatagram returns the UDP transport when st can share its address with
// a datagram socket, and nil otherwise.
func NewDatagram(st transport.StreamTransport, p transport.Poster) transport.DatagramTransport {
	if st == nil || !st.Kind().SupportsDatagram() {
		return nil
	}
	return udp.New(p)
}
