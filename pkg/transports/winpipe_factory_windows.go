//go:build windows

package transports

import (
	"github.com/ezavada/pdg-node/pkg/transport"
	"github.com/ezavada/pdg-node/pkg/transport/winpipe"
)

func newWinPipeTransport(p transport.Poster) (transport.StreamTransport, error) {
	return winpipe.New(p), nil
}
