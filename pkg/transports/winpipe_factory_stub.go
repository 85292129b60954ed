//go:build !windows

package transports

import (
	"fmt"

	"github.com/ezavada/pdg-node/pkg/transport"
)

func newWinPipeTransport(transport.Poster) (transport.StreamTransport, error) {
	return nil, fmt.Errorf("winpipe transport is not supported on this platform")
}
