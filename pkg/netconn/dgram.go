package netconn

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/ezavada/pdg-node/pkg/protocol"
	"github.com/ezavada/pdg-node/pkg/transport"
)

// attachDatagram enables the best-effort path over d. owned sockets are
// closed with the connection; a server shares one socket among all.
func (c *Connection) attachDatagram(d transport.Datagram, owned bool) bool {
	peer, err := transport.UDPAddrOf(c.remote)
	if err != nil {
		c.log.Info("datagram path unavailable", zap.Error(err))
		return false
	}
	c.dgram = d
	c.ownsDgram = owned
	c.dgramPeer = peer
	return true
}

func (c *Connection) closeDatagram() {
	if c.probeTimer != nil {
		c.probeTimer.Stop()
		c.probeTimer = nil
	}
	if c.dgram != nil && c.ownsDgram {
		_ = c.dgram.Close()
	}
	c.dgram = nil
	c.dgramConfirmed = false
}

func (c *Connection) startProbing() {
	c.probesSent = 0
	c.sendProbe()
}

// sendProbe sends one probe and schedules the next with a growing delay
// until the path is confirmed or the probe budget runs out.
func (c *Connection) sendProbe() {
	c.probeTimer = nil
	if !c.alive || c.dgram == nil || c.dgramConfirmed || c.probesSent >= c.set.maxProbes {
		return
	}
	if err := c.dgram.WriteTo(protocol.ProbePayload, c.dgramPeer); err != nil {
		c.datagramFailed(err)
		return
	}
	c.probesSent++
	c.set.metrics.ProbeSent()
	if c.probesSent >= c.set.maxProbes {
		c.log.Debug("datagram probe budget exhausted", zap.Int("probes", c.probesSent))
		return
	}
	delay := c.set.probeInterval + time.Duration(c.probesSent)*c.set.probeBackoff
	c.probeTimer = c.sched.AfterFunc(delay, c.sendProbe)
}

// handleDatagram processes one datagram already matched to this peer.
func (c *Connection) handleDatagram(b []byte) {
	if !c.alive || c.state != StateEstablished || c.dgram == nil {
		return
	}
	if !c.dgramConfirmed {
		c.dgramConfirmed = true
		if c.probeTimer != nil {
			c.probeTimer.Stop()
			c.probeTimer = nil
		}
		c.set.metrics.DatagramConfirmed()
		c.log.Info("datagram path confirmed")
		c.set.peers.Upsert(c.record())
	}
	if protocol.IsProbe(b) {
		// each client probe earns one reply so the client can confirm too
		if c.role == RoleServer && c.probesSent < c.set.maxProbes {
			if err := c.dgram.WriteTo(protocol.ProbePayload, c.dgramPeer); err != nil {
				c.datagramFailed(err)
				return
			}
			c.probesSent++
			c.set.metrics.ProbeSent()
		}
		return
	}
	c.deliver(b, Unreliable)
}

// datagramFailed drops back to stream-only delivery.
func (c *Connection) datagramFailed(err error) {
	c.log.Warn("datagram path failed", zap.Error(err))
	if c.ownsDgram {
		c.closeDatagram()
		return
	}
	c.dgramConfirmed = false
	if c.probeTimer != nil {
		c.probeTimer.Stop()
		c.probeTimer = nil
	}
}

// clientDatagramEvents receives on a client's own socket; anything not
// from the server endpoint is dropped.
type clientDatagramEvents struct{ c *Connection }

func (e clientDatagramEvents) HandleDatagram(b []byte, from net.Addr) {
	c := e.c
	if c.dgramPeer == nil || !transport.SameEndpoint(from, c.dgramPeer) {
		c.log.Debug("dropping datagram from unexpected sender", zap.String("from", transport.Endpoint(from)))
		return
	}
	c.handleDatagram(b)
}

func (e clientDatagramEvents) HandleDatagramError(err error) {
	if e.c.dgram == nil {
		return
	}
	e.c.datagramFailed(err)
}
