package netconn

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ezavada/pdg-node/pkg/observability"
	"github.com/ezavada/pdg-node/pkg/protocol"
	"github.com/ezavada/pdg-node/pkg/transport"
)

// startClientHandshake sends the optional key and our version.
func (c *Connection) startClientHandshake() {
	c.state = StateAwaitingVersion
	if c.key != "" {
		if !c.sendCommand(protocol.CmdKey, c.key) {
			return
		}
	}
	c.sendCommand(protocol.CmdVersion, strconv.Itoa(c.ourVersion))
}

func (c *Connection) handleKey(key string) {
	if c.role != RoleServer {
		c.log.Warn("ignoring client key sent by server")
		return
	}
	if !c.requireKey {
		c.log.Debug("client key not required, ignoring")
		return
	}
	if !c.server.checkClientKey(key, transport.HostOf(c.remote)) {
		c.set.metrics.Handshake(observability.HandshakeRejected)
		c.abort(true, c.errorf(protocol.CodeBadClientKey, "no reservation matches the client key"))
		return
	}
	c.requireKey = false
	c.keyAccepted = true
	c.state = StateAwaitingVersion
	c.log.Debug("client key accepted")
}

func (c *Connection) handleVersion(data string) {
	v, err := strconv.Atoi(strings.TrimSpace(data))
	if err != nil || v < 0 {
		c.abort(true, c.errorf(protocol.CodeRemoteBadFrame, "bad protocol version %q", data))
		return
	}
	if c.role == RoleServer {
		c.serverVersion(v)
	} else {
		c.clientVersion(v)
	}
}

// serverVersion answers the first version with our own, then waits for
// the client's acknowledgment when the client offered more than we speak.
func (c *Connection) serverVersion(v int) {
	if !c.gotVersion {
		c.gotVersion = true
		c.remoteVersion = v
		if !c.sendCommand(protocol.CmdVersion, strconv.Itoa(c.ourVersion)) {
			return
		}
		switch {
		case v < c.ourVersion:
			c.set.metrics.Handshake(observability.HandshakeFailed)
			c.abort(false, c.errorf(protocol.CodeUnsupportedProtocol,
				"client speaks version %d, server requires %d", v, c.ourVersion))
		case v > c.ourVersion:
			c.state = StateVersionAckPending
		default:
			c.establish()
		}
		return
	}
	if c.state != StateVersionAckPending {
		c.log.Warn("ignoring repeated version", zap.Int("version", v))
		return
	}
	c.remoteVersion = v
	if v != c.ourVersion {
		c.set.metrics.Handshake(observability.HandshakeFailed)
		c.abort(true, c.errorf(protocol.CodeUnsupportedProtocol,
			"client acknowledged version %d, server speaks %d", v, c.ourVersion))
		return
	}
	c.establish()
}

// clientVersion adopts a lower server version and acknowledges it.
func (c *Connection) clientVersion(v int) {
	if c.gotVersion {
		c.log.Warn("ignoring repeated version", zap.Int("version", v))
		return
	}
	c.gotVersion = true
	c.remoteVersion = v
	switch {
	case v > c.ourVersion:
		c.abort(true, c.errorf(protocol.CodeUnsupportedProtocol,
			"server requires version %d, client speaks up to %d", v, c.ourVersion))
	case v < c.ourVersion:
		if !protocol.IsLegalCommand(v, protocol.CmdVersion) {
			c.abort(true, c.errorf(protocol.CodeUnsupportedProtocol,
				"server version %d cannot acknowledge a version", v))
			return
		}
		c.log.Info("downgrading protocol", zap.Int("from", c.ourVersion), zap.Int("to", v))
		c.ourVersion = v
		if !c.sendCommand(protocol.CmdVersion, strconv.Itoa(v)) {
			return
		}
		c.establish()
	default:
		c.establish()
	}
}

func (c *Connection) establish() {
	c.state = StateEstablished
	c.established = true
	c.connectedAt = c.sched.Now()
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	c.log.Info("connection established",
		zap.Int("version", c.ourVersion),
		zap.Bool("key", c.keyAccepted))
	if c.role == RoleServer {
		c.server.connectionEstablished(c)
	} else {
		c.client.connectionEstablished(c)
	}
}

// handshakeExpired kills a server connection that did not finish in time.
func (c *Connection) handshakeExpired() {
	c.handshakeTimer = nil
	if !c.alive || c.state == StateEstablished {
		return
	}
	c.log.Info("handshake timed out", zap.Stringer("state", c.state))
	c.set.metrics.Handshake(observability.HandshakeTimeout)
	c.Kill()
	if c.server != nil {
		c.server.dropPending(c)
	}
}
