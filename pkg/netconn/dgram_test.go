package netconn

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ezavada/pdg-node/pkg/protocol"
)

func TestDatagramPathConfirmed(t *testing.T) {
	h := newHarness(t)
	srvIn := &inbox{}
	srv := h.server(testServerConfig(), func(c *Connection) bool {
		c.OnMessage(srvIn.handle)
		return true
	})
	c := h.connect(h.client(), "")
	if c == nil {
		t.Fatalf("not connected")
	}
	sc := srv.Connections()[0]
	if !c.DatagramConfirmed() || !sc.DatagramConfirmed() {
		t.Fatalf("datagram path not confirmed: client=%v server=%v", c.DatagramConfirmed(), sc.DatagramConfirmed())
	}
	if h.m.Timers() != 0 {
		t.Fatalf("probe timer still armed: %d", h.m.Timers())
	}

	if err := c.SendBestEffort("fast"); err != nil {
		t.Fatalf("best effort: %v", err)
	}
	h.m.Drain()
	m, d := srvIn.last()
	if m == nil || m.String() != "fast" || d != Unreliable {
		t.Fatalf("server got %v via %s", m, d)
	}

	big := strings.Repeat("x", 2000)
	if err := c.SendBestEffort(big); err != nil {
		t.Fatalf("best effort: %v", err)
	}
	h.m.Drain()
	if m, d := srvIn.last(); m.String() != big || d != Reliable {
		t.Fatalf("oversized best-effort message went %s", d)
	}

	cliIn := &inbox{}
	c.OnMessage(cliIn.handle)
	if err := sc.SendBestEffort("back"); err != nil {
		t.Fatalf("server best effort: %v", err)
	}
	h.m.Drain()
	if m, d := cliIn.last(); m == nil || m.String() != "back" || d != Unreliable {
		t.Fatalf("client got %v via %s", m, d)
	}
}

func TestDatagramBlockedFallsBackToStream(t *testing.T) {
	h := newHarness(t)
	h.net.BlockDatagrams(true)
	srvIn := &inbox{}
	h.server(testServerConfig(), func(c *Connection) bool {
		c.OnMessage(srvIn.handle)
		return true
	})
	c := h.connect(h.client(WithProbes(3, 100*time.Millisecond, 10*time.Millisecond)), "")
	if c == nil {
		t.Fatalf("not connected")
	}
	h.m.Advance(time.Second)
	if c.DatagramConfirmed() {
		t.Fatalf("confirmed through a blocked path")
	}
	if h.net.Dropped() != 3 || h.m.Timers() != 0 {
		t.Fatalf("probes dropped=%d timers=%d, want 3 and 0", h.net.Dropped(), h.m.Timers())
	}
	if err := c.SendBestEffort("slow"); err != nil {
		t.Fatalf("best effort: %v", err)
	}
	h.m.Drain()
	if m, d := srvIn.last(); m == nil || m.String() != "slow" || d != Reliable {
		t.Fatalf("fallback delivery %v via %s", m, d)
	}
}

func TestProbeBackoffSchedule(t *testing.T) {
	h := newHarness(t)
	h.net.BlockDatagrams(true)
	h.server(testServerConfig(), nil)
	c := h.connect(h.client(WithProbes(10, 500*time.Millisecond, 100*time.Millisecond)), "")
	if c == nil {
		t.Fatalf("not connected")
	}
	if h.net.Dropped() != 1 {
		t.Fatalf("first probe not sent at connect")
	}
	// retries wait 600ms, then 700ms
	h.m.Advance(599 * time.Millisecond)
	if h.net.Dropped() != 1 {
		t.Fatalf("second probe too early")
	}
	h.m.Advance(time.Millisecond)
	if h.net.Dropped() != 2 {
		t.Fatalf("second probe missing")
	}
	h.m.Advance(700 * time.Millisecond)
	if h.net.Dropped() != 3 {
		t.Fatalf("third probe missing, dropped=%d", h.net.Dropped())
	}

	h.net.BlockDatagrams(false)
	h.m.Advance(800 * time.Millisecond)
	if !c.DatagramConfirmed() || h.m.Timers() != 0 {
		t.Fatalf("late probe did not confirm the path")
	}
}

func TestDatagramDisallowedByClient(t *testing.T) {
	h := newHarness(t)
	h.server(testServerConfig(), nil)
	cl := NewClient(h.m, h.net.Stream(), h.net.Datagram(), ClientConfig{AllowDatagram: false})
	c := h.connect(cl, "")
	if c == nil {
		t.Fatalf("not connected")
	}
	if c.DatagramConfirmed() || h.net.Dropped() != 0 {
		t.Fatalf("client probed with datagrams disabled")
	}
}

func TestDatagramFromUnknownSenderIgnored(t *testing.T) {
	h := newHarness(t)
	srvIn := &inbox{}
	srv := h.server(testServerConfig(), func(c *Connection) bool {
		c.OnMessage(srvIn.handle)
		return true
	})
	if h.connect(h.client(), "") == nil {
		t.Fatalf("not connected")
	}
	stranger, err := h.net.Datagram().Bind("127.0.0.1:7000")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	payload, _ := protocol.DefaultSerializer().Marshal("spoof")
	if err := stranger.WriteTo(payload, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: srv.Port()}); err != nil {
		t.Fatalf("write: %v", err)
	}
	h.m.Drain()
	if len(srvIn.msgs) != 0 {
		t.Fatalf("delivered a datagram from an unknown sender")
	}
}

func TestServerDatagramSocketFailure(t *testing.T) {
	h := newHarness(t)
	errs := &errorLog{}
	srvIn := &inbox{}
	srv := h.server(testServerConfig(), func(c *Connection) bool {
		c.OnMessage(srvIn.handle)
		return true
	})
	srv.OnError(errs.handle)
	c := h.connect(h.client(), "")
	if c == nil {
		t.Fatalf("not connected")
	}
	sc := srv.Connections()[0]
	h.net.Socket(serverAddr).Fail(errors.New("socket gone"))
	h.m.Drain()
	if srv.DatagramEnabled() || sc.DatagramConfirmed() {
		t.Fatalf("server kept the failed socket")
	}
	if !errs.has(protocol.ErrTransport) {
		t.Fatalf("errors = %v", errs.errs)
	}
	if err := sc.SendBestEffort("still here"); err != nil {
		t.Fatalf("best effort: %v", err)
	}
	if len(srv.Connections()) != 1 || !sc.Alive() {
		t.Fatalf("stream connection dropped with the datagram socket")
	}
}

func TestBadDatagramPayloadReported(t *testing.T) {
	h := newHarness(t)
	errs := &errorLog{}
	srv := h.server(testServerConfig(), nil)
	srv.OnError(errs.handle)
	c := h.connect(h.client(), "")
	if c == nil {
		t.Fatalf("not connected")
	}
	if err := c.dgram.WriteTo([]byte{'?', 1}, c.dgramPeer); err != nil {
		t.Fatalf("write: %v", err)
	}
	h.m.Drain()
	if !errs.has(protocol.ErrRemoteBadData) {
		t.Fatalf("errors = %v", errs.errs)
	}
}
