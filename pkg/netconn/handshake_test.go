package netconn

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ezavada/pdg-node/pkg/observability"
	"github.com/ezavada/pdg-node/pkg/protocol"
)

func TestHandshakeEstablishes(t *testing.T) {
	h := newHarness(t)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(observability.WithRegistry(reg))
	accepted := 0
	srv := h.server(testServerConfig(), func(c *Connection) bool {
		accepted++
		return true
	}, WithMetrics(metrics))

	c := h.connect(h.client(), "")
	if c == nil {
		t.Fatalf("client did not connect")
	}
	if c.State() != StateEstablished || !c.Alive() || c.Role() != RoleClient {
		t.Fatalf("client state %s alive=%v", c.State(), c.Alive())
	}
	if accepted != 1 || len(srv.Connections()) != 1 || srv.PendingCount() != 0 {
		t.Fatalf("accepted=%d conns=%d pending=%d", accepted, len(srv.Connections()), srv.PendingCount())
	}
	sc := srv.Connections()[0]
	if sc.ProtocolVersion() != protocol.CurrentVersion || sc.RemoteProtocolVersion() != protocol.CurrentVersion {
		t.Fatalf("server versions %d/%d", sc.ProtocolVersion(), sc.RemoteProtocolVersion())
	}
	if h.m.Err() != nil {
		t.Fatalf("unexpected failure: %v", h.m.Err())
	}
	want := `
# HELP pdg_connections_active Connections that completed the handshake and were accepted.
# TYPE pdg_connections_active gauge
pdg_connections_active 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "pdg_connections_active"); err != nil {
		t.Fatalf("metrics: %v", err)
	}
}

func TestVersionNegotiation(t *testing.T) {
	cases := []struct {
		name          string
		client        int
		server        int
		established   bool
		clientVersion int
	}{
		{name: "equal", client: 1, server: 1, established: true, clientVersion: 1},
		{name: "client newer", client: 2, server: 1, established: true, clientVersion: 1},
		{name: "server newer", client: 1, server: 2, established: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			srvErrs := &errorLog{}
			srv := h.server(testServerConfig(), nil, WithProtocolVersion(tc.server))
			srv.OnError(srvErrs.handle)
			cliErrs := &errorLog{}
			cl := h.client(WithProtocolVersion(tc.client))
			cl.OnError(cliErrs.handle)

			c := h.connect(cl, "")
			if tc.established {
				if c == nil {
					t.Fatalf("not established; client errors %v, server errors %v", cliErrs.errs, srvErrs.errs)
				}
				if c.ProtocolVersion() != tc.clientVersion {
					t.Fatalf("client version %d, want %d", c.ProtocolVersion(), tc.clientVersion)
				}
				if len(srv.Connections()) != 1 || srv.Connections()[0].State() != StateEstablished {
					t.Fatalf("server side not established")
				}
				return
			}
			if c != nil {
				t.Fatalf("client connected despite version mismatch")
			}
			if !srvErrs.has(protocol.ErrUnsupportedProtocol) || !cliErrs.has(protocol.ErrUnsupportedProtocol) {
				t.Fatalf("missing ERR_UNSUPPORTED_PROTOCOL: client %v server %v", cliErrs.errs, srvErrs.errs)
			}
			if len(srv.Connections()) != 0 || srv.PendingCount() != 0 {
				t.Fatalf("server kept the connection")
			}
			if cl.Connection().Alive() {
				t.Fatalf("client connection still alive")
			}
		})
	}
}

func TestClientErrorWithoutHandlerFailsLoop(t *testing.T) {
	h := newHarness(t)
	h.server(testServerConfig(), nil, WithProtocolVersion(2))
	if c := h.connect(h.client(), ""); c != nil {
		t.Fatalf("unexpected connection")
	}
	if err := h.m.Err(); !errors.Is(err, protocol.ErrUnsupportedProtocol) {
		t.Fatalf("loop error = %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	h := newHarness(t)
	errs := &errorLog{}
	cl := h.client()
	cl.OnError(errs.handle)
	if err := cl.Connect(context.Background(), "127.0.0.1:6000", "", func(*Connection) { t.Fatalf("connected") }); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.m.Drain()
	if !errs.has(protocol.ErrTransport) {
		t.Fatalf("errors = %v", errs.errs)
	}
}

func TestConnectTwice(t *testing.T) {
	h := newHarness(t)
	h.server(testServerConfig(), nil)
	cl := h.client()
	if h.connect(cl, "") == nil {
		t.Fatalf("not connected")
	}
	if err := cl.Connect(context.Background(), serverAddr, "", nil); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second connect = %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	h := newHarness(t)
	cfg := testServerConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	srv := h.server(cfg, nil)

	raw := h.dialRaw("")
	if srv.PendingCount() != 1 {
		t.Fatalf("pending = %d", srv.PendingCount())
	}
	h.m.Advance(4 * time.Second)
	if raw.closed || srv.PendingCount() != 1 {
		t.Fatalf("timed out early")
	}
	h.m.Advance(time.Second)
	if !raw.closed || srv.PendingCount() != 0 {
		t.Fatalf("handshake not timed out: closed=%v pending=%d", raw.closed, srv.PendingCount())
	}
}

func TestHandshakeTimeoutDisabled(t *testing.T) {
	h := newHarness(t)
	cfg := testServerConfig()
	cfg.HandshakeTimeout = 0
	srv := h.server(cfg, nil)
	raw := h.dialRaw("")
	h.m.Advance(time.Hour)
	if raw.closed || srv.PendingCount() != 1 {
		t.Fatalf("connection dropped without a timer")
	}
}

func TestRemoteProtocolViolations(t *testing.T) {
	cases := []struct {
		name   string
		send   func(t *testing.T, r *rawPeer)
		want   error
		killed bool
	}{
		{
			name: "data before handshake",
			send: func(t *testing.T, r *rawPeer) { r.write(t, protocol.EncodeData([]byte("shi"))) },
			want: protocol.ErrRemoteBadFrame,
		},
		{
			name: "invalid command byte",
			send: func(t *testing.T, r *rawPeer) { r.write(t, []byte{0xff, 0, 0}) },
			want: protocol.ErrRemoteBadFrame,
		},
		{
			name: "control command byte",
			send: func(t *testing.T, r *rawPeer) { r.write(t, []byte{0x01, 0, 0}) },
			want: protocol.ErrRemoteBadTCPCommand,
		},
		{
			name: "unknown command",
			send: func(t *testing.T, r *rawPeer) { r.write(t, []byte{'Z', 0, 0}) },
			want: protocol.ErrRemoteBadTCPCommand,
		},
		{
			name:   "version not a number",
			send:   func(t *testing.T, r *rawPeer) { r.command(t, protocol.CmdVersion, "one") },
			want:   protocol.ErrRemoteBadFrame,
			killed: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			errs := &errorLog{}
			srv := h.server(testServerConfig(), nil)
			srv.OnError(errs.handle)
			raw := h.dialRaw("")
			tc.send(t, raw)
			h.m.Drain()
			if !errs.has(tc.want) {
				t.Fatalf("errors = %v", errs.errs)
			}
			if raw.closed != tc.killed {
				t.Fatalf("closed = %v, want %v", raw.closed, tc.killed)
			}
		})
	}
}

func TestErrorCarriesContext(t *testing.T) {
	h := newHarness(t)
	errs := &errorLog{}
	srv := h.server(testServerConfig(), nil)
	srv.OnError(errs.handle)
	raw := h.dialRaw("")
	raw.write(t, []byte{'Z', 0, 0})
	h.m.Drain()
	if len(errs.errs) != 1 {
		t.Fatalf("errors = %v", errs.errs)
	}
	var pe *protocol.Error
	if !errors.As(errs.errs[0], &pe) {
		t.Fatalf("not a protocol error: %T", errs.errs[0])
	}
	if pe.Cmd != 'Z' || pe.Local != serverAddr || !strings.HasPrefix(pe.Remote, "127.0.0.1:") || pe.Version != protocol.CurrentVersion {
		t.Fatalf("error context %+v", pe)
	}
}

func TestHandshakeCommandsIgnoredAfterEstablish(t *testing.T) {
	h := newHarness(t)
	errs := &errorLog{}
	srv := h.server(testServerConfig(), nil)
	srv.OnError(errs.handle)
	raw := h.dialRaw("")
	raw.command(t, protocol.CmdVersion, "1")
	h.m.Drain()
	if len(srv.Connections()) != 1 {
		t.Fatalf("not established")
	}
	raw.command(t, protocol.CmdVersion, "7")
	raw.command(t, protocol.CmdKey, "late")
	h.m.Drain()
	if len(errs.errs) != 0 || raw.closed || srv.Connections()[0].ProtocolVersion() != 1 {
		t.Fatalf("late handshake commands changed the connection: %v", errs.errs)
	}
}

func TestWrongVersionAckKillsConnection(t *testing.T) {
	h := newHarness(t)
	errs := &errorLog{}
	srv := h.server(testServerConfig(), nil)
	srv.OnError(errs.handle)
	raw := h.dialRaw("")
	raw.command(t, protocol.CmdVersion, "3")
	h.m.Drain()
	if raw.closed || srv.PendingCount() != 1 || len(srv.Connections()) != 0 {
		t.Fatalf("server should wait for the version ack")
	}
	want, _ := protocol.EncodeCommand(protocol.CurrentVersion, protocol.CmdVersion, []byte("1"))
	if string(raw.data) != string(want) {
		t.Fatalf("server replied %q, want %q", raw.data, want)
	}
	raw.command(t, protocol.CmdVersion, "2")
	h.m.Drain()
	if !errs.has(protocol.ErrUnsupportedProtocol) {
		t.Fatalf("errors = %v", errs.errs)
	}
	if !raw.closed || srv.PendingCount() != 0 || len(srv.Connections()) != 0 {
		t.Fatalf("closed=%v pending=%d", raw.closed, srv.PendingCount())
	}
}
