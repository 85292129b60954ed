package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/ezavada/pdg-node/pkg/config"
)

func TestSetupLoggerWritesFile(t *testing.T) {
	prev := zap.L()
	defer zap.ReplaceGlobals(prev)

	path := filepath.Join(t.TempDir(), "logs", "pdg.log")
	logger, err := SetupLogger(config.LogConfig{Level: "debug", Format: "json", Outputs: []string{path}})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	zap.L().Info("hello", zap.String("who", "test"))
	_ = logger.Sync()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), `"who":"test"`) {
		t.Fatalf("log line missing: %s", b)
	}
}

func TestMetricsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithRegistry(reg), WithNamespace("t"))
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Handshake(HandshakeEstablished)
	m.Error("ERR_BAD_DATA")
	m.Bytes(DirOut, PathUnreliable, 12)
	if v := testutil.ToFloat64(m.connections); v != 1 {
		t.Fatalf("connections gauge %v", v)
	}
	if v := testutil.ToFloat64(m.handshakes.WithLabelValues(HandshakeEstablished)); v != 1 {
		t.Fatalf("handshakes %v", v)
	}
	if v := testutil.ToFloat64(m.bytes.WithLabelValues(DirOut, PathUnreliable)); v != 12 {
		t.Fatalf("bytes %v", v)
	}

	var nilMetrics *Metrics
	nilMetrics.Error("ERR_BAD_DATA")
	nilMetrics.ConnectionOpened()
}
