package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ezavada/pdg-node/pkg/config"
	"github.com/ezavada/pdg-node/pkg/core/loop"
	"github.com/ezavada/pdg-node/pkg/core/shaper"
	"github.com/ezavada/pdg-node/pkg/memkv"
	"github.com/ezavada/pdg-node/pkg/netconn"
	"github.com/ezavada/pdg-node/pkg/observability"
	"github.com/ezavada/pdg-node/pkg/peers"
	"github.com/ezavada/pdg-node/pkg/protocol"
	"github.com/ezavada/pdg-node/pkg/transports"
)

// shutdownGrace lets graceful closes flush before the loop stops.
const shutdownGrace = 500 * time.Millisecond

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a relay server",
		Long: `Run a server that accepts every client and relays each message to all
other connected peers, on the same delivery path it arrived on.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.L().Info("pdgnet serve starting", zap.String("app", cfg.AppName), zap.String("version", version))
	zap.L().Debug("effective configuration", zap.Any("config", cfg))

	kv := memkv.New(memkv.Options{})
	defer kv.Close()
	ps := peers.NewStore(kv, 0)
	metrics := observability.NewMetrics(observability.WithNamespace(cfg.Metrics.Namespace))

	opts, err := netconn.FromConfig(cfg)
	if err != nil {
		return err
	}
	opts = append(opts, netconn.WithLogger(logger), netconn.WithMetrics(metrics), netconn.WithPeerStore(ps))

	l := loop.New()
	st, err := transports.NewStream(cfg.Server.Transport, l, transports.Options{WSPath: cfg.Server.WSPath})
	if err != nil {
		return err
	}
	srv := netconn.NewServer(l, st, transports.NewDatagram(st, l), netconn.ServerConfigFrom(cfg.Server), opts...)
	srv.OnError(func(err error, c *netconn.Connection) {
		fields := []zap.Field{zap.Error(err)}
		if c != nil {
			fields = append(fields, zap.String("conn", c.ID()))
		}
		logger.Warn("connection error", fields...)
	})
	for _, r := range cfg.Reservations {
		srv.ExpectClient(r.Key, netconn.ReservationOptions(r)...)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	l.Post(func() {
		if err := srv.Listen(ctx, newRelay(srv, l, cfg.Relay, logger).accept); err != nil {
			l.Fail(err)
		}
	})

	if cfg.Metrics.Enable {
		admin := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           adminRouter(cfg.Metrics.Path, ps, prometheus.DefaultGatherer),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin endpoint failed", zap.Error(err))
			}
		}()
		defer func() { _ = admin.Close() }()
		logger.Info("admin endpoint", zap.String("addr", cfg.Metrics.Listen), zap.String("metrics", cfg.Metrics.Path))
	}

	go func() {
		<-ctx.Done()
		l.Post(func() {
			logger.Info("shutting down", zap.Int("connections", len(srv.Connections())))
			srv.Shutdown(true, false)
			l.AfterFunc(shutdownGrace, l.Close)
		})
	}()
	return l.Run(context.Background())
}

// relay accepts every client and forwards each message to all other
// established peers. Reliable messages are broadcast once; best-effort
// ones stay best-effort and are shaped per sender.
type relay struct {
	srv    *netconn.Server
	sched  loop.Scheduler
	cfg    config.RelayConfig
	log    *zap.Logger
	limits map[*netconn.Connection]*shaper.TokenBucket
}

func newRelay(srv *netconn.Server, sched loop.Scheduler, cfg config.RelayConfig, logger *zap.Logger) *relay {
	return &relay{srv: srv, sched: sched, cfg: cfg, log: logger, limits: make(map[*netconn.Connection]*shaper.TokenBucket)}
}

func (r *relay) accept(c *netconn.Connection) bool {
	r.log.Info("peer joined", zap.String("conn", c.ID()), zap.Stringer("remote", c.RemoteAddr()))
	if r.cfg.BestEffortRate > 0 {
		r.limits[c] = shaper.NewTokenBucket(int64(r.cfg.BestEffortRate), int64(r.cfg.BestEffortBurst), r.sched.Now())
	}
	c.OnMessage(r.forward)
	c.OnClose(func(c *netconn.Connection) {
		delete(r.limits, c)
		r.log.Info("peer left", zap.String("conn", c.ID()))
	})
	return true
}

func (r *relay) forward(from *netconn.Connection, m *protocol.Message, d netconn.Delivery) {
	others := func(o *netconn.Connection) bool { return o != from }
	if d == netconn.Reliable {
		if _, err := r.srv.Broadcast(m, others); err != nil {
			r.log.Warn("relay failed", zap.String("conn", from.ID()), zap.Error(err))
		}
		return
	}
	if b := r.limits[from]; b != nil {
		if ok, _ := b.Allow(1, r.sched.Now()); !ok {
			r.log.Debug("best-effort relay shaped", zap.String("conn", from.ID()))
			return
		}
	}
	for _, o := range r.srv.Connections() {
		if !others(o) {
			continue
		}
		if err := o.SendBestEffort(m); err != nil {
			r.log.Debug("best-effort relay failed", zap.String("conn", o.ID()), zap.Error(err))
		}
	}
}
