package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ezavada/pdg-node/pkg/config"
	"github.com/ezavada/pdg-node/pkg/core/loop"
	"github.com/ezavada/pdg-node/pkg/netconn"
	"github.com/ezavada/pdg-node/pkg/observability"
	"github.com/ezavada/pdg-node/pkg/protocol"
	"github.com/ezavada/pdg-node/pkg/transports"
)

// bestEffortPrefix marks stdin lines sent over the datagram path.
const bestEffortPrefix = "~"

func connectCmd(cfgPath *string) *cobra.Command {
	var addr, key string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a server and exchange lines",
		Long: `Connect to a server, print every received message with its delivery
path, and send each line read from stdin. Lines starting with "~" are sent
best-effort.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Client.Address = addr
			}
			if cmd.Flags().Changed("key") {
				cfg.Client.Key = key
			}
			return runConnect(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "server address (overrides client.address)")
	cmd.Flags().StringVarP(&key, "key", "k", "", "client key presented to the server")
	return cmd
}

func runConnect(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opts, err := netconn.FromConfig(cfg)
	if err != nil {
		return err
	}
	opts = append(opts, netconn.WithLogger(logger))

	l := loop.New()
	st, err := transports.NewStream(cfg.Client.Transport, l, transports.Options{WSPath: cfg.Server.WSPath})
	if err != nil {
		return err
	}
	cl := netconn.NewClient(l, st, transports.NewDatagram(st, l), netconn.ClientConfigFrom(cfg.Client), opts...)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Client.DialTimeout())
	defer cancel()

	l.Post(func() {
		err := cl.Connect(dialCtx, cfg.Client.Address, cfg.Client.Key, func(c *netconn.Connection) {
			cancel()
			fmt.Fprintf(out, "connected to %s (protocol %d)\n", c.RemoteAddr(), c.ProtocolVersion())
			c.OnMessage(func(_ *netconn.Connection, m *protocol.Message, d netconn.Delivery) {
				fmt.Fprintf(out, "[%s] %s\n", d, m)
			})
			c.OnClose(func(*netconn.Connection) {
				fmt.Fprintln(out, "connection closed")
				l.Close()
			})
			go readLines(l, cl, in, logger)
		})
		if err != nil {
			l.Fail(err)
		}
	})
	go func() {
		<-ctx.Done()
		l.Post(func() {
			if c := cl.Connection(); c != nil && c.Alive() {
				c.Close()
				return
			}
			l.Close()
		})
	}()
	return l.Run(context.Background())
}

// readLines forwards stdin to the connection; EOF closes it gracefully.
func readLines(l *loop.Loop, cl *netconn.Client, in io.Reader, logger *zap.Logger) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := sc.Text()
		l.Post(func() {
			c := cl.Connection()
			if c == nil {
				return
			}
			var err error
			if rest, ok := strings.CutPrefix(line, bestEffortPrefix); ok {
				err = c.SendBestEffort(rest)
			} else {
				err = c.Send(line)
			}
			if err != nil {
				logger.Warn("send failed", zap.Error(err))
			}
		})
	}
	l.Post(func() {
		if c := cl.Connection(); c != nil && c.Alive() {
			c.Close()
		}
	})
}
