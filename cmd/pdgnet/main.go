package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pdgnet: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "pdgnet",
		Short: "Reliable and best-effort peer messaging",
		Long: `pdgnet runs the pdg peer connection layer.

A server accepts clients over a framed stream (tcp, quic, ws or winpipe),
negotiates the protocol version, optionally checks a reserved client key,
and brings up a UDP side channel for best-effort messages.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config file (default: search ./pdg.yaml, ./configs, ~/.pdg)")

	root.AddCommand(
		serveCmd(&cfgPath),
		connectCmd(&cfgPath),
		configCmd(&cfgPath),
		versionCmd(),
	)
	return root
}
