package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ezavada/pdg-node/pkg/protocol"
)

func versionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(out, version)
				return
			}
			fmt.Fprintf(out, "pdgnet %s (commit %s, built %s)\n", version, commit, date)
			fmt.Fprintf(out, "  protocol version: %d\n", protocol.CurrentVersion)
			fmt.Fprintf(out, "  go version:       %s\n", runtime.Version())
			fmt.Fprintf(out, "  os/arch:          %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "print only the version number")
	return cmd
}
