// Command qmp-agent bridges HTTP automation requests onto the QMP control
// sockets of the cluster's QEMU guests.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	rootCmd := &cobra.Command{
		Use:   "qmp-agent",
		Short: "QMP computer-use agent for QEMU guests",
		Long: `qmp-agent maintains persistent QMP connections to the cluster's QEMU
guests and exposes keyboard/mouse injection and status queries over a
small HTTP API, so automation scripts can drive the guests without
touching the control sockets directly.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "qmp-agent %s (%s)\n", version, commit)
		},
	}
}
