package main

import (
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MRoie/lego-loco-cluster/internal/config"
	"github.com/MRoie/lego-loco-cluster/pkg/agent"
	"github.com/MRoie/lego-loco-cluster/pkg/httpapi"
)

func serveCmd() *cobra.Command {
	var (
		port        int
		socketDir   string
		readTimeout time.Duration
		maxInFlight int64
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent's HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("socket-dir") {
				cfg.SocketDir = socketDir
			}
			if cmd.Flags().Changed("read-timeout") {
				cfg.ReadTimeout = readTimeout
			}
			if cmd.Flags().Changed("max-in-flight") {
				cfg.MaxInFlight = maxInFlight
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := slog.Default()
			a := agent.New(cfg.SocketDir,
				agent.WithLogger(logger),
				agent.WithTimeout(cfg.ReadTimeout),
			)
			srv := httpapi.New(a, cfg, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Serve(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "HTTP listen port")
	cmd.Flags().StringVar(&socketDir, "socket-dir", config.DefaultSocketDir, "directory containing the QMP sockets")
	cmd.Flags().DurationVar(&readTimeout, "read-timeout", config.DefaultReadTimeout, "QMP reply timeout")
	cmd.Flags().Int64Var(&maxInFlight, "max-in-flight", config.DefaultMaxInFlight, "bound on concurrently dispatched input requests")
	return cmd
}
