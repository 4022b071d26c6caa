package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/fulltext/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fulltext server",
	Long: `Start the fulltext HTTP server.

The server answers page and book requests from the viewer, serves the
storage root under /fulltext/ and exposes Prometheus metrics. Changes to
the config file are picked up without a restart, except for docker
settings.

The server provides:
  - /health  - Basic server health check
  - /ready   - Readiness check (catalog loaded, directories writable)
  - /metrics - Prometheus metrics

Examples:
  fulltext serve                    # Listen on server.host:server.port
  fulltext serve --port 3000        # Listen on a custom port
  fulltext serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, mgr, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(mgr.Get().Log)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		srv, err := server.New(server.Config{
			Host:          serveHost,
			Port:          servePort,
			ConfigManager: mgr,
			Home:          h,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (default: server.host)")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (default: server.port)")

	rootCmd.AddCommand(serveCmd)
}
