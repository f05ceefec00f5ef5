package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teemow/handovermail/internal/server"
)

func newServeCmd(c *cli) *cobra.Command {
	var (
		httpAddr    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API that triggers dispatch runs.

The server expects an authenticating proxy in front of it that sets the
X-Authenticated-User header to the Google account of the caller. Runs are
sent with that account's stored credential (see "handovermail auth login").

Endpoints:
  GET  /api/targets
  POST /api/targets/{target}/run
  GET  /api/targets/{target}/status
  POST /api/targets/{target}/release
  GET  /healthz, /readyz, /healthz/detailed, /metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("http-addr") {
				c.cfg.HTTP.Addr = httpAddr
			}
			if cmd.Flags().Changed("metrics-addr") {
				c.cfg.HTTP.MetricsAddr = metricsAddr
			}
			return runServe(cmd.Context(), c)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "API listen address (overrides config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics on a dedicated address instead of the API port")
	return cmd
}

func runServe(parent context.Context, c *cli) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, logger := c.cfg, c.logger
	if len(cfg.Targets) == 0 {
		logger.Warn("no targets configured, every run request will answer 404")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(context.Background()); err != nil {
			logger.Error("error during shutdown", slog.Any("error", err))
		}
	}()

	var metricsServer *server.MetricsServer
	if cfg.HTTP.MetricsAddr != "" && a.provider.PrometheusEnabled() {
		metricsServer, err = server.NewMetricsServer(server.MetricsServerConfig{
			Addr:     cfg.HTTP.MetricsAddr,
			Provider: a.provider,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server stopped", slog.Any("error", err))
			}
		}()
	}

	srvCfg := server.Config{
		Addr:    cfg.HTTP.Addr,
		Version: version,
		Logger:  logger,
		Metrics: a.provider.Metrics(),
	}
	if metricsServer == nil && a.provider.PrometheusEnabled() {
		srvCfg.MetricsHandler = a.provider.Handler()
	}
	srv, err := server.New(ctx, a.service, srvCfg)
	if err != nil {
		return err
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping HTTP server")
	case serveErr = <-serverDone:
		if serveErr != nil {
			serveErr = fmt.Errorf("HTTP server stopped with error: %w", serveErr)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down HTTP server", slog.Any("error", err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during metrics server shutdown", slog.Any("error", err))
		}
	}
	_ = a.drain(shutdownCtx)

	logger.Info("HTTP server gracefully stopped")
	return serveErr
}
