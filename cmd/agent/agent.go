package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kallberg/pdt/internal/actions"
	"github.com/kallberg/pdt/internal/client"
	"github.com/kallberg/pdt/internal/config"
	"github.com/kallberg/pdt/internal/logging"
	"github.com/kallberg/pdt/internal/metrics"
	"github.com/kallberg/pdt/internal/sysinfo"
	"github.com/kallberg/pdt/internal/version"
)

const metricsShutdownTimeout = 5 * time.Second

// run keeps a session with the server until the server says goodbye,
// ctx is cancelled, or reconnecting fails for good.
func run(ctx context.Context, cfg config.Client) error {
	logger := logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "agent",
	})
	logger.Info().
		Str("version", version.Version).
		Str("target", version.Target).
		Str("server", cfg.ServerAddr).
		Str("name", cfg.DeviceName).
		Msg("Starting device agent")

	reg := prometheus.NewRegistry()
	collector := sysinfo.NewCollector()
	sess := client.New(client.Config{
		Addr:       cfg.ServerAddr,
		Name:       cfg.DeviceName,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
		Metrics:    metrics.NewAgent(reg),
		Actions:    actions.NewExecInvoker(logger),
		DeviceInfo: collector.Collect,
	})

	g, gctx := errgroup.WithContext(ctx)
	sessionCtx, stopMetrics := context.WithCancel(gctx)
	g.Go(func() error {
		defer stopMetrics()
		return sess.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(sessionCtx, cfg.MetricsAddr, reg, logger) })
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Device agent exited with error")
		return err
	}
	logger.Info().Msg("Device agent stopped")
	return nil
}

// serveMetrics exposes the agent's collectors until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics listening")
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}
