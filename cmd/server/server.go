package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kallberg/pdt/internal/admin"
	"github.com/kallberg/pdt/internal/config"
	"github.com/kallberg/pdt/internal/logging"
	"github.com/kallberg/pdt/internal/metrics"
	"github.com/kallberg/pdt/internal/server"
	"github.com/kallberg/pdt/internal/store"
	"github.com/kallberg/pdt/internal/version"
)

const (
	adminReadHeaderTimeout = 5 * time.Second
	adminShutdownTimeout   = 5 * time.Second
)

// run starts the control server and, when configured, the admin API, and
// blocks until ctx is cancelled or either of them fails.
func run(ctx context.Context, cfg config.Server) error {
	logger := logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "server",
	})
	logger.Info().
		Str("version", version.Version).
		Str("build_time", version.BuildTime).
		Str("target", version.Target).
		Msg("Starting control server")

	db, err := openStore(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := server.New(server.Config{
		OutboxSize:     cfg.OutboxSize,
		EventQueueSize: cfg.EventQueueSize,
		Logger:         logger,
		Store:          db,
		Metrics:        metrics.NewServer(reg),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.ListenAddr) })
	if cfg.AdminAddr != "" {
		handler := admin.NewHandler(srv, reg, logger).RequireToken(cfg.AdminToken).Routes()
		if cfg.AdminToken == "" {
			logger.Warn().Msg("Admin API has no token; set PDT_ADMIN_TOKEN to require one")
		}
		g.Go(func() error { return serveAdmin(gctx, cfg.AdminAddr, handler, logger) })
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Control server exited with error")
		return err
	}
	logger.Info().Msg("Control server shut down")
	return nil
}

func openStore(path string, logger zerolog.Logger) (store.Store, error) {
	if path == "" {
		logger.Info().Msg("Session journal disabled")
		return store.Nop{}, nil
	}
	db, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("open session journal: %w", err)
	}
	logger.Info().Str("path", path).Msg("Session journal opened")
	return db, nil
}

// serveAdmin runs the admin HTTP server until ctx is cancelled.
func serveAdmin(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: adminReadHeaderTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Admin API listening")
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("admin API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin API shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin API: %w", err)
	}
	return nil
}
