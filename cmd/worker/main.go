// Command worker starts a distbuild worker agent. It claims queued jobs from
// the coordinator, executes them in a sandbox, and streams logs back.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/distbuild/internal/adapter/observability"
	"github.com/fairyhunter13/distbuild/internal/agent"
	"github.com/fairyhunter13/distbuild/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg).With(slog.String("worker_id", cfg.WorkerID))
	slog.SetDefault(logger)

	if cfg.WorkerSharedToken == "" {
		slog.Error("WORKER_SHARED_TOKEN must be set")
		os.Exit(1)
	}

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.WorkerMetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.WorkerMetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", slog.Any("error", err))
			}
		}()
		defer func() { _ = metricsSrv.Close() }()
	}

	client := agent.NewClient(cfg.ServerURL, cfg.WorkerSharedToken, cfg.WorkerID)
	a := agent.New(cfg, client, logger)

	slog.Info("worker starting", slog.String("server", cfg.ServerURL))
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
