// Command server starts the distbuild coordinator HTTP server.
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

	httpserver "github.com/fairyhunter13/distbuild/internal/adapter/httpserver"
	"github.com/fairyhunter13/distbuild/internal/adapter/observability"
	"github.com/fairyhunter13/distbuild/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/distbuild/internal/app"
	"github.com/fairyhunter13/distbuild/internal/config"
	"github.com/fairyhunter13/distbuild/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	if err := postgres.Migrate(cfg.DBURL); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	consumerRepo := postgres.NewConsumerRepo(pool)
	jobRepo := postgres.NewJobRepo(pool)
	logRepo := postgres.NewLogRepo(pool)

	jobSvc := usecase.NewJobService(jobRepo, logRepo, cfg.AllowLocalSandbox, cfg.DefaultTimeoutSeconds)
	claimSvc := usecase.NewClaimService(consumerRepo, jobRepo)
	workerSvc := usecase.NewWorkerService(jobRepo, logRepo, cfg.MaxLogChars)

	srv := httpserver.NewServer(cfg, consumerRepo, jobSvc, claimSvc, workerSvc, pool.Ping)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
