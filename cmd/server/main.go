// Command server starts the JobForge HTTP API.
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

	"github.com/fairyhunter13/jobforge/internal/adapter/artifact"
	httpserver "github.com/fairyhunter13/jobforge/internal/adapter/httpserver"
	"github.com/fairyhunter13/jobforge/internal/adapter/observability"
	"github.com/fairyhunter13/jobforge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/jobforge/internal/app"
	"github.com/fairyhunter13/jobforge/internal/config"
	"github.com/fairyhunter13/jobforge/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(2)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP and job-queue instrumentation.
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

	// The API owns the schema. Migrations run before the listener comes up
	// so workers always see a current store.
	if err := postgres.Migrate(cfg.StoreURL); err != nil {
		slog.Error("store migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := postgres.NewPool(ctx, cfg.StoreURL)
	if err != nil {
		slog.Error("store connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	jobsRepo := postgres.NewJobsRepo(pool)
	eventsRepo := postgres.NewEventsRepo(pool)
	manifestsRepo := postgres.NewManifestsRepo(pool)
	bundlesRepo := postgres.NewBundlesRepo(pool)
	triggersRepo := postgres.NewTriggersRepo(pool)

	artifacts, err := artifact.NewFSStore(cfg.ArtifactDir)
	if err != nil {
		slog.Error("artifact store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Start cleanup service for data retention
	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started", slog.Int("retention_days", cfg.DataRetentionDays), slog.Duration("interval", cfg.CleanupInterval))
	}

	// Usecases. Trigger rules are evaluated inline on event submission; the
	// API only serves the inline and ref bundle sources, builder funcs live
	// in processes that register them.
	flags := config.EnvFlags{}
	triggerSvc := usecase.NewTriggerService(triggersRepo, jobsRepo, bundlesRepo, artifacts, flags, nil)
	producerSvc := usecase.NewProducerService(jobsRepo, manifestsRepo, eventsRepo, bundlesRepo, triggerSvc, flags)

	// HTTP server
	srv := httpserver.NewServer(cfg, producerSvc, app.StoreCheck(pool))
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
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
