// Command worker runs the JobForge job consumer.
//
// Usage:
//
//	worker run [--once] [--interval=SECONDS]
//
// The worker claims jobs from the PostgreSQL queue and executes the built-in
// connector handlers plus the bundle executor. Alongside the consumer it
// sweeps stale claims back to pending and ages out retained data. --once
// performs a single claim-and-drain cycle and exits, which is how cron-style
// deployments and smoke tests drive it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/jobforge/internal/adapter/artifact"
	"github.com/fairyhunter13/jobforge/internal/adapter/observability"
	"github.com/fairyhunter13/jobforge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/jobforge/internal/app"
	"github.com/fairyhunter13/jobforge/internal/config"
	"github.com/fairyhunter13/jobforge/internal/connector"
	"github.com/fairyhunter13/jobforge/internal/connector/builtin"
	"github.com/fairyhunter13/jobforge/internal/domain"
	"github.com/fairyhunter13/jobforge/internal/usecase"
	"github.com/fairyhunter13/jobforge/internal/worker"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "run" {
		fmt.Fprintf(os.Stderr, "usage: %s run [--once] [--interval=SECONDS]\n", os.Args[0])
		os.Exit(2)
	}

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	once := fs.Bool("once", false, "claim and drain a single batch, then exit")
	interval := fs.Int("interval", 0, "poll interval in seconds (overrides POLL_INTERVAL_MS)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}
	if *interval < 0 {
		fmt.Fprintln(os.Stderr, "--interval must not be negative")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(2)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics in the worker process and expose them on a
	// dedicated /metrics endpoint so job-queue metrics can be scraped.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

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

	pool, err := postgres.NewPool(ctx, cfg.StoreURL)
	if err != nil {
		slog.Error("store connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	jobsRepo := postgres.NewJobsRepo(pool)
	bundlesRepo := postgres.NewBundlesRepo(pool)
	tokensRepo := postgres.NewTokensRepo(pool)
	evidenceRepo := postgres.NewEvidenceRepo(pool)

	artifacts, err := artifact.NewFSStore(cfg.ArtifactDir)
	if err != nil {
		slog.Error("artifact store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// One harness instance serves every connector handler in this process so
	// breaker state and evidence scrubbing are shared.
	flags := config.EnvFlags{}
	conns := connector.NewRegistry()
	harness := connector.NewHarness(conns, connector.Options{
		Timeout: cfg.ConnectorTimeout,
		Retry: domain.RetryPolicy{
			MaxRetries:  cfg.ConnectorMaxRetries,
			Base:        cfg.ConnectorRetryBase,
			MaxDelay:    cfg.ConnectorRetryMax,
			Multiplier:  2.0,
			JitterRatio: 0.1,
		},
		Breakers:      connector.NewBreakerRegistry(cfg.BreakerFailureThreshold, cfg.BreakerCooldown),
		Flags:         flags,
		GlobalSecrets: cfg.PolicyTokenSecrets(),
	})

	handlers := worker.NewRegistry()
	builtin.RegisterAll(conns, handlers, harness, builtin.Deps{
		Queue:     jobsRepo,
		Artifacts: artifacts,
		Evidence:  evidenceRepo,
	})
	usecase.NewBundleExecutor(jobsRepo, bundlesRepo, tokensRepo, artifacts, flags, cfg.PolicyTokenSecrets()).Register(handlers)

	opts := worker.OptionsFromConfig(cfg)
	if *interval > 0 {
		opts.PollInterval = time.Duration(*interval) * time.Second
	}
	w := worker.New(jobsRepo, handlers, opts)

	if *once {
		if err := w.RunOnce(ctx); err != nil {
			slog.Error("drain cycle failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	// Stale-claim reaper and retention cleanup run alongside the consumer.
	if reaper := app.NewReaper(jobsRepo, cfg.ReapStaleAfter(), cfg.ReapInterval()); reaper != nil {
		go reaper.Run(ctx)
	}
	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
	}

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))
	if err := w.Run(ctx); err != nil {
		slog.Error("worker stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}
