// Command queue performs one-shot maintenance against the job store.
//
// Usage:
//
//	queue reap [--stale-after=DURATION]
//
// reap requeues claimed jobs whose worker stopped heartbeating, counting the
// lost delivery as an attempt. The long-running worker performs the same
// sweep periodically; this command exists for operators and cron.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/fairyhunter13/jobforge/internal/adapter/observability"
	"github.com/fairyhunter13/jobforge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/jobforge/internal/config"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "reap" {
		fmt.Fprintf(os.Stderr, "usage: %s reap [--stale-after=DURATION]\n", os.Args[0])
		os.Exit(2)
	}

	fs := flag.NewFlagSet("reap", flag.ContinueOnError)
	staleAfter := fs.Duration("stale-after", 0, "heartbeat silence that marks a claim as stale (overrides REAP_STALE_AFTER_MS)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}
	if *staleAfter < 0 {
		fmt.Fprintln(os.Stderr, "--stale-after must be positive")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(2)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	cutoff := cfg.ReapStaleAfter()
	if *staleAfter > 0 {
		cutoff = *staleAfter
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.StoreURL)
	if err != nil {
		slog.Error("store connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	n, err := postgres.NewJobsRepo(pool).ReapStuck(ctx, cutoff)
	if err != nil {
		slog.Error("reap failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("reap complete", slog.Int("requeued", n), slog.Duration("stale_after", cutoff))
}
