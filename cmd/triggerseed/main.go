// Command triggerseed loads bundle trigger rules from a YAML file into the
// store. Seeding is idempotent: rules upsert by (tenant_id, name), so the
// same file can be applied on every deploy.
//
// Usage:
//
//	triggerseed -file rules.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/fairyhunter13/jobforge/internal/adapter/observability"
	"github.com/fairyhunter13/jobforge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/jobforge/internal/config"
	"github.com/fairyhunter13/jobforge/internal/domain"
	"github.com/fairyhunter13/jobforge/internal/triggerseed"
)

func main() {
	file := flag.String("file", "rules.yaml", "path to the trigger rules YAML file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(2)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.StoreURL)
	if err != nil {
		slog.Error("store connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	n, err := triggerseed.Seed(ctx, postgres.NewTriggersRepo(pool), *file)
	if err != nil {
		slog.Error("trigger seeding failed", slog.String("file", *file), slog.Any("error", err))
		if errors.Is(err, domain.ErrValidation) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	slog.Info("trigger rules seeded", slog.Int("rules", n), slog.String("file", *file))
}
