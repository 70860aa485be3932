package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jobforge/internal/config"
)

func TestSetupLoggerLevels(t *testing.T) {
	ctx := context.Background()

	dev := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "jobforge"})
	require.NotNil(t, dev)
	assert.True(t, dev.Enabled(ctx, slog.LevelDebug), "dev defaults to debug")

	prod := SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "jobforge"})
	require.NotNil(t, prod)
	assert.False(t, prod.Enabled(ctx, slog.LevelDebug), "prod defaults to info")
	assert.True(t, prod.Enabled(ctx, slog.LevelInfo))

	quiet := SetupLogger(config.Config{AppEnv: "dev", LogLevel: "error", OTELServiceName: "jobforge"})
	assert.False(t, quiet.Enabled(ctx, slog.LevelWarn), "LOG_LEVEL overrides the env default")
	assert.True(t, quiet.Enabled(ctx, slog.LevelError))
}
