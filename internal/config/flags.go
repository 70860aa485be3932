// Package config defines runtime feature flags.
package config

import (
	"os"
	"strings"
)

// FlagSource reports runtime feature flags. Implementations consult the live
// environment on every call; a flag flipped after startup takes effect on the
// next check, never from a value cached at load time.
type FlagSource interface {
	// AutopilotJobsEnabled gates execution of autopilot-namespaced jobs,
	// including the bundle executor itself.
	AutopilotJobsEnabled() bool
	// ActionJobsEnabled gates side-effecting action jobs. Off means action
	// jobs run in forced dry-run mode regardless of the requested mode.
	ActionJobsEnabled() bool
	// BundleTriggersEnabled gates event-driven bundle synthesis.
	BundleTriggersEnabled() bool
	// IntegrationDryRun forces connectors to simulate external calls.
	IntegrationDryRun() bool
}

// EnvFlags reads feature flags from environment variables on each call.
type EnvFlags struct{}

// AutopilotJobsEnabled implements FlagSource.
func (EnvFlags) AutopilotJobsEnabled() bool {
	return flagEnabled(os.Getenv("AUTOPILOT_JOBS_ENABLED"), false)
}

// ActionJobsEnabled implements FlagSource.
func (EnvFlags) ActionJobsEnabled() bool {
	return flagEnabled(os.Getenv("ACTION_JOBS_ENABLED"), false)
}

// BundleTriggersEnabled implements FlagSource.
func (EnvFlags) BundleTriggersEnabled() bool {
	return flagEnabled(os.Getenv("BUNDLE_TRIGGERS_ENABLED"), false)
}

// IntegrationDryRun implements FlagSource. Defaults to on: real external
// calls require an explicit opt-out.
func (EnvFlags) IntegrationDryRun() bool {
	return flagEnabled(os.Getenv("INTEGRATION_DRY_RUN"), true)
}

func flagEnabled(raw string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// StaticFlags is a fixed FlagSource for tests and one-shot tools.
type StaticFlags struct {
	Autopilot bool
	Action    bool
	Triggers  bool
	DryRun    bool
}

// AutopilotJobsEnabled implements FlagSource.
func (s StaticFlags) AutopilotJobsEnabled() bool { return s.Autopilot }

// ActionJobsEnabled implements FlagSource.
func (s StaticFlags) ActionJobsEnabled() bool { return s.Action }

// BundleTriggersEnabled implements FlagSource.
func (s StaticFlags) BundleTriggersEnabled() bool { return s.Triggers }

// IntegrationDryRun implements FlagSource.
func (s StaticFlags) IntegrationDryRun() bool { return s.DryRun }
