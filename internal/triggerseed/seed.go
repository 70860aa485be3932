// Package triggerseed loads bundle trigger rules from YAML files and upserts
// them into the rule store.
//
// Seeding is all-or-nothing per file: every rule is validated before any rule
// is written, so a bad file never half-applies.
package triggerseed

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

// RuleStore is the slice of the trigger store the seeder writes through.
type RuleStore interface {
	UpsertRule(ctx domain.Context, rule domain.BundleTriggerRule) (domain.BundleTriggerRule, error)
}

type ruleFile struct {
	Rules []ruleYAML `yaml:"rules"`
}

type ruleYAML struct {
	RuleID    string     `yaml:"rule_id"`
	TenantID  string     `yaml:"tenant_id"`
	ProjectID *string    `yaml:"project_id"`
	Name      string     `yaml:"name"`
	Enabled   *bool      `yaml:"enabled"`
	Match     matchYAML  `yaml:"match"`
	Action    actionYAML `yaml:"action"`
	Safety    safetyYAML `yaml:"safety"`
}

type matchYAML struct {
	EventTypes    []string `yaml:"event_types"`
	SourceModules []string `yaml:"source_modules"`
	MinSeverity   string   `yaml:"min_severity"`
}

type actionYAML struct {
	Source    string      `yaml:"source"`
	Mode      string      `yaml:"mode"`
	BundleRef string      `yaml:"bundle_ref"`
	Builder   string      `yaml:"builder"`
	Bundle    *bundleYAML `yaml:"bundle"`
}

type bundleYAML struct {
	SchemaVersion string        `yaml:"schema_version"`
	Requests      []requestYAML `yaml:"requests"`
}

type requestYAML struct {
	ID             string         `yaml:"id"`
	JobType        string         `yaml:"job_type"`
	Payload        map[string]any `yaml:"payload"`
	IdempotencyKey string         `yaml:"idempotency_key"`
	RequiredScopes []string       `yaml:"required_scopes"`
	IsActionJob    bool           `yaml:"is_action_job"`
}

type safetyYAML struct {
	CooldownSeconds   int    `yaml:"cooldown_seconds"`
	MaxRunsPerHour    int    `yaml:"max_runs_per_hour"`
	DedupeKeyTemplate string `yaml:"dedupe_key_template"`
	AllowActionJobs   bool   `yaml:"allow_action_jobs"`
}

// Load reads and validates a rules file. Any problem it reports wraps
// ErrValidation so callers can tell a bad file from a failing store.
func Load(path string) ([]domain.BundleTriggerRule, error) {
	// Mitigate file inclusion issues by constraining to current working directory.
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("op=triggerseed.load: %w: %w", err, domain.ErrValidation)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("op=triggerseed.load: %w", err)
	}
	abs = filepath.Clean(abs)
	wd = filepath.Clean(wd)
	if os.Getenv("TRIGGERSEED_ALLOW_ABSPATHS") != "1" {
		if !strings.HasPrefix(abs, wd+string(os.PathSeparator)) && abs != wd {
			return nil, fmt.Errorf("op=triggerseed.load: disallowed path %s: %w", abs, domain.ErrValidation)
		}
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("op=triggerseed.load: rules file not found: %s: %w", path, domain.ErrValidation)
		}
		return nil, fmt.Errorf("op=triggerseed.load: %w", err)
	}
	var doc ruleFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("op=triggerseed.load: yaml parse: %w: %w", err, domain.ErrValidation)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("op=triggerseed.load: no rules in %s: %w", path, domain.ErrValidation)
	}

	rules := make([]domain.BundleTriggerRule, 0, len(doc.Rules))
	var errs []error
	seen := map[string]bool{}
	for i, ry := range doc.Rules {
		rule := ry.toDomain()
		ref := rule.Name
		if ref == "" {
			ref = fmt.Sprintf("#%d", i)
		}
		if key := rule.TenantID + "/" + rule.Name; rule.Name != "" && seen[key] {
			errs = append(errs, fmt.Errorf("rule %q: duplicate name for tenant %s: %w", ref, rule.TenantID, domain.ErrValidation))
			continue
		} else if rule.Name != "" {
			seen[key] = true
		}
		if issues := rule.Validate(); domain.HasErrors(issues) {
			errs = append(errs, fmt.Errorf("rule %q: %w", ref, domain.NewValidationError(issues)))
			continue
		}
		rules = append(rules, rule)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("op=triggerseed.load: %w", errors.Join(errs...))
	}
	return rules, nil
}

// Seed loads path and upserts every rule, returning how many were written.
func Seed(ctx domain.Context, store RuleStore, path string) (int, error) {
	rules, err := Load(path)
	if err != nil {
		return 0, err
	}
	for i, rule := range rules {
		if _, err := store.UpsertRule(ctx, rule); err != nil {
			return i, fmt.Errorf("op=triggerseed.seed: rule %q: %w", rule.Name, err)
		}
	}
	return len(rules), nil
}

func (ry ruleYAML) toDomain() domain.BundleTriggerRule {
	rule := domain.BundleTriggerRule{
		RuleID:    ry.RuleID,
		TenantID:  ry.TenantID,
		ProjectID: ry.ProjectID,
		Name:      ry.Name,
		Enabled:   true,
		Match: domain.TriggerMatch{
			EventTypeAllowlist:    ry.Match.EventTypes,
			SourceModuleAllowlist: ry.Match.SourceModules,
		},
		Safety: domain.TriggerSafety{
			CooldownSeconds: ry.Safety.CooldownSeconds,
			MaxRunsPerHour:  ry.Safety.MaxRunsPerHour,
			AllowActionJobs: ry.Safety.AllowActionJobs,
		},
	}
	if ry.Enabled != nil {
		rule.Enabled = *ry.Enabled
	}
	if ry.Match.MinSeverity != "" {
		sev := domain.Severity(ry.Match.MinSeverity)
		rule.Match.SeverityThreshold = &sev
	}
	if ry.Safety.DedupeKeyTemplate != "" {
		tpl := ry.Safety.DedupeKeyTemplate
		rule.Safety.DedupeKeyTemplate = &tpl
	}

	rule.Action.BundleSource = domain.BundleSource(ry.Action.Source)
	if ry.Action.Source == "" && ry.Action.Bundle != nil {
		rule.Action.BundleSource = domain.BundleSourceInline
	}
	rule.Action.Mode = domain.ExecutionMode(ry.Action.Mode)
	if ry.Action.Mode == "" {
		rule.Action.Mode = domain.ModeDryRun
	}
	if ry.Action.BundleRef != "" {
		ref := ry.Action.BundleRef
		rule.Action.BundleRef = &ref
	}
	if ry.Action.Builder != "" {
		b := ry.Action.Builder
		rule.Action.BundleBuilder = &b
	}
	if ry.Action.Bundle != nil {
		rule.Action.BundleTemplate = ry.Action.Bundle.toDomain()
	}
	return rule
}

func (by bundleYAML) toDomain() *domain.JobRequestBundle {
	b := &domain.JobRequestBundle{SchemaVersion: by.SchemaVersion}
	if b.SchemaVersion == "" {
		b.SchemaVersion = domain.BundleSchemaVersion
	}
	for _, rq := range by.Requests {
		b.Requests = append(b.Requests, domain.BundleRequest{
			ID:             rq.ID,
			JobType:        rq.JobType,
			Payload:        rq.Payload,
			IdempotencyKey: rq.IdempotencyKey,
			RequiredScopes: rq.RequiredScopes,
			IsActionJob:    rq.IsActionJob,
		})
	}
	return b
}
