package domain

import "time"

type BundleSource string

const (
	BundleSourceInline      BundleSource = "inline"
	BundleSourceArtifactRef BundleSource = "artifact_ref"
	BundleSourceBuilder     BundleSource = "builder"
)

// TriggerMatch filters events a rule responds to.
type TriggerMatch struct {
	EventTypeAllowlist    []string  `json:"event_type_allowlist"`
	SourceModuleAllowlist []string  `json:"source_module_allowlist,omitempty"`
	SeverityThreshold     *Severity `json:"severity_threshold,omitempty"`
}

// TriggerAction says what to do when a rule fires.
type TriggerAction struct {
	BundleSource   BundleSource      `json:"bundle_source"`
	BundleRef      *string           `json:"bundle_ref,omitempty"`
	BundleTemplate *JobRequestBundle `json:"bundle_template,omitempty"`
	BundleBuilder  *string           `json:"bundle_builder,omitempty"`
	Mode           ExecutionMode     `json:"mode"`
}

// TriggerSafety gates how often a rule may fire.
type TriggerSafety struct {
	CooldownSeconds   int     `json:"cooldown_seconds"`
	MaxRunsPerHour    int     `json:"max_runs_per_hour"`
	DedupeKeyTemplate *string `json:"dedupe_key_template,omitempty"`
	AllowActionJobs   bool    `json:"allow_action_jobs"`
}

// BundleTriggerRule maps matching events to bundle submissions.
type BundleTriggerRule struct {
	RuleID      string        `json:"rule_id"`
	TenantID    string        `json:"tenant_id"`
	ProjectID   *string       `json:"project_id,omitempty"`
	Name        string        `json:"name"`
	Enabled     bool          `json:"enabled"`
	Match       TriggerMatch  `json:"match"`
	Action      TriggerAction `json:"action"`
	Safety      TriggerSafety `json:"safety"`
	LastFiredAt *time.Time    `json:"last_fired_at,omitempty"`
	FireCount   int64         `json:"fire_count"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Validate returns every issue with the rule definition.
func (r BundleTriggerRule) Validate() []Issue {
	var issues []Issue
	if r.TenantID == "" {
		issues = append(issues, Issue{Field: "tenant_id", Code: "required", Message: "tenant_id is required"})
	}
	if r.Name == "" {
		issues = append(issues, Issue{Field: "name", Code: "required", Message: "name is required"})
	}
	if len(r.Match.EventTypeAllowlist) == 0 {
		issues = append(issues, Issue{Field: "match.event_type_allowlist", Code: "required", Message: "at least one event type is required"})
	}
	if r.Match.SeverityThreshold != nil {
		if _, ok := severityRank[*r.Match.SeverityThreshold]; !ok {
			issues = append(issues, Issue{Field: "match.severity_threshold", Code: "invalid", Message: "unknown severity"})
		}
	}
	switch r.Action.BundleSource {
	case BundleSourceInline:
		if r.Action.BundleTemplate == nil {
			issues = append(issues, Issue{Field: "action.bundle_template", Code: "required", Message: "inline source requires a bundle_template"})
		}
	case BundleSourceArtifactRef:
		if r.Action.BundleRef == nil || *r.Action.BundleRef == "" {
			issues = append(issues, Issue{Field: "action.bundle_ref", Code: "required", Message: "artifact_ref source requires a bundle_ref"})
		}
	case BundleSourceBuilder:
		if r.Action.BundleBuilder == nil || *r.Action.BundleBuilder == "" {
			issues = append(issues, Issue{Field: "action.bundle_builder", Code: "required", Message: "builder source requires a bundle_builder"})
		}
	default:
		issues = append(issues, Issue{Field: "action.bundle_source", Code: "invalid", Message: "bundle_source must be inline, artifact_ref, or builder"})
	}
	if r.Action.Mode != ModeDryRun && r.Action.Mode != ModeExecute {
		issues = append(issues, Issue{Field: "action.mode", Code: "invalid", Message: "mode must be dry_run or execute"})
	}
	if r.Action.Mode == ModeExecute && !r.Safety.AllowActionJobs {
		issues = append(issues, Issue{Field: "action.mode", Code: "forbidden", Message: "execute mode requires safety.allow_action_jobs"})
	}
	if r.Safety.CooldownSeconds < 0 {
		issues = append(issues, Issue{Field: "safety.cooldown_seconds", Code: "out_of_range", Message: "cooldown_seconds must be >= 0"})
	}
	if r.Safety.MaxRunsPerHour < 0 {
		issues = append(issues, Issue{Field: "safety.max_runs_per_hour", Code: "out_of_range", Message: "max_runs_per_hour must be >= 0"})
	}
	return issues
}

type TriggerDecision string

const (
	DecisionFire        TriggerDecision = "fire"
	DecisionSkip        TriggerDecision = "skip"
	DecisionCooldown    TriggerDecision = "cooldown"
	DecisionRateLimited TriggerDecision = "rate_limited"
	DecisionDisabled    TriggerDecision = "disabled"
)

// TriggerEvaluation records one rule decision for one event.
type TriggerEvaluation struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	RuleID    string          `json:"rule_id"`
	EventID   string          `json:"event_id"`
	Decision  TriggerDecision `json:"decision"`
	Reason    string          `json:"reason"`
	DryRun    bool            `json:"dry_run"`
	DedupeKey *string         `json:"dedupe_key,omitempty"`
	BundleID  *string         `json:"bundle_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TriggerStore owns rules, durable fire counters, and evaluation records.
type TriggerStore interface {
	UpsertRule(ctx Context, rule BundleTriggerRule) (BundleTriggerRule, error)
	GetRule(ctx Context, tenantID, ruleID string) (BundleTriggerRule, error)
	ListEnabledRules(ctx Context, tenantID string) ([]BundleTriggerRule, error)
	// MarkFired bumps fire_count and last_fired_at in the store, keeping the
	// counters durable across workers.
	MarkFired(ctx Context, tenantID, ruleID string, at time.Time) error
	CountFiresSince(ctx Context, tenantID, ruleID string, since time.Time) (int, error)
	DedupeSeen(ctx Context, tenantID, ruleID, dedupeKey string, since time.Time) (bool, error)
	RecordEvaluation(ctx Context, ev TriggerEvaluation) error
	ListEvaluations(ctx Context, tenantID, ruleID string, limit int) ([]TriggerEvaluation, error)
}
