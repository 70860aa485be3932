package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/jobforge/internal/adapter/artifact"
	"github.com/fairyhunter13/jobforge/internal/adapter/observability"
	"github.com/fairyhunter13/jobforge/internal/config"
	"github.com/fairyhunter13/jobforge/internal/domain"
	"github.com/fairyhunter13/jobforge/pkg/textx"
)

// BundleBuilderFunc synthesizes a bundle for a fired rule from the event
// that matched it. Builders are registered by name at boot.
type BundleBuilderFunc func(ctx domain.Context, rule domain.BundleTriggerRule, e domain.Event) (domain.JobRequestBundle, error)

// dedupeWindow bounds how far back a fired dedupe key suppresses re-fires.
// The key template's {date} and {hour} placeholders set the finer grain.
const dedupeWindow = 24 * time.Hour

// TriggerService evaluates bundle trigger rules against submitted events
// and enqueues an executor job for every rule that fires.
type TriggerService struct {
	Rules     domain.TriggerStore
	Queue     domain.JobQueue
	Runs      domain.BundleRunStore
	Artifacts *artifact.FSStore
	Flags     config.FlagSource
	Builders  map[string]BundleBuilderFunc

	// Clock overrides time.Now for gate arithmetic in tests.
	Clock func() time.Time
}

// NewTriggerService wires the evaluator. Artifacts backs artifact_ref rules
// and may be nil when none exist; builders may be nil.
func NewTriggerService(rules domain.TriggerStore, queue domain.JobQueue, runs domain.BundleRunStore, artifacts *artifact.FSStore, flags config.FlagSource, builders map[string]BundleBuilderFunc) TriggerService {
	return TriggerService{Rules: rules, Queue: queue, Runs: runs, Artifacts: artifacts, Flags: flags, Builders: builders}
}

// EvaluateEvent runs every enabled rule of the event's tenant and records
// one evaluation row per rule. Rules are independent: one rule's failure is
// joined into the returned error while the rest still evaluate.
func (s TriggerService) EvaluateEvent(ctx domain.Context, e domain.Event) ([]domain.TriggerEvaluation, error) {
	rules, err := s.Rules.ListEnabledRules(ctx, e.TenantID)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.evaluate_event: %w", err)
	}
	var (
		out  []domain.TriggerEvaluation
		errs []error
	)
	for _, rule := range rules {
		ev, err := s.evaluateRule(ctx, rule, e)
		if err != nil {
			errs = append(errs, err)
		}
		if rerr := s.Rules.RecordEvaluation(ctx, ev); rerr != nil {
			errs = append(errs, fmt.Errorf("op=usecase.evaluate_event: record rule %s: %w", rule.RuleID, rerr))
		}
		observability.RecordTriggerDecision(string(ev.Decision))
		out = append(out, ev)
	}
	return out, errors.Join(errs...)
}

// evaluateRule walks one rule through match, safety gates, and firing. The
// returned evaluation always carries a decision; the error reports store or
// synthesis trouble behind a non-fire decision.
func (s TriggerService) evaluateRule(ctx domain.Context, rule domain.BundleTriggerRule, e domain.Event) (domain.TriggerEvaluation, error) {
	ev := domain.TriggerEvaluation{
		TenantID: rule.TenantID,
		RuleID:   rule.RuleID,
		EventID:  e.ID,
		DryRun:   rule.Action.Mode == domain.ModeDryRun,
	}
	if reason, ok := matchRule(rule, e); !ok {
		ev.Decision = domain.DecisionSkip
		ev.Reason = reason
		return ev, nil
	}

	now := s.now()
	if cd := time.Duration(rule.Safety.CooldownSeconds) * time.Second; cd > 0 && rule.LastFiredAt != nil {
		if elapsed := now.Sub(*rule.LastFiredAt); elapsed < cd {
			ev.Decision = domain.DecisionCooldown
			ev.Reason = fmt.Sprintf("cooldown active for another %s", (cd - elapsed).Round(time.Second))
			return ev, nil
		}
	}
	if maxRuns := rule.Safety.MaxRunsPerHour; maxRuns > 0 {
		fired, err := s.Rules.CountFiresSince(ctx, rule.TenantID, rule.RuleID, now.Add(-time.Hour))
		if err != nil {
			ev.Decision = domain.DecisionSkip
			ev.Reason = "fire count unavailable"
			return ev, fmt.Errorf("op=usecase.evaluate_trigger: rule %s: %w", rule.RuleID, err)
		}
		if fired >= maxRuns {
			ev.Decision = domain.DecisionRateLimited
			ev.Reason = fmt.Sprintf("hourly cap of %d reached", maxRuns)
			return ev, nil
		}
	}
	if tmpl := rule.Safety.DedupeKeyTemplate; tmpl != nil && *tmpl != "" {
		key := expandDedupeKey(*tmpl, e, now)
		ev.DedupeKey = &key
		seen, err := s.Rules.DedupeSeen(ctx, rule.TenantID, rule.RuleID, key, now.Add(-dedupeWindow))
		if err != nil {
			ev.Decision = domain.DecisionSkip
			ev.Reason = "dedupe state unavailable"
			return ev, fmt.Errorf("op=usecase.evaluate_trigger: rule %s: %w", rule.RuleID, err)
		}
		if seen {
			ev.Decision = domain.DecisionSkip
			ev.Reason = "dedupe key already fired"
			return ev, nil
		}
	}
	if !s.Flags.AutopilotJobsEnabled() {
		ev.Decision = domain.DecisionDisabled
		ev.Reason = "autopilot jobs disabled"
		return ev, nil
	}

	bundle, err := s.synthesize(ctx, rule, e, now)
	if err == nil {
		if issues := bundle.Validate(); domain.HasErrors(issues) {
			err = fmt.Errorf("synthesized bundle invalid: %w", domain.NewValidationError(issues))
		}
	}
	if err != nil {
		ev.Decision = domain.DecisionSkip
		ev.Reason = textx.CleanErrorMessage(err.Error(), maxReasonLen)
		return ev, fmt.Errorf("op=usecase.evaluate_trigger: rule %s: %w", rule.RuleID, err)
	}

	in, err := executorEnqueueInput(bundle, rule.Action.Mode, "")
	if err == nil {
		var created bool
		var job domain.Job
		job, created, err = s.Queue.Enqueue(ctx, in)
		if err == nil {
			s.recordFire(ctx, rule, e, bundle, job, created, now)
			ev.Decision = domain.DecisionFire
			ev.BundleID = &bundle.BundleID
			if created {
				ev.Reason = "executor job " + job.ID + " enqueued"
			} else {
				ev.Reason = "executor job " + job.ID + " already enqueued"
			}
			return ev, nil
		}
	}
	ev.Decision = domain.DecisionSkip
	ev.Reason = textx.CleanErrorMessage("executor enqueue failed: "+err.Error(), maxReasonLen)
	return ev, fmt.Errorf("op=usecase.evaluate_trigger: rule %s: %w", rule.RuleID, err)
}

// recordFire does the post-enqueue bookkeeping: metrics, the pending run
// row, and the durable fire counters. All of it is advisory next to the
// enqueued job, so failures log instead of unwinding the fire.
func (s TriggerService) recordFire(ctx domain.Context, rule domain.BundleTriggerRule, e domain.Event, bundle domain.JobRequestBundle, job domain.Job, created bool, now time.Time) {
	if created {
		observability.EnqueueJob(job.Type)
		run := domain.BundleRun{
			BundleID:  bundle.BundleID,
			TenantID:  bundle.TenantID,
			ProjectID: bundle.ProjectID,
			TraceID:   bundle.TraceID,
			JobID:     job.ID,
			Status:    domain.BundleRunPending,
		}
		if err := s.Runs.UpsertBundleRun(ctx, run); err != nil {
			slog.Warn("bundle run row write failed",
				slog.String("bundle_id", bundle.BundleID),
				slog.String("rule_id", rule.RuleID),
				slog.Any("error", err))
		}
	}
	if err := s.Rules.MarkFired(ctx, rule.TenantID, rule.RuleID, now); err != nil {
		slog.Warn("mark fired failed",
			slog.String("rule_id", rule.RuleID),
			slog.Any("error", err))
	}
	slog.Info("trigger fired",
		slog.String("rule_id", rule.RuleID),
		slog.String("rule_name", rule.Name),
		slog.String("event_id", e.ID),
		slog.String("bundle_id", bundle.BundleID),
		slog.String("job_id", job.ID),
		slog.Bool("executor_created", created),
		slog.String("mode", string(rule.Action.Mode)))
}

// synthesize loads or builds the bundle a fired rule submits.
func (s TriggerService) synthesize(ctx domain.Context, rule domain.BundleTriggerRule, e domain.Event, now time.Time) (domain.JobRequestBundle, error) {
	var (
		bundle domain.JobRequestBundle
		static bool
	)
	switch rule.Action.BundleSource {
	case domain.BundleSourceInline:
		bundle = *rule.Action.BundleTemplate
		static = true
	case domain.BundleSourceArtifactRef:
		if s.Artifacts == nil {
			return domain.JobRequestBundle{}, errors.New("artifact store not configured for bundle_ref rules")
		}
		data, err := s.Artifacts.Get(*rule.Action.BundleRef)
		if err != nil {
			return domain.JobRequestBundle{}, fmt.Errorf("load bundle_ref %s: %w", *rule.Action.BundleRef, err)
		}
		if err := json.Unmarshal(data, &bundle); err != nil {
			return domain.JobRequestBundle{}, fmt.Errorf("decode bundle_ref %s: %w", *rule.Action.BundleRef, err)
		}
		static = true
	case domain.BundleSourceBuilder:
		name := *rule.Action.BundleBuilder
		fn, ok := s.Builders[name]
		if !ok {
			return domain.JobRequestBundle{}, fmt.Errorf("unknown bundle builder %q: %w", name, domain.ErrValidation)
		}
		built, err := fn(ctx, rule, e)
		if err != nil {
			return domain.JobRequestBundle{}, fmt.Errorf("bundle builder %q: %w", name, err)
		}
		bundle = built
	default:
		return domain.JobRequestBundle{}, fmt.Errorf("unsupported bundle_source %q: %w", rule.Action.BundleSource, domain.ErrValidation)
	}
	return instantiateBundle(rule, e, bundle, static, now), nil
}

// instantiateBundle fills the per-fire identity of a synthesized bundle.
// Static sources (inline, artifact_ref) carry fixed request idempotency
// keys, so those are scoped to the instance; builders own their keys.
func instantiateBundle(rule domain.BundleTriggerRule, e domain.Event, b domain.JobRequestBundle, static bool, now time.Time) domain.JobRequestBundle {
	if b.BundleID == "" {
		b.BundleID = "trg-" + rule.RuleID + "-" + e.ID
	}
	if b.SchemaVersion == "" {
		b.SchemaVersion = domain.BundleSchemaVersion
	}
	b.TenantID = rule.TenantID
	if b.ProjectID == nil {
		b.ProjectID = rule.ProjectID
	}
	if b.TraceID == "" {
		b.TraceID = e.TraceID
	}
	if b.TraceID == "" {
		b.TraceID = ulid.Make().String()
	}
	if b.Metadata.Source == "" {
		b.Metadata.Source = "trigger:" + rule.Name
	}
	if b.Metadata.TriggeredAt.IsZero() {
		b.Metadata.TriggeredAt = now.UTC()
	}
	if b.Metadata.CorrelationID == nil {
		id := e.ID
		b.Metadata.CorrelationID = &id
	}
	if static {
		reqs := make([]domain.BundleRequest, len(b.Requests))
		copy(reqs, b.Requests)
		for i := range reqs {
			if reqs[i].TenantID == "" {
				reqs[i].TenantID = b.TenantID
			}
			reqs[i].IdempotencyKey = b.BundleID + ":" + reqs[i].IdempotencyKey
		}
		b.Requests = reqs
	}
	return b
}

// matchRule applies the rule's filters; reason explains the first miss.
func matchRule(rule domain.BundleTriggerRule, e domain.Event) (string, bool) {
	if !containsString(rule.Match.EventTypeAllowlist, e.EventType) {
		return "event_type not allowed", false
	}
	if len(rule.Match.SourceModuleAllowlist) > 0 {
		if e.SourceModule == nil || !containsString(rule.Match.SourceModuleAllowlist, *e.SourceModule) {
			return "source_module not allowed", false
		}
	}
	if t := rule.Match.SeverityThreshold; t != nil && !e.Severity.AtLeast(*t) {
		return "severity below threshold", false
	}
	if rule.ProjectID != nil {
		if e.ProjectID == nil || *e.ProjectID != *rule.ProjectID {
			return "project scope mismatch", false
		}
	}
	return "", true
}

// expandDedupeKey substitutes the template placeholders. {date} and {hour}
// use evaluation time, not the event's occurred_at, since the key guards
// firing.
func expandDedupeKey(tmpl string, e domain.Event, now time.Time) string {
	module := ""
	if e.SourceModule != nil {
		module = *e.SourceModule
	}
	subject := ""
	if e.Subject != nil {
		subject = e.Subject.ID
	}
	r := strings.NewReplacer(
		"{event_type}", e.EventType,
		"{source_module}", module,
		"{subject_id}", subject,
		"{date}", now.UTC().Format("2006-01-02"),
		"{hour}", now.UTC().Format("15"),
	)
	return r.Replace(tmpl)
}

func (s TriggerService) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
