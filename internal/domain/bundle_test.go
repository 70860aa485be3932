package domain

import (
	"strings"
	"testing"
	"time"
)

func validBundle() JobRequestBundle {
	return JobRequestBundle{
		BundleID:      "b-1",
		SchemaVersion: "1.0.0",
		TenantID:      "t1",
		TraceID:       "tr-1",
		Requests: []BundleRequest{
			{ID: "r1", JobType: "ops.scan", TenantID: "t1", IdempotencyKey: "k1", Payload: map[string]any{"a": 1}},
			{ID: "r2", JobType: "ops.scan", TenantID: "t1", IdempotencyKey: "k2"},
		},
		Metadata: BundleMetadata{Source: "test", TriggeredAt: time.Now().UTC()},
	}
}

func TestBundleValidateOK(t *testing.T) {
	if issues := validBundle().Validate(); len(issues) != 0 {
		t.Fatalf("expected clean bundle, got %+v", issues)
	}
}

func TestBundleValidateCollectsAllIssues(t *testing.T) {
	b := validBundle()
	b.BundleID = ""
	b.Requests[1].TenantID = "other"
	b.Requests[1].IdempotencyKey = "k1"
	issues := b.Validate()
	codes := make(map[string]bool)
	for _, i := range issues {
		codes[i.Code] = true
	}
	for _, want := range []string{"required", "tenant_mismatch", "duplicate"} {
		if !codes[want] {
			t.Errorf("missing issue code %s in %+v", want, issues)
		}
	}
}

func TestBundleValidateRequestCount(t *testing.T) {
	b := validBundle()
	b.Requests = nil
	if issues := b.Validate(); !HasErrors(issues) {
		t.Error("empty bundle must fail")
	}

	b = validBundle()
	reqs := make([]BundleRequest, 0, MaxBundleRequests+1)
	for i := 0; i <= MaxBundleRequests; i++ {
		reqs = append(reqs, BundleRequest{
			ID: "r" + itoa(i), JobType: "ops.scan", TenantID: "t1", IdempotencyKey: "k" + itoa(i),
		})
	}
	b.Requests = reqs
	var sawTooMany bool
	for _, i := range b.Validate() {
		if i.Code == "too_many" {
			sawTooMany = true
		}
	}
	if !sawTooMany {
		t.Error("expected too_many issue for 101 requests")
	}
}

func TestBundleValidateDuplicateRequestIDs(t *testing.T) {
	b := validBundle()
	b.Requests[1].ID = "r1"
	var saw bool
	for _, i := range b.Validate() {
		if i.Field == "requests[1].id" && i.Code == "duplicate" {
			saw = true
		}
	}
	if !saw {
		t.Error("expected duplicate request id issue")
	}
}

func TestBundleValidateOversizedPayload(t *testing.T) {
	b := validBundle()
	b.Requests[0].Payload = map[string]any{"blob": strings.Repeat("y", MaxPayloadBytes)}
	var saw bool
	for _, i := range b.Validate() {
		if i.Code == "too_large" {
			saw = true
		}
	}
	if !saw {
		t.Error("expected too_large issue")
	}
}

func TestBundleValidateVersionMismatchWarnsOnly(t *testing.T) {
	b := validBundle()
	b.Version = "2.0"
	issues := b.Validate()
	if HasErrors(issues) {
		t.Fatalf("version mismatch must not fail validation: %+v", issues)
	}
	if len(issues) != 1 || !issues[0].Warning || issues[0].Code != "version_mismatch" {
		t.Fatalf("expected single version_mismatch warning, got %+v", issues)
	}
}

func TestBundleValidateProjectConsistency(t *testing.T) {
	b := validBundle()
	p1, p2 := "p1", "p2"
	b.ProjectID = &p1
	b.Requests[0].ProjectID = &p2
	var saw bool
	for _, i := range b.Validate() {
		if i.Code == "project_mismatch" {
			saw = true
		}
	}
	if !saw {
		t.Error("expected project_mismatch issue")
	}
}

func TestBundleSummarySuccess(t *testing.T) {
	ok := BundleSummary{Total: 3, Accepted: 2, Duplicates: 1}
	if !ok.Success() {
		t.Error("accepted+duplicates only should succeed")
	}
	for _, s := range []BundleSummary{
		{Total: 1, Denied: 1},
		{Total: 1, Errors: 1},
		{Total: 1, ActionJobsBlocked: 1},
	} {
		if s.Success() {
			t.Errorf("summary %+v should not succeed", s)
		}
	}
}

func TestTriggerRuleValidate(t *testing.T) {
	tmpl := validBundle()
	rule := BundleTriggerRule{
		TenantID: "t1",
		Name:     "alerts",
		Enabled:  true,
		Match:    TriggerMatch{EventTypeAllowlist: []string{"infrastructure.alert"}},
		Action:   TriggerAction{BundleSource: BundleSourceInline, BundleTemplate: &tmpl, Mode: ModeDryRun},
		Safety:   TriggerSafety{CooldownSeconds: 60, MaxRunsPerHour: 10},
	}
	if issues := rule.Validate(); len(issues) != 0 {
		t.Fatalf("expected clean rule, got %+v", issues)
	}

	rule.Action.Mode = ModeExecute
	var sawForbidden bool
	for _, i := range rule.Validate() {
		if i.Code == "forbidden" {
			sawForbidden = true
		}
	}
	if !sawForbidden {
		t.Error("execute without allow_action_jobs must be rejected")
	}

	rule.Safety.AllowActionJobs = true
	if issues := rule.Validate(); HasErrors(issues) {
		t.Errorf("execute with allow_action_jobs should pass, got %+v", issues)
	}
}

func TestTriggerRuleValidateSources(t *testing.T) {
	base := BundleTriggerRule{
		TenantID: "t1", Name: "r", Enabled: true,
		Match:  TriggerMatch{EventTypeAllowlist: []string{"e"}},
		Safety: TriggerSafety{},
	}

	inline := base
	inline.Action = TriggerAction{BundleSource: BundleSourceInline, Mode: ModeDryRun}
	if !HasErrors(inline.Validate()) {
		t.Error("inline without template must fail")
	}

	ref := base
	ref.Action = TriggerAction{BundleSource: BundleSourceArtifactRef, Mode: ModeDryRun}
	if !HasErrors(ref.Validate()) {
		t.Error("artifact_ref without bundle_ref must fail")
	}

	unknown := base
	unknown.Action = TriggerAction{BundleSource: "carrier_pigeon", Mode: ModeDryRun}
	if !HasErrors(unknown.Validate()) {
		t.Error("unknown bundle_source must fail")
	}
}
