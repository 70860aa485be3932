package domain

import (
	"strings"
	"time"
)

// BundleSchemaVersion is the version this implementation emits and accepts.
const BundleSchemaVersion = "1.0.0"

// MaxBundleRequests bounds the fan-out of one bundle.
const MaxBundleRequests = 100

// BundleExecutorJobType is the distinguished job type the bundle executor
// handles.
const BundleExecutorJobType = "autopilot.execute_request_bundle"

type ExecutionMode string

const (
	ModeDryRun  ExecutionMode = "dry_run"
	ModeExecute ExecutionMode = "execute"
)

// BundleRequest is one job request inside a bundle.
type BundleRequest struct {
	ID             string         `json:"id"`
	JobType        string         `json:"job_type"`
	TenantID       string         `json:"tenant_id"`
	ProjectID      *string        `json:"project_id,omitempty"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	RequiredScopes []string       `json:"required_scopes,omitempty"`
	IsActionJob    bool           `json:"is_action_job"`
}

// BundleMetadata describes where a bundle came from.
type BundleMetadata struct {
	Source        string    `json:"source"`
	TriggeredAt   time.Time `json:"triggered_at"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
}

// JobRequestBundle is an atomic group of 1..100 job requests sharing tenant,
// trace, and metadata. SchemaVersion is authoritative; Version is an ignored
// compatibility key whose mismatch only warns.
type JobRequestBundle struct {
	BundleID      string          `json:"bundle_id"`
	SchemaVersion string          `json:"schema_version"`
	Version       string          `json:"version,omitempty"`
	TenantID      string          `json:"tenant_id"`
	ProjectID     *string         `json:"project_id,omitempty"`
	TraceID       string          `json:"trace_id"`
	Requests      []BundleRequest `json:"requests"`
	Metadata      BundleMetadata  `json:"metadata"`
}

// Validate checks the full bundle contract and returns every issue found.
func (b JobRequestBundle) Validate() []Issue {
	var issues []Issue
	if b.BundleID == "" {
		issues = append(issues, Issue{Field: "bundle_id", Code: "required", Message: "bundle_id is required"})
	}
	if b.SchemaVersion == "" {
		issues = append(issues, Issue{Field: "schema_version", Code: "required", Message: "schema_version is required"})
	} else if major(b.SchemaVersion) != major(BundleSchemaVersion) {
		issues = append(issues, Issue{Field: "schema_version", Code: "unsupported", Message: "unsupported schema_version " + b.SchemaVersion})
	}
	if b.Version != "" && major(b.Version) != major(b.SchemaVersion) {
		issues = append(issues, Issue{Field: "version", Code: "version_mismatch", Message: "version disagrees with schema_version", Warning: true})
	}
	if b.TenantID == "" {
		issues = append(issues, Issue{Field: "tenant_id", Code: "required", Message: "tenant_id is required"})
	}
	if len(b.Requests) < 1 {
		issues = append(issues, Issue{Field: "requests", Code: "too_few", Message: "bundle must contain at least 1 request"})
	}
	if len(b.Requests) > MaxBundleRequests {
		issues = append(issues, Issue{Field: "requests", Code: "too_many", Message: "bundle must contain at most 100 requests"})
	}

	seenIDs := make(map[string]bool, len(b.Requests))
	seenKeys := make(map[string]bool, len(b.Requests))
	for i, r := range b.Requests {
		f := func(name string) string { return "requests[" + itoa(i) + "]." + name }
		if r.ID == "" {
			issues = append(issues, Issue{Field: f("id"), Code: "required", Message: "request id is required"})
		} else if seenIDs[r.ID] {
			issues = append(issues, Issue{Field: f("id"), Code: "duplicate", Message: "request id duplicated within bundle"})
		} else {
			seenIDs[r.ID] = true
		}
		if r.JobType == "" {
			issues = append(issues, Issue{Field: f("job_type"), Code: "required", Message: "job_type is required"})
		}
		if r.IdempotencyKey == "" {
			issues = append(issues, Issue{Field: f("idempotency_key"), Code: "required", Message: "idempotency_key is required"})
		} else if seenKeys[r.IdempotencyKey] {
			issues = append(issues, Issue{Field: f("idempotency_key"), Code: "duplicate", Message: "idempotency_key duplicated within bundle"})
		} else {
			seenKeys[r.IdempotencyKey] = true
		}
		if r.TenantID != b.TenantID {
			issues = append(issues, Issue{Field: f("tenant_id"), Code: "tenant_mismatch", Message: "request tenant_id must equal bundle tenant_id"})
		}
		if b.ProjectID != nil && r.ProjectID != nil && *r.ProjectID != *b.ProjectID {
			issues = append(issues, Issue{Field: f("project_id"), Code: "project_mismatch", Message: "request project_id must equal bundle project_id"})
		}
		if PayloadSize(r.Payload) > MaxPayloadBytes {
			issues = append(issues, Issue{Field: f("payload"), Code: "too_large", Message: "payload exceeds 64 KiB"})
		}
	}
	return issues
}

func major(v string) string {
	if i := strings.IndexByte(v, '.'); i > 0 {
		return v[:i]
	}
	return v
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// ChildRunStatus values recorded per bundle request.
const (
	ChildAccepted  = "accepted"
	ChildDuplicate = "duplicate"
	ChildDenied    = "denied"
	ChildError     = "error"
)

// ChildRun is the per-request outcome recorded in the bundle manifest, in
// input order.
type ChildRun struct {
	RequestID         string `json:"request_id"`
	JobType           string `json:"job_type"`
	Status            string `json:"status"`
	JobID             string `json:"job_id,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Warning           string `json:"warning,omitempty"`
	OriginalActionJob bool   `json:"original_action_job,omitempty"`
}

// BundleSummary aggregates the per-request outcomes.
type BundleSummary struct {
	Total             int `json:"total"`
	Accepted          int `json:"accepted"`
	Duplicates        int `json:"duplicates"`
	Denied            int `json:"denied"`
	Errors            int `json:"errors"`
	ActionJobsBlocked int `json:"action_jobs_blocked"`
}

// Success is true iff nothing was denied, blocked, or errored.
func (s BundleSummary) Success() bool {
	return s.Errors+s.Denied+s.ActionJobsBlocked == 0
}

type BundleRunStatus string

const (
	BundleRunPending  BundleRunStatus = "pending"
	BundleRunRunning  BundleRunStatus = "running"
	BundleRunComplete BundleRunStatus = "complete"
	BundleRunFailed   BundleRunStatus = "failed"
)

// BundleRun is the durable record of one executor invocation of a bundle.
type BundleRun struct {
	BundleID  string          `json:"bundle_id"`
	TenantID  string          `json:"tenant_id"`
	ProjectID *string         `json:"project_id,omitempty"`
	TraceID   string          `json:"trace_id"`
	JobID     string          `json:"job_id"`
	Status    BundleRunStatus `json:"status"`
	Summary   BundleSummary   `json:"summary"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type BundleRunStore interface {
	UpsertBundleRun(ctx Context, run BundleRun) error
	GetBundleRun(ctx Context, tenantID, bundleID string) (BundleRun, error)
}
