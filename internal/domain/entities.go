package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrRateLimited     = errors.New("rate limited")
	ErrTimeout         = errors.New("timeout")
	ErrExternalService = errors.New("external service error")
	ErrDatabase        = errors.New("database error")
	ErrSSRFBlocked     = errors.New("ssrf blocked")
	ErrCircuitOpen     = errors.New("circuit breaker open")
	ErrInternal        = errors.New("internal error")
)

// MaxPayloadBytes bounds a job payload's JSON encoding.
const MaxPayloadBytes = 64 * 1024

// TraceContextKey is the side-band payload key carrying the trace id into
// child jobs.
const TraceContextKey = "_trace_context"

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobClaimed   JobStatus = "claimed"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobDead      JobStatus = "dead"
	JobCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further transition may leave the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobDead, JobCanceled:
		return true
	}
	return false
}

// ValidJobStatus reports whether s names a known status.
func ValidJobStatus(s string) bool {
	switch JobStatus(s) {
	case JobPending, JobClaimed, JobRunning, JobSucceeded, JobFailed, JobDead, JobCanceled:
		return true
	}
	return false
}

// Job is the unit of work. Rows are mutated only through the store
// procedures; every consumer holds a transient copy.
type Job struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	ProjectID      *string        `json:"project_id,omitempty"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	PayloadHash    string         `json:"payload_hash,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	Status         JobStatus      `json:"status"`
	Priority       int            `json:"priority"`
	AttemptNo      int            `json:"attempt_no"`
	MaxAttempts    int            `json:"max_attempts"`
	AvailableAt    time.Time      `json:"available_at"`
	ClaimedBy      *string        `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	HeartbeatAt    *time.Time     `json:"heartbeat_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ResultID       *string        `json:"result_id,omitempty"`
	TraceID        string         `json:"trace_id"`
	IsActionJob    bool           `json:"is_action_job"`
	RequiredScopes []string       `json:"required_scopes,omitempty"`
}

// EnqueueInput captures everything enqueue_job accepts. Zero values take the
// documented defaults (priority 0, max_attempts 5, available_at now).
type EnqueueInput struct {
	TenantID       string
	ProjectID      *string
	Type           string
	Payload        map[string]any
	IdempotencyKey string
	Priority       int
	MaxAttempts    int
	AvailableAt    time.Time
	IsActionJob    bool
	RequiredScopes []string
	TraceID        string
}

// DefaultMaxAttempts applies when EnqueueInput.MaxAttempts is zero.
const DefaultMaxAttempts = 5

// MaxAttemptsCeiling bounds max_attempts per job.
const MaxAttemptsCeiling = 10

// Validate returns every issue with the input, not just the first.
func (in EnqueueInput) Validate() []Issue {
	var issues []Issue
	if in.TenantID == "" {
		issues = append(issues, Issue{Field: "tenant_id", Code: "required", Message: "tenant_id is required"})
	}
	if in.Type == "" {
		issues = append(issues, Issue{Field: "type", Code: "required", Message: "type is required"})
	}
	if in.IdempotencyKey == "" {
		issues = append(issues, Issue{Field: "idempotency_key", Code: "required", Message: "idempotency_key is required"})
	}
	if in.MaxAttempts < 0 || in.MaxAttempts > MaxAttemptsCeiling {
		issues = append(issues, Issue{Field: "max_attempts", Code: "out_of_range", Message: "max_attempts must be between 1 and 10"})
	}
	if n := PayloadSize(in.Payload); n > MaxPayloadBytes {
		issues = append(issues, Issue{Field: "payload", Code: "too_large", Message: "payload exceeds 64 KiB"})
	}
	return issues
}

// PayloadSize returns the JSON-encoded size of p in bytes, 0 for nil.
func PayloadSize(p map[string]any) int {
	if p == nil {
		return 0
	}
	b, err := json.Marshal(p)
	if err != nil {
		return MaxPayloadBytes + 1
	}
	return len(b)
}

type AttemptOutcome string

const (
	AttemptSucceeded AttemptOutcome = "succeeded"
	AttemptFailed    AttemptOutcome = "failed"
	AttemptTimedOut  AttemptOutcome = "timed_out"
	AttemptCancelled AttemptOutcome = "cancelled"
)

// JobAttempt is one execution attempt, strictly ordered by AttemptNo.
type JobAttempt struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	TenantID     string         `json:"tenant_id"`
	AttemptNo    int            `json:"attempt_no"`
	WorkerID     string         `json:"worker_id"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	Outcome      AttemptOutcome `json:"outcome"`
	ErrorKind    ErrorKind      `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	EvidenceRef  *string        `json:"evidence_ref,omitempty"`
}

type ManifestStatus string

const (
	ManifestPending  ManifestStatus = "pending"
	ManifestComplete ManifestStatus = "complete"
	ManifestFailed   ManifestStatus = "failed"
)

// ArtifactDescriptor points at one produced artifact.
type ArtifactDescriptor struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Ref      string `json:"ref"`
	Size     int64  `json:"size,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ManifestError is the terminal error recorded on a failed manifest.
type ManifestError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// RunManifest records what a job produced. Written exactly once per terminal
// outcome; immutable thereafter.
type RunManifest struct {
	RunID              string               `json:"run_id"`
	TenantID           string               `json:"tenant_id"`
	ProjectID          *string              `json:"project_id,omitempty"`
	JobType            string               `json:"job_type"`
	CreatedAt          time.Time            `json:"created_at"`
	InputsSnapshotHash string               `json:"inputs_snapshot_hash"`
	Outputs            []ArtifactDescriptor `json:"outputs"`
	Metrics            map[string]float64   `json:"metrics,omitempty"`
	EnvFingerprint     map[string]string    `json:"env_fingerprint,omitempty"`
	ToolVersions       map[string]string    `json:"tool_versions,omitempty"`
	Status             ManifestStatus       `json:"status"`
	Error              *ManifestError       `json:"error,omitempty"`
}

// ManifestDraft is what a handler returns; the worker completes it into a
// RunManifest with identity and hash fields.
type ManifestDraft struct {
	Outputs        []ArtifactDescriptor
	Metrics        map[string]float64
	EnvFingerprint map[string]string
	ToolVersions   map[string]string
}

type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityError:    3,
	SeverityCritical: 4,
}

// AtLeast reports whether s is at or above threshold. Unknown severities
// rank lowest.
func (s Severity) AtLeast(threshold Severity) bool {
	return severityRank[s] >= severityRank[threshold]
}

// EventSubject identifies the thing an event is about.
type EventSubject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is an immutable fact submitted by a producer.
type Event struct {
	ID             string         `json:"id"`
	EventType      string         `json:"event_type"`
	OccurredAt     time.Time      `json:"occurred_at"`
	TraceID        string         `json:"trace_id"`
	TenantID       string         `json:"tenant_id"`
	ProjectID      *string        `json:"project_id,omitempty"`
	SourceApp      string         `json:"source_app"`
	SourceModule   *string        `json:"source_module,omitempty"`
	Subject        *EventSubject  `json:"subject,omitempty"`
	Payload        map[string]any `json:"payload"`
	ContainsPII    bool           `json:"contains_pii"`
	RedactionHints []string       `json:"redaction_hints,omitempty"`
	Severity       Severity       `json:"severity,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Validate returns every issue with the event.
func (e Event) Validate() []Issue {
	var issues []Issue
	if e.TenantID == "" {
		issues = append(issues, Issue{Field: "tenant_id", Code: "required", Message: "tenant_id is required"})
	}
	if e.EventType == "" {
		issues = append(issues, Issue{Field: "event_type", Code: "required", Message: "event_type is required"})
	}
	if e.SourceApp == "" {
		issues = append(issues, Issue{Field: "source_app", Code: "required", Message: "source_app is required"})
	}
	if e.OccurredAt.IsZero() {
		issues = append(issues, Issue{Field: "occurred_at", Code: "required", Message: "occurred_at is required"})
	}
	if e.Severity != "" {
		if _, ok := severityRank[e.Severity]; !ok {
			issues = append(issues, Issue{Field: "severity", Code: "invalid", Message: "severity must be one of debug, info, warning, error, critical"})
		}
	}
	if n := PayloadSize(e.Payload); n > MaxPayloadBytes {
		issues = append(issues, Issue{Field: "payload", Code: "too_large", Message: "payload exceeds 64 KiB"})
	}
	return issues
}

// JobFilter narrows list_jobs.
type JobFilter struct {
	Status *JobStatus
	Type   *string
	Limit  int
	Offset int
}

// Ports

// JobQueue is the store-backed queue every producer and worker talks to.
// Implementations must keep all mutations inside the named procedures.
type JobQueue interface {
	// Enqueue upserts by (tenant_id, type, idempotency_key); created reports
	// whether a new row was inserted.
	Enqueue(ctx Context, in EnqueueInput) (job Job, created bool, err error)
	Claim(ctx Context, tenantID *string, workerID string, limit int) ([]Job, error)
	Start(ctx Context, tenantID, jobID, workerID string) (bool, error)
	Heartbeat(ctx Context, tenantID, jobID, workerID string) (bool, error)
	Complete(ctx Context, tenantID, jobID, workerID, resultRef string, manifest RunManifest) error
	Fail(ctx Context, tenantID, jobID, workerID string, kind ErrorKind, message string, retryable bool, evidenceRef *string) (Job, error)
	ReapStuck(ctx Context, staleAfter time.Duration) (int, error)
	Cancel(ctx Context, tenantID, jobID, reason string) (bool, error)
	Reschedule(ctx Context, tenantID, jobID string, at time.Time) (bool, error)
	Get(ctx Context, tenantID, jobID string) (Job, error)
	List(ctx Context, tenantID string, f JobFilter) ([]Job, error)
}

type ManifestStore interface {
	GetManifest(ctx Context, tenantID, runID string) (RunManifest, error)
}

type EventStore interface {
	InsertEvent(ctx Context, e Event) (Event, error)
	GetEvent(ctx Context, tenantID, id string) (Event, error)
}

type EvidenceStore interface {
	InsertEvidence(ctx Context, p EvidencePacket) error
	GetEvidence(ctx Context, tenantID, evidenceID string) (EvidencePacket, error)
}

// TokenReplayStore enforces single-use policy tokens. ConsumeJTI returns
// false when the jti was already consumed for this tenant.
type TokenReplayStore interface {
	ConsumeJTI(ctx Context, tenantID, jti, action, resource string, exp time.Time) (bool, error)
}

// Context is an alias so domain signatures stay decoupled from call sites;
// adapters and usecases pass context.Context straight through.
type Context = context.Context
