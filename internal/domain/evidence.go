package domain

import "time"

// EvidenceError is the classified failure carried inside a packet.
type EvidenceError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// EvidencePacket is the hash-sealed, redacted receipt of one connector
// invocation. EvidenceHash covers every other field; no raw secret value may
// appear anywhere in the packet.
type EvidencePacket struct {
	EvidenceID      string         `json:"evidence_id"`
	ConnectorID     string         `json:"connector_id"`
	TraceID         string         `json:"trace_id"`
	TenantID        string         `json:"tenant_id"`
	ProjectID       *string        `json:"project_id,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         time.Time      `json:"ended_at"`
	DurationMS      int64          `json:"duration_ms"`
	Retries         int            `json:"retries"`
	StatusCodes     []int          `json:"status_codes"`
	RedactedInput   map[string]any `json:"redacted_input"`
	OutputHash      string         `json:"output_hash,omitempty"`
	OK              bool           `json:"ok"`
	Error           *EvidenceError `json:"error,omitempty"`
	BackoffDelaysMS []int64        `json:"backoff_delays_ms"`
	RateLimited     bool           `json:"rate_limited"`
	LeakScrubbed    bool           `json:"leak_scrubbed,omitempty"`
	DryRun          bool           `json:"dry_run,omitempty"`
	EvidenceHash    string         `json:"evidence_hash"`
}
