package connector

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/jobforge/internal/domain"
	"github.com/fairyhunter13/jobforge/pkg/canonjson"
)

// EvidenceBuilder accumulates the receipt for one connector invocation. The
// harness opens it before any validation and finishes it on every exit path,
// so a packet exists even when no external call was made.
type EvidenceBuilder struct {
	packet domain.EvidencePacket
}

// NewEvidenceBuilder opens a builder scoped to this invocation.
func NewEvidenceBuilder(connectorID string, invCtx InvocationContext) *EvidenceBuilder {
	now := time.Now().UTC()
	pkt := domain.EvidencePacket{
		EvidenceID:      ulid.Make().String(),
		ConnectorID:     connectorID,
		TraceID:         invCtx.TraceID,
		TenantID:        invCtx.TenantID,
		StartedAt:       now,
		StatusCodes:     []int{},
		BackoffDelaysMS: []int64{},
	}
	if invCtx.ProjectID != "" {
		pid := invCtx.ProjectID
		pkt.ProjectID = &pid
	}
	return &EvidenceBuilder{packet: pkt}
}

// RecordStatus appends an observed HTTP status code.
func (b *EvidenceBuilder) RecordStatus(code int) {
	b.packet.StatusCodes = append(b.packet.StatusCodes, code)
}

// RecordStatuses appends all observed status codes.
func (b *EvidenceBuilder) RecordStatuses(codes []int) {
	b.packet.StatusCodes = append(b.packet.StatusCodes, codes...)
}

// RecordRetry counts a retry and its backoff delay.
func (b *EvidenceBuilder) RecordRetry(delay time.Duration) {
	b.packet.Retries++
	b.packet.BackoffDelaysMS = append(b.packet.BackoffDelaysMS, delay.Milliseconds())
}

// MarkRateLimited notes that at least one attempt was rate limited.
func (b *EvidenceBuilder) MarkRateLimited() {
	b.packet.RateLimited = true
}

// MarkDryRun notes that the invocation simulated its external effect.
func (b *EvidenceBuilder) MarkDryRun() {
	b.packet.DryRun = true
}

// Finish closes the packet: it stamps timing, hashes the output, runs the
// terminal secret scrub and seals the packet hash. secrets lists every raw
// secret value that must not survive into the packet.
func (b *EvidenceBuilder) Finish(ok bool, redactedInput map[string]any, output any, connErr *domain.EvidenceError, secrets []string) (domain.EvidencePacket, error) {
	now := time.Now().UTC()
	b.packet.EndedAt = now
	b.packet.DurationMS = now.Sub(b.packet.StartedAt).Milliseconds()
	b.packet.OK = ok
	b.packet.RedactedInput = redactedInput
	b.packet.Error = connErr

	if ok && output != nil {
		hash, err := canonjson.Hash(output)
		if err != nil {
			return domain.EvidencePacket{}, fmt.Errorf("op=connector.EvidenceBuilder.Finish: output hash: %w", err)
		}
		b.packet.OutputHash = hash
	}

	b.scrub(secrets)

	hash, err := sealEvidence(b.packet)
	if err != nil {
		return domain.EvidencePacket{}, fmt.Errorf("op=connector.EvidenceBuilder.Finish: seal: %w", err)
	}
	b.packet.EvidenceHash = hash
	return b.packet, nil
}

// scrub replaces any raw secret that survived key-based redaction.
func (b *EvidenceBuilder) scrub(secrets []string) {
	if len(secrets) == 0 {
		return
	}
	if b.packet.RedactedInput != nil {
		scrubbed, changed := scrubStrings(b.packet.RedactedInput, secrets)
		if changed {
			b.packet.RedactedInput = scrubbed.(map[string]any)
			b.packet.LeakScrubbed = true
		}
	}
	if b.packet.Error != nil {
		if msg, changed := scrubString(b.packet.Error.Message, secrets); changed {
			b.packet.Error.Message = msg
			b.packet.LeakScrubbed = true
		}
		if b.packet.Error.Details != nil {
			scrubbed, changed := scrubStrings(b.packet.Error.Details, secrets)
			if changed {
				b.packet.Error.Details = scrubbed.(map[string]any)
				b.packet.LeakScrubbed = true
			}
		}
	}
}

// sealEvidence hashes the canonical serialization of every field except the
// hash itself.
func sealEvidence(pkt domain.EvidencePacket) (string, error) {
	pkt.EvidenceHash = ""
	return canonjson.Hash(pkt)
}

// VerifyEvidenceHash recomputes the seal and compares it to the stored hash.
func VerifyEvidenceHash(pkt domain.EvidencePacket) bool {
	hash, err := sealEvidence(pkt)
	if err != nil {
		return false
	}
	return hash == pkt.EvidenceHash
}
