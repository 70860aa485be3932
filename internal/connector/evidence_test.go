package connector

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

func testInvocationContext() InvocationContext {
	return InvocationContext{
		TraceID:   "trace-1",
		TenantID:  "tenant-1",
		ProjectID: "project-1",
	}
}

func TestEvidenceBuilder_SuccessPacket(t *testing.T) {
	b := NewEvidenceBuilder("http_request", testInvocationContext())
	b.RecordStatus(500)
	b.RecordRetry(120 * time.Millisecond)
	b.RecordStatus(200)

	pkt, err := b.Finish(true, map[string]any{"operation": "get"}, map[string]any{"ok": true}, nil, nil)
	require.NoError(t, err)

	require.NotEmpty(t, pkt.EvidenceID)
	require.Equal(t, "http_request", pkt.ConnectorID)
	require.Equal(t, "trace-1", pkt.TraceID)
	require.Equal(t, "tenant-1", pkt.TenantID)
	require.NotNil(t, pkt.ProjectID)
	require.Equal(t, "project-1", *pkt.ProjectID)
	require.True(t, pkt.OK)
	require.Equal(t, []int{500, 200}, pkt.StatusCodes)
	require.Equal(t, 1, pkt.Retries)
	require.Equal(t, []int64{120}, pkt.BackoffDelaysMS)
	require.NotEmpty(t, pkt.OutputHash)
	require.NotEmpty(t, pkt.EvidenceHash)
	require.False(t, pkt.EndedAt.Before(pkt.StartedAt))
	require.GreaterOrEqual(t, pkt.DurationMS, int64(0))
}

func TestEvidenceBuilder_FailurePacketHasNoOutputHash(t *testing.T) {
	b := NewEvidenceBuilder("http_request", testInvocationContext())

	pkt, err := b.Finish(false, map[string]any{"operation": "get"}, nil,
		&domain.EvidenceError{Code: CodeTransient, Message: "boom", Retryable: true}, nil)
	require.NoError(t, err)

	require.False(t, pkt.OK)
	require.Empty(t, pkt.OutputHash)
	require.NotNil(t, pkt.Error)
	require.Equal(t, CodeTransient, pkt.Error.Code)
	require.True(t, pkt.Error.Retryable)
}

func TestEvidenceHash_VerifyAndTamper(t *testing.T) {
	b := NewEvidenceBuilder("http_request", testInvocationContext())
	pkt, err := b.Finish(true, map[string]any{"operation": "get"}, "data", nil, nil)
	require.NoError(t, err)

	require.True(t, VerifyEvidenceHash(pkt))

	tampered := pkt
	tampered.Retries = 7
	require.False(t, VerifyEvidenceHash(tampered))

	tampered = pkt
	tampered.OK = false
	require.False(t, VerifyEvidenceHash(tampered))
}

func TestEvidenceBuilder_TerminalScrub(t *testing.T) {
	secret := "sk-live-abcdef123456"
	b := NewEvidenceBuilder("http_request", testInvocationContext())

	input := map[string]any{
		"operation": "get",
		"payload":   map[string]any{"note": "uses " + secret + " inline"},
	}
	connErr := &domain.EvidenceError{
		Code:      CodeConnectorError,
		Message:   "upstream rejected key " + secret,
		Retryable: false,
		Details:   map[string]any{"hint": "retry without " + secret},
	}

	pkt, err := b.Finish(false, input, nil, connErr, []string{secret})
	require.NoError(t, err)

	require.True(t, pkt.LeakScrubbed)
	raw, err := json.Marshal(pkt)
	require.NoError(t, err)
	require.NotContains(t, string(raw), secret, "raw secret must never appear in a packet")
	require.Contains(t, pkt.Error.Message, Redacted)
	require.True(t, VerifyEvidenceHash(pkt), "seal must cover the scrubbed content")
}

func TestEvidenceBuilder_NoScrubFlagWhenClean(t *testing.T) {
	b := NewEvidenceBuilder("http_request", testInvocationContext())
	pkt, err := b.Finish(true, map[string]any{"operation": "get"}, nil, nil, []string{"never-present"})
	require.NoError(t, err)
	require.False(t, pkt.LeakScrubbed)
}

func TestEvidenceBuilder_Flags(t *testing.T) {
	b := NewEvidenceBuilder("http_request", testInvocationContext())
	b.MarkDryRun()
	b.MarkRateLimited()

	pkt, err := b.Finish(true, map[string]any{"operation": "get"}, nil, nil, nil)
	require.NoError(t, err)
	require.True(t, pkt.DryRun)
	require.True(t, pkt.RateLimited)
}

func TestEvidenceBuilder_NoProjectID(t *testing.T) {
	ctx := testInvocationContext()
	ctx.ProjectID = ""
	b := NewEvidenceBuilder("http_request", ctx)
	pkt, err := b.Finish(true, map[string]any{"operation": "get"}, nil, nil, nil)
	require.NoError(t, err)
	require.Nil(t, pkt.ProjectID)

	raw, err := json.Marshal(pkt)
	require.NoError(t, err)
	require.False(t, strings.Contains(string(raw), `"project_id"`))
}
