package builtin

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jobforge/internal/connector"
	"github.com/fairyhunter13/jobforge/internal/domain"
)

func webhookReq(payload map[string]any) connector.Request {
	return connector.Request{
		Input:   connector.Input{Operation: "webhook_deliver", Payload: payload},
		Context: connector.InvocationContext{TraceID: "trace-1", TenantID: "t1", Attempt: 3},
	}
}

func webhookPayloadFor(target string) map[string]any {
	return map[string]any{
		"target_url": target,
		"event_type": "job.completed",
		"event_id":   "evt-42",
		"data":       map[string]any{"job_id": "j-1", "status": "succeeded"},
	}
}

func TestWebhookDeliverValidate(t *testing.T) {
	conn := NewWebhookDeliver(nil)
	tests := []struct {
		name      string
		mutate    func(map[string]any)
		wantField string
	}{
		{"missing target", func(p map[string]any) { delete(p, "target_url") }, "target_url"},
		{"bad scheme", func(p map[string]any) { p["target_url"] = "gopher://x" }, "target_url"},
		{"missing event type", func(p map[string]any) { delete(p, "event_type") }, "event_type"},
		{"missing event id", func(p map[string]any) { delete(p, "event_id") }, "event_id"},
		{"bad algo", func(p map[string]any) { p["signature_algo"] = "md5" }, "signature_algo"},
		{"timeout too large", func(p map[string]any) { p["timeout_ms"] = 60001 }, "timeout_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := webhookPayloadFor("https://hooks.example.com/in")
			tt.mutate(p)
			issues := conn.Validate(webhookReq(p))
			require.NotEmpty(t, issues)
			require.Equal(t, tt.wantField, issues[0].Field)
		})
	}

	t.Run("defaults pass", func(t *testing.T) {
		issues := conn.Validate(webhookReq(webhookPayloadFor("https://hooks.example.com/in")))
		require.Empty(t, issues)
	})
}

func TestWebhookDeliverSignsAndPosts(t *testing.T) {
	secret := "whsec_k9f2"
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var gotHeaders http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	conn := NewWebhookDeliver(srv.Client())
	conn.now = func() time.Time { return fixed }
	conn.secretFrom = func(ref string) string {
		if ref == "WEBHOOK_SECRET" {
			return secret
		}
		return ""
	}

	payload := webhookPayloadFor(srv.URL)
	payload["secret_ref"] = "WEBHOOK_SECRET"
	resp, err := conn.Execute(context.Background(), webhookReq(payload))
	require.NoError(t, err)

	require.Equal(t, webhookUserAgent, gotHeaders.Get("User-Agent"))
	require.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	require.Equal(t, "job.completed", gotHeaders.Get("X-JobForge-Event"))
	require.Equal(t, "evt-42", gotHeaders.Get("X-JobForge-Event-ID"))
	require.Equal(t, "2025-06-01T12:00:00Z", gotHeaders.Get("X-JobForge-Timestamp"))
	require.Equal(t, "3", gotHeaders.Get("X-JobForge-Delivery-Attempt"))

	// The signature must verify against the bytes the receiver saw.
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	require.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotHeaders.Get("X-JobForge-Signature"))

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &envelope))
	require.Equal(t, "job.completed", envelope["event_type"])
	require.Equal(t, "evt-42", envelope["event_id"])
	require.Equal(t, "2025-06-01T12:00:00Z", envelope["timestamp"])
	require.Equal(t, "succeeded", envelope["data"].(map[string]any)["status"])

	data := resp.Data.(map[string]any)
	require.Equal(t, true, data["delivered"])
	require.Equal(t, 200, data["status"])
	require.Equal(t, "ok", data["response_preview"])
	require.NotEmpty(t, data["signature"])
}

func TestWebhookDeliverSha512(t *testing.T) {
	secret := "whsec_512"
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-JobForge-Signature")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	conn := NewWebhookDeliver(srv.Client())
	conn.secretFrom = func(string) string { return secret }

	payload := webhookPayloadFor(srv.URL)
	payload["secret_ref"] = "ANY"
	payload["signature_algo"] = "sha512"
	_, err := conn.Execute(context.Background(), webhookReq(payload))
	require.NoError(t, err)

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(gotBody)
	require.Equal(t, "sha512="+hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestWebhookDeliverConfigSecretWins(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-JobForge-Signature")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	conn := NewWebhookDeliver(srv.Client())
	conn.secretFrom = func(string) string { return "env-secret" }

	payload := webhookPayloadFor(srv.URL)
	payload["secret_ref"] = "HOOK_KEY"
	req := webhookReq(payload)
	req.Config.Secrets = map[string]string{"HOOK_KEY": "config-secret"}

	_, err := conn.Execute(context.Background(), req)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte("config-secret"))
	mac.Write(gotBody)
	require.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig,
		"config-held secrets take precedence over the environment")
}

func TestWebhookDeliverMissingSecret(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits++
	}))
	defer srv.Close()

	conn := NewWebhookDeliver(srv.Client())
	conn.secretFrom = func(string) string { return "" }

	payload := webhookPayloadFor(srv.URL)
	payload["secret_ref"] = "MISSING"
	_, err := conn.Execute(context.Background(), webhookReq(payload))
	require.Error(t, err)

	var ce *connector.ClassifiedError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, connector.CodeConfigValidation, ce.Code)
	require.False(t, ce.Retryable)
	require.Zero(t, hits, "nothing is delivered without the signing secret")
}

func TestWebhookDeliverUnsigned(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
	}))
	defer srv.Close()

	conn := NewWebhookDeliver(srv.Client())
	resp, err := conn.Execute(context.Background(), webhookReq(webhookPayloadFor(srv.URL)))
	require.NoError(t, err)

	require.Empty(t, gotHeaders.Get("X-JobForge-Signature"))
	_, signed := resp.Data.(map[string]any)["signature"]
	require.False(t, signed)
}

func TestWebhookDeliverReceiverErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"503", http.StatusServiceUnavailable, domain.ErrExternalService},
		{"429", http.StatusTooManyRequests, domain.ErrRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			conn := NewWebhookDeliver(srv.Client())
			_, err := conn.Execute(context.Background(), webhookReq(webhookPayloadFor(srv.URL)))
			require.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestWebhookDeliverClientErrorIsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	conn := NewWebhookDeliver(srv.Client())
	resp, err := conn.Execute(context.Background(), webhookReq(webhookPayloadFor(srv.URL)))
	require.NoError(t, err)

	data := resp.Data.(map[string]any)
	require.Equal(t, false, data["delivered"])
	require.Equal(t, 410, data["status"])
}

func TestWebhookDeliverDryRun(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits++
	}))
	defer srv.Close()

	conn := NewWebhookDeliver(srv.Client())
	req := webhookReq(webhookPayloadFor(srv.URL))
	req.DryRun = true

	resp, err := conn.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, true, resp.Data.(map[string]any)["dry_run"])
	require.Zero(t, hits)
}

func TestWebhookDeliverTarget(t *testing.T) {
	conn := NewWebhookDeliver(nil)
	u, err := conn.Target(webhookReq(webhookPayloadFor("https://hooks.example.com/in")))
	require.NoError(t, err)
	require.Equal(t, "hooks.example.com", u.Hostname())
}
