package builtin

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/jobforge/internal/connector"
	"github.com/fairyhunter13/jobforge/internal/domain"
	"github.com/fairyhunter13/jobforge/pkg/textx"
)

const (
	defaultWebhookTimeoutMS = 10000
	maxWebhookTimeoutMS     = 60000
	webhookUserAgent        = "JobForge-Webhook/1.0"
	// maxWebhookPreviewBytes bounds the receiver response carried in the
	// result.
	maxWebhookPreviewBytes = 500
)

// webhookPayload is the delivery order carried in the job payload.
type webhookPayload struct {
	TargetURL     string         `json:"target_url"`
	EventType     string         `json:"event_type"`
	EventID       string         `json:"event_id"`
	Data          map[string]any `json:"data"`
	SecretRef     string         `json:"secret_ref"`
	SignatureAlgo string         `json:"signature_algo"`
	TimeoutMS     int            `json:"timeout_ms"`
}

func (p *webhookPayload) normalize() {
	if p.SignatureAlgo == "" {
		p.SignatureAlgo = "sha256"
	}
	if p.TimeoutMS == 0 {
		p.TimeoutMS = defaultWebhookTimeoutMS
	}
}

// webhookEnvelope is the JSON document receivers see. The signature covers
// these exact bytes.
type webhookEnvelope struct {
	EventType string         `json:"event_type"`
	EventID   string         `json:"event_id"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// WebhookDeliver posts signed webhook envelopes to subscriber endpoints.
type WebhookDeliver struct {
	client     *http.Client
	secretFrom func(ref string) string
	now        func() time.Time
}

// NewWebhookDeliver builds the connector. Secrets named by secret_ref
// resolve from connector config secrets first, then the environment.
func NewWebhookDeliver(client *http.Client) *WebhookDeliver {
	if client == nil {
		client = newInstrumentedClient()
	}
	return &WebhookDeliver{client: client, secretFrom: os.Getenv, now: time.Now}
}

// ID implements connector.Connector.
func (c *WebhookDeliver) ID() string { return "webhook_deliver" }

// Validate checks the delivery order before any network decision is made.
func (c *WebhookDeliver) Validate(req connector.Request) []domain.Issue {
	var p webhookPayload
	if err := decodePayload(req.Input.Payload, &p); err != nil {
		return []domain.Issue{{Field: "payload", Code: "invalid", Message: err.Error()}}
	}
	p.normalize()

	var issues []domain.Issue
	if !strings.HasPrefix(p.TargetURL, "http://") && !strings.HasPrefix(p.TargetURL, "https://") {
		issues = append(issues, domain.Issue{Field: "target_url", Code: "invalid", Message: "target_url must start with http:// or https://"})
	}
	if p.EventType == "" {
		issues = append(issues, domain.Issue{Field: "event_type", Code: "required", Message: "event_type is required"})
	}
	if p.EventID == "" {
		issues = append(issues, domain.Issue{Field: "event_id", Code: "required", Message: "event_id is required"})
	}
	if p.SignatureAlgo != "sha256" && p.SignatureAlgo != "sha512" {
		issues = append(issues, domain.Issue{Field: "signature_algo", Code: "invalid", Message: "signature_algo must be sha256 or sha512"})
	}
	if p.TimeoutMS < 1 || p.TimeoutMS > maxWebhookTimeoutMS {
		issues = append(issues, domain.Issue{Field: "timeout_ms", Code: "out_of_range", Message: "timeout_ms must be within 1..60000"})
	}
	return issues
}

// Target returns the delivery URL for the harness SSRF check.
func (c *WebhookDeliver) Target(req connector.Request) (*url.URL, error) {
	var p webhookPayload
	if err := decodePayload(req.Input.Payload, &p); err != nil {
		return nil, err
	}
	u, err := url.Parse(p.TargetURL)
	if err != nil {
		return nil, fmt.Errorf("op=builtin.webhook_deliver: parse target_url: %w", domain.ErrValidation)
	}
	return u, nil
}

// Execute signs and posts the envelope. 5xx and 429 responses surface as
// errors so the harness retries them; other statuses return a result with
// the delivered flag.
func (c *WebhookDeliver) Execute(ctx context.Context, req connector.Request) (*connector.Response, error) {
	if req.DryRun {
		return dryRunResponse(c.ID(), req), nil
	}
	var p webhookPayload
	if err := decodePayload(req.Input.Payload, &p); err != nil {
		return nil, err
	}
	p.normalize()

	timestamp := c.now().UTC().Format(time.RFC3339)
	data := p.Data
	if data == nil {
		data = map[string]any{}
	}
	body, err := json.Marshal(webhookEnvelope{
		EventType: p.EventType,
		EventID:   p.EventID,
		Timestamp: timestamp,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("op=builtin.webhook_deliver: encode envelope: %w", domain.ErrValidation)
	}

	signature := ""
	if p.SecretRef != "" {
		secret := req.Config.Secrets[p.SecretRef]
		if secret == "" {
			secret = c.secretFrom(p.SecretRef)
		}
		if secret == "" {
			return nil, &connector.ClassifiedError{
				Code:      connector.CodeConfigValidation,
				Message:   fmt.Sprintf("secret_ref %q did not resolve", p.SecretRef),
				Retryable: false,
			}
		}
		signature = p.SignatureAlgo + "=" + signEnvelope(p.SignatureAlgo, secret, body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TargetURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("op=builtin.webhook_deliver: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", webhookUserAgent)
	httpReq.Header.Set("X-JobForge-Event", p.EventType)
	httpReq.Header.Set("X-JobForge-Event-ID", p.EventID)
	httpReq.Header.Set("X-JobForge-Timestamp", timestamp)
	httpReq.Header.Set("X-JobForge-Delivery-Attempt", strconv.Itoa(req.Context.Attempt))
	if signature != "" {
		httpReq.Header.Set("X-JobForge-Signature", signature)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	preview, err := readPreview(resp.Body, maxWebhookPreviewBytes)
	if err != nil {
		return nil, fmt.Errorf("op=builtin.webhook_deliver: read response: %w", err)
	}
	durationMS := time.Since(start).Milliseconds()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &connector.HTTPStatusError{StatusCode: resp.StatusCode, Message: textx.CleanErrorMessage(preview, 200)}
	}

	result := map[string]any{
		"delivered":        resp.StatusCode >= 200 && resp.StatusCode < 300,
		"status":           resp.StatusCode,
		"duration_ms":      durationMS,
		"response_preview": preview,
		"timestamp":        timestamp,
	}
	if signature != "" {
		result["signature"] = signature
	}
	return &connector.Response{Data: result, StatusCodes: []int{resp.StatusCode}}, nil
}

// signEnvelope computes the hex HMAC digest of the envelope bytes.
func signEnvelope(algo, secret string, body []byte) string {
	var mac hash.Hash
	switch algo {
	case "sha512":
		mac = hmac.New(sha512.New, []byte(secret))
	default:
		mac = hmac.New(sha256.New, []byte(secret))
	}
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
