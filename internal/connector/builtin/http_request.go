package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fairyhunter13/jobforge/internal/connector"
	"github.com/fairyhunter13/jobforge/internal/domain"
	"github.com/fairyhunter13/jobforge/pkg/textx"
)

const (
	defaultHTTPTimeoutMS = 30000
	maxHTTPTimeoutMS     = 300000
	// maxBodyPreviewBytes bounds how much of a response body lands in the
	// result.
	maxBodyPreviewBytes = 1_000_000
)

// httpMethods are the verbs http_request accepts.
var httpMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
	http.MethodHead:   {},
}

// defaultRedactedHeaders hide credential-bearing response headers unless the
// payload overrides the list.
var defaultRedactedHeaders = []string{"authorization", "cookie", "set-cookie"}

// httpRequestPayload is the declarative request carried in the job payload.
type httpRequestPayload struct {
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers"`
	Body          any               `json:"body"`
	TimeoutMS     int               `json:"timeout_ms"`
	AllowedHosts  []string          `json:"allowed_hosts"`
	RedactHeaders []string          `json:"redact_headers"`
}

func (p *httpRequestPayload) normalize() {
	if p.Method == "" {
		p.Method = http.MethodGet
	}
	p.Method = strings.ToUpper(p.Method)
	if p.TimeoutMS == 0 {
		p.TimeoutMS = defaultHTTPTimeoutMS
	}
	if p.RedactHeaders == nil {
		p.RedactHeaders = defaultRedactedHeaders
	}
}

// HTTPRequest performs one HTTP call described by the job payload.
type HTTPRequest struct {
	client *http.Client
}

// NewHTTPRequest builds the connector. A nil client gets the shared
// otel-traced default.
func NewHTTPRequest(client *http.Client) *HTTPRequest {
	if client == nil {
		client = newInstrumentedClient()
	}
	return &HTTPRequest{client: client}
}

// ID implements connector.Connector.
func (c *HTTPRequest) ID() string { return "http_request" }

// Validate checks the payload shape before any network decision is made.
func (c *HTTPRequest) Validate(req connector.Request) []domain.Issue {
	var p httpRequestPayload
	if err := decodePayload(req.Input.Payload, &p); err != nil {
		return []domain.Issue{{Field: "payload", Code: "invalid", Message: err.Error()}}
	}
	p.normalize()

	var issues []domain.Issue
	if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
		issues = append(issues, domain.Issue{Field: "url", Code: "invalid", Message: "url must start with http:// or https://"})
	}
	if _, ok := httpMethods[p.Method]; !ok {
		issues = append(issues, domain.Issue{Field: "method", Code: "invalid", Message: fmt.Sprintf("method %q not supported", p.Method)})
	}
	if p.TimeoutMS < 1 || p.TimeoutMS > maxHTTPTimeoutMS {
		issues = append(issues, domain.Issue{Field: "timeout_ms", Code: "out_of_range", Message: "timeout_ms must be within 1..300000"})
	}
	switch p.Body.(type) {
	case nil, string, map[string]any:
	default:
		issues = append(issues, domain.Issue{Field: "body", Code: "invalid", Message: "body must be a string or an object"})
	}
	return issues
}

// Target returns the request URL; the harness vets it against the SSRF guard
// and the payload's allowed_hosts before Execute runs.
func (c *HTTPRequest) Target(req connector.Request) (*url.URL, error) {
	var p httpRequestPayload
	if err := decodePayload(req.Input.Payload, &p); err != nil {
		return nil, err
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("op=builtin.http_request: parse url: %w", domain.ErrValidation)
	}
	return u, nil
}

// Execute performs the call. 5xx and 429 responses surface as errors so the
// harness retries them; every other status returns a result carrying the
// success flag.
func (c *HTTPRequest) Execute(ctx context.Context, req connector.Request) (*connector.Response, error) {
	if req.DryRun {
		return dryRunResponse(c.ID(), req), nil
	}
	var p httpRequestPayload
	if err := decodePayload(req.Input.Payload, &p); err != nil {
		return nil, err
	}
	p.normalize()

	var body io.Reader
	contentType := ""
	if p.Body != nil && p.Method != http.MethodGet && p.Method != http.MethodHead {
		switch b := p.Body.(type) {
		case string:
			body = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("op=builtin.http_request: encode body: %w", domain.ErrValidation)
			}
			body = bytes.NewReader(raw)
			contentType = "application/json"
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
	if err != nil {
		return nil, fmt.Errorf("op=builtin.http_request: build request: %w", err)
	}
	for k, v := range p.Headers {
		httpReq.Header.Set(k, v)
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	preview, err := readPreview(resp.Body, maxBodyPreviewBytes)
	if err != nil {
		return nil, fmt.Errorf("op=builtin.http_request: read body: %w", err)
	}
	durationMS := time.Since(start).Milliseconds()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &connector.HTTPStatusError{StatusCode: resp.StatusCode, Message: textx.CleanErrorMessage(preview, 200)}
	}

	return &connector.Response{
		Data: map[string]any{
			"status":                resp.StatusCode,
			"duration_ms":           durationMS,
			"response_headers":      redactResponseHeaders(resp.Header, p.RedactHeaders),
			"response_body_preview": preview,
			"success":               resp.StatusCode >= 200 && resp.StatusCode < 300,
		},
		StatusCodes: []int{resp.StatusCode},
	}, nil
}

// redactResponseHeaders flattens response headers under lowercase names,
// hiding the listed ones.
func redactResponseHeaders(h http.Header, redact []string) map[string]string {
	hidden := make(map[string]struct{}, len(redact))
	for _, name := range redact {
		hidden[strings.ToLower(name)] = struct{}{}
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		key := strings.ToLower(name)
		if _, ok := hidden[key]; ok {
			out[key] = connector.Redacted
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}
