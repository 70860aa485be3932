// Package connector runs every external effect through one harness: strict
// validation, SSRF vetting, per-endpoint circuit breaking, rate limiting,
// timeout racing, classified retries with jittered backoff, and a redacted,
// hash-sealed evidence packet on every exit path.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/jobforge/internal/adapter/observability"
	"github.com/fairyhunter13/jobforge/internal/config"
	"github.com/fairyhunter13/jobforge/internal/domain"
	"github.com/fairyhunter13/jobforge/pkg/textx"
)

// Error codes surfaced in evidence packets and results.
const (
	CodeConfigValidation  = "CONFIG_VALIDATION_ERROR"
	CodeInputValidation   = "INPUT_VALIDATION_ERROR"
	CodeContextValidation = "CONTEXT_VALIDATION_ERROR"
	CodeTimeout           = "TIMEOUT"
	CodeRateLimit         = "RATE_LIMIT"
	CodeTransient         = "TRANSIENT"
	CodeConnectorError    = "CONNECTOR_ERROR"
	CodeSSRFBlocked       = "SSRF_BLOCKED"
	CodeBreakerOpen       = "CIRCUIT_BREAKER_OPEN"
	CodeInternal          = "INTERNAL_ERROR"
)

// maxErrorMessageLen bounds error text carried into evidence packets.
const maxErrorMessageLen = 512

// Config describes how a connector reaches its external system.
type Config struct {
	AuthType           string            `json:"auth_type,omitempty" validate:"omitempty,oneof=none api_key bearer basic hmac"`
	Settings           map[string]any    `json:"settings,omitempty"`
	TimeoutMS          int               `json:"timeout_ms,omitempty" validate:"omitempty,min=1,max=300000"`
	MaxRetries         *int              `json:"max_retries,omitempty" validate:"omitempty,min=0,max=10"`
	RateLimitPerMinute int               `json:"rate_limit_per_minute,omitempty" validate:"omitempty,min=1"`
	AllowedHosts       []string          `json:"allowed_hosts,omitempty"`
	Secrets            map[string]string `json:"-"`
}

// Input is one operation request against a connector.
type Input struct {
	Operation      string         `json:"operation" validate:"required"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// InvocationContext carries the ambient identity of an invocation. JobID is
// set when the invocation runs inside a worker job; connectors that persist
// outputs key them by it.
type InvocationContext struct {
	TraceID   string `json:"trace_id" validate:"required"`
	TenantID  string `json:"tenant_id" validate:"required"`
	ProjectID string `json:"project_id,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
}

// Request bundles everything one invocation needs.
type Request struct {
	Config  Config
	Input   Input
	Context InvocationContext
	// DryRun is resolved by the harness from the context flag and the
	// runtime integration flag; connectors must not dial out when set.
	DryRun bool
}

// Response is a successful connector attempt.
type Response struct {
	Data        any
	StatusCodes []int
	RateLimited bool
}

// Result is the harness output. Evidence is present on every path, including
// validation failures where no external call happened.
type Result struct {
	OK       bool
	Data     any
	Error    *domain.EvidenceError
	Evidence domain.EvidencePacket
}

// Connector executes one kind of external effect under the harness.
type Connector interface {
	// ID returns the connector type identifier, e.g. "http_request".
	ID() string
	// Validate checks connector-specific settings and payload. Returned
	// issues fail the invocation before any external call.
	Validate(req Request) []domain.Issue
	// Target returns the URL this invocation will dial, or nil when the
	// connector performs no network I/O.
	Target(req Request) (*url.URL, error)
	// Execute performs a single attempt. The context carries the attempt
	// timeout; implementations must honor req.DryRun.
	Execute(ctx context.Context, req Request) (*Response, error)
}

// ClassifiedError lets a connector body pin its own attempt classification.
type ClassifiedError struct {
	Code      string
	Message   string
	Retryable bool
}

// Error implements error.
func (e *ClassifiedError) Error() string { return e.Code + ": " + e.Message }

// HTTPStatusError carries an HTTP status through classification so evidence
// records the code even for failed attempts.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

// Error implements error.
func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps 429 to the rate-limit sentinel and 5xx to the external-service
// sentinel; other statuses classify as connector errors.
func (e *HTTPStatusError) Unwrap() error {
	switch {
	case e.StatusCode == 429:
		return domain.ErrRateLimited
	case e.StatusCode >= 500:
		return domain.ErrExternalService
	default:
		return nil
	}
}

// Registry resolves connector ids to implementations.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Connector
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Connector)}
}

// Register adds a connector, replacing any previous one with the same id.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// Get returns the connector for an id.
func (r *Registry) Get(id string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// IDs lists registered connector ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// Options configure a Harness.
type Options struct {
	// Timeout is the per-attempt deadline when connector config has none.
	Timeout time.Duration
	// Retry is the backoff policy when connector config has no override.
	Retry domain.RetryPolicy
	// Breakers is shared across invocations; nil creates a fresh registry.
	Breakers *BreakerRegistry
	// Guard vets outbound URLs; nil creates a guard with no allowlist.
	Guard *SSRFGuard
	// Flags supplies the runtime dry-run switch; nil reads the environment.
	Flags config.FlagSource
	// GlobalSecrets are scrubbed from every evidence packet in addition to
	// the per-connector secret values.
	GlobalSecrets []string
}

// Harness executes connectors under the invocation contract.
type Harness struct {
	registry *Registry
	timeout  time.Duration
	retry    domain.RetryPolicy
	breakers *BreakerRegistry
	guard    *SSRFGuard
	flags    config.FlagSource
	limiters *limiterRegistry
	secrets  []string
}

// NewHarness wires a harness around a connector registry.
func NewHarness(registry *Registry, opts Options) *Harness {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retry.Multiplier == 0 {
		opts.Retry = domain.DefaultHarnessRetryPolicy()
	}
	if opts.Breakers == nil {
		opts.Breakers = NewBreakerRegistry(5, 30*time.Second)
	}
	if opts.Guard == nil {
		opts.Guard = NewSSRFGuard(nil)
	}
	if opts.Flags == nil {
		opts.Flags = config.EnvFlags{}
	}
	return &Harness{
		registry: registry,
		timeout:  opts.Timeout,
		retry:    opts.Retry,
		breakers: opts.Breakers,
		guard:    opts.Guard,
		flags:    opts.Flags,
		limiters: newLimiterRegistry(),
		secrets:  opts.GlobalSecrets,
	}
}

// Breakers exposes the breaker registry for tests and admin resets.
func (h *Harness) Breakers() *BreakerRegistry { return h.breakers }

// Run resolves a connector id and invokes it.
func (h *Harness) Run(ctx context.Context, connectorID string, cfg Config, input Input, invCtx InvocationContext) Result {
	conn, ok := h.registry.Get(connectorID)
	if !ok {
		builder := NewEvidenceBuilder(connectorID, invCtx)
		return h.fail(builder, Request{Config: cfg, Input: input, Context: invCtx}, &domain.EvidenceError{
			Code:      CodeInputValidation,
			Message:   fmt.Sprintf("unknown connector %q", connectorID),
			Retryable: false,
		}, time.Now())
	}
	return h.Invoke(ctx, conn, Request{Config: cfg, Input: input, Context: invCtx})
}

// Invoke runs one connector invocation end to end.
func (h *Harness) Invoke(ctx context.Context, conn Connector, req Request) Result {
	start := time.Now()
	builder := NewEvidenceBuilder(conn.ID(), req.Context)

	// Strict validation happens before anything else; failures emit
	// evidence but never an external call.
	if verr := h.validate(conn, req); verr != nil {
		return h.fail(builder, req, verr, start)
	}

	req.DryRun = req.Context.DryRun || h.flags.IntegrationDryRun()
	if req.DryRun {
		builder.MarkDryRun()
	}

	target, err := conn.Target(req)
	if err != nil {
		return h.fail(builder, req, &domain.EvidenceError{
			Code:      CodeInputValidation,
			Message:   safeMessage(err),
			Retryable: false,
		}, start)
	}

	endpoint := ""
	if target != nil {
		guard := h.guard
		if len(req.Config.AllowedHosts) > 0 {
			guard = NewSSRFGuard(req.Config.AllowedHosts)
		}
		if err := guard.Check(target); err != nil {
			code := CodeSSRFBlocked
			if !errors.Is(err, domain.ErrSSRFBlocked) {
				code = CodeInputValidation
			}
			return h.fail(builder, req, &domain.EvidenceError{
				Code:      code,
				Message:   safeMessage(err),
				Retryable: false,
			}, start)
		}
		endpoint = EndpointKey(target)
	}

	var breaker *Breaker
	if endpoint != "" && !req.DryRun {
		breaker = h.breakers.Get(endpoint)
		if !breaker.CanExecute() {
			remaining := breaker.RemainingCooldown()
			return h.fail(builder, req, &domain.EvidenceError{
				Code:      CodeBreakerOpen,
				Message:   fmt.Sprintf("circuit open for %s", endpoint),
				Retryable: true,
				Details:   map[string]any{"remaining_cooldown_ms": remaining.Milliseconds()},
			}, start)
		}
	}

	maxRetries := h.retry.MaxRetries
	if req.Config.MaxRetries != nil {
		maxRetries = *req.Config.MaxRetries
	}
	timeout := h.timeout
	if req.Config.TimeoutMS > 0 {
		timeout = time.Duration(req.Config.TimeoutMS) * time.Millisecond
	}
	bo := newBackoff(h.retry)

	resp, lastErr := h.attemptLoop(ctx, conn, req, builder, breaker, maxRetries, timeout, bo)
	if lastErr != nil {
		return h.fail(builder, req, lastErr, start)
	}

	var data any
	if resp != nil {
		data = resp.Data
	}
	packet, err := builder.Finish(true, redactedInvocationInput(req), data, nil, h.scrubList(req))
	if err != nil {
		return h.internalFailure(req, err, start, conn.ID())
	}
	observability.RecordConnectorInvocation(conn.ID(), "ok", time.Since(start))
	return Result{OK: true, Data: data, Evidence: packet}
}

// attemptLoop races each attempt against the timeout and sleeps the jittered
// backoff between retryable failures.
func (h *Harness) attemptLoop(ctx context.Context, conn Connector, req Request, builder *EvidenceBuilder, breaker *Breaker, maxRetries int, timeout time.Duration, bo *backoff.ExponentialBackOff) (*Response, *domain.EvidenceError) {
	var lastErr *domain.EvidenceError
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if !req.DryRun && !h.limiters.allow(conn.ID(), req.Config.RateLimitPerMinute) {
			builder.MarkRateLimited()
			lastErr = &domain.EvidenceError{Code: CodeRateLimit, Message: "connector rate limit exhausted", Retryable: true}
		} else {
			attemptCtx, cancel := context.WithTimeout(ctx, timeout)
			resp, err := conn.Execute(attemptCtx, req)
			cancel()
			if err == nil {
				if resp != nil {
					builder.RecordStatuses(resp.StatusCodes)
					if resp.RateLimited {
						builder.MarkRateLimited()
					}
				}
				if breaker != nil {
					breaker.RecordSuccess()
				}
				return resp, nil
			}

			var se *HTTPStatusError
			if errors.As(err, &se) {
				builder.RecordStatus(se.StatusCode)
			}
			code, retryable := classifyAttempt(attemptCtx, err)
			lastErr = &domain.EvidenceError{Code: code, Message: safeMessage(err), Retryable: retryable}
			if code == CodeRateLimit {
				builder.MarkRateLimited()
			}
			if breaker != nil {
				breaker.RecordFailure()
				if breaker.State() == StateOpen {
					return nil, lastErr
				}
			}
			if !retryable {
				return nil, lastErr
			}
		}
		if attempt == maxRetries {
			break
		}
		delay := bo.NextBackOff()
		builder.RecordRetry(delay)
		observability.RecordConnectorRetry(conn.ID())
		select {
		case <-ctx.Done():
			return nil, &domain.EvidenceError{Code: CodeTimeout, Message: "invocation canceled during backoff", Retryable: true}
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// validate checks the three invocation inputs in order, then the connector's
// own rules.
func (h *Harness) validate(conn Connector, req Request) *domain.EvidenceError {
	if err := getValidator().Struct(req.Config); err != nil {
		return validationFailure(CodeConfigValidation, err)
	}
	if err := getValidator().Struct(req.Input); err != nil {
		return validationFailure(CodeInputValidation, err)
	}
	if err := getValidator().Struct(req.Context); err != nil {
		return validationFailure(CodeContextValidation, err)
	}
	issues := conn.Validate(req)
	if len(issues) == 0 {
		return nil
	}
	code := CodeInputValidation
	detail := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		if strings.HasPrefix(issue.Field, "settings.") || strings.HasPrefix(issue.Field, "config.") {
			code = CodeConfigValidation
		}
		detail = append(detail, map[string]any{
			"field":   issue.Field,
			"code":    issue.Code,
			"message": issue.Message,
		})
	}
	return &domain.EvidenceError{
		Code:      code,
		Message:   "connector validation failed",
		Retryable: false,
		Details:   map[string]any{"issues": detail},
	}
}

func validationFailure(code string, err error) *domain.EvidenceError {
	verrs := map[string]any{}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			verrs[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	return &domain.EvidenceError{
		Code:      code,
		Message:   "invocation validation failed",
		Retryable: false,
		Details:   map[string]any{"fields": verrs},
	}
}

// fail finishes the evidence packet for an unsuccessful invocation.
func (h *Harness) fail(builder *EvidenceBuilder, req Request, connErr *domain.EvidenceError, start time.Time) Result {
	packet, err := builder.Finish(false, redactedInvocationInput(req), nil, connErr, h.scrubList(req))
	if err != nil {
		return h.internalFailure(req, err, start, builder.packet.ConnectorID)
	}
	observability.RecordConnectorInvocation(packet.ConnectorID, strings.ToLower(connErr.Code), time.Since(start))
	return Result{OK: false, Error: connErr, Evidence: packet}
}

// internalFailure covers evidence construction faults, which should not
// happen with JSON-shaped payloads.
func (h *Harness) internalFailure(req Request, err error, start time.Time, connectorID string) Result {
	connErr := &domain.EvidenceError{Code: CodeInternal, Message: safeMessage(err), Retryable: false}
	builder := NewEvidenceBuilder(connectorID, req.Context)
	packet, ferr := builder.Finish(false, map[string]any{"operation": req.Input.Operation}, nil, connErr, h.scrubList(req))
	if ferr != nil {
		packet = builder.packet
		packet.OK = false
		packet.Error = connErr
	}
	observability.RecordConnectorInvocation(connectorID, "internal_error", time.Since(start))
	return Result{OK: false, Error: connErr, Evidence: packet}
}

func (h *Harness) scrubList(req Request) []string {
	out := make([]string, 0, len(h.secrets)+len(req.Config.Secrets))
	out = append(out, h.secrets...)
	for _, v := range req.Config.Secrets {
		out = append(out, v)
	}
	return out
}

func redactedInvocationInput(req Request) map[string]any {
	in := map[string]any{"operation": req.Input.Operation}
	if req.Input.Payload != nil {
		in["payload"] = RedactMap(req.Input.Payload)
	}
	if len(req.Config.Settings) > 0 {
		in["settings"] = RedactMap(req.Config.Settings)
	}
	if req.Input.IdempotencyKey != "" {
		in["idempotency_key"] = req.Input.IdempotencyKey
	}
	return in
}

func newBackoff(p domain.RetryPolicy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.JitterRatio
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// classifyAttempt maps an attempt error onto the retry taxonomy.
func classifyAttempt(ctx context.Context, err error) (string, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Code, ce.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return CodeTimeout, true
	}
	if errors.Is(err, domain.ErrTimeout) {
		return CodeTimeout, true
	}
	if errors.Is(err, domain.ErrRateLimited) {
		return CodeRateLimit, true
	}
	if errors.Is(err, domain.ErrExternalService) {
		return CodeTransient, true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return CodeTimeout, true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return CodeTransient, true
	}
	return CodeConnectorError, false
}

func safeMessage(err error) string {
	if err == nil {
		return ""
	}
	return textx.CleanErrorMessage(err.Error(), maxErrorMessageLen)
}
