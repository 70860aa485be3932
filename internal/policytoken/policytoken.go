// Package policytoken issues and verifies the capability tokens that
// authorize action jobs. A token is two base64url segments joined by a dot:
// the JSON claims payload and an HMAC-SHA256 signature computed over the
// encoded payload segment.
package policytoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

const (
	// Version is the only claims schema version this package understands.
	Version = "1"
	// DefaultTTL applies when claims carry no expiry.
	DefaultTTL = time.Hour
	// MaxTTL bounds issuance; longer-lived capabilities are refused.
	MaxTTL = 24 * time.Hour
	// ClockSkew is the tolerance applied to iat and exp checks.
	ClockSkew = 60 * time.Second
)

// Claims is the payload of a policy token.
type Claims struct {
	JTI       string         `json:"jti"`
	Version   string         `json:"ver"`
	IssuedAt  int64          `json:"iat"`
	ExpiresAt int64          `json:"exp"`
	TenantID  string         `json:"tid"`
	ProjectID string         `json:"pid,omitempty"`
	Actor     string         `json:"act"`
	Scopes    []string       `json:"scp"`
	Action    string         `json:"aud"`
	Resource  string         `json:"res,omitempty"`
	Context   map[string]any `json:"ctx,omitempty"`
}

// Expiry returns the exp claim as a time.
func (c Claims) Expiry() time.Time { return time.Unix(c.ExpiresAt, 0) }

// HasScopes reports whether every required scope is present in scp.
func (c Claims) HasScopes(required []string) bool {
	for _, want := range required {
		found := false
		for _, got := range c.Scopes {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Requirements describe what the caller is about to do with the token.
type Requirements struct {
	Action    string
	TenantID  string
	ProjectID string
	Scopes    []string
}

// Reason identifies why verification failed.
type Reason string

// Verification failure reasons.
const (
	ReasonMalformed        Reason = "malformed"
	ReasonInvalidSignature Reason = "invalid_signature"
	ReasonExpired          Reason = "expired"
	ReasonNotYetValid      Reason = "not_yet_valid"
	ReasonActionMismatch   Reason = "action_mismatch"
	ReasonTenantMismatch   Reason = "tenant_mismatch"
	ReasonProjectMismatch  Reason = "project_mismatch"
	ReasonMissingScopes    Reason = "missing_scopes"
	ReasonReplayed         Reason = "replayed"
)

// VerifyError reports a failed verification with a stable reason.
type VerifyError struct {
	Reason Reason
	Detail string
}

// Error implements error.
func (e *VerifyError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("policy token %s", e.Reason)
	}
	return fmt.Sprintf("policy token %s: %s", e.Reason, e.Detail)
}

// Unwrap maps every verification failure onto the forbidden sentinel so
// generic classification treats it as permanent.
func (e *VerifyError) Unwrap() error { return domain.ErrForbidden }

// Code returns the external error code for this failure.
func (e *VerifyError) Code() string {
	switch e.Reason {
	case ReasonMalformed:
		return "POLICY_TOKEN_MALFORMED"
	case ReasonInvalidSignature:
		return "POLICY_TOKEN_INVALID_SIGNATURE"
	case ReasonExpired:
		return "POLICY_TOKEN_EXPIRED"
	case ReasonNotYetValid:
		return "POLICY_TOKEN_NOT_YET_VALID"
	case ReasonActionMismatch:
		return "POLICY_TOKEN_ACTION_MISMATCH"
	case ReasonTenantMismatch:
		return "POLICY_TOKEN_TENANT_MISMATCH"
	case ReasonProjectMismatch:
		return "POLICY_TOKEN_PROJECT_MISMATCH"
	case ReasonMissingScopes:
		return "POLICY_TOKEN_MISSING_SCOPES"
	case ReasonReplayed:
		return "POLICY_TOKEN_REPLAYED"
	}
	return "POLICY_TOKEN_INVALID"
}

// Replayed builds the error returned when a jti has already been consumed.
func Replayed(jti string) *VerifyError {
	return &VerifyError{Reason: ReasonReplayed, Detail: "jti " + jti + " already consumed"}
}

// Issue signs claims under the given secret and returns the wire token.
// Missing jti, ver, iat and exp are filled in; empty scopes and expiries
// beyond MaxTTL are refused.
func Issue(c Claims, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("op=policytoken.Issue: secret required: %w", domain.ErrValidation)
	}
	if c.TenantID == "" || c.Action == "" || c.Actor == "" {
		return "", fmt.Errorf("op=policytoken.Issue: tenant, action and actor required: %w", domain.ErrValidation)
	}
	if len(c.Scopes) == 0 {
		return "", fmt.Errorf("op=policytoken.Issue: scopes required: %w", domain.ErrValidation)
	}
	if c.JTI == "" {
		c.JTI = ulid.Make().String()
	}
	if c.Version == "" {
		c.Version = Version
	}
	if c.Version != Version {
		return "", fmt.Errorf("op=policytoken.Issue: unsupported version %q: %w", c.Version, domain.ErrValidation)
	}
	if c.IssuedAt == 0 {
		c.IssuedAt = time.Now().Unix()
	}
	if c.ExpiresAt == 0 {
		c.ExpiresAt = c.IssuedAt + int64(DefaultTTL/time.Second)
	}
	if c.ExpiresAt <= c.IssuedAt {
		return "", fmt.Errorf("op=policytoken.Issue: exp must be after iat: %w", domain.ErrValidation)
	}
	if c.ExpiresAt-c.IssuedAt > int64(MaxTTL/time.Second) {
		return "", fmt.Errorf("op=policytoken.Issue: ttl exceeds %s: %w", MaxTTL, domain.ErrValidation)
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("op=policytoken.Issue: %w", err)
	}
	seg := base64.RawURLEncoding.EncodeToString(payload)
	sig := sign(secret, seg)
	return seg + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks a token against the rotation list (newest first) and the
// caller's requirements. On success it returns the decoded claims. All
// failures are *VerifyError values.
func Verify(token string, secrets []string, req Requirements) (Claims, error) {
	return verifyAt(token, secrets, req, time.Now())
}

func verifyAt(token string, secrets []string, req Requirements, now time.Time) (Claims, error) {
	payloadSeg, sigSeg, ok := splitToken(token)
	if !ok {
		return Claims{}, &VerifyError{Reason: ReasonMalformed, Detail: "expected two segments"}
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadSeg)
	if err != nil {
		return Claims{}, &VerifyError{Reason: ReasonMalformed, Detail: "payload encoding"}
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Claims{}, &VerifyError{Reason: ReasonMalformed, Detail: "payload schema"}
	}
	if err := checkSchema(c); err != nil {
		return Claims{}, err
	}
	if c.Expiry().Before(now.Add(-ClockSkew)) {
		return Claims{}, &VerifyError{Reason: ReasonExpired}
	}
	if time.Unix(c.IssuedAt, 0).After(now.Add(ClockSkew)) {
		return Claims{}, &VerifyError{Reason: ReasonNotYetValid}
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigSeg)
	if err != nil {
		return Claims{}, &VerifyError{Reason: ReasonMalformed, Detail: "signature encoding"}
	}
	matched := false
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		if hmac.Equal(sign(secret, payloadSeg), sig) {
			matched = true
			break
		}
	}
	if !matched {
		return Claims{}, &VerifyError{Reason: ReasonInvalidSignature}
	}
	if req.Action != "" && c.Action != req.Action {
		return Claims{}, &VerifyError{Reason: ReasonActionMismatch, Detail: "token authorizes " + c.Action}
	}
	if req.TenantID != "" && c.TenantID != req.TenantID {
		return Claims{}, &VerifyError{Reason: ReasonTenantMismatch}
	}
	// A token without a project claim is tenant-wide; one with a project
	// claim only authorizes work inside that project.
	if c.ProjectID != "" && c.ProjectID != req.ProjectID {
		return Claims{}, &VerifyError{Reason: ReasonProjectMismatch}
	}
	if !c.HasScopes(req.Scopes) {
		return Claims{}, &VerifyError{Reason: ReasonMissingScopes}
	}
	return c, nil
}

func checkSchema(c Claims) *VerifyError {
	switch {
	case c.JTI == "":
		return &VerifyError{Reason: ReasonMalformed, Detail: "jti required"}
	case c.Version != Version:
		return &VerifyError{Reason: ReasonMalformed, Detail: "unsupported version"}
	case c.IssuedAt <= 0 || c.ExpiresAt <= 0:
		return &VerifyError{Reason: ReasonMalformed, Detail: "iat and exp required"}
	case c.TenantID == "" || c.Action == "" || c.Actor == "":
		return &VerifyError{Reason: ReasonMalformed, Detail: "tid, aud and act required"}
	case len(c.Scopes) == 0:
		return &VerifyError{Reason: ReasonMalformed, Detail: "scp required"}
	}
	return nil
}

// splitToken separates the payload and signature segments without allocating
// on the happy path.
func splitToken(token string) (payload, sig string, ok bool) {
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			payload, sig = token[:i], token[i+1:]
			// A second dot means more than two segments.
			for j := 0; j < len(sig); j++ {
				if sig[j] == '.' {
					return "", "", false
				}
			}
			return payload, sig, payload != "" && sig != ""
		}
	}
	return "", "", false
}

func sign(secret, payloadSegment string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payloadSegment))
	return mac.Sum(nil)
}
