package policytoken

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

func baseClaims(now time.Time) Claims {
	return Claims{
		TenantID:  "t-1",
		ProjectID: "p-1",
		Actor:     "user:alice",
		Scopes:    []string{"jobs:execute", "webhooks:deliver"},
		Action:    "action.webhook_deliver",
		Resource:  "hooks/42",
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
	}
}

func baseRequirements() Requirements {
	return Requirements{
		Action:    "action.webhook_deliver",
		TenantID:  "t-1",
		ProjectID: "p-1",
		Scopes:    []string{"jobs:execute"},
	}
}

func Test_Issue_And_Verify_RoundTrip(t *testing.T) {
	now := time.Now()
	token, err := Issue(baseClaims(now), "secret-a")
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(token, "."), "token must have exactly two segments")

	got, err := Verify(token, []string{"secret-a"}, baseRequirements())
	require.NoError(t, err)
	require.Equal(t, "t-1", got.TenantID)
	require.Equal(t, "action.webhook_deliver", got.Action)
	require.NotEmpty(t, got.JTI)
	require.Equal(t, Version, got.Version)
}

func Test_Issue_FillsDefaults(t *testing.T) {
	c := baseClaims(time.Now())
	c.JTI = ""
	c.IssuedAt = 0
	c.ExpiresAt = 0
	token, err := Issue(c, "secret-a")
	require.NoError(t, err)

	got, err := Verify(token, []string{"secret-a"}, baseRequirements())
	require.NoError(t, err)
	require.NotEmpty(t, got.JTI)
	require.InDelta(t, time.Now().Unix(), got.IssuedAt, 5)
	require.Equal(t, got.IssuedAt+int64(DefaultTTL/time.Second), got.ExpiresAt)
}

func Test_Issue_Rejections(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		mutate func(*Claims)
		secret string
	}{
		{name: "empty secret", mutate: func(_ *Claims) {}, secret: ""},
		{name: "no scopes", mutate: func(c *Claims) { c.Scopes = nil }, secret: "s"},
		{name: "no tenant", mutate: func(c *Claims) { c.TenantID = "" }, secret: "s"},
		{name: "no action", mutate: func(c *Claims) { c.Action = "" }, secret: "s"},
		{name: "no actor", mutate: func(c *Claims) { c.Actor = "" }, secret: "s"},
		{name: "ttl over max", mutate: func(c *Claims) { c.ExpiresAt = now.Add(25 * time.Hour).Unix() }, secret: "s"},
		{name: "exp before iat", mutate: func(c *Claims) { c.ExpiresAt = now.Add(-time.Minute).Unix() }, secret: "s"},
		{name: "unknown version", mutate: func(c *Claims) { c.Version = "2" }, secret: "s"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := baseClaims(now)
			tc.mutate(&c)
			_, err := Issue(c, tc.secret)
			require.Error(t, err)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func Test_Verify_Malformed(t *testing.T) {
	now := time.Now()
	token, err := Issue(baseClaims(now), "secret-a")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "one segment", token: "abc"},
		{name: "three segments", token: token + ".extra"},
		{name: "bad payload b64", token: "!!!." + strings.Split(token, ".")[1]},
		{name: "bad signature b64", token: strings.Split(token, ".")[0] + ".!!!"},
		{name: "payload not json", token: "aGVsbG8." + strings.Split(token, ".")[1]},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Verify(tc.token, []string{"secret-a"}, baseRequirements())
			var ve *VerifyError
			require.ErrorAs(t, err, &ve)
			require.Equal(t, ReasonMalformed, ve.Reason)
		})
	}
}

func Test_Verify_TimeWindow(t *testing.T) {
	now := time.Now()

	// Expired beyond skew.
	c := baseClaims(now.Add(-2 * time.Hour))
	c.ExpiresAt = now.Add(-100 * time.Second).Unix()
	token, err := Issue(c, "secret-a")
	require.NoError(t, err)
	_, err = verifyAt(token, []string{"secret-a"}, baseRequirements(), now)
	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, ReasonExpired, ve.Reason)

	// Expired inside skew still passes.
	c = baseClaims(now.Add(-time.Hour))
	c.ExpiresAt = now.Add(-30 * time.Second).Unix()
	token, err = Issue(c, "secret-a")
	require.NoError(t, err)
	_, err = verifyAt(token, []string{"secret-a"}, baseRequirements(), now)
	require.NoError(t, err)

	// Issued in the future beyond skew.
	c = baseClaims(now.Add(100 * time.Second))
	token, err = Issue(c, "secret-a")
	require.NoError(t, err)
	_, err = verifyAt(token, []string{"secret-a"}, baseRequirements(), now)
	require.ErrorAs(t, err, &ve)
	require.Equal(t, ReasonNotYetValid, ve.Reason)
}

func Test_Verify_Rotation(t *testing.T) {
	now := time.Now()
	token, err := Issue(baseClaims(now), "old-secret")
	require.NoError(t, err)

	// Token under a retired secret verifies while that secret stays listed.
	_, err = Verify(token, []string{"new-secret", "old-secret"}, baseRequirements())
	require.NoError(t, err)

	// Once rotated out, the signature no longer matches anything.
	_, err = Verify(token, []string{"new-secret"}, baseRequirements())
	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, ReasonInvalidSignature, ve.Reason)
}

func Test_Verify_Requirements(t *testing.T) {
	now := time.Now()
	token, err := Issue(baseClaims(now), "secret-a")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Requirements)
		want   Reason
	}{
		{name: "action mismatch", mutate: func(r *Requirements) { r.Action = "action.other" }, want: ReasonActionMismatch},
		{name: "tenant mismatch", mutate: func(r *Requirements) { r.TenantID = "t-2" }, want: ReasonTenantMismatch},
		{name: "project mismatch", mutate: func(r *Requirements) { r.ProjectID = "p-2" }, want: ReasonProjectMismatch},
		{name: "project required by token", mutate: func(r *Requirements) { r.ProjectID = "" }, want: ReasonProjectMismatch},
		{name: "missing scopes", mutate: func(r *Requirements) { r.Scopes = []string{"jobs:execute", "admin:all"} }, want: ReasonMissingScopes},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := baseRequirements()
			tc.mutate(&req)
			_, err := Verify(token, []string{"secret-a"}, req)
			var ve *VerifyError
			require.ErrorAs(t, err, &ve)
			require.Equal(t, tc.want, ve.Reason)
		})
	}
}

func Test_Verify_TenantWideToken(t *testing.T) {
	now := time.Now()
	c := baseClaims(now)
	c.ProjectID = ""
	token, err := Issue(c, "secret-a")
	require.NoError(t, err)

	// A token without a project claim authorizes any project in the tenant.
	_, err = Verify(token, []string{"secret-a"}, baseRequirements())
	require.NoError(t, err)
}

func Test_VerifyError_Codes(t *testing.T) {
	tests := []struct {
		reason Reason
		code   string
	}{
		{ReasonMalformed, "POLICY_TOKEN_MALFORMED"},
		{ReasonInvalidSignature, "POLICY_TOKEN_INVALID_SIGNATURE"},
		{ReasonExpired, "POLICY_TOKEN_EXPIRED"},
		{ReasonNotYetValid, "POLICY_TOKEN_NOT_YET_VALID"},
		{ReasonActionMismatch, "POLICY_TOKEN_ACTION_MISMATCH"},
		{ReasonTenantMismatch, "POLICY_TOKEN_TENANT_MISMATCH"},
		{ReasonProjectMismatch, "POLICY_TOKEN_PROJECT_MISMATCH"},
		{ReasonMissingScopes, "POLICY_TOKEN_MISSING_SCOPES"},
		{ReasonReplayed, "POLICY_TOKEN_REPLAYED"},
	}
	for _, tc := range tests {
		e := &VerifyError{Reason: tc.reason}
		if e.Code() != tc.code {
			t.Fatalf("code for %s: got %s want %s", tc.reason, e.Code(), tc.code)
		}
	}
	if (&VerifyError{Reason: Reason("other")}).Code() != "POLICY_TOKEN_INVALID" {
		t.Fatalf("unknown reason should map to generic code")
	}
}

func Test_VerifyError_UnwrapsForbidden(t *testing.T) {
	_, err := Verify("nope", []string{"s"}, Requirements{})
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrForbidden))
}

func Test_Replayed(t *testing.T) {
	e := Replayed("01X")
	require.Equal(t, ReasonReplayed, e.Reason)
	require.Contains(t, e.Error(), "01X")
}
