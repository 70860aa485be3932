package connector

import "strings"

// Redacted replaces every value held under a sensitive key and every raw
// secret caught by the terminal scrub.
const Redacted = "[REDACTED]"

// sensitiveKeywords flags a key as secret-bearing when its lowercase name
// contains any entry.
var sensitiveKeywords = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"auth_token",
	"access_token",
	"refresh_token",
	"bearer",
	"credential",
	"private_key",
	"client_secret",
	"cookie",
	"authorization",
	"jwt",
	"session_id",
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(k, kw) {
			return true
		}
	}
	return false
}

// RedactMap deep-copies a JSON-shaped map, replacing the value of any
// sensitive key at any depth. The original map is never mutated.
func RedactMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if isSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return RedactMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	default:
		return v
	}
}

// scrubStrings walks a JSON-shaped value replacing raw secret substrings in
// any string. It reports whether anything was replaced.
func scrubStrings(v any, secrets []string) (any, bool) {
	switch t := v.(type) {
	case string:
		return scrubString(t, secrets)
	case map[string]any:
		changed := false
		out := make(map[string]any, len(t))
		for k, e := range t {
			scrubbed, c := scrubStrings(e, secrets)
			out[k] = scrubbed
			changed = changed || c
		}
		return out, changed
	case []any:
		changed := false
		out := make([]any, len(t))
		for i, e := range t {
			scrubbed, c := scrubStrings(e, secrets)
			out[i] = scrubbed
			changed = changed || c
		}
		return out, changed
	default:
		return v, false
	}
}

func scrubString(s string, secrets []string) (string, bool) {
	changed := false
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, Redacted)
			changed = true
		}
	}
	return s, changed
}
