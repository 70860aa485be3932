//go:build e2e
// +build e2e

// Package e2e_test exercises a running JobForge deployment over HTTP.
//
// The suite is black box: it talks to the API the way a tenant would and
// asserts on wire behavior only. Point it at a deployment with E2E_BASE_URL
// (default http://localhost:8080/v1) and, when the API runs with STORE_KEY
// set, pass the same value as E2E_STORE_KEY. Flow tests additionally need a
// worker consuming the same store.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

var (
	baseURL  = getenv("E2E_BASE_URL", "http://localhost:8080/v1")
	storeKey = getenv("E2E_STORE_KEY", "")
	tenantID = getenv("E2E_TENANT_ID", "e2e-tenant")
)

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// uniqueKey returns an idempotency key that does not collide across runs
// against a shared store.
func uniqueKey(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// waitForAppReady probes /healthz and skips the test when the deployment is
// not reachable, so the suite is safe to run in environments without the
// compose stack.
func waitForAppReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	healthz := strings.TrimSuffix(baseURL, "/v1") + "/healthz"
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(healthz)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Skip("app not available; skipping E2E")
}

// doJSON sends a JSON request with the configured bearer token and decodes
// the JSON response body. Bodies that fail to decode come back empty rather
// than failing the test, so callers can assert on the status code alone.
func doJSON(t *testing.T, client *http.Client, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, baseURL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if storeKey != "" {
		req.Header.Set("Authorization", "Bearer "+storeKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

// enqueueReportJob enqueues a report_generate job, the one built-in job type
// that never dials out, and returns the job id. Reusing a key across calls
// exercises idempotent enqueue.
func enqueueReportJob(t *testing.T, client *http.Client, key string) (string, int) {
	t.Helper()
	code, body := doJSON(t, client, http.MethodPost, "/jobs", map[string]any{
		"tenant_id":       tenantID,
		"type":            "report_generate",
		"idempotency_key": key,
		"max_attempts":    3,
		"payload": map[string]any{
			"report_type": "usage-summary",
			"format":      "json",
			"period_days": 1,
		},
	})
	if code != http.StatusCreated && code != http.StatusOK {
		t.Fatalf("enqueue returned %d: %#v", code, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("enqueue response missing id: %#v", body)
	}
	return id, code
}

// waitForTerminal polls the job until it reaches a terminal status or the
// timeout expires. Flow tests fail rather than skip here: a job stuck in the
// queue is exactly what this suite exists to catch.
func waitForTerminal(t *testing.T, client *http.Client, jobID string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last map[string]any
	for time.Now().Before(deadline) {
		code, body := doJSON(t, client, http.MethodGet, "/jobs/"+jobID+"?tenant_id="+tenantID, nil)
		if code == http.StatusOK {
			last = body
			switch body["status"] {
			case "succeeded", "failed", "dead", "canceled":
				return body
			}
		}
		time.Sleep(1 * time.Second)
	}
	t.Fatalf("job %s did not reach a terminal status within %s; last: %#v", jobID, timeout, last)
	return nil
}
