//go:build e2e
// +build e2e

package e2e_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestE2E_HappyPath_ReportJob drives one job through the full pipeline:
// enqueue over HTTP, a worker claims and executes it, and the run manifest
// becomes readable under the job id.
func TestE2E_HappyPath_ReportJob(t *testing.T) {
	t.Parallel()
	client := &http.Client{Timeout: 10 * time.Second}
	waitForAppReady(t, client, 30*time.Second)

	jobID, code := enqueueReportJob(t, client, uniqueKey("happy-report"))
	require.Equal(t, http.StatusCreated, code, "fresh key should create, not replay")

	final := waitForTerminal(t, client, jobID, 90*time.Second)
	require.Equal(t, "succeeded", final["status"], "report job should succeed: %#v", final)
	require.Equal(t, "report_generate", final["type"])

	code, manifest := doJSON(t, client, http.MethodGet, "/runs/"+jobID+"/manifest?tenant_id="+tenantID, nil)
	require.Equal(t, http.StatusOK, code, "manifest should exist for run: %#v", manifest)
	require.Equal(t, jobID, manifest["run_id"])
	require.Equal(t, "complete", manifest["status"])
	require.NotEmpty(t, manifest["inputs_snapshot_hash"], "manifest must carry the inputs hash")

	// The artifact listing mirrors the manifest outputs. Small reports stay
	// inline, so an empty list is valid; the endpoint itself must resolve.
	code, artifacts := doJSON(t, client, http.MethodGet, "/runs/"+jobID+"/artifacts?tenant_id="+tenantID, nil)
	require.Equal(t, http.StatusOK, code, "artifacts listing should resolve: %#v", artifacts)
	_, ok := artifacts["items"]
	require.True(t, ok, "artifacts response must carry items: %#v", artifacts)
}

// TestE2E_IdempotentEnqueue proves that replaying an idempotency key returns
// the original job instead of enqueuing twice.
func TestE2E_IdempotentEnqueue(t *testing.T) {
	t.Parallel()
	client := &http.Client{Timeout: 10 * time.Second}
	waitForAppReady(t, client, 30*time.Second)

	key := uniqueKey("idem")
	firstID, firstCode := enqueueReportJob(t, client, key)
	require.Equal(t, http.StatusCreated, firstCode)

	secondID, secondCode := enqueueReportJob(t, client, key)
	require.Equal(t, http.StatusOK, secondCode, "replay should report the existing job")
	require.Equal(t, firstID, secondID, "replayed key must return the same job id")

	otherID, otherCode := enqueueReportJob(t, client, uniqueKey("idem-other"))
	require.Equal(t, http.StatusCreated, otherCode)
	require.NotEqual(t, firstID, otherID)
}
