package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPMetricsMiddleware_Basic(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	mw := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) }))
	mw.ServeHTTP(rec, r)
	if rec.Result().StatusCode != 204 {
		t.Fatalf("want 204")
	}
}

func TestJobMetricsHelpers(t *testing.T) {
	InitMetrics()
	EnqueueJob("autopilot.execute_request_bundle")
	ClaimJob("autopilot.execute_request_bundle")
	StartProcessingJob("autopilot.execute_request_bundle")
	CompleteJob("autopilot.execute_request_bundle", 120*time.Millisecond)
	StartProcessingJob("action.http_request")
	FailJob("action.http_request", "transient", 50*time.Millisecond)
	DeadJob("action.http_request")
	ReapJobs(2)
	RecordConnectorInvocation("http_request", "ok", 80*time.Millisecond)
	RecordConnectorRetry("http_request")
	RecordBreakerState("down.example.com:443", 1)
	RecordBundleRun("success")
	RecordBundleChild("accepted")
	RecordTriggerDecision("fire")
	RecordTokenVerification("ok")
}
