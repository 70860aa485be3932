package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	JobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_claimed_total",
			Help: "Total number of jobs claimed by workers",
		},
		[]string{"type"},
	)
	JobsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_in_flight",
			Help: "Number of jobs currently executing",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of failed job attempts by error kind",
		},
		[]string{"type", "kind"},
	)
	JobsDeadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dead_total",
			Help: "Total number of jobs moved to the dead letter state",
		},
		[]string{"type"},
	)
	JobsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_reaped_total",
			Help: "Total number of stuck jobs recovered by the reaper",
		},
	)
	JobAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_attempt_duration_seconds",
			Help:    "Job attempt duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"type"},
	)

	ConnectorInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_invocations_total",
			Help: "Total connector invocations by outcome",
		},
		[]string{"connector", "outcome"},
	)
	ConnectorRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_retries_total",
			Help: "Total connector retry attempts",
		},
		[]string{"connector"},
	)
	ConnectorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connector_invocation_duration_seconds",
			Help:    "Connector invocation duration in seconds including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"connector"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per endpoint (0 closed, 1 open, 2 half-open)",
		},
		[]string{"endpoint"},
	)

	BundleRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundle_runs_total",
			Help: "Total bundle executor runs by outcome",
		},
		[]string{"outcome"},
	)
	BundleChildrenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundle_children_total",
			Help: "Total bundle child requests by status",
		},
		[]string{"status"},
	)
	TriggerEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_evaluations_total",
			Help: "Total trigger rule evaluations by decision",
		},
		[]string{"decision"},
	)
	PolicyTokenVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_token_verifications_total",
			Help: "Total policy token verifications by result",
		},
		[]string{"result"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsInFlight)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsDeadTotal)
	prometheus.MustRegister(JobsReapedTotal)
	prometheus.MustRegister(JobAttemptDuration)
	prometheus.MustRegister(ConnectorInvocationsTotal)
	prometheus.MustRegister(ConnectorRetriesTotal)
	prometheus.MustRegister(ConnectorDuration)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(BundleRunsTotal)
	prometheus.MustRegister(BundleChildrenTotal)
	prometheus.MustRegister(TriggerEvaluationsTotal)
	prometheus.MustRegister(PolicyTokenVerificationsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(jobType string) {
	JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

func ClaimJob(jobType string) {
	JobsClaimedTotal.WithLabelValues(jobType).Inc()
}

func StartProcessingJob(jobType string) {
	JobsInFlight.WithLabelValues(jobType).Inc()
}

func CompleteJob(jobType string, dur time.Duration) {
	JobsInFlight.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
	JobAttemptDuration.WithLabelValues(jobType).Observe(dur.Seconds())
}

func FailJob(jobType, kind string, dur time.Duration) {
	JobsInFlight.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType, kind).Inc()
	JobAttemptDuration.WithLabelValues(jobType).Observe(dur.Seconds())
}

func DeadJob(jobType string) {
	JobsDeadTotal.WithLabelValues(jobType).Inc()
}

func ReapJobs(n int) {
	JobsReapedTotal.Add(float64(n))
}

func RecordConnectorInvocation(connector, outcome string, dur time.Duration) {
	ConnectorInvocationsTotal.WithLabelValues(connector, outcome).Inc()
	ConnectorDuration.WithLabelValues(connector).Observe(dur.Seconds())
}

func RecordConnectorRetry(connector string) {
	ConnectorRetriesTotal.WithLabelValues(connector).Inc()
}

func RecordBreakerState(endpoint string, state int) {
	CircuitBreakerState.WithLabelValues(endpoint).Set(float64(state))
}

func RecordBundleRun(outcome string) {
	BundleRunsTotal.WithLabelValues(outcome).Inc()
}

func RecordBundleChild(status string) {
	BundleChildrenTotal.WithLabelValues(status).Inc()
}

func RecordTriggerDecision(decision string) {
	TriggerEvaluationsTotal.WithLabelValues(decision).Inc()
}

func RecordTokenVerification(result string) {
	PolicyTokenVerificationsTotal.WithLabelValues(result).Inc()
}
