package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/jobforge/internal/config"
	"github.com/fairyhunter13/jobforge/internal/domain"
	"github.com/fairyhunter13/jobforge/internal/usecase"
)

// Body caps. Bundles fan out up to 100 requests, each payload up to 64 KiB,
// so they get a wider ceiling than single-job bodies.
const (
	maxJobBody    = 1 << 20
	maxBundleBody = 8 << 20
)

// Server aggregates the producer API's dependencies.
type Server struct {
	Cfg        config.Config
	Producer   usecase.ProducerService
	StoreCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, producer usecase.ProducerService, storeCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Producer: producer, StoreCheck: storeCheck}
}

// acceptsJSON rejects requests that cannot take a JSON response.
func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") || strings.Contains(a, "*/*") {
		return true
	}
	writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
		Code:    "VALIDATION_ERROR",
		Message: "json responses only",
		Details: map[string]any{"accept": a},
	}})
	return false
}

type enqueueJobRequest struct {
	TenantID       string         `json:"tenant_id" validate:"required"`
	ProjectID      *string        `json:"project_id"`
	Type           string         `json:"type" validate:"required"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key" validate:"required"`
	Priority       int            `json:"priority"`
	MaxAttempts    int            `json:"max_attempts" validate:"min=0,max=10"`
	AvailableAt    *time.Time     `json:"available_at"`
	IsActionJob    bool           `json:"is_action_job"`
	RequiredScopes []string       `json:"required_scopes"`
	TraceID        string         `json:"trace_id"`
}

// EnqueueJobHandler enqueues one job. 201 on insert, 200 when the
// idempotency key matched an existing job.
func (s *Server) EnqueueJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var req enqueueJobRequest
		if err := decodeJSON(w, r, &req, maxJobBody); err != nil {
			writeError(w, r, err)
			return
		}
		if issues := validateStruct(req); len(issues) > 0 {
			writeError(w, r, domain.NewValidationError(issues))
			return
		}
		in := domain.EnqueueInput{
			TenantID:       req.TenantID,
			ProjectID:      req.ProjectID,
			Type:           req.Type,
			Payload:        req.Payload,
			IdempotencyKey: req.IdempotencyKey,
			Priority:       req.Priority,
			MaxAttempts:    req.MaxAttempts,
			IsActionJob:    req.IsActionJob,
			RequiredScopes: req.RequiredScopes,
			TraceID:        req.TraceID,
		}
		if req.AvailableAt != nil {
			in.AvailableAt = *req.AvailableAt
		}
		if in.TraceID == "" {
			in.TraceID = TraceIDFrom(r)
		}
		job, created, err := s.Producer.EnqueueJob(r.Context(), in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]string{"id": job.ID, "status": string(job.Status)})
	}
}

// ListJobsHandler lists a tenant's jobs, newest first.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, issues := parseJobFilter(r)
		if len(issues) > 0 {
			writeError(w, r, domain.NewValidationError(issues))
			return
		}
		jobs, err := s.Producer.ListJobs(r.Context(), r.URL.Query().Get("tenant_id"), f)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if jobs == nil {
			jobs = []domain.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
	}
}

// GetJobHandler returns one job scoped to its tenant.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Producer.GetJob(r.Context(), r.URL.Query().Get("tenant_id"), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// CancelJobHandler cancels a pending/claimed/running job.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	type cancelRequest struct {
		TenantID string `json:"tenant_id" validate:"required"`
		Reason   string `json:"reason"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req cancelRequest
		if err := decodeJSON(w, r, &req, maxJobBody); err != nil {
			writeError(w, r, err)
			return
		}
		if issues := validateStruct(req); len(issues) > 0 {
			writeError(w, r, domain.NewValidationError(issues))
			return
		}
		id := chi.URLParam(r, "id")
		canceled, err := s.Producer.CancelJob(r.Context(), req.TenantID, id, req.Reason)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "canceled": canceled})
	}
}

// RescheduleJobHandler moves a pending job's available_at.
func (s *Server) RescheduleJobHandler() http.HandlerFunc {
	type rescheduleRequest struct {
		TenantID    string    `json:"tenant_id" validate:"required"`
		AvailableAt time.Time `json:"available_at" validate:"required"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req rescheduleRequest
		if err := decodeJSON(w, r, &req, maxJobBody); err != nil {
			writeError(w, r, err)
			return
		}
		if issues := validateStruct(req); len(issues) > 0 {
			writeError(w, r, domain.NewValidationError(issues))
			return
		}
		id := chi.URLParam(r, "id")
		moved, err := s.Producer.RescheduleJob(r.Context(), req.TenantID, id, req.AvailableAt)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "rescheduled": moved})
	}
}

// SubmitEventHandler stores an event and runs trigger evaluation.
func (s *Server) SubmitEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var e domain.Event
		if err := decodeJSON(w, r, &e, maxJobBody); err != nil {
			writeError(w, r, err)
			return
		}
		if e.TraceID == "" {
			e.TraceID = TraceIDFrom(r)
		}
		stored, err := s.Producer.SubmitEvent(r.Context(), e)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": stored.ID})
	}
}

type jobRequestBody struct {
	TenantID    string         `json:"tenant_id" validate:"required"`
	TemplateKey string         `json:"template_key" validate:"required"`
	Inputs      map[string]any `json:"inputs"`
	ProjectID   *string        `json:"project_id"`
	ActorID     string         `json:"actor_id"`
	DryRun      bool           `json:"dry_run"`
	TraceID     string         `json:"trace_id"`
}

// RequestJobHandler is the requestJob sugar: template key plus inputs, with
// the idempotency key derived from their canonical hash. Dry runs validate
// only and return just the trace id.
func (s *Server) RequestJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var req jobRequestBody
		if err := decodeJSON(w, r, &req, maxJobBody); err != nil {
			writeError(w, r, err)
			return
		}
		if issues := validateStruct(req); len(issues) > 0 {
			writeError(w, r, domain.NewValidationError(issues))
			return
		}
		traceID := req.TraceID
		if traceID == "" {
			traceID = TraceIDFrom(r)
		}
		res, err := s.Producer.RequestJob(r.Context(), usecase.JobRequest{
			TenantID:    req.TenantID,
			TemplateKey: req.TemplateKey,
			Inputs:      req.Inputs,
			ProjectID:   req.ProjectID,
			TraceID:     traceID,
			ActorID:     req.ActorID,
			DryRun:      req.DryRun,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp := map[string]any{"trace_id": res.TraceID}
		status := http.StatusOK
		if res.Job != nil {
			resp["job"] = res.Job
			if res.Created {
				status = http.StatusCreated
			}
		}
		writeJSON(w, status, resp)
	}
}

type submitBundleRequest struct {
	Bundle      *domain.JobRequestBundle `json:"bundle" validate:"required"`
	Mode        string                   `json:"mode" validate:"required,oneof=dry_run execute"`
	PolicyToken string                   `json:"policy_token"`
}

// SubmitBundleHandler validates a bundle and enqueues its executor job.
func (s *Server) SubmitBundleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var req submitBundleRequest
		if err := decodeJSON(w, r, &req, maxBundleBody); err != nil {
			writeError(w, r, err)
			return
		}
		if issues := validateStruct(req); len(issues) > 0 {
			writeError(w, r, domain.NewValidationError(issues))
			return
		}
		bundle := *req.Bundle
		if bundle.TraceID == "" {
			bundle.TraceID = TraceIDFrom(r)
		}
		sub, err := s.Producer.SubmitBundle(r.Context(), bundle, domain.ExecutionMode(req.Mode), req.PolicyToken)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":    sub.JobID,
			"bundle_id": sub.BundleID,
			"created":   sub.Created,
		})
	}
}

// GetRunManifestHandler returns the manifest written for a run.
func (s *Server) GetRunManifestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := s.Producer.GetRunManifest(r.Context(), r.URL.Query().Get("tenant_id"), chi.URLParam(r, "run_id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

// ListArtifactsHandler returns {items, total_count} for a run's artifacts.
func (s *Server) ListArtifactsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := s.Producer.ListArtifacts(r.Context(), r.URL.Query().Get("tenant_id"), chi.URLParam(r, "run_id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// ReadyzHandler probes the store.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		c := check{Name: "store", OK: true}
		if s.StoreCheck == nil {
			c.OK = false
			c.Details = "store not configured"
		} else if err := s.StoreCheck(ctx); err != nil {
			c.OK = false
			c.Details = err.Error()
		}
		status := http.StatusOK
		if !c.OK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"checks": []check{c}})
	}
}
