package postgres

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

// EventsRepo persists submitted events.
type EventsRepo struct{ Pool PgxPool }

// NewEventsRepo constructs an EventsRepo with the given pool.
func NewEventsRepo(p PgxPool) *EventsRepo { return &EventsRepo{Pool: p} }

// InsertEvent stores the event and returns it with its generated id and
// created_at filled in.
func (r *EventsRepo) InsertEvent(ctx domain.Context, e domain.Event) (domain.Event, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.InsertEvent")
	defer span.End()
	span.SetAttributes(attribute.String("event.type", e.EventType))

	if e.Severity == "" {
		e.Severity = domain.SeverityInfo
	}
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	hints := e.RedactionHints
	if hints == nil {
		hints = []string{}
	}
	var subjectType, subjectID *string
	if e.Subject != nil {
		subjectType, subjectID = &e.Subject.Type, &e.Subject.ID
	}

	q := `INSERT INTO events (tenant_id, project_id, event_type, occurred_at, trace_id,
	        source_app, source_module, subject_type, subject_id, payload, contains_pii,
	        redaction_hints, severity)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	      RETURNING id::text, created_at`
	row := r.Pool.QueryRow(ctx, q, e.TenantID, e.ProjectID, e.EventType, e.OccurredAt.UTC(),
		e.TraceID, e.SourceApp, e.SourceModule, subjectType, subjectID, payload,
		e.ContainsPII, hints, string(e.Severity))
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		return domain.Event{}, wrapErr("events.insert", err)
	}
	e.Payload = payload
	e.RedactionHints = hints
	return e, nil
}

// GetEvent loads one event scoped to its tenant.
func (r *EventsRepo) GetEvent(ctx domain.Context, tenantID, id string) (domain.Event, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.GetEvent")
	defer span.End()

	q := `SELECT id::text, tenant_id, project_id, event_type, occurred_at, trace_id,
	        source_app, source_module, subject_type, subject_id, payload, contains_pii,
	        redaction_hints, severity, created_at
	      FROM events WHERE tenant_id = $1 AND id = $2`
	row := r.Pool.QueryRow(ctx, q, tenantID, id)
	var e domain.Event
	var subjectType, subjectID *string
	err := row.Scan(&e.ID, &e.TenantID, &e.ProjectID, &e.EventType, &e.OccurredAt, &e.TraceID,
		&e.SourceApp, &e.SourceModule, &subjectType, &subjectID, &e.Payload, &e.ContainsPII,
		&e.RedactionHints, &e.Severity, &e.CreatedAt)
	if err != nil {
		return domain.Event{}, wrapErr("events.get", err)
	}
	if subjectType != nil && subjectID != nil {
		e.Subject = &domain.EventSubject{Type: *subjectType, ID: *subjectID}
	}
	return e, nil
}
