package worker

import (
	"context"
	"sync"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

// Handler executes one job attempt. The returned draft becomes the run
// manifest on success; a returned error is classified onto the retry
// taxonomy and reported through fail_job.
type Handler interface {
	Handle(ctx context.Context, payload map[string]any, jc *JobContext) (domain.ManifestDraft, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload map[string]any, jc *JobContext) (domain.ManifestDraft, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, payload map[string]any, jc *JobContext) (domain.ManifestDraft, error) {
	return f(ctx, payload, jc)
}

// Registry maps job types to handlers. Registration happens at boot;
// lookups happen on every claimed job.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for a job type, replacing any previous one.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Get returns the handler for a job type.
func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types lists the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
