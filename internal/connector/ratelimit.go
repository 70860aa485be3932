package connector

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterRegistry holds one token bucket per connector id. Buckets refill at
// the configured requests-per-minute and allow bursting one minute's budget.
type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterRegistry() *limiterRegistry {
	return &limiterRegistry{limiters: make(map[string]*rate.Limiter)}
}

// allow consumes one slot for the connector, creating the bucket on first
// use. Zero or negative perMinute means unlimited.
func (r *limiterRegistry) allow(connectorID string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	r.mu.Lock()
	lim, ok := r.limiters[connectorID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		r.limiters[connectorID] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}
