package connector

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/jobforge/internal/adapter/observability"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int

const (
	// StateClosed means requests flow normally.
	StateClosed BreakerState = iota
	// StateOpen means requests are refused until the cooldown elapses.
	StateOpen
	// StateHalfOpen means a single probe request decides the next state.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is a per-endpoint circuit breaker. Consecutive failures open it;
// after the cooldown one probe is allowed, and that probe's outcome either
// closes it again or re-opens it with a fresh cooldown.
type Breaker struct {
	mu sync.Mutex

	endpoint  string
	threshold int
	cooldown  time.Duration

	state       BreakerState
	failures    int
	lastFailure time.Time
}

// NewBreaker creates a closed breaker for one endpoint key.
func NewBreaker(endpoint string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		endpoint:  endpoint,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
	}
}

// CanExecute reports whether a request may proceed, transitioning open
// breakers to half-open once the cooldown has elapsed.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.lastFailure) >= b.cooldown {
		b.setState(StateHalfOpen)
	}
	return b.state != StateOpen
}

// RemainingCooldown returns how long until an open breaker admits a probe.
// Zero when the breaker is not open.
func (b *Breaker) RemainingCooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0
	}
	remaining := b.cooldown - time.Since(b.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess closes a half-open breaker and clears the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.setState(StateClosed)
	}
}

// RecordFailure counts a failure, opening the breaker at the threshold or on
// any half-open probe failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			b.setState(StateOpen)
			slog.Warn("circuit breaker opened",
				slog.String("endpoint", b.endpoint),
				slog.Int("failures", b.failures))
		}
	case StateHalfOpen:
		b.setState(StateOpen)
		slog.Warn("circuit breaker re-opened by probe failure",
			slog.String("endpoint", b.endpoint))
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset returns the breaker to closed with no recorded failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.lastFailure = time.Time{}
	b.setState(StateClosed)
}

// setState must be called with the lock held.
func (b *Breaker) setState(s BreakerState) {
	b.state = s
	observability.RecordBreakerState(b.endpoint, int(s))
}

// BreakerRegistry owns one breaker per (host, port) endpoint key. Breaker
// state is per process and best effort; workers do not share it.
type BreakerRegistry struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	breakers  map[string]*Breaker
}

// NewBreakerRegistry creates a registry with shared settings.
func NewBreakerRegistry(threshold int, cooldown time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for an endpoint key, creating it on first use.
func (r *BreakerRegistry) Get(endpoint string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[endpoint]; ok {
		return b
	}
	b := NewBreaker(endpoint, r.threshold, r.cooldown)
	r.breakers[endpoint] = b
	return b
}

// ResetAll returns every breaker to closed.
func (r *BreakerRegistry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
