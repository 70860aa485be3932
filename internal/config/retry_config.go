// Package config defines retry configuration derived from the environment.
package config

import (
	"github.com/fairyhunter13/jobforge/internal/domain"
)

// QueueRetryPolicy returns the backoff policy applied when a job attempt
// fails and the job still has attempts left. Jitter stays at the queue
// default; the store procedures clamp the jittered delay at the base so a
// retry never lands earlier than one base interval after the failure.
func (c Config) QueueRetryPolicy() domain.RetryPolicy {
	p := domain.DefaultQueueRetryPolicy()
	if c.QueueRetryBase > 0 {
		p.Base = c.QueueRetryBase
	}
	if c.QueueRetryMax > 0 {
		p.MaxDelay = c.QueueRetryMax
	}
	if c.QueueRetryMultiplier > 1 {
		p.Multiplier = c.QueueRetryMultiplier
	}
	return p
}

// HarnessRetryPolicy returns the backoff policy for connector invocations.
// In test environments the delays shrink so suites run fast.
func (c Config) HarnessRetryPolicy() domain.RetryPolicy {
	p := domain.DefaultHarnessRetryPolicy()
	if c.IsTest() {
		p.Base = p.Base / 10
		p.MaxDelay = p.MaxDelay / 10
		return p
	}
	if c.ConnectorMaxRetries >= 0 {
		p.MaxRetries = c.ConnectorMaxRetries
	}
	if c.ConnectorRetryBase > 0 {
		p.Base = c.ConnectorRetryBase
	}
	if c.ConnectorRetryMax > 0 {
		p.MaxDelay = c.ConnectorRetryMax
	}
	return p
}
