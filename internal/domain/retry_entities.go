// Package domain defines retry policies for job scheduling and connector calls.
package domain

import (
	"math"
	"time"
)

// RetryPolicy parameterizes exponential backoff. The queue and the connector
// harness share the shape but not the defaults or jitter behavior.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Base is the delay before the first retry.
	Base time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// JitterRatio is the jitter fraction applied to each delay.
	JitterRatio float64
}

// DefaultQueueRetryPolicy matches the stored-procedure schedule: 1s base,
// doubling, capped at 30s, +/-25% jitter clamped below at base.
func DefaultQueueRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		JitterRatio: 0.25,
	}
}

// DefaultHarnessRetryPolicy governs connector attempts: 500ms base, doubling,
// capped at 10s, 10% jitter, two retries after the initial attempt.
func DefaultHarnessRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  2,
		Base:        500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		JitterRatio: 0.1,
	}
}

// QueueDelay computes the delay before retry attemptNo (1-based). u in [0,1)
// supplies the jitter sample; the result never drops below Base so
// consecutive attempts stay at least Base apart.
func (p RetryPolicy) QueueDelay(attemptNo int, u float64) time.Duration {
	if attemptNo < 1 {
		attemptNo = 1
	}
	raw := float64(p.Base) * math.Pow(p.Multiplier, float64(attemptNo-1))
	capped := math.Min(raw, float64(p.MaxDelay))
	jittered := capped * (1 + p.JitterRatio*(2*u-1))
	if jittered < float64(p.Base) {
		jittered = float64(p.Base)
	}
	return time.Duration(jittered)
}
