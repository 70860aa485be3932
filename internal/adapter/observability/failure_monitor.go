package observability

import (
	"log/slog"
	"sync"
)

// FailureRateMonitor watches a rolling window of attempt outcomes per job
// type and warns once when the failure rate crosses the threshold. The alert
// latches until the rate falls back below the threshold.
type FailureRateMonitor struct {
	mu         sync.RWMutex
	windowSize int
	threshold  float64
	outcomes   map[string][]bool
	alerted    map[string]bool
}

// NewFailureRateMonitor creates a monitor over the last windowSize attempts.
func NewFailureRateMonitor(windowSize int, threshold float64) *FailureRateMonitor {
	if windowSize <= 0 {
		windowSize = 20
	}
	return &FailureRateMonitor{
		windowSize: windowSize,
		threshold:  threshold,
		outcomes:   make(map[string][]bool),
		alerted:    make(map[string]bool),
	}
}

// Record adds an attempt outcome and evaluates the window.
func (m *FailureRateMonitor) Record(jobType string, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := append(m.outcomes[jobType], failed)
	if len(window) > m.windowSize {
		window = window[1:]
	}
	m.outcomes[jobType] = window

	if len(window) < m.windowSize {
		return
	}
	rate := failureRate(window)
	switch {
	case rate >= m.threshold && !m.alerted[jobType]:
		m.alerted[jobType] = true
		slog.Warn("job failure rate above threshold",
			slog.String("job_type", jobType),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", m.threshold),
			slog.Int("window", m.windowSize))
	case rate < m.threshold && m.alerted[jobType]:
		m.alerted[jobType] = false
		slog.Info("job failure rate recovered",
			slog.String("job_type", jobType),
			slog.Float64("failure_rate", rate))
	}
}

// FailureRate returns the current rate over the recorded window.
func (m *FailureRateMonitor) FailureRate(jobType string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return failureRate(m.outcomes[jobType])
}

// Alerting reports whether the job type is currently above threshold.
func (m *FailureRateMonitor) Alerting(jobType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.alerted[jobType]
}

// Reset clears all windows and alert latches.
func (m *FailureRateMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = make(map[string][]bool)
	m.alerted = make(map[string]bool)
}

func failureRate(window []bool) float64 {
	if len(window) == 0 {
		return 0
	}
	failures := 0
	for _, failed := range window {
		if failed {
			failures++
		}
	}
	return float64(failures) / float64(len(window))
}
