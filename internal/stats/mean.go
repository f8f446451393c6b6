// Package stats provides the process-wide statistics of the assistant:
// incremental running means, monotonic counters and p50/p95 latency rings.
//
// Everything in this package is safe for concurrent use.
package stats

import "sync"

// RunningMean maintains an arithmetic mean without storing samples.
// Each Add applies mean += (x-mean)/count, so the value is exact for any
// number of samples up to float64 precision.
//
// The zero value is an empty mean ready to use.
type RunningMean struct {
	mu    sync.Mutex
	mean  float64
	count int64
}

// Add folds x into the mean.
func (m *RunningMean) Add(x float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	m.mean += (x - m.mean) / float64(m.count)
}

// Mean returns the current mean, or 0 when no samples were added.
func (m *RunningMean) Mean() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mean
}

// Count returns the number of samples added since the last Reset.
func (m *RunningMean) Count() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Reset clears the mean.
func (m *RunningMean) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mean, m.count = 0, 0
}
