// Package metrics collects replay counters and per-message latency samples.
// The replay worker writes; HTTP readers may query percentiles, throughput,
// and the last error at any time.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Metrics is safe for one writer and many readers. Counters are atomic;
// latency samples and the last error are guarded by separate mutexes so
// percentile reads do not serialize against error propagation.
type Metrics struct {
	TotalMessages   atomic.Uint64
	DecodeErrors    atomic.Uint64
	ReplayErrors    atomic.Uint64
	DuplicateOrders atomic.Uint64

	replayDurationNs atomic.Uint64

	mu        sync.Mutex
	latencies []uint64

	errMu     sync.Mutex
	lastError string
}

func New() *Metrics {
	return &Metrics{}
}

// RecordLatency appends one per-message latency sample in nanoseconds.
func (m *Metrics) RecordLatency(ns uint64) {
	m.mu.Lock()
	m.latencies = append(m.latencies, ns)
	m.mu.Unlock()
}

// SetReplayDuration stores the total wall-clock elapsed for the replay.
func (m *Metrics) SetReplayDuration(ns uint64) {
	m.replayDurationNs.Store(ns)
}

func (m *Metrics) ReplayDuration() uint64 {
	return m.replayDurationNs.Load()
}

func (m *Metrics) SetLastError(msg string) {
	m.errMu.Lock()
	m.lastError = msg
	m.errMu.Unlock()
}

func (m *Metrics) LastError() string {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.lastError
}

// percentileIndex applies the nearest-rank rule: for n sorted samples the
// percentile q lives at min(floor(n*q), n-1).
func percentileIndex(n int, q float64) int {
	idx := int(float64(n) * q)
	if idx >= n {
		idx = n - 1
	}
	return idx
}

func (m *Metrics) percentile(q float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.latencies)
	if n == 0 {
		return 0
	}
	cp := make([]uint64, n)
	copy(cp, m.latencies)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	return float64(cp[percentileIndex(n, q)])
}

// P50 returns the midpoint sample (index n/2).
func (m *Metrics) P50() float64 { return m.percentile(0.5) }

func (m *Metrics) P95() float64 { return m.percentile(0.95) }

func (m *Metrics) P99() float64 { return m.percentile(0.99) }

// Throughput returns messages per second over the replay duration, or 0
// when no duration has been recorded.
func (m *Metrics) Throughput() float64 {
	dur := m.replayDurationNs.Load()
	if dur == 0 {
		return 0
	}
	return float64(m.TotalMessages.Load()) / (float64(dur) / 1e9)
}

// P99Exceeds reports whether p99 latency is strictly above the threshold.
func (m *Metrics) P99Exceeds(thresholdNs uint64) bool {
	return m.P99() > float64(thresholdNs)
}

// Samples returns the number of recorded latency samples.
func (m *Metrics) Samples() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.latencies)
}
