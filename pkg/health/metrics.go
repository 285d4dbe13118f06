package health

import (
	"math"
	"sort"
	"sync"
)

// sampleWindow bounds the latency ring per instance.
const sampleWindow = 200

// Stats summarizes recent probe outcomes for one instance.
type Stats struct {
	Samples    int     `json:"samples"`
	AvgMs      float64 `json:"avgMs"`
	P95Ms      int64   `json:"p95Ms"`
	P99Ms      int64   `json:"p99Ms"`
	ErrorRate  float64 `json:"errorRate"`
	LastError  string  `json:"lastError,omitempty"`
	Consecutive int     `json:"consecutiveFailures"`
}

// instanceMetrics keeps a fixed ring of latency samples plus error counters.
type instanceMetrics struct {
	mu        sync.Mutex
	latencies []int64
	next      int
	full      bool
	total     int
	errors    int
	lastError string
	streak    int
}

func newInstanceMetrics() *instanceMetrics {
	return &instanceMetrics{latencies: make([]int64, sampleWindow)}
}

func (m *instanceMetrics) observe(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	if rec.Healthy {
		m.streak = 0
		m.latencies[m.next] = rec.LatencyMs
		m.next = (m.next + 1) % sampleWindow
		if m.next == 0 {
			m.full = true
		}
		return
	}
	m.errors++
	m.streak++
	if rec.Error != "" {
		m.lastError = rec.Error
	}
}

func (m *instanceMetrics) stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = sampleWindow
	}
	s := Stats{Samples: n, LastError: m.lastError, Consecutive: m.streak}
	if m.total > 0 {
		s.ErrorRate = float64(m.errors) / float64(m.total)
	}
	if n == 0 {
		return s
	}

	sorted := make([]int64, n)
	copy(sorted, m.latencies[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	s.AvgMs = float64(sum) / float64(n)
	s.P95Ms = percentile(sorted, 0.95)
	s.P99Ms = percentile(sorted, 0.99)
	return s
}

// percentile picks the nearest-rank value from an ascending sorted slice.
func percentile(sorted []int64, q float64) int64 {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
