package router

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// historyLimit bounds the shared request history ring.
const historyLimit = 1000

// LoadMetrics accumulates per-service observations. AddedAt is set exactly
// once on first observation and anchors the warmup ramp.
type LoadMetrics struct {
	RequestCount    int64     `json:"requestCount"`
	ErrorCount      int64     `json:"errorCount"`
	AvgResponseTime float64   `json:"avgResponseTime"`
	AddedAt         time.Time `json:"addedAt"`
	LastRequestTime time.Time `json:"lastRequestTime"`
}

// ErrorRate is errors over requests, zero when nothing was observed.
func (m *LoadMetrics) ErrorRate() float64 {
	if m.RequestCount == 0 {
		return 0
	}
	return float64(m.ErrorCount) / float64(m.RequestCount)
}

// HistoryEntry is one completed request as seen by the router.
type HistoryEntry struct {
	ServiceID    string    `json:"serviceId"`
	Timestamp    time.Time `json:"timestamp"`
	ResponseTime int64     `json:"responseTime"`
	Success      bool      `json:"success"`
}

// metricsStore tracks per-service load metrics plus a bounded ring of recent
// requests across all services.
type metricsStore struct {
	mu      sync.Mutex
	metrics map[string]*LoadMetrics
	history []HistoryEntry
	next    int
	full    bool
	clock   func() time.Time

	requests *prometheus.CounterVec
	latency  prometheus.Histogram
}

func newMetricsStore(reg prometheus.Registerer) *metricsStore {
	s := &metricsStore{
		metrics: make(map[string]*LoadMetrics),
		history: make([]HistoryEntry, historyLimit),
		clock:   time.Now,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbmcp_router_requests_total",
			Help: "Requests routed per service and outcome.",
		}, []string{"service", "outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pbmcp_router_request_duration_ms",
			Help:    "Routed request duration in milliseconds.",
			Buckets: []float64{5, 25, 100, 250, 1000, 5000, 15000},
		}),
	}
	if reg != nil {
		reg.MustRegister(s.requests, s.latency)
	}
	return s
}

// observe ensures a metrics slot exists, stamping AddedAt on first sight.
func (s *metricsStore) observe(id string) *LoadMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observeLocked(id)
}

func (s *metricsStore) observeLocked(id string) *LoadMetrics {
	m, ok := s.metrics[id]
	if !ok {
		m = &LoadMetrics{AddedAt: s.clock()}
		s.metrics[id] = m
	}
	return m
}

// record folds one completed request into the service's running aggregate
// and the shared history ring.
func (s *metricsStore) record(id string, responseTime time.Duration, success bool) {
	ms := float64(responseTime.Milliseconds())
	now := s.clock()

	s.mu.Lock()
	m := s.observeLocked(id)
	m.RequestCount++
	if !success {
		m.ErrorCount++
	}
	// Running average; cheap and stable enough for scoring purposes.
	m.AvgResponseTime += (ms - m.AvgResponseTime) / float64(m.RequestCount)
	m.LastRequestTime = now

	s.history[s.next] = HistoryEntry{
		ServiceID:    id,
		Timestamp:    now,
		ResponseTime: int64(ms),
		Success:      success,
	}
	s.next = (s.next + 1) % historyLimit
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()

	outcome := "success"
	if !success {
		outcome = "error"
	}
	s.requests.WithLabelValues(id, outcome).Inc()
	s.latency.Observe(ms)
}

// snapshot copies a service's metrics, reporting whether it was ever seen.
func (s *metricsStore) snapshot(id string) (LoadMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[id]
	if !ok {
		return LoadMetrics{}, false
	}
	return *m, true
}

// recent returns up to limit history entries, newest first, optionally
// filtered by service id.
func (s *metricsStore) recent(limit int, serviceID string) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.next
	if s.full {
		n = historyLimit
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]HistoryEntry, 0, limit)
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (s.next - 1 - i + historyLimit) % historyLimit
		e := s.history[idx]
		if e.Timestamp.IsZero() {
			break
		}
		if serviceID != "" && e.ServiceID != serviceID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// drop forgets a service's metrics, typically on instance removal.
func (s *metricsStore) drop(id string) {
	s.mu.Lock()
	delete(s.metrics, id)
	s.mu.Unlock()
}
