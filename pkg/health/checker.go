// Package health implements periodic health probing for backend instances:
// a TTL cache of probe results, deduplication of concurrent probes, latency
// sampling with percentiles, and a scanning monitor with a concurrency cap.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pbmcp/pbmcp/pkg/logger"
)

// CacheTTL is how long a probe result stays fresh.
const CacheTTL = 5 * time.Second

// Record is one health observation for an instance. Replaced atomically in
// the cache; exactly one entry exists per monitored instance.
type Record struct {
	Healthy   bool      `json:"healthy"`
	LatencyMs int64     `json:"latencyMs,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Probe checks one instance. Implementations usually wrap an adapter's
// HealthCheck call.
type Probe func(ctx context.Context) (*Record, error)

// EventType identifies checker events.
type EventType string

// Checker events.
const (
	// EventRemoved fires when an instance stops being monitored so
	// downstream components can drop derived state.
	EventRemoved EventType = "removed"
)

// Event is a checker lifecycle notification.
type Event struct {
	Type EventType
	ID   string
}

// Checker probes instances on demand with caching and deduplication.
type Checker struct {
	mu      sync.Mutex
	probes  map[string]Probe
	cache   map[string]*Record
	metrics map[string]*instanceMetrics

	group  singleflight.Group
	events chan Event
	clock  func() time.Time
}

// NewChecker creates an empty checker.
func NewChecker() *Checker {
	return &Checker{
		probes:  make(map[string]Probe),
		cache:   make(map[string]*Record),
		metrics: make(map[string]*instanceMetrics),
		events:  make(chan Event, 32),
		clock:   time.Now,
	}
}

// WithClock substitutes the time source. Intended for tests.
func (c *Checker) WithClock(clock func() time.Time) *Checker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
	return c
}

// Register installs the probe for an instance and primes its metrics slot.
func (c *Checker) Register(id string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[id] = probe
	if _, ok := c.metrics[id]; !ok {
		c.metrics[id] = newInstanceMetrics()
	}
}

// Monitored returns the ids currently registered for probing.
func (c *Checker) Monitored() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.probes))
	for id := range c.probes {
		out = append(out, id)
	}
	return out
}

// CheckHealth returns the health of an instance. A cached result younger than
// CacheTTL is reused unless force is set. Concurrent probes for the same id
// share a single in-flight call and receive the same result.
func (c *Checker) CheckHealth(ctx context.Context, id string, force bool) (*Record, error) {
	if !force {
		if rec := c.cached(id); rec != nil {
			return rec, nil
		}
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		return c.probe(ctx, id), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record), nil
}

// Cached returns the cache entry for an instance regardless of freshness.
func (c *Checker) Cached(id string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.cache[id]
	return rec, ok
}

// StopMonitoring evicts an instance from the checker and emits a removal
// event so derived state downstream can be dropped.
func (c *Checker) StopMonitoring(id string) {
	c.mu.Lock()
	delete(c.probes, id)
	delete(c.cache, id)
	delete(c.metrics, id)
	c.mu.Unlock()

	select {
	case c.events <- Event{Type: EventRemoved, ID: id}:
	default:
		// A stalled subscriber must not block the checker.
		logger.Warnf("Health event queue full, dropping removal event for %s", id)
	}
}

// Events exposes the checker's event channel.
func (c *Checker) Events() <-chan Event {
	return c.events
}

func (c *Checker) cached(id string) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.cache[id]
	if !ok || rec == nil {
		return nil
	}
	if c.clock().Sub(rec.Timestamp) >= CacheTTL {
		return nil
	}
	return rec
}

// probe runs the configured probe and normalizes the result: a missing probe
// is unhealthy, latency is inferred from wall clock when the probe did not
// supply it, and the timestamp is always populated.
func (c *Checker) probe(ctx context.Context, id string) *Record {
	c.mu.Lock()
	fn, ok := c.probes[id]
	clock := c.clock
	c.mu.Unlock()

	var rec *Record
	start := clock()

	if !ok {
		rec = &Record{Healthy: false, Error: "probe not configured"}
	} else {
		var err error
		rec, err = fn(ctx)
		elapsed := clock().Sub(start)
		switch {
		case err != nil:
			rec = &Record{Healthy: false, Error: err.Error(), LatencyMs: elapsed.Milliseconds()}
		case rec == nil:
			rec = &Record{Healthy: false, Error: "probe returned no result"}
		default:
			if rec.LatencyMs == 0 {
				rec.LatencyMs = elapsed.Milliseconds()
			}
		}
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = clock()
	}

	c.mu.Lock()
	c.cache[id] = rec
	m, hasMetrics := c.metrics[id]
	c.mu.Unlock()

	if hasMetrics {
		m.observe(rec)
	}
	return rec
}

// Stats returns the derived metrics for an instance.
func (c *Checker) Stats(id string) (Stats, bool) {
	c.mu.Lock()
	m, ok := c.metrics[id]
	c.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return m.stats(), true
}

// String implements fmt.Stringer for log-friendly records.
func (r *Record) String() string {
	if r.Healthy {
		return fmt.Sprintf("healthy (%dms)", r.LatencyMs)
	}
	return fmt.Sprintf("unhealthy: %s", r.Error)
}
