package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pbmcp/pbmcp/pkg/logger"
)

const (
	// DefaultScanInterval is the pause between full sweeps.
	DefaultScanInterval = 5 * time.Second
	// maxConcurrentProbes caps simultaneous probe calls per sweep.
	maxConcurrentProbes = 8
)

// Monitor periodically forces a health check of every registered instance.
type Monitor struct {
	checker  *Checker
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor wraps a checker with a background sweep loop.
func NewMonitor(checker *Checker) *Monitor {
	return &Monitor{checker: checker, interval: DefaultScanInterval}
}

// WithInterval overrides the sweep interval. Intended for tests.
func (m *Monitor) WithInterval(d time.Duration) *Monitor {
	m.interval = d
	return m
}

// Start launches the sweep loop. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop halts the sweep loop and waits for the current sweep to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep probes every monitored instance, at most maxConcurrentProbes at a
// time, and waits for the batch before returning.
func (m *Monitor) sweep(ctx context.Context) {
	sem := semaphore.NewWeighted(maxConcurrentProbes)
	var wg sync.WaitGroup

	for _, id := range m.checker.Monitored() {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)
			rec, err := m.checker.CheckHealth(ctx, id, true)
			if err != nil {
				logger.Warnf("Health sweep failed for %s: %v", id, err)
				return
			}
			if !rec.Healthy {
				logger.Debugf("Health sweep: %s is %s", id, rec)
			}
		}(id)
	}
	wg.Wait()
}
