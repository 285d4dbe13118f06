package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func services(ids ...string) []*Service {
	out := make([]*Service, 0, len(ids))
	for _, id := range ids {
		out = append(out, &Service{ID: id, Template: id, Group: "default", Transport: "stdio", Healthy: true})
	}
	return out
}

func TestRouteSingleHealthyShortCircuits(t *testing.T) {
	t.Parallel()

	r := New(StrategyRoundRobin, nil)
	svcs := services("a", "b")
	svcs[1].Healthy = false

	dec, err := r.Route(&Request{Method: "tools/call"}, svcs)
	require.NoError(t, err)
	assert.Equal(t, "a", dec.Service.ID)
}

func TestRouteNoHealthyInstance(t *testing.T) {
	t.Parallel()

	r := New(StrategyRoundRobin, nil)
	svcs := services("a")
	svcs[0].Healthy = false

	_, err := r.Route(&Request{}, svcs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no healthy instance")
}

func TestRoundRobinCoversEveryCandidate(t *testing.T) {
	t.Parallel()

	r := New(StrategyRoundRobin, nil)
	svcs := services("a", "b", "c")

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		dec, err := r.Route(&Request{}, svcs)
		require.NoError(t, err)
		seen[dec.Service.ID]++
	}
	assert.Equal(t, map[string]int{"a": 3, "b": 3, "c": 3}, seen)
}

func TestRulePriorityAndInsertionOrder(t *testing.T) {
	t.Parallel()

	r := New(StrategyRoundRobin, nil)
	require.NoError(t, r.AddRule(&Rule{Name: "low", Enabled: true, Priority: 1, Action: Action{Type: ActionAllow}}))
	require.NoError(t, r.AddRule(&Rule{Name: "high", Enabled: true, Priority: 10, Action: Action{Type: ActionAllow}}))
	require.NoError(t, r.AddRule(&Rule{Name: "mid-a", Enabled: true, Priority: 5, Action: Action{Type: ActionAllow}}))
	require.NoError(t, r.AddRule(&Rule{Name: "mid-b", Enabled: true, Priority: 5, Action: Action{Type: ActionAllow}}))

	dec, err := r.Route(&Request{}, services("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, dec.Applied)
}

func TestRuleNamesAreUnique(t *testing.T) {
	t.Parallel()

	r := New(StrategyRoundRobin, nil)
	require.NoError(t, r.AddRule(&Rule{Name: "dup", Enabled: true, Action: Action{Type: ActionAllow}}))
	err := r.AddRule(&Rule{Name: "dup", Enabled: true, Action: Action{Type: ActionDeny}})
	require.Error(t, err)
}

func TestDisabledAndNonMatchingRulesAreSkipped(t *testing.T) {
	t.Parallel()

	r := New(StrategyRoundRobin, nil)
	require.NoError(t, r.AddRule(&Rule{Name: "disabled", Enabled: false, Priority: 9, Action: Action{Type: ActionDeny}}))
	require.NoError(t, r.AddRule(&Rule{
		Name: "wrong-method", Enabled: true, Priority: 8,
		Condition: Condition{Method: "resources/read"},
		Action:    Action{Type: ActionDeny},
	}))

	dec, err := r.Route(&Request{Method: "tools/call"}, services("a"))
	require.NoError(t, err)
	assert.Empty(t, dec.Applied)
	assert.Equal(t, "a", dec.Service.ID)
}

func TestOnlyHighestPriorityFilterWins(t *testing.T) {
	t.Parallel()

	r := New(StrategyRoundRobin, nil)
	require.NoError(t, r.AddRule(&Rule{
		Name: "keep-stdio", Enabled: true, Priority: 10,
		Action: Action{Type: ActionFilter, Criteria: &Criteria{Transport: "stdio"}},
	}))
	// Would empty the set if it stacked on top of the first filter.
	require.NoError(t, r.AddRule(&Rule{
		Name: "keep-http", Enabled: true, Priority: 5,
		Action: Action{Type: ActionFilter, Criteria: &Criteria{Transport: "http"}},
	}))

	svcs := services("a", "b")
	svcs[1].Transport = "http"

	dec, err := r.Route(&Request{}, svcs)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep-stdio", "keep-http"}, dec.Applied)
	assert.Equal(t, "a", dec.Service.ID)
}

func TestRejectAndDenyActions(t *testing.T) {
	t.Parallel()

	r := New(StrategyRoundRobin, nil)
	require.NoError(t, r.AddRule(&Rule{
		Name: "no-http", Enabled: true, Priority: 5,
		Action: Action{Type: ActionReject, Criteria: &Criteria{Transport: "http"}},
	}))

	svcs := services("a", "b")
	svcs[0].Transport = "http"
	dec, err := r.Route(&Request{}, svcs)
	require.NoError(t, err)
	assert.Equal(t, "b", dec.Service.ID)

	require.NoError(t, r.AddRule(&Rule{
		Name: "lockdown", Enabled: true, Priority: 20,
		Condition: Condition{Method: "tools/call"},
		Action:    Action{Type: ActionDeny},
	}))
	_, err = r.Route(&Request{Method: "tools/call"}, services("a", "b"))
	require.Error(t, err)
}

func TestPreferNarrowsSelection(t *testing.T) {
	t.Parallel()

	r := New(StrategyRoundRobin, nil)
	require.NoError(t, r.AddRule(&Rule{
		Name: "prefer-b", Enabled: true, Priority: 5,
		Action: Action{Type: ActionPrefer, Criteria: &Criteria{NamePrefix: "b"}},
	}))

	for i := 0; i < 5; i++ {
		dec, err := r.Route(&Request{}, services("a", "b", "c"))
		require.NoError(t, err)
		assert.Equal(t, "b", dec.Service.ID)
	}
}

func TestPathPatternRadixMatching(t *testing.T) {
	t.Parallel()

	r := New(StrategyRoundRobin, nil)
	require.NoError(t, r.AddRule(&Rule{
		Name: "api-wide", Enabled: true, Priority: 1,
		Condition: Condition{PathPattern: "/api/*"},
		Action:    Action{Type: ActionAllow},
	}))
	require.NoError(t, r.AddRule(&Rule{
		Name: "tools-exact", Enabled: true, Priority: 2,
		Condition: Condition{PathPattern: "/api/tools/execute"},
		Action:    Action{Type: ActionAllow},
	}))
	require.NoError(t, r.AddRule(&Rule{
		Name: "other", Enabled: true, Priority: 3,
		Condition: Condition{PathPattern: "/handshake/*"},
		Action:    Action{Type: ActionAllow},
	}))

	dec, err := r.Route(&Request{Path: "/api/tools/execute"}, services("a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"tools-exact", "api-wide"}, dec.Applied)

	dec, err = r.Route(&Request{Path: "/api/services"}, services("a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"api-wide"}, dec.Applied)

	dec, err = r.Route(&Request{Path: "/metrics"}, services("a"))
	require.NoError(t, err)
	assert.Empty(t, dec.Applied)
}

func TestRouteIsDeterministic(t *testing.T) {
	t.Parallel()

	build := func() *Router {
		r := New(StrategyCost, nil)
		require.NoError(t, r.AddRule(&Rule{
			Name: "no-http", Enabled: true, Priority: 3,
			Action: Action{Type: ActionReject, Criteria: &Criteria{Transport: "http"}},
		}))
		require.NoError(t, r.AddRule(&Rule{
			Name: "wide", Enabled: true, Priority: 1,
			Condition: Condition{PathPattern: "/api/*"},
			Action:    Action{Type: ActionAllow},
		}))
		return r
	}
	req := &Request{Method: "tools/call", Path: "/api/tools/execute"}

	first, err := build().Route(req, services("a", "b", "c"))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		dec, err := build().Route(req, services("a", "b", "c"))
		require.NoError(t, err)
		assert.Equal(t, first.Service.ID, dec.Service.ID)
		assert.Equal(t, first.Applied, dec.Applied)
	}
}

func TestCostStrategyPicksCheapest(t *testing.T) {
	t.Parallel()

	r := New(StrategyCost, nil)
	svcs := services("pricey", "cheap", "unknown")
	svcs[0].Meta.CostPerRequest = 2.5
	svcs[1].Meta.CostPerRequest = 0.2

	dec, err := r.Route(&Request{}, svcs)
	require.NoError(t, err)
	assert.Equal(t, "cheap", dec.Service.ID)
}

func TestContentAwareStrategy(t *testing.T) {
	t.Parallel()

	r := New(StrategyContentAware, nil)
	svcs := services("generic", "json-specialist", "tiny")
	svcs[1].Meta.SupportedContentTypes = []string{"application/json"}
	svcs[1].Meta.SpecializedMethods = []string{"tools/call"}
	svcs[2].Meta.SupportedContentTypes = []string{"application/json"}
	svcs[2].Meta.MaxContentLength = 10

	req := &Request{Method: "tools/call", ContentType: "application/json; charset=utf-8", ContentLength: 4096}
	dec, err := r.Route(req, svcs)
	require.NoError(t, err)
	assert.Equal(t, "json-specialist", dec.Service.ID)

	// Oversize payload pushes the specialist below the generic candidate.
	svcs[1].Meta.MaxContentLength = 10
	dec, err = r.Route(req, svcs)
	require.NoError(t, err)
	assert.Equal(t, "generic", dec.Service.ID)
}

func TestPerformanceWarmupRamp(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := New(StrategyPerformance, nil).WithClock(clock.Now)

	// Peer warmed up long ago with a 4000ms average: base score 0.6.
	r.Observe("peer")
	r.RecordRequest("peer", 4*time.Second, true)
	clock.Advance(time.Minute)

	// New instance joins with a 1000ms average: base score 0.9.
	start := clock.Now()
	r.Observe("new")
	r.RecordRequest("new", time.Second, true)

	clock.mu.Lock()
	clock.now = start.Add(5 * time.Second)
	clock.mu.Unlock()
	assert.InDelta(t, 0.45, r.performanceScore("new", clock.Now()), 1e-9)
	assert.InDelta(t, 0.6, r.performanceScore("peer", clock.Now()), 1e-9)

	dec, err := r.Route(&Request{}, services("peer", "new"))
	require.NoError(t, err)
	assert.Equal(t, "peer", dec.Service.ID)

	// Past the crossover point the new instance wins: 0.9 x 0.7 = 0.63.
	clock.mu.Lock()
	clock.now = start.Add(7 * time.Second)
	clock.mu.Unlock()
	dec, err = r.Route(&Request{}, services("peer", "new"))
	require.NoError(t, err)
	assert.Equal(t, "new", dec.Service.ID)

	clock.mu.Lock()
	clock.now = start.Add(10 * time.Second)
	clock.mu.Unlock()
	assert.InDelta(t, 0.9, r.performanceScore("new", clock.Now()), 1e-9)
}

func TestPerformanceErrorPenalty(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := New(StrategyPerformance, nil).WithClock(clock.Now)

	r.Observe("flaky")
	for i := 0; i < 2; i++ {
		r.RecordRequest("flaky", 100*time.Millisecond, true)
		r.RecordRequest("flaky", 100*time.Millisecond, false)
	}
	clock.Advance(time.Minute)

	// errorRate 0.5 -> errorPenalty 0.25; latency penalty 0.01.
	assert.InDelta(t, 0.74, r.performanceScore("flaky", clock.Now()), 1e-9)
}

func TestAddedAtIsWriteOnce(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := New(StrategyRoundRobin, nil).WithClock(clock.Now)

	r.Observe("svc")
	first, ok := r.Metrics("svc")
	require.True(t, ok)

	clock.Advance(time.Hour)
	r.RecordRequest("svc", 10*time.Millisecond, true)
	r.Observe("svc")

	after, ok := r.Metrics("svc")
	require.True(t, ok)
	assert.Equal(t, first.AddedAt, after.AddedAt)
	assert.True(t, after.AddedAt.Before(after.LastRequestTime) || after.AddedAt.Equal(after.LastRequestTime))
}

func TestHistoryRingNewestFirstAndBounded(t *testing.T) {
	t.Parallel()

	r := New(StrategyRoundRobin, nil)
	for i := 0; i < historyLimit+100; i++ {
		id := "a"
		if i%2 == 0 {
			id = "b"
		}
		r.RecordRequest(id, time.Duration(i)*time.Millisecond, true)
	}

	all := r.History(0, "")
	require.Len(t, all, historyLimit)
	assert.Equal(t, int64(historyLimit+99), all[0].ResponseTime)

	onlyA := r.History(10, "a")
	require.Len(t, onlyA, 10)
	for _, e := range onlyA {
		assert.Equal(t, "a", e.ServiceID)
	}
}

func TestRemoveRule(t *testing.T) {
	t.Parallel()

	r := New(StrategyRoundRobin, nil)
	require.NoError(t, r.AddRule(&Rule{
		Name: "patterned", Enabled: true, Priority: 1,
		Condition: Condition{PathPattern: "/api/*"},
		Action:    Action{Type: ActionDeny},
	}))

	_, err := r.Route(&Request{Path: "/api/x"}, services("a"))
	require.Error(t, err)

	assert.True(t, r.RemoveRule("patterned"))
	assert.False(t, r.RemoveRule("patterned"))

	dec, err := r.Route(&Request{Path: "/api/x"}, services("a"))
	require.NoError(t, err)
	assert.Equal(t, "a", dec.Service.ID)
}
