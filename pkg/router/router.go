package router

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pbmcp/pbmcp/pkg/errors"
	"github.com/pbmcp/pbmcp/pkg/logger"
	"github.com/pbmcp/pbmcp/pkg/registry"
)

// Service is the router's view of a backend instance. Routers never hold
// registry objects directly; callers project instances into this shape per
// request.
type Service struct {
	ID        string
	Template  string
	Group     string
	Transport string
	Healthy   bool
	Meta      registry.RoutingMeta
}

// Decision is the outcome of routing one request.
type Decision struct {
	Service  *Service
	Applied  []string
	Strategy string
}

// Router owns the rule set, per-service load metrics, and the selection
// strategy.
type Router struct {
	rules    *ruleSet
	metrics  *metricsStore
	strategy string
	counter  atomic.Uint64
	clock    func() time.Time
}

// New creates a router using the given strategy. Prometheus collectors are
// registered against reg; pass nil to skip registration.
func New(strategy string, reg prometheus.Registerer) *Router {
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	return &Router{
		rules:    newRuleSet(),
		metrics:  newMetricsStore(reg),
		strategy: strategy,
		clock:    time.Now,
	}
}

// WithClock substitutes the time source. Intended for tests.
func (r *Router) WithClock(clock func() time.Time) *Router {
	r.clock = clock
	r.metrics.clock = clock
	return r
}

// AddRule registers a routing rule. Rule names are unique.
func (r *Router) AddRule(rule *Rule) error {
	return r.rules.add(rule)
}

// RemoveRule drops a rule by name.
func (r *Router) RemoveRule(name string) bool {
	return r.rules.remove(name)
}

// Rules lists all rules in evaluation order.
func (r *Router) Rules() []*Rule {
	return r.rules.list()
}

// Observe stamps a service's first-seen time so warmup starts counting.
func (r *Router) Observe(id string) {
	r.metrics.observe(id)
}

// RecordRequest folds a completed call into the load metrics and history.
func (r *Router) RecordRequest(id string, responseTime time.Duration, success bool) {
	r.metrics.record(id, responseTime, success)
}

// Metrics returns a copy of a service's load metrics.
func (r *Router) Metrics(id string) (LoadMetrics, bool) {
	return r.metrics.snapshot(id)
}

// History returns up to limit recent requests, newest first, optionally
// filtered by service id.
func (r *Router) History(limit int, serviceID string) []HistoryEntry {
	return r.metrics.recent(limit, serviceID)
}

// Forget drops a service's metrics, typically after instance removal.
func (r *Router) Forget(id string) {
	r.metrics.drop(id)
}

// Route evaluates the rule set against the request and selects one service
// from the candidates. Evaluation is deterministic for a given rule set and
// request; the strategy tie-break advances the rotation counter exactly once
// per selection.
func (r *Router) Route(req *Request, candidates []*Service) (*Decision, error) {
	decision := &Decision{Strategy: r.strategy}

	remaining := append([]*Service(nil), candidates...)
	preferred := make(map[string]bool)
	filterApplied := false

	for _, rule := range r.rules.match(req.Path) {
		if !rule.Enabled || !rule.Condition.matches(req) {
			continue
		}
		decision.Applied = append(decision.Applied, rule.Name)

		switch rule.Action.Type {
		case ActionFilter:
			// Only the highest-priority filter wins; later filters are
			// recorded but skipped so stacking cannot empty the set.
			if filterApplied {
				continue
			}
			filterApplied = true
			remaining = keep(remaining, func(svc *Service) bool {
				return rule.Action.Criteria.matchesCriteria(svc)
			})
		case ActionPrefer:
			for _, svc := range remaining {
				if rule.Action.Criteria.matchesCriteria(svc) {
					preferred[svc.ID] = true
				}
			}
		case ActionReject:
			remaining = keep(remaining, func(svc *Service) bool {
				return !rule.Action.Criteria.matchesCriteria(svc)
			})
		case ActionDeny:
			remaining = remaining[:0]
		case ActionRedirect:
			logRedirect(rule, rule.Action.TargetServiceGroup)
			if rule.Action.TargetServiceGroup != "" {
				redirected := keep(append([]*Service(nil), remaining...), func(svc *Service) bool {
					return svc.Group == rule.Action.TargetServiceGroup
				})
				if len(redirected) > 0 {
					remaining = redirected
				}
			}
		case ActionAllow, ActionBalance:
			// No-op at this layer.
		}
	}

	healthy := keep(remaining, func(svc *Service) bool { return svc.Healthy })
	if len(healthy) == 0 {
		return decision, errors.New(errors.CodeState, "no healthy instance available")
	}
	if len(preferred) > 0 {
		if narrowed := keep(append([]*Service(nil), healthy...), func(svc *Service) bool {
			return preferred[svc.ID]
		}); len(narrowed) > 0 {
			healthy = narrowed
		}
	}
	if len(healthy) == 1 {
		decision.Service = healthy[0]
		return decision, nil
	}

	switch r.strategy {
	case StrategyPerformance:
		decision.Service = r.selectPerformance(healthy)
	case StrategyCost:
		decision.Service = r.selectCost(healthy)
	case StrategyContentAware:
		decision.Service = r.selectContentAware(req, healthy)
	case StrategyRoundRobin:
		decision.Service = r.selectRoundRobin(healthy)
	default:
		logger.Warnf("Unknown routing strategy %q, using round-robin", r.strategy)
		decision.Service = r.selectRoundRobin(healthy)
	}
	return decision, nil
}

// keep filters in place, preserving order.
func keep(services []*Service, pred func(*Service) bool) []*Service {
	out := services[:0]
	for _, svc := range services {
		if pred(svc) {
			out = append(out, svc)
		}
	}
	return out
}
