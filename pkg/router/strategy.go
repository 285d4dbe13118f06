package router

import (
	"strings"
	"time"
)

// Strategy names accepted by the router.
const (
	StrategyRoundRobin   = "round-robin"
	StrategyPerformance  = "performance-based"
	StrategyCost         = "cost-optimized"
	StrategyContentAware = "content-aware"
)

// warmupDuration is how long a newly observed service ramps from score 0 to
// its steady-state score.
const warmupDuration = 10 * time.Second

// selectRoundRobin rotates through the candidates. The counter advances
// exactly once per selection.
func (r *Router) selectRoundRobin(candidates []*Service) *Service {
	n := r.counter.Add(1) - 1
	return candidates[int(n%uint64(len(candidates)))]
}

// selectPerformance picks the highest warmup-adjusted score, falling back to
// round-robin among equals.
func (r *Router) selectPerformance(candidates []*Service) *Service {
	now := r.clock()
	best := make([]*Service, 0, 1)
	bestScore := -1.0
	for _, svc := range candidates {
		score := r.performanceScore(svc.ID, now)
		switch {
		case score > bestScore:
			bestScore = score
			best = append(best[:0], svc)
		case score == bestScore:
			best = append(best, svc)
		}
	}
	if len(best) == 1 {
		return best[0]
	}
	return r.selectRoundRobin(best)
}

// performanceScore implements the warmup ramp: base score in [0,1] derived
// from latency and error penalties, scaled by how far through the warmup
// window the service is.
func (r *Router) performanceScore(id string, now time.Time) float64 {
	m, ok := r.metrics.snapshot(id)
	if !ok {
		// Never observed: treat as brand new.
		r.metrics.observe(id)
		return 0
	}

	responsePenalty := m.AvgResponseTime / 10000
	if responsePenalty > 0.5 {
		responsePenalty = 0.5
	}
	if responsePenalty < 0 {
		responsePenalty = 0
	}
	errorPenalty := m.ErrorRate() * 0.5

	penalty := responsePenalty + errorPenalty
	if penalty > 1 {
		penalty = 1
	}
	base := 1 - penalty

	warmup := float64(now.Sub(m.AddedAt)) / float64(warmupDuration)
	if warmup > 1 {
		warmup = 1
	}
	if warmup < 0 {
		warmup = 0
	}
	return base * warmup
}

// selectCost picks the cheapest candidate; unknown cost defaults to 1.0 and
// ties resolve by insertion order.
func (r *Router) selectCost(candidates []*Service) *Service {
	best := candidates[0]
	bestCost := serviceCost(best)
	for _, svc := range candidates[1:] {
		if c := serviceCost(svc); c < bestCost {
			best, bestCost = svc, c
		}
	}
	return best
}

func serviceCost(svc *Service) float64 {
	if svc.Meta.CostPerRequest > 0 {
		return svc.Meta.CostPerRequest
	}
	return 1.0
}

// selectContentAware scores candidates on declared content-type and method
// affinity, with a heavy penalty for payloads beyond the declared maximum.
// Ties resolve by insertion order.
func (r *Router) selectContentAware(req *Request, candidates []*Service) *Service {
	best := candidates[0]
	bestScore := contentScore(req, best)
	for _, svc := range candidates[1:] {
		if s := contentScore(req, svc); s > bestScore {
			best, bestScore = svc, s
		}
	}
	return best
}

func contentScore(req *Request, svc *Service) float64 {
	var score float64
	for _, ct := range svc.Meta.SupportedContentTypes {
		if ct != "" && strings.HasPrefix(req.ContentType, ct) {
			score += 2
			break
		}
	}
	for _, method := range svc.Meta.SpecializedMethods {
		if method == req.Method {
			score += 3
			break
		}
	}
	if svc.Meta.MaxContentLength > 0 && req.ContentLength > int64(svc.Meta.MaxContentLength) {
		score -= 100
	}
	return score
}
