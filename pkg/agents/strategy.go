package agents

import (
	"fmt"
	"math"
	"time"

	"github.com/dukex/agentflow/pkg/models"
)

// Strategy picks one agent among the eligible candidates.
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategyRandom      Strategy = "random"
	StrategyHealthBased Strategy = "health_based"
)

// ParseStrategy validates a strategy name; empty selects least-loaded.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case "":
		return StrategyLeastLoaded, nil
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyRandom, StrategyHealthBased:
		return Strategy(name), nil
	default:
		return "", fmt.Errorf("unknown load balancing strategy %q", name)
	}
}

const (
	latencyThresholdMs = 5000
	maxLatencyPenalty  = 30
	maxStalePenalty    = 20
)

// HealthScore is 100 minus penalties for error rate (up to 50), average
// latency above five seconds (one point per second, up to 30) and time since
// last seen (one point per minute, up to 20).
func HealthScore(registration *models.AgentRegistration, now time.Time) float64 {
	metrics := registration.Metrics

	errorPenalty := metrics.ErrorRate() * 50
	latencyPenalty := math.Min(maxLatencyPenalty, math.Max(0, (metrics.AvgLatencyMs-latencyThresholdMs)/1000))

	staleness := float64(now.Sub(registration.LastSeen).Milliseconds())
	stalePenalty := math.Min(maxStalePenalty, math.Max(0, staleness/60000))

	return 100 - errorPenalty - latencyPenalty - stalePenalty
}

// pick returns the index of the chosen candidate. Candidates are in
// registration order; callers hold the directory lock.
func (d *Directory) pick(candidates []*entry, strategy Strategy) int {
	if len(candidates) == 0 {
		return -1
	}

	switch strategy {
	case StrategyRoundRobin:
		index := int(d.cursor % uint64(len(candidates)))
		d.cursor++

		return index
	case StrategyRandom:
		return d.rng.IntN(len(candidates))
	case StrategyHealthBased:
		now := d.now()
		best, bestScore := 0, math.Inf(-1)

		for i, candidate := range candidates {
			score := HealthScore(&candidate.registration, now)
			if score > bestScore {
				best, bestScore = i, score
			}
		}

		return best
	default:
		best := 0

		for i, candidate := range candidates {
			if candidate.registration.Load < candidates[best].registration.Load {
				best = i
			}
		}

		return best
	}
}
