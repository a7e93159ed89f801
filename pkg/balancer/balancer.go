// Package balancer picks one endpoint out of a filtered candidate set.
package balancer

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/migadu/dbha/consts"
)

type Strategy int

const (
	RoundRobin Strategy = iota
	WeightedRoundRobin
	LeastConnections
	Random
	ResponseTime
	HealthBased
)

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round_robin"
	case WeightedRoundRobin:
		return "weighted_round_robin"
	case LeastConnections:
		return "least_connections"
	case Random:
		return "random"
	case ResponseTime:
		return "response_time"
	case HealthBased:
		return "health_based"
	default:
		return "unknown"
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))) {
	case "", "round_robin":
		return RoundRobin, nil
	case "weighted_round_robin", "weighted":
		return WeightedRoundRobin, nil
	case "least_connections":
		return LeastConnections, nil
	case "random":
		return Random, nil
	case "response_time":
		return ResponseTime, nil
	case "health_based":
		return HealthBased, nil
	default:
		return 0, fmt.Errorf("unknown load balancing strategy %q", s)
	}
}

// Candidate is what the balancer knows about one eligible endpoint. The
// router passes candidates in registration order.
type Candidate struct {
	Name              string
	Weight            int
	ActiveConnections int
	AvgLatency        time.Duration // 0 means no samples yet
	HealthScore       float64
	Seq               uint64
}

type Balancer struct {
	strategy Strategy

	mu             sync.Mutex
	counter        uint64
	currentWeights map[string]int
}

func New(strategy Strategy) *Balancer {
	return &Balancer{
		strategy:       strategy,
		currentWeights: make(map[string]int),
	}
}

func (b *Balancer) Strategy() Strategy { return b.strategy }

// Select returns the candidate chosen by the balancer's strategy.
func (b *Balancer) Select(cands []Candidate) (Candidate, error) {
	if len(cands) == 0 {
		return Candidate{}, consts.ErrNoHealthyEndpoint
	}

	switch b.strategy {
	case WeightedRoundRobin:
		return b.weighted(cands)
	case LeastConnections:
		return b.leastConnections(cands), nil
	case Random:
		return cands[rand.IntN(len(cands))], nil
	case ResponseTime:
		return fastest(cands), nil
	case HealthBased:
		return healthiest(cands), nil
	default:
		return b.roundRobin(cands), nil
	}
}

// Nearest returns the candidate with the lowest average latency regardless
// of the configured strategy.
func (b *Balancer) Nearest(cands []Candidate) (Candidate, error) {
	if len(cands) == 0 {
		return Candidate{}, consts.ErrNoHealthyEndpoint
	}
	return fastest(cands), nil
}

// Forget drops the weighted round robin state of name.
func (b *Balancer) Forget(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.currentWeights, name)
}

func (b *Balancer) next() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.counter
	b.counter++
	return n
}

func (b *Balancer) roundRobin(cands []Candidate) Candidate {
	return cands[b.next()%uint64(len(cands))]
}

// weighted is smooth weighted round robin: over a full cycle every candidate
// is picked exactly Weight times, interleaved rather than in bursts.
func (b *Balancer) weighted(cands []Candidate) (Candidate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	chosen := -1
	for i, c := range cands {
		if c.Weight <= 0 {
			continue
		}
		b.currentWeights[c.Name] += c.Weight
		total += c.Weight
		if chosen < 0 || b.currentWeights[c.Name] > b.currentWeights[cands[chosen].Name] {
			chosen = i
		}
	}
	if chosen < 0 {
		return Candidate{}, fmt.Errorf("all candidates have zero weight: %w", consts.ErrNoHealthyEndpoint)
	}

	b.currentWeights[cands[chosen].Name] -= total
	return cands[chosen], nil
}

func (b *Balancer) leastConnections(cands []Candidate) Candidate {
	least := cands[0].ActiveConnections
	for _, c := range cands[1:] {
		if c.ActiveConnections < least {
			least = c.ActiveConnections
		}
	}

	tied := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.ActiveConnections == least {
			tied = append(tied, c)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return tied[b.next()%uint64(len(tied))]
}

// faster orders measured endpoints by latency, ahead of unmeasured ones,
// then by registration order.
func faster(a, b Candidate) bool {
	switch {
	case a.AvgLatency == b.AvgLatency:
		return a.Seq < b.Seq
	case a.AvgLatency == 0:
		return false
	case b.AvgLatency == 0:
		return true
	default:
		return a.AvgLatency < b.AvgLatency
	}
}

func fastest(cands []Candidate) Candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if faster(c, best) {
			best = c
		}
	}
	return best
}

func healthiest(cands []Candidate) Candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.HealthScore > best.HealthScore || (c.HealthScore == best.HealthScore && faster(c, best)) {
			best = c
		}
	}
	return best
}
