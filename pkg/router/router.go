// Package router turns an operation into one concrete endpoint: it narrows
// the registry to the role and state the operation needs, drops endpoints
// whose circuit is open and lets the balancer pick among the rest.
package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/migadu/dbha/consts"
	"github.com/migadu/dbha/logger"
	"github.com/migadu/dbha/pkg/balancer"
	"github.com/migadu/dbha/pkg/health"
	"github.com/migadu/dbha/pkg/metrics"
	"github.com/migadu/dbha/pkg/registry"
)

type QueryType int

const (
	Select QueryType = iota
	Insert
	Update
	Delete
	DDL
	Command
)

func (q QueryType) String() string {
	switch q {
	case Select:
		return "select"
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	case DDL:
		return "ddl"
	case Command:
		return "command"
	default:
		return "unknown"
	}
}

// IsWrite reports whether q must go to the primary.
func (q QueryType) IsWrite() bool { return q != Select }

type ReadPreference int

const (
	Primary ReadPreference = iota
	Secondary
	SecondaryPreferred
	PrimaryPreferred
	Nearest
)

func (p ReadPreference) String() string {
	switch p {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	case SecondaryPreferred:
		return "secondary_preferred"
	case PrimaryPreferred:
		return "primary_preferred"
	case Nearest:
		return "nearest"
	default:
		return "unknown"
	}
}

func ParseReadPreference(s string) (ReadPreference, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))) {
	case "", "primary":
		return Primary, nil
	case "secondary":
		return Secondary, nil
	case "secondary_preferred":
		return SecondaryPreferred, nil
	case "primary_preferred":
		return PrimaryPreferred, nil
	case "nearest":
		return Nearest, nil
	default:
		return 0, fmt.Errorf("unknown read preference %q", s)
	}
}

// HealthView is the read side of the health monitor.
type HealthView interface {
	Eligible(name string) bool
	Snapshot(name string) (health.Snapshot, bool)
}

// LoadView reports checked-out connections per endpoint.
type LoadView interface {
	InUse(name string) int
}

// WriteTargeter knows the endpoint chosen by the last manual failover.
type WriteTargeter interface {
	WriteTarget() (string, bool)
}

// Selection is the outcome of one routing decision.
type Selection struct {
	Endpoint   registry.Endpoint
	Candidates int
}

type Router struct {
	reg      *registry.Registry
	health   HealthView
	load     LoadView
	targeter WriteTargeter
	lb       *balancer.Balancer
	pref     ReadPreference
}

func New(reg *registry.Registry, hv HealthView, load LoadView, targeter WriteTargeter, lb *balancer.Balancer, pref ReadPreference) *Router {
	return &Router{
		reg:      reg,
		health:   hv,
		load:     load,
		targeter: targeter,
		lb:       lb,
		pref:     pref,
	}
}

func (r *Router) ReadPreference() ReadPreference { return r.pref }

// Select routes one attempt of an operation of type qt. Endpoints in exclude
// are skipped as long as that leaves at least one candidate.
func (r *Router) Select(ctx context.Context, qt QueryType, exclude map[string]bool) (Selection, error) {
	write := qt.IsWrite() || pinnedToPrimary(ctx)

	var tiers [][]registry.Endpoint
	var noneErr error
	nearest := false

	if write {
		tiers = [][]registry.Endpoint{r.writeCandidates()}
		noneErr = consts.ErrNoHealthyEndpoint
	} else {
		primaries := r.readCandidates(registry.RolePrimary)
		secondaries := r.readCandidates(registry.RoleSecondary)
		noneErr = consts.ErrNoHealthyEndpoint

		switch r.pref {
		case Secondary:
			tiers = [][]registry.Endpoint{secondaries}
			noneErr = consts.ErrNoReplicaAvailable
		case SecondaryPreferred:
			tiers = [][]registry.Endpoint{secondaries, primaries}
		case PrimaryPreferred:
			tiers = [][]registry.Endpoint{primaries, secondaries}
		case Nearest:
			tiers = [][]registry.Endpoint{r.readCandidates()}
			nearest = true
		default:
			tiers = [][]registry.Endpoint{primaries}
		}
	}

	eps := pickTier(tiers, exclude)
	if len(eps) == 0 {
		reason := "no_healthy_endpoint"
		if noneErr == consts.ErrNoReplicaAvailable {
			reason = "no_replica"
		}
		metrics.RoutingFailuresTotal.WithLabelValues(reason).Inc()
		return Selection{}, fmt.Errorf("routing %s: %w", qt, noneErr)
	}

	cands := r.candidates(eps)
	var chosen balancer.Candidate
	var err error
	if nearest {
		chosen, err = r.lb.Nearest(cands)
	} else {
		chosen, err = r.lb.Select(cands)
	}
	if err != nil {
		metrics.RoutingFailuresTotal.WithLabelValues("balancer").Inc()
		return Selection{}, fmt.Errorf("routing %s: %w", qt, err)
	}

	for _, ep := range eps {
		if ep.Name == chosen.Name {
			logger.Debug("Routed operation", "component", "ROUTER", "type", qt.String(),
				"endpoint", ep.Name, "write", write, "candidates", len(eps))
			return Selection{Endpoint: ep, Candidates: len(eps)}, nil
		}
	}
	return Selection{}, fmt.Errorf("routing %s: balancer chose unknown endpoint %s: %w", qt, chosen.Name, consts.ErrNoHealthyEndpoint)
}

func pinnedToPrimary(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	pinned, _ := ctx.Value(consts.UseMasterDBKey).(bool)
	return pinned
}

// pickTier returns the first tier that still has candidates after the
// exclusions, or else the first non-empty tier ignoring them.
func pickTier(tiers [][]registry.Endpoint, exclude map[string]bool) []registry.Endpoint {
	if len(exclude) > 0 {
		for _, tier := range tiers {
			kept := make([]registry.Endpoint, 0, len(tier))
			for _, ep := range tier {
				if !exclude[ep.Name] {
					kept = append(kept, ep)
				}
			}
			if len(kept) > 0 {
				return kept
			}
		}
	}
	for _, tier := range tiers {
		if len(tier) > 0 {
			return tier
		}
	}
	return nil
}

// writeCandidates are eligible Active primaries, or only the failover write
// target when it is one of them.
func (r *Router) writeCandidates() []registry.Endpoint {
	eps := r.eligible(r.reg.List(registry.Filter{
		Roles:  []registry.Role{registry.RolePrimary},
		States: []registry.State{registry.StateActive},
	}))

	if r.targeter != nil {
		if target, ok := r.targeter.WriteTarget(); ok {
			for _, ep := range eps {
				if ep.Name == target {
					return []registry.Endpoint{ep}
				}
			}
		}
	}
	return eps
}

func (r *Router) readCandidates(roles ...registry.Role) []registry.Endpoint {
	return r.eligible(r.reg.List(registry.Filter{
		Roles:  roles,
		States: []registry.State{registry.StateActive, registry.StateDegraded},
	}))
}

// eligible keeps the endpoints health allows. Under weighted round robin a
// zero weight drains the endpoint, so it never makes a tier look populated.
func (r *Router) eligible(eps []registry.Endpoint) []registry.Endpoint {
	weighted := r.lb != nil && r.lb.Strategy() == balancer.WeightedRoundRobin
	out := eps[:0]
	for _, ep := range eps {
		if weighted && ep.Weight <= 0 {
			continue
		}
		if r.health.Eligible(ep.Name) {
			out = append(out, ep)
		}
	}
	return out
}

func (r *Router) candidates(eps []registry.Endpoint) []balancer.Candidate {
	cands := make([]balancer.Candidate, 0, len(eps))
	for _, ep := range eps {
		c := balancer.Candidate{
			Name:   ep.Name,
			Weight: ep.Weight,
			Seq:    ep.Seq,
		}
		if snap, ok := r.health.Snapshot(ep.Name); ok {
			c.AvgLatency = snap.AvgLatency
			c.HealthScore = snap.Score
		}
		if r.load != nil {
			c.ActiveConnections = r.load.InUse(ep.Name)
		}
		cands = append(cands, c)
	}
	return cands
}
