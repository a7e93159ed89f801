// Package registry owns the set of known database endpoints.
//
// Every other component refers to endpoints by name and reads immutable
// snapshots from here. Removal under the force policy is two-phase: the
// endpoint is marked Removed at once and its slot is collected when the
// last in-flight operation releases it.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/migadu/dbha/consts"
	"github.com/migadu/dbha/logger"
	"github.com/migadu/dbha/pkg/driver"
)

type Role int

const (
	RolePrimary Role = iota
	RoleSecondary
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	default:
		return "unknown"
	}
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary":
		return RolePrimary, nil
	case "secondary", "replica", "":
		return RoleSecondary, nil
	default:
		return 0, fmt.Errorf("unknown endpoint role %q", s)
	}
}

type State int

const (
	StateActive State = iota
	StateDegraded
	StateQuarantined
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateQuarantined:
		return "quarantined"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// RemovalPolicy decides what Remove does while operations are in flight.
type RemovalPolicy int

const (
	// RemovalBlock refuses removal with ErrEndpointInUse.
	RemovalBlock RemovalPolicy = iota
	// RemovalForce marks the endpoint Removed and collects it once drained.
	RemovalForce
)

func ParseRemovalPolicy(s string) (RemovalPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return RemovalBlock, nil
	case "force":
		return RemovalForce, nil
	default:
		return 0, fmt.Errorf("unknown removal policy %q", s)
	}
}

// Endpoint is a snapshot of a registered endpoint.
type Endpoint struct {
	Name    string
	Config  driver.Config
	Role    Role
	Weight  int
	State   State
	Seq     uint64 // registration order
	AddedAt time.Time
}

// Error is returned by every registry operation that fails.
type Error struct {
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("registry %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Filter selects endpoints in List. Empty slices match everything except
// Removed endpoints.
type Filter struct {
	Roles  []Role
	States []State
}

func (f Filter) match(ep *Endpoint) bool {
	if len(f.States) == 0 {
		if ep.State == StateRemoved {
			return false
		}
	} else if !containsState(f.States, ep.State) {
		return false
	}
	if len(f.Roles) == 0 {
		return true
	}
	for _, r := range f.Roles {
		if r == ep.Role {
			return true
		}
	}
	return false
}

func containsState(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

type slot struct {
	ep       Endpoint
	inflight int64
}

type Registry struct {
	mu     sync.RWMutex
	slots  map[string]*slot
	seq    uint64
	policy RemovalPolicy

	hooksMu   sync.RWMutex
	onRemoved []func(Endpoint)
}

func New(policy RemovalPolicy) *Registry {
	return &Registry{
		slots:  make(map[string]*slot),
		policy: policy,
	}
}

// OnRemoved registers fn to run after an endpoint slot has been collected.
func (r *Registry) OnRemoved(fn func(Endpoint)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onRemoved = append(r.onRemoved, fn)
}

// Add registers ep in the Active state. Role, weight and config are kept as given.
func (r *Registry) Add(ep Endpoint) (Endpoint, error) {
	if strings.TrimSpace(ep.Name) == "" {
		return Endpoint{}, &Error{Op: "add", Name: ep.Name, Err: fmt.Errorf("%w: empty name", consts.ErrInvalidEndpoint)}
	}
	if ep.Weight < 0 {
		return Endpoint{}, &Error{Op: "add", Name: ep.Name, Err: fmt.Errorf("%w: negative weight", consts.ErrInvalidEndpoint)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slots[ep.Name]; exists {
		return Endpoint{}, &Error{Op: "add", Name: ep.Name, Err: consts.ErrDuplicateEndpoint}
	}

	r.seq++
	ep.Seq = r.seq
	ep.State = StateActive
	ep.AddedAt = time.Now()
	r.slots[ep.Name] = &slot{ep: ep}

	logger.Info("Endpoint registered", "component", "REGISTRY", "endpoint", ep.Name,
		"role", ep.Role.String(), "weight", ep.Weight, "address", ep.Config.Address())
	return ep, nil
}

// Remove deregisters name according to the registry's removal policy.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	s, ok := r.slots[name]
	if !ok || s.ep.State == StateRemoved {
		r.mu.Unlock()
		return &Error{Op: "remove", Name: name, Err: consts.ErrEndpointNotFound}
	}

	if s.inflight > 0 {
		if r.policy == RemovalBlock {
			n := s.inflight
			r.mu.Unlock()
			return &Error{Op: "remove", Name: name, Err: fmt.Errorf("%w (%d)", consts.ErrEndpointInUse, n)}
		}
		s.ep.State = StateRemoved
		n := s.inflight
		r.mu.Unlock()
		logger.Info("Endpoint marked removed, waiting for in-flight operations", "component", "REGISTRY",
			"endpoint", name, "inflight", n)
		return nil
	}

	s.ep.State = StateRemoved
	delete(r.slots, name)
	ep := s.ep
	r.mu.Unlock()

	r.collected(ep)
	return nil
}

func (r *Registry) collected(ep Endpoint) {
	logger.Info("Endpoint removed", "component", "REGISTRY", "endpoint", ep.Name)

	r.hooksMu.RLock()
	hooks := append([]func(Endpoint){}, r.onRemoved...)
	r.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(ep)
	}
}

// Get returns the snapshot of name, including endpoints pending collection.
func (r *Registry) Get(name string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.slots[name]
	if !ok {
		return Endpoint{}, &Error{Op: "get", Name: name, Err: consts.ErrEndpointNotFound}
	}
	return s.ep, nil
}

// List returns matching endpoints in registration order.
func (r *Registry) List(f Filter) []Endpoint {
	r.mu.RLock()
	out := make([]Endpoint, 0, len(r.slots))
	for _, s := range r.slots {
		if f.match(&s.ep) {
			out = append(out, s.ep)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// SetState moves a live endpoint to state. Removed endpoints cannot change
// state and Removed cannot be set directly (use Remove).
func (r *Registry) SetState(name string, state State) (State, error) {
	if state == StateRemoved {
		return 0, &Error{Op: "set-state", Name: name, Err: fmt.Errorf("%w: use remove", consts.ErrInvalidEndpoint)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[name]
	if !ok || s.ep.State == StateRemoved {
		return 0, &Error{Op: "set-state", Name: name, Err: consts.ErrEndpointNotFound}
	}
	prev := s.ep.State
	s.ep.State = state
	return prev, nil
}

// CompareAndSetState changes the state only if it currently equals from.
func (r *Registry) CompareAndSetState(name string, from, to State) bool {
	if to == StateRemoved {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[name]
	if !ok || s.ep.State != from {
		return false
	}
	s.ep.State = to
	return true
}

// SetRole changes the role of a live endpoint.
func (r *Registry) SetRole(name string, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[name]
	if !ok || s.ep.State == StateRemoved {
		return &Error{Op: "set-role", Name: name, Err: consts.ErrEndpointNotFound}
	}
	s.ep.Role = role
	return nil
}

// SwapRoles makes promote a primary and demote a secondary in one step, so
// no reader sees both as primaries. Neither role changes if either endpoint
// is gone.
func (r *Registry) SwapRoles(promote, demote string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	up, ok := r.slots[promote]
	if !ok || up.ep.State == StateRemoved {
		return &Error{Op: "swap-roles", Name: promote, Err: consts.ErrEndpointNotFound}
	}
	down, ok := r.slots[demote]
	if !ok || down.ep.State == StateRemoved {
		return &Error{Op: "swap-roles", Name: demote, Err: consts.ErrEndpointNotFound}
	}
	up.ep.Role = RolePrimary
	down.ep.Role = RoleSecondary
	return nil
}

// Begin marks one operation in flight on name. The returned release must be
// called exactly once when the operation is done.
func (r *Registry) Begin(name string) (func(), error) {
	r.mu.Lock()
	s, ok := r.slots[name]
	if !ok || s.ep.State == StateRemoved {
		r.mu.Unlock()
		return nil, &Error{Op: "begin", Name: name, Err: consts.ErrEndpointNotFound}
	}
	s.inflight++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.release(name, s) })
	}, nil
}

func (r *Registry) release(name string, s *slot) {
	r.mu.Lock()
	s.inflight--
	collect := s.inflight == 0 && s.ep.State == StateRemoved && r.slots[name] == s
	if collect {
		delete(r.slots, name)
	}
	ep := s.ep
	r.mu.Unlock()

	if collect {
		r.collected(ep)
	}
}

// InFlight returns the number of operations currently running on name.
func (r *Registry) InFlight(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.slots[name]; ok {
		return s.inflight
	}
	return 0
}

// Len returns the number of endpoints that are not Removed.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.slots {
		if s.ep.State != StateRemoved {
			n++
		}
	}
	return n
}
