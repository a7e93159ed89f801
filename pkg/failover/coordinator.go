// Package failover turns circuit transitions into endpoint states and owns the
// effective write target chosen by manual failover.
//
// An endpoint whose circuit opens is quarantined, never deregistered. When
// the circuit closes again the state it had before is restored. Promotion of
// a secondary only ever happens through ManualFailover and only when enabled.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/migadu/dbha/consts"
	"github.com/migadu/dbha/logger"
	"github.com/migadu/dbha/pkg/circuitbreaker"
	"github.com/migadu/dbha/pkg/driver"
	"github.com/migadu/dbha/pkg/health"
	"github.com/migadu/dbha/pkg/metrics"
	"github.com/migadu/dbha/pkg/registry"
)

// Error is returned by ManualFailover and Reactivate.
type Error struct {
	Op   string
	From string
	To   string
	Err  error
}

func (e *Error) Error() string {
	if e.To == "" {
		return fmt.Sprintf("failover %s %q: %v", e.Op, e.From, e.Err)
	}
	return fmt.Sprintf("failover %s %q -> %q: %v", e.Op, e.From, e.To, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Coordinator struct {
	reg            *registry.Registry
	mon            *health.Monitor
	classifier     driver.Classifier
	allowPromotion bool

	mu          sync.Mutex
	writeTarget string
	demoted     string
	prevStates  map[string]registry.State
}

// New wires the coordinator to the monitor's circuit transitions.
func New(reg *registry.Registry, mon *health.Monitor, classifier driver.Classifier, allowPromotion bool) *Coordinator {
	c := &Coordinator{
		reg:            reg,
		mon:            mon,
		classifier:     classifier,
		allowPromotion: allowPromotion,
		prevStates:     make(map[string]registry.State),
	}
	mon.OnStateChange(c.onCircuitChange)
	return c
}

// Admit gates one execution attempt on name. The returned function reports
// the attempt's error (nil for success). Transient errors count against the
// endpoint; permanent errors and errors that say nothing about the endpoint's
// health leave the circuit alone.
func (c *Coordinator) Admit(name string) (func(err error), error) {
	done, err := c.mon.Admit(name)
	if err != nil {
		return nil, err
	}
	return func(err error) {
		switch {
		case err == nil:
			done(circuitbreaker.OutcomeSuccess, nil)
		case c.ignorable(err):
			done(circuitbreaker.OutcomeIgnored, err)
		default:
			logger.Debug("Execution failed on endpoint", "component", "FAILOVER", "endpoint", name, "error", err)
			done(circuitbreaker.OutcomeFailure, err)
		}
	}, nil
}

func (c *Coordinator) ignorable(err error) bool {
	switch {
	case errors.Is(err, consts.ErrPoolExhausted),
		errors.Is(err, consts.ErrEndpointNotFound),
		errors.Is(err, context.Canceled):
		return true
	}
	return driver.Classify(err, c.classifier) == driver.Permanent
}

// OnExecutionFailure records a failure seen outside Admit, for example by a
// caller that runs its own connections. Errors that are not transient are
// ignored.
func (c *Coordinator) OnExecutionFailure(name string, err error) {
	if err == nil || c.ignorable(err) {
		return
	}
	logger.Warn("Execution failure reported", "component", "FAILOVER", "endpoint", name, "error", err)
	c.mon.ReportFailure(name, err)
}

func (c *Coordinator) onCircuitChange(name string, from, to circuitbreaker.State) {
	switch to {
	case circuitbreaker.StateOpen:
		c.quarantine(name)
	case circuitbreaker.StateClosed:
		c.restore(name)
	}
}

func (c *Coordinator) quarantine(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, err := c.reg.SetState(name, registry.StateQuarantined)
	if err != nil {
		logger.Debug("Cannot quarantine endpoint", "component", "FAILOVER", "endpoint", name, "error", err)
		return
	}
	if prev != registry.StateQuarantined {
		c.prevStates[name] = prev
		metrics.FailoversTotal.WithLabelValues("quarantine").Inc()
		logger.Warn("Endpoint quarantined", "component", "FAILOVER", "endpoint", name, "previous_state", prev.String())
	}
}

func (c *Coordinator) restore(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.prevStates[name]
	if !ok {
		return
	}
	delete(c.prevStates, name)
	if c.reg.CompareAndSetState(name, registry.StateQuarantined, prev) {
		metrics.FailoversTotal.WithLabelValues("restore").Inc()
		logger.Info("Endpoint restored after recovery", "component", "FAILOVER", "endpoint", name, "state", prev.String())
	}
}

// ManualFailover makes to the effective write target and demotes from to
// Degraded. Repeating the last successful call is a no-op.
func (c *Coordinator) ManualFailover(from, to string) error {
	fail := func(err error) error {
		return &Error{Op: "manual", From: from, To: to, Err: err}
	}
	if from == to {
		return fail(fmt.Errorf("%w: source and target are the same endpoint", consts.ErrInvalidFailoverTarget))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fromEp, err := c.reg.Get(from)
	if err != nil || fromEp.State == registry.StateRemoved {
		return fail(consts.ErrEndpointNotFound)
	}
	toEp, err := c.reg.Get(to)
	if err != nil || toEp.State == registry.StateRemoved {
		return fail(consts.ErrEndpointNotFound)
	}

	if c.writeTarget == to && c.demoted == from &&
		(fromEp.State == registry.StateDegraded || fromEp.State == registry.StateQuarantined) {
		logger.Debug("Failover already in effect", "component", "FAILOVER", "from", from, "to", to)
		return nil
	}

	if toEp.State != registry.StateActive {
		return fail(fmt.Errorf("%w: target is %s", consts.ErrInvalidFailoverTarget, toEp.State))
	}
	promote := false
	if toEp.Role != registry.RolePrimary {
		if !c.allowPromotion {
			return fail(fmt.Errorf("%w: target is a secondary and replica promotion is disabled", consts.ErrInvalidFailoverTarget))
		}
		promote = true
	}

	if promote {
		if err := c.reg.SwapRoles(to, from); err != nil {
			return fail(err)
		}
	}

	if fromEp.State == registry.StateQuarantined {
		// stays quarantined until its circuit closes, then comes back degraded
		c.prevStates[from] = registry.StateDegraded
	} else if _, err := c.reg.SetState(from, registry.StateDegraded); err != nil {
		return fail(err)
	}

	c.writeTarget = to
	c.demoted = from
	metrics.FailoversTotal.WithLabelValues("manual").Inc()
	logger.Warn("Manual failover completed", "component", "FAILOVER", "from", from, "to", to, "promoted", promote)
	return nil
}

// WriteTarget returns the endpoint chosen by the last manual failover.
func (c *Coordinator) WriteTarget() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeTarget, c.writeTarget != ""
}

// Reactivate returns a Degraded or Quarantined endpoint to Active and closes
// its circuit.
func (c *Coordinator) Reactivate(name string) error {
	c.mu.Lock()
	ep, err := c.reg.Get(name)
	if err != nil || ep.State == registry.StateRemoved {
		c.mu.Unlock()
		return &Error{Op: "reactivate", From: name, Err: consts.ErrEndpointNotFound}
	}
	delete(c.prevStates, name)
	if ep.State != registry.StateActive {
		if _, err := c.reg.SetState(name, registry.StateActive); err != nil {
			c.mu.Unlock()
			return &Error{Op: "reactivate", From: name, Err: err}
		}
	}
	if c.demoted == name {
		c.demoted = ""
	}
	c.mu.Unlock()

	// Reset fires the Closed callback, which takes c.mu.
	if err := c.mon.Reset(name); err != nil {
		return &Error{Op: "reactivate", From: name, Err: err}
	}
	metrics.FailoversTotal.WithLabelValues("reactivate").Inc()
	logger.Info("Endpoint reactivated", "component", "FAILOVER", "endpoint", name, "previous_state", ep.State.String())
	return nil
}

// Forget drops everything the coordinator remembers about name.
func (c *Coordinator) Forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.prevStates, name)
	if c.writeTarget == name {
		c.writeTarget = ""
	}
	if c.demoted == name {
		c.demoted = ""
	}
}
