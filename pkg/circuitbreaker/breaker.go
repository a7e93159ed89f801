// Package circuitbreaker implements the per-endpoint circuit state machine.
//
// A breaker starts Closed. Once ReadyToTrip reports true it opens and rejects
// every request until its cooldown expires, then moves to HalfOpen and admits
// MaxRequests trial requests. A successful trial closes the circuit, a failed
// one reopens it with a doubled cooldown (capped at MaxTimeout).
//
// Requests are admitted in two steps: Allow returns a completion callback
// that reports the outcome. OutcomeIgnored frees a half-open trial slot
// without moving the state machine.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the verdict reported for a request admitted with Allow.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeIgnored
)

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

type Settings struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	// Timeout is the cooldown after the first trip.
	Timeout time.Duration
	// MaxTimeout caps the cooldown, which doubles on every consecutive trip.
	// A value not above Timeout keeps the cooldown constant.
	MaxTimeout    time.Duration
	ReadyToTrip   func(counts Counts) bool
	OnStateChange func(name string, from State, to State)
	Now           func() time.Time
}

type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) onRequest() {
	c.Requests++
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}

type transition struct {
	from, to State
}

type CircuitBreaker struct {
	name          string
	maxRequests   uint32
	interval      time.Duration
	timeout       time.Duration
	maxTimeout    time.Duration
	readyToTrip   func(counts Counts) bool
	onStateChange func(name string, from State, to State)
	now           func() time.Time

	mutex      sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	trips      int
	pending    []transition
}

func NewCircuitBreaker(st Settings) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          st.Name,
		maxRequests:   st.MaxRequests,
		interval:      st.Interval,
		timeout:       st.Timeout,
		maxTimeout:    st.MaxTimeout,
		readyToTrip:   st.ReadyToTrip,
		onStateChange: st.OnStateChange,
		now:           st.Now,
	}

	if cb.name == "" {
		cb.name = "CircuitBreaker"
	}

	if cb.maxRequests == 0 {
		cb.maxRequests = 1
	}

	if cb.interval < 0 {
		cb.interval = 0 // Never reset automatically
	}

	if cb.timeout <= 0 {
		cb.timeout = 30 * time.Second
	}

	if cb.readyToTrip == nil {
		cb.readyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 5
		}
	}

	if cb.now == nil {
		cb.now = time.Now
	}

	cb.toNewGeneration(cb.now())

	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.unlock()

	state, _ := cb.currentState(cb.now())
	return state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.unlock()

	return cb.counts
}

// Trips returns how many times in a row the circuit has opened without closing.
func (cb *CircuitBreaker) Trips() int {
	cb.mutex.Lock()
	defer cb.unlock()

	return cb.trips
}

// Admits reports whether a request would be admitted right now. It does not
// reserve a half-open trial slot.
func (cb *CircuitBreaker) Admits() bool {
	cb.mutex.Lock()
	defer cb.unlock()

	state, _ := cb.currentState(cb.now())
	switch state {
	case StateOpen:
		return false
	case StateHalfOpen:
		return cb.counts.Requests < cb.maxRequests
	default:
		return true
	}
}

// Allow admits one request and returns the callback that reports its outcome.
// The callback must be called exactly once; later calls are ignored.
func (cb *CircuitBreaker) Allow() (func(Outcome), error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func(outcome Outcome) {
		once.Do(func() {
			cb.afterRequest(generation, outcome)
		})
	}, nil
}

// ForceOpen opens the circuit regardless of the current counts.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mutex.Lock()
	defer cb.unlock()

	cb.setState(StateOpen, cb.now())
}

// ForceHalfOpen skips the remaining cooldown and admits trial requests.
func (cb *CircuitBreaker) ForceHalfOpen() {
	cb.mutex.Lock()
	defer cb.unlock()

	cb.setState(StateHalfOpen, cb.now())
}

// Reset closes the circuit and forgets previous trips.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.unlock()

	now := cb.now()
	cb.trips = 0
	if cb.state == StateClosed {
		cb.toNewGeneration(now)
		return
	}
	cb.setState(StateClosed, now)
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.unlock()

	state, generation := cb.currentState(cb.now())

	if state == StateOpen {
		return generation, ErrCircuitBreakerOpen
	} else if state == StateHalfOpen && cb.counts.Requests >= cb.maxRequests {
		return generation, ErrTooManyRequests
	}

	cb.counts.onRequest()
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, outcome Outcome) {
	cb.mutex.Lock()
	defer cb.unlock()

	now := cb.now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	switch outcome {
	case OutcomeSuccess:
		cb.onSuccess(state, now)
	case OutcomeFailure:
		cb.onFailure(state, now)
	default:
		if cb.counts.Requests > 0 {
			cb.counts.Requests--
		}
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	cb.counts.onSuccess()

	if state == StateHalfOpen {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.counts.onFailure()

	if state == StateHalfOpen || cb.readyToTrip(cb.counts) {
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if !cb.expiry.After(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	switch state {
	case StateOpen:
		cb.trips++
	case StateClosed:
		cb.trips = 0
	}

	cb.toNewGeneration(now)
	cb.pending = append(cb.pending, transition{from: prev, to: state})
}

// cooldown is Timeout doubled for every consecutive trip after the first.
func (cb *CircuitBreaker) cooldown() time.Duration {
	d := cb.timeout
	if cb.maxTimeout <= cb.timeout {
		return d
	}
	for i := 1; i < cb.trips; i++ {
		d *= 2
		if d >= cb.maxTimeout {
			return cb.maxTimeout
		}
	}
	return d
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.clear()

	var zero time.Time
	switch cb.state {
	case StateClosed:
		if cb.interval == 0 {
			cb.expiry = zero
		} else {
			cb.expiry = now.Add(cb.interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.cooldown())
	default: // StateHalfOpen
		cb.expiry = zero
	}
}

// unlock releases the mutex and then delivers queued state changes, so
// callbacks may call back into the breaker.
func (cb *CircuitBreaker) unlock() {
	pending := cb.pending
	cb.pending = nil
	cb.mutex.Unlock()

	if cb.onStateChange == nil {
		return
	}
	for _, t := range pending {
		cb.onStateChange(cb.name, t.from, t.to)
	}
}
