package circuitbreaker

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
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu          sync.Mutex
	transitions []string
}

func (r *recorder) record(_ string, from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from.String()+"->"+to.String())
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...)
}

func newTestBreaker(clock *fakeClock, rec *recorder) *CircuitBreaker {
	return NewCircuitBreaker(Settings{
		Name:       "pg-primary",
		Timeout:    10 * time.Second,
		MaxTimeout: 35 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: rec.record,
		Now:           clock.Now,
	})
}

func fail(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	done, err := cb.Allow()
	require.NoError(t, err)
	done(OutcomeFailure)
}

func TestTripsExactlyOnce(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	cb := newTestBreaker(clock, rec)

	for i := 0; i < 3; i++ {
		fail(t, cb)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Further failures are rejected before they can be counted again.
	for i := 0; i < 5; i++ {
		_, err := cb.Allow()
		assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	}

	assert.Equal(t, []string{"CLOSED->OPEN"}, rec.list())
	assert.False(t, cb.Admits())
}

func TestHalfOpenSingleTrial(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	cb := newTestBreaker(clock, rec)

	for i := 0; i < 3; i++ {
		fail(t, cb)
	}

	clock.Advance(10 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.True(t, cb.Admits())

	done, err := cb.Allow()
	require.NoError(t, err)

	_, err = cb.Allow()
	assert.ErrorIs(t, err, ErrTooManyRequests, "only one trial at a time")

	done(OutcomeSuccess)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Trips())
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, rec.list())
}

func TestHalfOpenFailureDoublesCooldown(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, &recorder{})

	for i := 0; i < 3; i++ {
		fail(t, cb)
	}
	require.Equal(t, 1, cb.Trips())

	clock.Advance(10 * time.Second)
	fail(t, cb) // single half-open failure reopens
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, 2, cb.Trips())

	clock.Advance(19 * time.Second)
	assert.Equal(t, StateOpen, cb.State(), "second cooldown is 20s")
	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	fail(t, cb)
	clock.Advance(34 * time.Second)
	assert.Equal(t, StateOpen, cb.State(), "third cooldown is capped at 35s")
	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestIgnoredOutcomeFreesTrialSlot(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, &recorder{})
	cb.ForceHalfOpen()

	done, err := cb.Allow()
	require.NoError(t, err)
	done(OutcomeIgnored)
	done(OutcomeFailure) // second report is dropped

	assert.Equal(t, StateHalfOpen, cb.State())
	done, err = cb.Allow()
	require.NoError(t, err, "slot was released")
	done(OutcomeSuccess)
	assert.Equal(t, StateClosed, cb.State())
}

func TestStaleGenerationIgnored(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, &recorder{})

	done, err := cb.Allow()
	require.NoError(t, err)
	cb.ForceOpen()
	done(OutcomeSuccess)

	assert.Equal(t, StateOpen, cb.State(), "outcome from a previous generation does not close the circuit")
}

func TestCallbackMayReenterBreaker(t *testing.T) {
	var cb *CircuitBreaker
	var observed State
	cb = NewCircuitBreaker(Settings{
		Name: "reentrant",
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		OnStateChange: func(_ string, _, _ State) {
			observed = cb.State()
		},
	})

	fail(t, cb)
	assert.Equal(t, StateOpen, observed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
