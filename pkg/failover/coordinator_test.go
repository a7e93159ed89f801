package failover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/migadu/dbha/consts"
	"github.com/migadu/dbha/pkg/driver"
	"github.com/migadu/dbha/pkg/health"
	"github.com/migadu/dbha/pkg/registry"
	"github.com/migadu/dbha/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type switchProber struct {
	mu   sync.Mutex
	down map[string]bool
}

func (p *switchProber) set(name string, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[name] = down
}

func (p *switchProber) Probe(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down[name] {
		return errors.New("connection refused")
	}
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	reg    *registry.Registry
	mon    *health.Monitor
	prober *switchProber
	clock  *clock
	coord  *Coordinator
}

func newFixture(t *testing.T, allowPromotion bool) *fixture {
	t.Helper()
	f := &fixture{
		reg:    registry.New(registry.RemovalBlock),
		prober: &switchProber{down: map[string]bool{}},
		clock:  &clock{now: time.Unix(1700000000, 0)},
	}
	cfg := health.DefaultConfig()
	cfg.Now = f.clock.Now
	f.mon = health.NewMonitor(f.prober, cfg)

	for _, ep := range []registry.Endpoint{
		{Name: "primary", Role: registry.RolePrimary, Weight: 1},
		{Name: "standby", Role: registry.RolePrimary, Weight: 1},
		{Name: "replica", Role: registry.RoleSecondary, Weight: 1},
	} {
		ep.Config = driver.Config{Host: ep.Name}
		_, err := f.reg.Add(ep)
		require.NoError(t, err)
		f.mon.Register(ep.Name)
	}

	f.coord = New(f.reg, f.mon, testutils.NewFakeDriver(), allowPromotion)
	return f
}

func (f *fixture) state(t *testing.T, name string) registry.State {
	t.Helper()
	ep, err := f.reg.Get(name)
	require.NoError(t, err)
	return ep.State
}

func (f *fixture) tripByProbes(name string) {
	f.prober.set(name, true)
	for i := 0; i < 6; i++ {
		_ = f.mon.ProbeOnce(context.Background(), name)
	}
}

func TestCircuitOpenQuarantinesAndCloseRestores(t *testing.T) {
	f := newFixture(t, false)

	f.tripByProbes("primary")
	assert.Equal(t, registry.StateQuarantined, f.state(t, "primary"))
	// quarantine never deregisters
	assert.Equal(t, 3, f.reg.Len())

	f.clock.Advance(31 * time.Second)
	f.prober.set("primary", false)
	require.NoError(t, f.mon.ProbeOnce(context.Background(), "primary"))
	assert.Equal(t, registry.StateActive, f.state(t, "primary"))
}

func TestQuarantineRemembersDegraded(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.reg.SetState("replica", registry.StateDegraded)
	require.NoError(t, err)

	f.tripByProbes("replica")
	assert.Equal(t, registry.StateQuarantined, f.state(t, "replica"))

	f.clock.Advance(31 * time.Second)
	f.prober.set("replica", false)
	require.NoError(t, f.mon.ProbeOnce(context.Background(), "replica"))
	assert.Equal(t, registry.StateDegraded, f.state(t, "replica"))
}

func TestAdmitClassifiesOutcomes(t *testing.T) {
	f := newFixture(t, false)

	// permanent errors never trip the circuit
	for i := 0; i < 10; i++ {
		done, err := f.coord.Admit("primary")
		require.NoError(t, err)
		done(testutils.ErrFakePermanent)
	}
	assert.True(t, f.mon.Eligible("primary"))

	for i := 0; i < 10; i++ {
		done, err := f.coord.Admit("primary")
		require.NoError(t, err)
		done(consts.ErrPoolExhausted)
	}
	assert.True(t, f.mon.Eligible("primary"))

	transient := driver.MarkTransient(errors.New("connection reset"))
	for i := 0; i < 5; i++ {
		done, err := f.coord.Admit("primary")
		require.NoError(t, err)
		done(transient)
	}
	assert.False(t, f.mon.Eligible("primary"))
	assert.Equal(t, registry.StateQuarantined, f.state(t, "primary"))

	_, err := f.coord.Admit("primary")
	assert.True(t, errors.Is(err, consts.ErrEndpointQuarantined))
}

func TestOnExecutionFailure(t *testing.T) {
	f := newFixture(t, false)

	f.coord.OnExecutionFailure("primary", testutils.ErrFakePermanent)
	s, _ := f.mon.Snapshot("primary")
	assert.Equal(t, int64(0), s.ConsecutiveFailures)

	for i := 0; i < 5; i++ {
		f.coord.OnExecutionFailure("primary", driver.MarkTransient(errors.New("timeout")))
	}
	assert.Equal(t, registry.StateQuarantined, f.state(t, "primary"))
}

func TestManualFailoverIsIdempotent(t *testing.T) {
	f := newFixture(t, false)

	require.NoError(t, f.coord.ManualFailover("primary", "standby"))
	target, ok := f.coord.WriteTarget()
	require.True(t, ok)
	assert.Equal(t, "standby", target)
	assert.Equal(t, registry.StateDegraded, f.state(t, "primary"))
	assert.Equal(t, registry.StateActive, f.state(t, "standby"))

	require.NoError(t, f.coord.ManualFailover("primary", "standby"))
	target, _ = f.coord.WriteTarget()
	assert.Equal(t, "standby", target)
	assert.Equal(t, registry.StateDegraded, f.state(t, "primary"))
	assert.Equal(t, registry.StateActive, f.state(t, "standby"))
}

func TestManualFailoverValidation(t *testing.T) {
	f := newFixture(t, false)

	tests := []struct {
		name     string
		from, to string
		want     error
	}{
		{"same endpoint", "primary", "primary", consts.ErrInvalidFailoverTarget},
		{"unknown source", "ghost", "standby", consts.ErrEndpointNotFound},
		{"unknown target", "primary", "ghost", consts.ErrEndpointNotFound},
		{"secondary without promotion", "primary", "replica", consts.ErrInvalidFailoverTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.coord.ManualFailover(tt.from, tt.to)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want))
			var foErr *Error
			assert.True(t, errors.As(err, &foErr))
		})
	}

	_, err := f.reg.SetState("standby", registry.StateDegraded)
	require.NoError(t, err)
	err = f.coord.ManualFailover("primary", "standby")
	assert.True(t, errors.Is(err, consts.ErrInvalidFailoverTarget))

	_, ok := f.coord.WriteTarget()
	assert.False(t, ok)
	assert.Equal(t, registry.StateActive, f.state(t, "primary"))
}

func TestManualFailoverPromotesWhenAllowed(t *testing.T) {
	f := newFixture(t, true)

	require.NoError(t, f.coord.ManualFailover("primary", "replica"))

	replica, err := f.reg.Get("replica")
	require.NoError(t, err)
	assert.Equal(t, registry.RolePrimary, replica.Role)
	old, err := f.reg.Get("primary")
	require.NoError(t, err)
	assert.Equal(t, registry.RoleSecondary, old.Role)
	assert.Equal(t, registry.StateDegraded, old.State)

	require.NoError(t, f.coord.ManualFailover("primary", "replica"))
}

func TestPromotionNeverShowsTwoPrimaries(t *testing.T) {
	f := newFixture(t, true)

	stop := make(chan struct{})
	seen := make(chan bool, 1)
	go func() {
		both := false
		for {
			select {
			case <-stop:
				seen <- both
				return
			default:
			}
			primaries := 0
			for _, ep := range f.reg.List(registry.Filter{}) {
				if (ep.Name == "primary" || ep.Name == "replica") && ep.Role == registry.RolePrimary {
					primaries++
				}
			}
			both = both || primaries == 2
		}
	}()

	require.NoError(t, f.coord.ManualFailover("primary", "replica"))
	close(stop)
	assert.False(t, <-seen)
}

func TestManualFailoverFromQuarantined(t *testing.T) {
	f := newFixture(t, false)
	f.tripByProbes("primary")

	require.NoError(t, f.coord.ManualFailover("primary", "standby"))
	assert.Equal(t, registry.StateQuarantined, f.state(t, "primary"))

	f.clock.Advance(31 * time.Second)
	f.prober.set("primary", false)
	require.NoError(t, f.mon.ProbeOnce(context.Background(), "primary"))
	assert.Equal(t, registry.StateDegraded, f.state(t, "primary"))
}

func TestReactivate(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.coord.ManualFailover("primary", "standby"))

	require.NoError(t, f.coord.Reactivate("primary"))
	assert.Equal(t, registry.StateActive, f.state(t, "primary"))

	f.tripByProbes("replica")
	require.NoError(t, f.coord.Reactivate("replica"))
	assert.Equal(t, registry.StateActive, f.state(t, "replica"))
	assert.True(t, f.mon.Eligible("replica"))

	err := f.coord.Reactivate("ghost")
	assert.True(t, errors.Is(err, consts.ErrEndpointNotFound))
}

func TestForget(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.coord.ManualFailover("primary", "standby"))

	f.coord.Forget("standby")
	_, ok := f.coord.WriteTarget()
	assert.False(t, ok)
}
