package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/migadu/dbha/consts"
	"github.com/migadu/dbha/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProber struct {
	mu    sync.Mutex
	errs  map[string]error
	calls map[string]int
	panic bool
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{errs: make(map[string]error), calls: make(map[string]int)}
}

func (p *scriptedProber) set(name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[name] = err
}

func (p *scriptedProber) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[name]
}

func (p *scriptedProber) Probe(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[name]++
	if p.panic {
		panic("probe exploded")
	}
	return p.errs[name]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type transitionLog struct {
	mu   sync.Mutex
	seen []string
}

func (l *transitionLog) record(name string, from, to circuitbreaker.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, fmt.Sprintf("%s:%s->%s", name, from, to))
}

func (l *transitionLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.seen...)
}

func newTestMonitor(t *testing.T) (*Monitor, *scriptedProber, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	prober := newScriptedProber()
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	m := NewMonitor(prober, cfg)
	m.Register("db1")
	return m, prober, clock
}

func TestRegisterStartsHealthy(t *testing.T) {
	m, _, _ := newTestMonitor(t)

	s, ok := m.Snapshot("db1")
	require.True(t, ok)
	assert.Equal(t, 100.0, s.Score)
	assert.Equal(t, StatusHealthy, s.Status)
	assert.Equal(t, circuitbreaker.StateClosed, s.Circuit)
	assert.True(t, m.Eligible("db1"))

	_, ok = m.Snapshot("missing")
	assert.False(t, ok)
	assert.False(t, m.Eligible("missing"))
}

func TestProbeFailuresOpenCircuitOnce(t *testing.T) {
	m, prober, _ := newTestMonitor(t)
	log := &transitionLog{}
	m.OnStateChange(log.record)

	prober.set("db1", errors.New("connection refused"))
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_ = m.ProbeOnce(ctx, "db1")
	}

	assert.Equal(t, []string{"db1:CLOSED->OPEN"}, log.all())
	assert.False(t, m.Eligible("db1"))
	// probes stop while the circuit is open
	assert.Equal(t, 5, prober.count("db1"))

	s, _ := m.Snapshot("db1")
	assert.Equal(t, StatusUnhealthy, s.Status)
	assert.Equal(t, int64(5), s.ConsecutiveFailures)
	assert.Equal(t, 1, s.Trips)
}

func TestScoreDecreasesAndRecoversGradually(t *testing.T) {
	m, prober, _ := newTestMonitor(t)
	ctx := context.Background()

	prober.set("db1", errors.New("timeout"))
	prev := 100.0
	for i := 0; i < 4; i++ {
		_ = m.ProbeOnce(ctx, "db1")
		s, _ := m.Snapshot("db1")
		assert.Less(t, s.Score, prev)
		prev = s.Score
	}
	// 5 + 10 + 15 + 20
	assert.Equal(t, 50.0, prev)

	prober.set("db1", nil)
	require.NoError(t, m.ProbeOnce(ctx, "db1"))
	s, _ := m.Snapshot("db1")
	assert.Equal(t, 60.0, s.Score)
	assert.Equal(t, int64(0), s.ConsecutiveFailures)
	assert.Empty(t, s.LastError)
}

func TestScoreNeverJumpsToFull(t *testing.T) {
	m, prober, clock := newTestMonitor(t)
	ctx := context.Background()

	prober.set("db1", errors.New("down"))
	for i := 0; i < 5; i++ {
		_ = m.ProbeOnce(ctx, "db1")
	}
	s, _ := m.Snapshot("db1")
	assert.Equal(t, 25.0, s.Score)

	clock.Advance(31 * time.Second)
	prober.set("db1", nil)
	require.NoError(t, m.ProbeOnce(ctx, "db1"))

	s, _ = m.Snapshot("db1")
	assert.Equal(t, circuitbreaker.StateClosed, s.Circuit)
	assert.Equal(t, 35.0, s.Score)
	assert.Equal(t, StatusDegraded, s.Status)
}

func TestHalfOpenTrialFailureReopensWithLongerCooldown(t *testing.T) {
	m, prober, clock := newTestMonitor(t)
	log := &transitionLog{}
	m.OnStateChange(log.record)
	ctx := context.Background()

	prober.set("db1", errors.New("down"))
	for i := 0; i < 5; i++ {
		_ = m.ProbeOnce(ctx, "db1")
	}

	clock.Advance(31 * time.Second)
	_ = m.ProbeOnce(ctx, "db1")
	assert.False(t, m.Eligible("db1"))

	// second trip doubles the cooldown to 60s
	clock.Advance(31 * time.Second)
	assert.False(t, m.Eligible("db1"))
	clock.Advance(30 * time.Second)
	assert.True(t, m.Eligible("db1"))

	assert.Equal(t, []string{
		"db1:CLOSED->OPEN",
		"db1:OPEN->HALF_OPEN",
		"db1:HALF_OPEN->OPEN",
		"db1:OPEN->HALF_OPEN",
	}, log.all())
}

func TestProbeSkippedOnPoolExhaustion(t *testing.T) {
	m, prober, _ := newTestMonitor(t)

	prober.set("db1", fmt.Errorf("endpoint db1: %w", consts.ErrPoolExhausted))
	for i := 0; i < 10; i++ {
		err := m.ProbeOnce(context.Background(), "db1")
		assert.True(t, errors.Is(err, consts.ErrPoolExhausted))
	}

	s, _ := m.Snapshot("db1")
	assert.Equal(t, 100.0, s.Score)
	assert.Equal(t, uint64(0), s.Probes)
	assert.True(t, m.Eligible("db1"))
}

func TestAdmitReportsOutcomes(t *testing.T) {
	m, _, _ := newTestMonitor(t)

	for i := 0; i < 5; i++ {
		done, err := m.Admit("db1")
		require.NoError(t, err)
		done(circuitbreaker.OutcomeFailure, errors.New("reset"))
	}

	_, err := m.Admit("db1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, consts.ErrEndpointQuarantined))

	_, err = m.Admit("missing")
	assert.True(t, errors.Is(err, consts.ErrEndpointNotFound))
}

func TestAdmitIgnoredFreesHalfOpenSlot(t *testing.T) {
	m, _, clock := newTestMonitor(t)

	require.NoError(t, m.ForceOpen("db1"))
	clock.Advance(31 * time.Second)

	done, err := m.Admit("db1")
	require.NoError(t, err)
	assert.False(t, m.Eligible("db1"))

	done(circuitbreaker.OutcomeIgnored, nil)
	assert.True(t, m.Eligible("db1"))

	done, err = m.Admit("db1")
	require.NoError(t, err)
	done(circuitbreaker.OutcomeSuccess, nil)

	s, _ := m.Snapshot("db1")
	assert.Equal(t, circuitbreaker.StateClosed, s.Circuit)
}

func TestReportFailureAndReset(t *testing.T) {
	m, _, _ := newTestMonitor(t)

	for i := 0; i < 5; i++ {
		m.ReportFailure("db1", errors.New("boom"))
	}
	assert.False(t, m.Eligible("db1"))

	require.NoError(t, m.Reset("db1"))
	assert.True(t, m.Eligible("db1"))
	s, _ := m.Snapshot("db1")
	assert.Equal(t, int64(0), s.ConsecutiveFailures)
	assert.Equal(t, "boom", s.LastError)

	assert.Error(t, m.Reset("missing"))
}

func TestLatencyWindow(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cfg := DefaultConfig()
	cfg.LatencyWindow = 2
	cfg.Now = clock.Now
	m := NewMonitor(newScriptedProber(), cfg)
	m.Register("db1")

	m.RecordProbe("db1", 10*time.Millisecond, nil)
	m.RecordProbe("db1", 20*time.Millisecond, nil)
	s, _ := m.Snapshot("db1")
	assert.Equal(t, 15*time.Millisecond, s.AvgLatency)

	m.RecordProbe("db1", 40*time.Millisecond, nil)
	s, _ = m.Snapshot("db1")
	assert.Equal(t, 30*time.Millisecond, s.AvgLatency)
	assert.False(t, s.LastProbe.IsZero())
	assert.Equal(t, uint64(3), s.Probes)
}

func TestProbeLoops(t *testing.T) {
	prober := newScriptedProber()
	cfg := DefaultConfig()
	cfg.ProbeInterval = 10 * time.Millisecond
	m := NewMonitor(prober, cfg)
	m.Register("db1")

	m.Start(context.Background())
	defer m.Stop()

	m.Register("db2")

	assert.Eventually(t, func() bool {
		return prober.count("db1") >= 2 && prober.count("db2") >= 2
	}, time.Second, 5*time.Millisecond)

	m.Unregister("db2")
	time.Sleep(30 * time.Millisecond)
	n := prober.count("db2")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, prober.count("db2"))
}

func TestProbeLoopSurvivesPanic(t *testing.T) {
	prober := newScriptedProber()
	prober.panic = true
	cfg := DefaultConfig()
	cfg.ProbeInterval = 5 * time.Millisecond
	m := NewMonitor(prober, cfg)
	m.Register("db1")

	m.Start(context.Background())
	defer m.Stop()

	assert.Eventually(t, func() bool { return prober.count("db1") >= 3 }, time.Second, 5*time.Millisecond)
	s, _ := m.Snapshot("db1")
	assert.Contains(t, s.LastError, "panic")
}

func TestSnapshotsSorted(t *testing.T) {
	m := NewMonitor(newScriptedProber(), DefaultConfig())
	m.Register("b")
	m.Register("a")
	m.Register("a")

	snaps := m.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Endpoint)
	assert.Equal(t, "b", snaps[1].Endpoint)
}
