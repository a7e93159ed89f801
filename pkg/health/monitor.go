// Package health probes endpoints and keeps one health record and one
// circuit breaker per endpoint.
//
// The Monitor is the only writer of health records. Other components read
// them through Snapshot and Eligible, and report execution outcomes through
// Admit and ReportFailure.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/dbha/consts"
	"github.com/migadu/dbha/logger"
	"github.com/migadu/dbha/pkg/circuitbreaker"
	"github.com/migadu/dbha/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

const maxScore = 100.0

// Prober runs one health probe against an endpoint.
type Prober interface {
	Probe(ctx context.Context, name string) error
}

type Config struct {
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	MaxCooldown      time.Duration
	LatencyWindow    int
	RecoveryStep     float64
	FailurePenalty   float64
	// Now overrides the breaker clock in tests.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		ProbeInterval:    5 * time.Second,
		ProbeTimeout:     2 * time.Second,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
		LatencyWindow:    16,
		RecoveryStep:     10,
		FailurePenalty:   5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = d.LatencyWindow
	}
	if c.RecoveryStep <= 0 || c.RecoveryStep >= maxScore {
		c.RecoveryStep = d.RecoveryStep
	}
	if c.FailurePenalty <= 0 {
		c.FailurePenalty = d.FailurePenalty
	}
}

// Snapshot is a read-only copy of one endpoint's health record.
type Snapshot struct {
	Endpoint            string
	Status              ComponentStatus
	Score               float64
	AvgLatency          time.Duration
	ConsecutiveFailures int64
	LastProbe           time.Time
	LastError           string
	Circuit             circuitbreaker.State
	Trips               int
	Probes              uint64
	Failures            uint64
}

type record struct {
	name    string
	breaker *circuitbreaker.CircuitBreaker

	consecutive atomic.Int64
	lastProbe   atomic.Int64 // unix nanos
	probes      atomic.Uint64
	failures    atomic.Uint64

	mu        sync.Mutex
	latencies []time.Duration
	next      int
	filled    int
	score     float64
	lastErr   string

	stop context.CancelFunc
}

func (r *record) touch(at time.Time) {
	n := at.UnixNano()
	for {
		prev := r.lastProbe.Load()
		if prev >= n || r.lastProbe.CompareAndSwap(prev, n) {
			return
		}
	}
}

func (r *record) avgLatency() time.Duration {
	if r.filled == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < r.filled; i++ {
		sum += r.latencies[i]
	}
	return sum / time.Duration(r.filled)
}

type Monitor struct {
	cfg    Config
	prober Prober

	mu      sync.RWMutex
	records map[string]*record
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	callbacksMu sync.RWMutex
	callbacks   []func(name string, from, to circuitbreaker.State)
}

func NewMonitor(prober Prober, cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:     cfg,
		prober:  prober,
		records: make(map[string]*record),
	}
}

// OnStateChange registers fn for circuit transitions. Callbacks run
// synchronously after the breaker lock has been released.
func (m *Monitor) OnStateChange(fn func(name string, from, to circuitbreaker.State)) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

func (m *Monitor) notifyStateChange(name string, from, to circuitbreaker.State) {
	metrics.EndpointCircuitState.WithLabelValues(name).Set(float64(to))
	metrics.CircuitTransitionsTotal.WithLabelValues(name, stateLabel(to)).Inc()

	if to == circuitbreaker.StateOpen {
		logger.Warn("Circuit opened", "component", "HEALTH", "endpoint", name, "from", from.String())
	} else {
		logger.Info("Circuit state changed", "component", "HEALTH", "endpoint", name,
			"from", from.String(), "to", to.String())
	}

	m.callbacksMu.RLock()
	callbacks := make([]func(string, circuitbreaker.State, circuitbreaker.State), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.callbacksMu.RUnlock()

	for _, cb := range callbacks {
		cb(name, from, to)
	}
}

func stateLabel(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.StateClosed:
		return "closed"
	case circuitbreaker.StateHalfOpen:
		return "half_open"
	default:
		return "open"
	}
}

// Register creates the record of name with a full score and a closed circuit.
// When the monitor is running a probe loop is started for it.
func (m *Monitor) Register(name string) {
	threshold := uint32(m.cfg.FailureThreshold)
	r := &record{
		name:      name,
		latencies: make([]time.Duration, m.cfg.LatencyWindow),
		score:     maxScore,
	}
	r.breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     m.cfg.Cooldown,
		MaxTimeout:  m.cfg.MaxCooldown,
		ReadyToTrip: func(c circuitbreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: m.notifyStateChange,
		Now:           m.cfg.Now,
	})

	m.mu.Lock()
	if _, exists := m.records[name]; exists {
		m.mu.Unlock()
		return
	}
	m.records[name] = r
	running := m.ctx != nil && m.ctx.Err() == nil
	if running {
		m.startLoop(r)
	}
	m.mu.Unlock()

	metrics.EndpointHealthScore.WithLabelValues(name).Set(maxScore)
	metrics.EndpointCircuitState.WithLabelValues(name).Set(float64(circuitbreaker.StateClosed))
}

// Unregister stops probing name and drops its record.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	r, ok := m.records[name]
	delete(m.records, name)
	m.mu.Unlock()

	if ok && r.stop != nil {
		r.stop()
	}
}

func (m *Monitor) get(name string) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[name]
	return r, ok
}

// Start launches one probe loop per registered endpoint. Endpoints
// registered later get their loop on Register.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil && m.ctx.Err() == nil {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	for _, r := range m.records {
		m.startLoop(r)
	}
}

// startLoop must be called with m.mu held.
func (m *Monitor) startLoop(r *record) {
	ctx, cancel := context.WithCancel(m.ctx)
	r.stop = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runProbeLoop(ctx, r.name)
	}()
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) runProbeLoop(ctx context.Context, name string) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	logger.Debug("Started probing endpoint", "component", "HEALTH", "endpoint", name, "interval", m.cfg.ProbeInterval)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Stopped probing endpoint", "component", "HEALTH", "endpoint", name)
			return
		case <-ticker.C:
			m.safeProbe(ctx, name)
		}
	}
}

func (m *Monitor) safeProbe(ctx context.Context, name string) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("PANIC in probe loop", "component", "HEALTH", "endpoint", name, "panic", rec)
		}
	}()
	_ = m.ProbeOnce(ctx, name)
}

// ProbeOnce runs a single probe of name through its circuit breaker. While
// the circuit is open no probe is sent. A probe that could not get a
// connection because the pool is busy records nothing.
func (m *Monitor) ProbeOnce(ctx context.Context, name string) error {
	r, ok := m.get(name)
	if !ok {
		return fmt.Errorf("health record %s: %w", name, consts.ErrEndpointNotFound)
	}

	done, err := r.breaker.Allow()
	if err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err = m.callProber(probeCtx, name)
	latency := time.Since(start)

	switch {
	case errors.Is(err, consts.ErrPoolExhausted):
		metrics.ProbesTotal.WithLabelValues(name, "skipped").Inc()
		done(circuitbreaker.OutcomeIgnored)
		return err
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		done(circuitbreaker.OutcomeIgnored)
		return err
	}

	metrics.ProbeDuration.WithLabelValues(name).Observe(latency.Seconds())
	m.RecordProbe(name, latency, err)
	if err != nil {
		done(circuitbreaker.OutcomeFailure)
		return err
	}
	done(circuitbreaker.OutcomeSuccess)
	return nil
}

func (m *Monitor) callProber(ctx context.Context, name string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			logger.Error("PANIC during health probe", "component", "HEALTH", "endpoint", name, "error", err)
		}
	}()
	return m.prober.Probe(ctx, name)
}

// RecordProbe folds a probe result into the health record of name. It does
// not touch the circuit breaker.
func (m *Monitor) RecordProbe(name string, latency time.Duration, err error) {
	r, ok := m.get(name)
	if !ok {
		return
	}
	r.probes.Add(1)
	r.touch(time.Now())

	if err != nil {
		metrics.ProbesTotal.WithLabelValues(name, "failure").Inc()
		m.recordFailure(r, err)
		return
	}

	metrics.ProbesTotal.WithLabelValues(name, "success").Inc()
	r.mu.Lock()
	r.latencies[r.next] = latency
	r.next = (r.next + 1) % len(r.latencies)
	if r.filled < len(r.latencies) {
		r.filled++
	}
	r.mu.Unlock()
	m.recordSuccess(r)
}

func (m *Monitor) recordSuccess(r *record) {
	r.consecutive.Store(0)

	r.mu.Lock()
	r.score += m.cfg.RecoveryStep
	if r.score > maxScore {
		r.score = maxScore
	}
	r.lastErr = ""
	score := r.score
	r.mu.Unlock()

	metrics.EndpointHealthScore.WithLabelValues(r.name).Set(score)
}

// recordFailure lowers the score by penalty times the current streak, so
// every failure in a row costs more than the one before.
func (m *Monitor) recordFailure(r *record, err error) {
	n := r.consecutive.Add(1)
	r.failures.Add(1)

	r.mu.Lock()
	r.score -= m.cfg.FailurePenalty * float64(n)
	if r.score < 0 {
		r.score = 0
	}
	if err != nil {
		r.lastErr = err.Error()
	}
	score := r.score
	r.mu.Unlock()

	metrics.EndpointHealthScore.WithLabelValues(r.name).Set(score)
	logger.Debug("Endpoint failure recorded", "component", "HEALTH", "endpoint", r.name,
		"consecutive", n, "score", score, "error", err)
}

// Admit reserves one request on the breaker of name. The returned function
// must be called once with the outcome of the request.
func (m *Monitor) Admit(name string) (func(outcome circuitbreaker.Outcome, err error), error) {
	r, ok := m.get(name)
	if !ok {
		return nil, fmt.Errorf("health record %s: %w", name, consts.ErrEndpointNotFound)
	}

	done, err := r.breaker.Allow()
	if err != nil {
		return nil, fmt.Errorf("endpoint %s (%v): %w", name, err, consts.ErrEndpointQuarantined)
	}

	return func(outcome circuitbreaker.Outcome, err error) {
		switch outcome {
		case circuitbreaker.OutcomeSuccess:
			m.recordSuccess(r)
		case circuitbreaker.OutcomeFailure:
			m.recordFailure(r, err)
		}
		done(outcome)
	}, nil
}

// ReportFailure records a failure observed outside Admit. It counts against
// the breaker only when the breaker would admit a request right now.
func (m *Monitor) ReportFailure(name string, err error) {
	r, ok := m.get(name)
	if !ok {
		return
	}
	m.recordFailure(r, err)
	if done, aerr := r.breaker.Allow(); aerr == nil {
		done(circuitbreaker.OutcomeFailure)
	}
}

// Eligible reports whether name may receive traffic right now.
func (m *Monitor) Eligible(name string) bool {
	r, ok := m.get(name)
	return ok && r.breaker.Admits()
}

// Reset closes the circuit of name and clears its failure streak. The score
// keeps recovering at the normal pace.
func (m *Monitor) Reset(name string) error {
	r, ok := m.get(name)
	if !ok {
		return fmt.Errorf("health record %s: %w", name, consts.ErrEndpointNotFound)
	}
	r.consecutive.Store(0)
	r.breaker.Reset()
	return nil
}

// ForceOpen opens the circuit of name.
func (m *Monitor) ForceOpen(name string) error {
	r, ok := m.get(name)
	if !ok {
		return fmt.Errorf("health record %s: %w", name, consts.ErrEndpointNotFound)
	}
	r.breaker.ForceOpen()
	return nil
}

func (m *Monitor) Snapshot(name string) (Snapshot, bool) {
	r, ok := m.get(name)
	if !ok {
		return Snapshot{Endpoint: name, Status: StatusUnreachable}, false
	}
	return m.snapshot(r), true
}

// Snapshots returns every record ordered by endpoint name.
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.RLock()
	records := make([]*record, 0, len(m.records))
	for _, r := range m.records {
		records = append(records, r)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(records))
	for _, r := range records {
		out = append(out, m.snapshot(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

func (m *Monitor) snapshot(r *record) Snapshot {
	r.mu.Lock()
	s := Snapshot{
		Endpoint:   r.name,
		Score:      r.score,
		AvgLatency: r.avgLatency(),
		LastError:  r.lastErr,
	}
	r.mu.Unlock()

	s.ConsecutiveFailures = r.consecutive.Load()
	if ns := r.lastProbe.Load(); ns > 0 {
		s.LastProbe = time.Unix(0, ns)
	}
	s.Probes = r.probes.Load()
	s.Failures = r.failures.Load()
	s.Circuit = r.breaker.State()
	s.Trips = r.breaker.Trips()
	s.Status = statusOf(s.Circuit, s.Score)
	return s
}

func statusOf(state circuitbreaker.State, score float64) ComponentStatus {
	switch state {
	case circuitbreaker.StateOpen:
		return StatusUnhealthy
	case circuitbreaker.StateHalfOpen:
		return StatusDegraded
	}
	if score < maxScore/2 {
		return StatusDegraded
	}
	return StatusHealthy
}
