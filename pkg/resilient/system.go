// Package resilient is the facade that ties the database HA components
// together.
//
// A System owns the endpoint registry, one connection pool per endpoint, the
// health monitor with its circuit breakers, the load balancer, the read/write
// router, the failover coordinator and the execution engine. Callers only
// see ExecuteQuery, ExecuteCommand and a few administrative operations.
//
//	┌──────────────────────────┐
//	│ System                   │
//	├──────────────────────────┤
//	│ Router -> Balancer       │
//	│ Engine (retry, timeouts) │
//	│ Failover Coordinator     │
//	│ Health Monitor           │
//	└────────────┬─────────────┘
//	             │
//	      ┌──────┴──────┐
//	      │             │
//	┌─────▼─────┐ ┌─────▼─────┐
//	│ primary   │ │ replica   │
//	│ pool      │ │ pool      │
//	└───────────┘ └───────────┘
//
// # Usage
//
//	sys, err := resilient.NewBuilder().
//		WithDriver(pgxdriver.New()).
//		WithEndpoint(resilient.EndpointSpec{Name: "db1", Role: registry.RolePrimary, Weight: 1, Config: cfg1}).
//		WithEndpoint(resilient.EndpointSpec{Name: "db2", Role: registry.RoleSecondary, Weight: 1, Config: cfg2}).
//		WithReadPreference(router.SecondaryPreferred).
//		Build(ctx)
//	if err != nil {
//		return err
//	}
//	defer sys.Close()
//	sys.Start(ctx)
//
//	res, err := sys.ExecuteQuery(ctx, "SELECT id FROM users WHERE email = $1", []any{email}, router.Select)
//
// A context carrying consts.UseMasterDBKey set to true routes reads to the
// primary, which gives read-your-writes right after a write.
package resilient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/dbha/consts"
	"github.com/migadu/dbha/logger"
	"github.com/migadu/dbha/pkg/balancer"
	"github.com/migadu/dbha/pkg/driver"
	"github.com/migadu/dbha/pkg/executor"
	"github.com/migadu/dbha/pkg/failover"
	"github.com/migadu/dbha/pkg/health"
	"github.com/migadu/dbha/pkg/metrics"
	"github.com/migadu/dbha/pkg/pool"
	"github.com/migadu/dbha/pkg/registry"
	"github.com/migadu/dbha/pkg/router"
	"golang.org/x/sync/errgroup"
)

// QueryResult is returned by ExecuteQuery.
type QueryResult struct {
	Result   driver.Result
	Endpoint string
	Attempts int
	Duration time.Duration
}

// CommandResult is returned by ExecuteCommand.
type CommandResult struct {
	Result          driver.Result
	RowsAffected    int64
	LastInsertID    int64
	HasLastInsertID bool
	Endpoint        string
	Attempts        int
	Duration        time.Duration
}

type System struct {
	drv      driver.Driver
	poolCfg  pool.Config
	sweep    time.Duration
	collect  time.Duration
	registry *registry.Registry
	pools    *pool.Manager
	monitor  *health.Monitor
	balancer *balancer.Balancer
	router   *router.Router
	coord    *failover.Coordinator
	engine   *executor.Engine

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	cancel    context.CancelFunc
	collector *metrics.Collector
}

func newSystem(b *Builder) *System {
	s := &System{
		drv:     b.drv,
		poolCfg: b.poolCfg,
		sweep:   b.sweepInterval,
		collect: b.collectInterval,
	}

	classifier, _ := b.drv.(driver.Classifier)
	s.registry = registry.New(b.removalPolicy)
	s.pools = pool.NewManager(b.drv)
	s.monitor = health.NewMonitor(s.pools, b.healthCfg)
	s.coord = failover.New(s.registry, s.monitor, classifier, b.allowPromotion)
	s.balancer = balancer.New(b.lbStrategy)
	s.router = router.New(s.registry, s.monitor, s.pools, s.coord, s.balancer, b.readPref)
	s.engine = executor.New(b.strategy, s.router, s.coord, s.registry, s.pools, b.drv)

	s.registry.OnRemoved(s.collectEndpoint)
	return s
}

// Engine exposes the execution engine, mainly so tests can replace its sleep.
func (s *System) Engine() *executor.Engine { return s.engine }

func (s *System) register(spec EndpointSpec) error {
	cfg := s.poolCfg
	if spec.Pool != nil {
		cfg = *spec.Pool
	}

	ep, err := s.registry.Add(registry.Endpoint{
		Name:   spec.Name,
		Config: spec.Config,
		Role:   spec.Role,
		Weight: spec.Weight,
	})
	if err != nil {
		return err
	}
	if err := s.pools.Add(ep.Name, spec.Config, cfg); err != nil {
		// the slot is empty, so this cannot be refused
		_ = s.registry.Remove(ep.Name)
		return fmt.Errorf("endpoint %s: %w", ep.Name, err)
	}
	s.monitor.Register(ep.Name)
	metrics.EndpointsRegistered.Set(float64(s.registry.Len()))

	logger.Info("Database endpoint added", "component", "RESILIENT", "endpoint", ep.Name,
		"role", ep.Role.String(), "address", spec.Config.Address())
	return nil
}

// collectEndpoint releases everything held for an endpoint once the registry
// has dropped it.
func (s *System) collectEndpoint(ep registry.Endpoint) {
	s.pools.Remove(ep.Name)
	s.monitor.Unregister(ep.Name)
	s.coord.Forget(ep.Name)
	s.balancer.Forget(ep.Name)
	metrics.ForgetEndpoint(ep.Name)
	metrics.EndpointsRegistered.Set(float64(s.registry.Len()))
}

func (s *System) warmAll(ctx context.Context) {
	var g errgroup.Group
	for _, ep := range s.registry.List(registry.Filter{}) {
		name := ep.Name
		g.Go(func() error {
			if err := s.pools.Warm(ctx, name); err != nil {
				logger.Warn("Could not warm connection pool", "component", "RESILIENT", "endpoint", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Start launches the probe loops, the pool sweeper and, if configured, the
// metrics collector. Calling it more than once has no effect.
func (s *System) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.monitor.Start(ctx)
		s.pools.StartSweeper(ctx, s.sweep)
		if s.collect > 0 {
			s.collector = metrics.NewCollector(s, s.collect)
			go s.collector.Start(ctx)
		}
		logger.Info("Database HA system started", "component", "RESILIENT", "endpoints", s.registry.Len())
	})
}

// Close stops the background loops and closes every pool. It waits for
// checked-out connections to be returned.
func (s *System) Close() error {
	err := consts.ErrSystemClosed
	s.closeOnce.Do(func() {
		err = nil
		s.closed.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		if s.collector != nil {
			s.collector.Stop()
		}
		s.monitor.Stop()
		s.pools.Close()
		logger.Info("Database HA system closed", "component", "RESILIENT")
	})
	return err
}

// ExecuteQuery runs sql with the retry policy. Select is routed as a read,
// every other type as a write.
func (s *System) ExecuteQuery(ctx context.Context, sql string, params []any, qt router.QueryType) (*QueryResult, error) {
	if s.closed.Load() {
		return nil, consts.ErrSystemClosed
	}
	out, err := s.engine.Run(ctx, executor.Request{
		Type:      qt,
		Statement: driver.Statement{SQL: sql, Params: params, Mutating: qt.IsWrite()},
	})
	if err != nil {
		return nil, err
	}
	return &QueryResult{Result: out.Result, Endpoint: out.Endpoint, Attempts: out.Attempts, Duration: out.Duration}, nil
}

// ExecuteCommand runs a mutating statement on the primary.
func (s *System) ExecuteCommand(ctx context.Context, sql string, params []any) (*CommandResult, error) {
	if s.closed.Load() {
		return nil, consts.ErrSystemClosed
	}
	out, err := s.engine.Run(ctx, executor.Request{
		Type:      router.Command,
		Statement: driver.Statement{SQL: sql, Params: params, Mutating: true},
	})
	if err != nil {
		return nil, err
	}

	res := &CommandResult{Result: out.Result, Endpoint: out.Endpoint, Attempts: out.Attempts, Duration: out.Duration}
	if co, ok := out.Result.(driver.CommandOutcome); ok {
		res.RowsAffected = co.RowsAffected()
		res.LastInsertID, res.HasLastInsertID = co.LastInsertID()
	}
	return res, nil
}

// AddEndpoint registers a new endpoint at runtime and warms its pool.
func (s *System) AddEndpoint(ctx context.Context, spec EndpointSpec) error {
	if s.closed.Load() {
		return consts.ErrSystemClosed
	}
	if spec.Pool != nil {
		if err := spec.Pool.Validate(); err != nil {
			return fmt.Errorf("endpoint %s: %w: %v", spec.Name, consts.ErrInvalidEndpoint, err)
		}
	}
	if err := s.register(spec); err != nil {
		return err
	}
	if err := s.pools.Warm(ctx, spec.Name); err != nil {
		logger.Warn("Could not warm connection pool", "component", "RESILIENT", "endpoint", spec.Name, "error", err)
	}
	return nil
}

// RemoveEndpoint deregisters name according to the removal policy.
func (s *System) RemoveEndpoint(name string) error {
	if s.closed.Load() {
		return consts.ErrSystemClosed
	}
	if err := s.registry.Remove(name); err != nil {
		return err
	}
	metrics.EndpointsRegistered.Set(float64(s.registry.Len()))
	return nil
}

func (s *System) ManualFailover(from, to string) error {
	if s.closed.Load() {
		return consts.ErrSystemClosed
	}
	return s.coord.ManualFailover(from, to)
}

// ReactivateEndpoint returns a Degraded or Quarantined endpoint to service.
func (s *System) ReactivateEndpoint(name string) error {
	if s.closed.Load() {
		return consts.ErrSystemClosed
	}
	return s.coord.Reactivate(name)
}

// ReportFailure feeds an error observed outside the engine into the
// endpoint's health record.
func (s *System) ReportFailure(name string, err error) {
	s.coord.OnExecutionFailure(name, err)
}
