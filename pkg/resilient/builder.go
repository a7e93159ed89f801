package resilient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/migadu/dbha/config"
	"github.com/migadu/dbha/pkg/balancer"
	"github.com/migadu/dbha/pkg/driver"
	"github.com/migadu/dbha/pkg/driver/pgxdriver"
	"github.com/migadu/dbha/pkg/driver/sqldriver"
	"github.com/migadu/dbha/pkg/health"
	"github.com/migadu/dbha/pkg/pool"
	"github.com/migadu/dbha/pkg/registry"
	"github.com/migadu/dbha/pkg/retry"
	"github.com/migadu/dbha/pkg/router"
)

// EndpointSpec describes an endpoint to register.
type EndpointSpec struct {
	Name   string
	Role   registry.Role
	Weight int
	Config driver.Config
	Pool   *pool.Config // nil uses the system-wide pool settings
}

// Builder collects the immutable configuration of a System. Errors from
// individual options are collected and reported together by Build.
type Builder struct {
	drv             driver.Driver
	endpoints       []EndpointSpec
	poolCfg         pool.Config
	sweepInterval   time.Duration
	strategy        retry.ExecutionStrategy
	lbStrategy      balancer.Strategy
	readPref        router.ReadPreference
	healthCfg       health.Config
	removalPolicy   registry.RemovalPolicy
	allowPromotion  bool
	collectInterval time.Duration
	errs            *multierror.Error
}

func NewBuilder() *Builder {
	return &Builder{
		poolCfg:       pool.DefaultConfig(),
		sweepInterval: 30 * time.Second,
		strategy:      retry.DefaultExecutionStrategy(),
		lbStrategy:    balancer.RoundRobin,
		readPref:      router.Primary,
		healthCfg:     health.DefaultConfig(),
		removalPolicy: registry.RemovalBlock,
	}
}

func (b *Builder) fail(err error) *Builder {
	b.errs = multierror.Append(b.errs, err)
	return b
}

func (b *Builder) WithDriver(drv driver.Driver) *Builder {
	b.drv = drv
	return b
}

func (b *Builder) WithEndpoint(spec EndpointSpec) *Builder {
	b.endpoints = append(b.endpoints, spec)
	return b
}

func (b *Builder) WithPool(cfg pool.Config) *Builder {
	if err := cfg.Validate(); err != nil {
		return b.fail(fmt.Errorf("pool: %w", err))
	}
	b.poolCfg = cfg
	return b
}

// WithSweepInterval sets how often idle and expired connections are evicted.
func (b *Builder) WithSweepInterval(d time.Duration) *Builder {
	b.sweepInterval = d
	return b
}

func (b *Builder) WithExecutionStrategy(s retry.ExecutionStrategy) *Builder {
	if err := s.Retry.Validate(); err != nil {
		return b.fail(fmt.Errorf("retry: %w", err))
	}
	b.strategy = s
	return b
}

func (b *Builder) WithLoadBalancing(s balancer.Strategy) *Builder {
	b.lbStrategy = s
	return b
}

func (b *Builder) WithReadPreference(p router.ReadPreference) *Builder {
	b.readPref = p
	return b
}

func (b *Builder) WithHealth(cfg health.Config) *Builder {
	b.healthCfg = cfg
	return b
}

func (b *Builder) WithRemovalPolicy(p registry.RemovalPolicy) *Builder {
	b.removalPolicy = p
	return b
}

// WithReplicaPromotion allows ManualFailover to promote a secondary.
func (b *Builder) WithReplicaPromotion(allow bool) *Builder {
	b.allowPromotion = allow
	return b
}

// WithMetricsCollector refreshes the endpoint gauges every interval once the
// system is started. Zero disables the collector.
func (b *Builder) WithMetricsCollector(interval time.Duration) *Builder {
	b.collectInterval = interval
	return b
}

// DriverByName returns the driver registered under name in configuration files.
func DriverByName(name string) (driver.Driver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "pgx":
		return pgxdriver.New(), nil
	case "postgres", "pq":
		return sqldriver.NewPostgres(), nil
	case "sqlite":
		return sqldriver.NewSQLite(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", name)
	}
}

// FromConfig applies a [database] configuration section. The driver is only
// taken from the configuration when none has been set with WithDriver.
func (b *Builder) FromConfig(cfg config.DatabaseConfig) *Builder {
	if b.drv == nil {
		drv, err := DriverByName(cfg.Driver)
		if err != nil {
			b.fail(err)
		} else {
			b.drv = drv
		}
	}

	if s, err := balancer.ParseStrategy(cfg.LoadBalancing); err != nil {
		b.fail(err)
	} else {
		b.lbStrategy = s
	}
	if p, err := router.ParseReadPreference(cfg.ReadPreference); err != nil {
		b.fail(err)
	} else {
		b.readPref = p
	}
	if p, err := registry.ParseRemovalPolicy(cfg.RemovalPolicy); err != nil {
		b.fail(err)
	} else {
		b.removalPolicy = p
	}
	b.allowPromotion = cfg.AllowReplicaPromotion

	if pc, err := poolFromConfig(cfg.Pool); err != nil {
		b.fail(fmt.Errorf("pool: %w", err))
	} else {
		b.WithPool(pc)
	}
	if d, err := cfg.Pool.GetSweepInterval(); err != nil {
		b.fail(fmt.Errorf("pool: %w", err))
	} else {
		b.sweepInterval = d
	}

	if s, err := executionFromConfig(cfg.Execution); err != nil {
		b.fail(fmt.Errorf("execution: %w", err))
	} else {
		b.WithExecutionStrategy(s)
	}

	if hc, err := healthFromConfig(cfg.Health); err != nil {
		b.fail(fmt.Errorf("health: %w", err))
	} else {
		b.healthCfg = hc
	}

	for _, ep := range cfg.Endpoints {
		spec, err := specFromConfig(&cfg, ep)
		if err != nil {
			b.fail(fmt.Errorf("endpoint %s: %w", ep.Name, err))
			continue
		}
		b.WithEndpoint(spec)
	}
	return b
}

func poolFromConfig(pc config.PoolConfig) (pool.Config, error) {
	acquire, err := pc.GetAcquireTimeout()
	if err != nil {
		return pool.Config{}, err
	}
	lifetime, err := pc.GetMaxConnLifetime()
	if err != nil {
		return pool.Config{}, err
	}
	idle, err := pc.GetMaxConnIdleTime()
	if err != nil {
		return pool.Config{}, err
	}
	return pool.Config{
		MinConns:       int32(pc.MinConns),
		MaxConns:       int32(pc.MaxConns),
		AcquireTimeout: acquire,
		MaxLifetime:    lifetime,
		MaxIdleTime:    idle,
		ConnectRate:    pc.ConnectRate,
		ConnectBurst:   pc.ConnectBurst,
	}, nil
}

func executionFromConfig(ec config.ExecutionConfig) (retry.ExecutionStrategy, error) {
	kind, err := retry.ParseKind(ec.Retry)
	if err != nil {
		return retry.ExecutionStrategy{}, err
	}
	interval, err := ec.GetInterval()
	if err != nil {
		return retry.ExecutionStrategy{}, err
	}
	initial, err := ec.GetInitialDelay()
	if err != nil {
		return retry.ExecutionStrategy{}, err
	}
	maxDelay, err := ec.GetMaxDelay()
	if err != nil {
		return retry.ExecutionStrategy{}, err
	}
	increment, err := ec.GetIncrement()
	if err != nil {
		return retry.ExecutionStrategy{}, err
	}
	perAttempt, err := ec.GetAttemptTimeout()
	if err != nil {
		return retry.ExecutionStrategy{}, err
	}
	total, err := ec.GetTotalTimeout()
	if err != nil {
		return retry.ExecutionStrategy{}, err
	}

	return retry.ExecutionStrategy{
		Retry: retry.Strategy{
			Kind:         kind,
			MaxAttempts:  ec.GetMaxAttempts(),
			Interval:     interval,
			InitialDelay: initial,
			Multiplier:   ec.GetMultiplier(),
			Increment:    increment,
			MaxDelay:     maxDelay,
			Jitter:       ec.Jitter,
		},
		Timeout: retry.Timeout{PerAttempt: perAttempt, Total: total},
	}, nil
}

func healthFromConfig(hc config.HealthConfig) (health.Config, error) {
	interval, err := hc.GetProbeInterval()
	if err != nil {
		return health.Config{}, err
	}
	timeout, err := hc.GetProbeTimeout()
	if err != nil {
		return health.Config{}, err
	}
	cooldown, err := hc.GetCooldown()
	if err != nil {
		return health.Config{}, err
	}
	maxCooldown, err := hc.GetMaxCooldown()
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{
		ProbeInterval:    interval,
		ProbeTimeout:     timeout,
		FailureThreshold: hc.FailureThreshold,
		Cooldown:         cooldown,
		MaxCooldown:      maxCooldown,
		LatencyWindow:    hc.LatencyWindow,
		RecoveryStep:     hc.RecoveryStep,
		FailurePenalty:   hc.FailurePenalty,
	}, nil
}

func specFromConfig(db *config.DatabaseConfig, ep config.EndpointConfig) (EndpointSpec, error) {
	role, err := registry.ParseRole(ep.GetRole())
	if err != nil {
		return EndpointSpec{}, err
	}
	port, err := ep.GetPort()
	if err != nil {
		return EndpointSpec{}, err
	}
	spec := EndpointSpec{
		Name:   ep.Name,
		Role:   role,
		Weight: ep.GetWeight(),
		Config: driver.Config{
			Host:     ep.Host,
			Port:     port,
			User:     ep.User,
			Password: ep.Password,
			Database: ep.Database,
			TLS:      ep.TLSMode,
			Params:   ep.Params,
		},
	}
	if ep.Pool != nil {
		merged, err := db.EffectivePool(ep)
		if err != nil {
			return EndpointSpec{}, err
		}
		pc, err := poolFromConfig(merged)
		if err != nil {
			return EndpointSpec{}, err
		}
		spec.Pool = &pc
	}
	return spec, nil
}

// Build validates the collected configuration, registers every endpoint and
// warms its pool. An endpoint that cannot be reached yet is still
// registered; the health monitor quarantines it until it recovers.
func (b *Builder) Build(ctx context.Context) (*System, error) {
	if b.drv == nil {
		b.fail(fmt.Errorf("no driver configured"))
	}
	seen := make(map[string]bool, len(b.endpoints))
	for _, spec := range b.endpoints {
		if seen[spec.Name] {
			b.fail(fmt.Errorf("endpoint %s defined more than once", spec.Name))
		}
		seen[spec.Name] = true
	}
	if err := b.errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	s := newSystem(b)
	for _, spec := range b.endpoints {
		if err := s.register(spec); err != nil {
			s.Close()
			return nil, err
		}
	}
	s.warmAll(ctx)
	return s, nil
}
