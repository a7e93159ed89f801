// Package pool keeps one bounded connection pool per endpoint.
//
// Pools are built on jackc/puddle. Connections are created on demand up to
// MaxConns, handed out to one caller at a time and returned with Release or
// closed with Discard. A single sweep loop closes connections that exceeded
// their lifetime or idled too long (never dropping below MinConns) and
// replenishes pools up to MinConns.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/puddle/v2"
	"github.com/migadu/dbha/consts"
	"github.com/migadu/dbha/logger"
	"github.com/migadu/dbha/pkg/driver"
	"github.com/migadu/dbha/pkg/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrProbeFailed is returned by Probe when the driver reports the connection unhealthy.
var ErrProbeFailed = errors.New("health probe failed")

type Config struct {
	MinConns       int32
	MaxConns       int32
	AcquireTimeout time.Duration
	MaxLifetime    time.Duration // 0 disables lifetime eviction
	MaxIdleTime    time.Duration // 0 disables idle eviction
	ConnectRate    float64       // new connections per second, 0 disables throttling
	ConnectBurst   int
}

func DefaultConfig() Config {
	return Config{
		MinConns:       2,
		MaxConns:       20,
		AcquireTimeout: 5 * time.Second,
		MaxLifetime:    time.Hour,
		MaxIdleTime:    30 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.MaxConns < 1 {
		return fmt.Errorf("max conns must be at least 1")
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return fmt.Errorf("min conns must be between 0 and max conns (%d)", c.MaxConns)
	}
	return nil
}

// Stats is a snapshot of one endpoint pool.
type Stats struct {
	Endpoint          string        `json:"endpoint"`
	TotalConns        int32         `json:"total_conns"`
	IdleConns         int32         `json:"idle_conns"`
	InUseConns        int32         `json:"in_use_conns"`
	ConstructingConns int32         `json:"constructing_conns"`
	MaxConns          int32         `json:"max_conns"`
	AcquireCount      int64         `json:"acquire_count"`
	EmptyAcquireCount int64         `json:"empty_acquire_count"`
	AcquireDuration   time.Duration `json:"acquire_duration"`
}

type connHolder struct {
	id  uuid.UUID
	raw driver.Conn
}

type endpointPool struct {
	name    string
	cfg     Config
	dcfg    driver.Config
	p       *puddle.Pool[*connHolder]
	limiter *rate.Limiter
}

// Conn is a connection checked out from an endpoint pool.
type Conn struct {
	res  *puddle.Resource[*connHolder]
	pool *endpointPool
	once sync.Once
}

func (c *Conn) ID() string { return c.res.Value().id.String() }

func (c *Conn) Endpoint() string { return c.pool.name }

func (c *Conn) Raw() driver.Conn { return c.res.Value().raw }

func (c *Conn) CreatedAt() time.Time { return c.res.CreationTime() }

// Release returns the connection to its pool, or closes it if it outlived
// MaxLifetime. Only the first Release or Discard has an effect.
func (c *Conn) Release() {
	c.once.Do(func() {
		if c.pool.lifetimeExceeded(c.res) {
			metrics.PoolEvictionsTotal.WithLabelValues(c.pool.name, "lifetime").Inc()
			c.res.Destroy()
			return
		}
		c.res.Release()
	})
}

// Discard closes a connection that may be broken instead of reusing it.
func (c *Conn) Discard() {
	c.once.Do(func() {
		metrics.PoolEvictionsTotal.WithLabelValues(c.pool.name, "broken").Inc()
		c.res.Destroy()
	})
}

func (ep *endpointPool) lifetimeExceeded(res *puddle.Resource[*connHolder]) bool {
	return ep.cfg.MaxLifetime > 0 && time.Since(res.CreationTime()) > ep.cfg.MaxLifetime
}

func (ep *endpointPool) full() bool {
	st := ep.p.Stat()
	return st.IdleResources() == 0 && st.TotalResources() >= st.MaxResources()
}

type Manager struct {
	drv driver.Driver

	mu     sync.RWMutex
	pools  map[string]*endpointPool
	closed bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewManager(drv driver.Driver) *Manager {
	return &Manager{
		drv:    drv,
		pools:  make(map[string]*endpointPool),
		stopCh: make(chan struct{}),
	}
}

// Add creates the pool for name. No connection is opened until Warm or Acquire.
func (m *Manager) Add(name string, dcfg driver.Config, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid pool config for endpoint %s: %w", name, err)
	}

	ep := &endpointPool{name: name, cfg: cfg, dcfg: dcfg}
	if cfg.ConnectRate > 0 {
		burst := cfg.ConnectBurst
		if burst <= 0 {
			burst = int(cfg.MaxConns)
		}
		ep.limiter = rate.NewLimiter(rate.Limit(cfg.ConnectRate), burst)
	}

	p, err := puddle.NewPool(&puddle.Config[*connHolder]{
		Constructor: func(ctx context.Context) (*connHolder, error) {
			if ep.limiter != nil {
				if err := ep.limiter.Wait(ctx); err != nil {
					return nil, fmt.Errorf("connect throttled: %w", err)
				}
			}
			raw, err := m.drv.Connect(ctx, dcfg)
			if err != nil {
				return nil, err
			}
			h := &connHolder{id: uuid.New(), raw: raw}
			logger.Debug("Connection opened", "component", "POOL", "endpoint", name, "conn_id", h.id.String())
			return h, nil
		},
		Destructor: func(h *connHolder) {
			if err := m.drv.Close(h.raw); err != nil {
				logger.Warn("Error closing connection", "component", "POOL", "endpoint", name,
					"conn_id", h.id.String(), "error", err)
			}
		},
		MaxSize: cfg.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("failed to create pool for endpoint %s: %w", name, err)
	}
	ep.p = p

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		p.Close()
		return consts.ErrSystemClosed
	}
	if _, exists := m.pools[name]; exists {
		p.Close()
		return fmt.Errorf("pool for endpoint %s: %w", name, consts.ErrDuplicateEndpoint)
	}
	m.pools[name] = ep
	return nil
}

// Warm opens MinConns connections in parallel.
func (m *Manager) Warm(ctx context.Context, name string) error {
	ep, err := m.get(name)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	missing := ep.cfg.MinConns - ep.p.Stat().TotalResources()
	for i := int32(0); i < missing; i++ {
		g.Go(func() error {
			return ep.p.CreateResource(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to warm pool for endpoint %s: %w", name, err)
	}
	return nil
}

// Remove closes the pool of name. Checked-out connections are closed as they
// are released.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	ep, ok := m.pools[name]
	delete(m.pools, name)
	m.mu.Unlock()

	if ok {
		// puddle's Close waits for checked-out connections
		go ep.p.Close()
	}
}

func (m *Manager) get(name string) (*endpointPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, consts.ErrSystemClosed
	}
	ep, ok := m.pools[name]
	if !ok {
		return nil, fmt.Errorf("pool for endpoint %s: %w", name, consts.ErrEndpointNotFound)
	}
	return ep, nil
}

// Acquire checks out a connection of name, waiting at most AcquireTimeout for
// one to become free. A full pool yields consts.ErrPoolExhausted. Connections
// past their lifetime or idle time are closed instead of handed out.
func (m *Manager) Acquire(ctx context.Context, name string) (*Conn, error) {
	ep, err := m.get(name)
	if err != nil {
		return nil, err
	}

	acqCtx := ctx
	if ep.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, ep.cfg.AcquireTimeout)
		defer cancel()
	}

	for {
		res, err := ep.p.Acquire(acqCtx)
		if err != nil {
			return nil, ep.acquireError(ctx, acqCtx, err)
		}
		if ep.lifetimeExceeded(res) {
			metrics.PoolEvictionsTotal.WithLabelValues(name, "lifetime").Inc()
			res.Destroy()
			continue
		}
		if ep.cfg.MaxIdleTime > 0 && res.IdleDuration() > ep.cfg.MaxIdleTime {
			metrics.PoolEvictionsTotal.WithLabelValues(name, "idle").Inc()
			res.Destroy()
			continue
		}
		return &Conn{res: res, pool: ep}, nil
	}
}

func (ep *endpointPool) acquireError(ctx, acqCtx context.Context, err error) error {
	if errors.Is(err, puddle.ErrClosedPool) {
		return fmt.Errorf("pool for endpoint %s closed: %w", ep.name, consts.ErrEndpointNotFound)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if acqCtx.Err() != nil && ep.full() {
		metrics.PoolAcquireTimeoutsTotal.WithLabelValues(ep.name).Inc()
		logger.Warn("Connection pool exhausted", "component", "POOL", "endpoint", ep.name,
			"max_conns", ep.cfg.MaxConns, "acquire_timeout", ep.cfg.AcquireTimeout)
		return fmt.Errorf("endpoint %s: %w", ep.name, consts.ErrPoolExhausted)
	}
	return fmt.Errorf("failed to acquire connection for endpoint %s: %w", ep.name, err)
}

// Probe checks one connection of name with the driver. A broken connection
// is discarded. A pool with no free connection yields consts.ErrPoolExhausted
// without waiting, so probes never queue behind application traffic.
func (m *Manager) Probe(ctx context.Context, name string) error {
	ep, err := m.get(name)
	if err != nil {
		return err
	}
	if ep.full() {
		return fmt.Errorf("endpoint %s: %w", name, consts.ErrPoolExhausted)
	}

	conn, err := m.Acquire(ctx, name)
	if err != nil {
		return err
	}
	if !m.drv.Probe(ctx, conn.Raw()) {
		conn.Discard()
		return fmt.Errorf("endpoint %s: %w", name, ErrProbeFailed)
	}
	conn.Release()
	return nil
}

// Sweep evicts expired idle connections and tops every pool up to MinConns.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.RLock()
	pools := make([]*endpointPool, 0, len(m.pools))
	for _, ep := range m.pools {
		pools = append(pools, ep)
	}
	m.mu.RUnlock()

	for _, ep := range pools {
		ep.sweep(ctx)
	}
}

func (ep *endpointPool) sweep(ctx context.Context) {
	idle := ep.p.AcquireAllIdle()
	total := ep.p.Stat().TotalResources()

	for _, res := range idle {
		switch {
		case ep.lifetimeExceeded(res):
			metrics.PoolEvictionsTotal.WithLabelValues(ep.name, "lifetime").Inc()
			res.Destroy()
			total--
		case ep.cfg.MaxIdleTime > 0 && res.IdleDuration() > ep.cfg.MaxIdleTime && total > ep.cfg.MinConns:
			metrics.PoolEvictionsTotal.WithLabelValues(ep.name, "idle").Inc()
			res.Destroy()
			total--
		default:
			res.ReleaseUnused()
		}
	}

	for ep.p.Stat().TotalResources() < ep.cfg.MinConns {
		if err := ep.p.CreateResource(ctx); err != nil {
			logger.Debug("Could not replenish pool", "component", "POOL", "endpoint", ep.name, "error", err)
			return
		}
	}
}

// StartSweeper runs Sweep every interval until ctx is done or Close is called.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(ctx, interval)
				m.Sweep(sweepCtx)
				cancel()
			}
		}
	}()
}

// Stats returns the pool snapshot of name.
func (m *Manager) Stats(name string) (Stats, bool) {
	ep, err := m.get(name)
	if err != nil {
		return Stats{}, false
	}
	st := ep.p.Stat()
	return Stats{
		Endpoint:          name,
		TotalConns:        st.TotalResources(),
		IdleConns:         st.IdleResources(),
		InUseConns:        st.AcquiredResources(),
		ConstructingConns: st.ConstructingResources(),
		MaxConns:          st.MaxResources(),
		AcquireCount:      st.AcquireCount(),
		EmptyAcquireCount: st.EmptyAcquireCount(),
		AcquireDuration:   st.AcquireDuration(),
	}, true
}

// InUse returns the number of checked-out connections of name.
func (m *Manager) InUse(name string) int {
	ep, err := m.get(name)
	if err != nil {
		return 0
	}
	return int(ep.p.Stat().AcquiredResources())
}

// Close stops the sweeper and closes every pool. It blocks until all
// checked-out connections have been returned.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	m.closed = true
	pools := m.pools
	m.pools = make(map[string]*endpointPool)
	m.mu.Unlock()

	for _, ep := range pools {
		ep.p.Close()
	}
}
