package metrics

import (
	"context"
	"time"

	"github.com/migadu/dbha/logger"
)

// EndpointSample is a point-in-time view of one endpoint for the gauges.
type EndpointSample struct {
	Endpoint     string
	Role         string
	Eligible     bool
	HealthScore  float64
	CircuitState int // 0=closed, 1=half_open, 2=open
	TotalConns   int32
	IdleConns    int32
	InUseConns   int32
}

// SampleProvider is implemented by the system facade.
type SampleProvider interface {
	EndpointSamples() []EndpointSample
}

// Collector periodically refreshes the pool and health gauges.
type Collector struct {
	provider SampleProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider SampleProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}

	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is cancelled or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.Collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("Metrics collector started", "component", "METRICS", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Metrics collector stopping due to context cancellation", "component", "METRICS")
			return
		case <-c.stopCh:
			logger.Info("Metrics collector stopping due to stop signal", "component", "METRICS")
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect updates all gauges once.
func (c *Collector) Collect() {
	samples := c.provider.EndpointSamples()
	for _, s := range samples {
		EndpointHealthScore.WithLabelValues(s.Endpoint).Set(s.HealthScore)
		EndpointCircuitState.WithLabelValues(s.Endpoint).Set(float64(s.CircuitState))
		up := 0.0
		if s.Eligible {
			up = 1
		}
		EndpointUp.WithLabelValues(s.Endpoint, s.Role).Set(up)
		PoolTotalConns.WithLabelValues(s.Endpoint).Set(float64(s.TotalConns))
		PoolIdleConns.WithLabelValues(s.Endpoint).Set(float64(s.IdleConns))
		PoolInUseConns.WithLabelValues(s.Endpoint).Set(float64(s.InUseConns))
	}
	EndpointsRegistered.Set(float64(len(samples)))

	logger.Debug("Metrics collector updated endpoint gauges", "component", "METRICS", "endpoints", len(samples))
}
