package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Endpoint health metrics
var (
	EndpointHealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbha_endpoint_health_score",
			Help: "Health score of an endpoint (0-100).",
		},
		[]string{"endpoint"},
	)

	EndpointCircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbha_endpoint_circuit_state",
			Help: "Circuit state of an endpoint (0=closed, 1=half_open, 2=open).",
		},
		[]string{"endpoint"},
	)

	EndpointUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbha_endpoint_up",
			Help: "Whether an endpoint is currently eligible for traffic (1=yes, 0=no).",
		},
		[]string{"endpoint", "role"},
	)

	CircuitTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbha_circuit_transitions_total",
			Help: "Total number of circuit state transitions.",
		},
		[]string{"endpoint", "to"}, // to: "closed", "half_open", "open"
	)

	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbha_probes_total",
			Help: "Total number of health probes.",
		},
		[]string{"endpoint", "result"}, // result: "success", "failure", "skipped"
	)

	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbha_probe_duration_seconds",
			Help:    "Duration of health probes in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"endpoint"},
	)

	EndpointsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbha_endpoints_registered",
			Help: "Number of registered endpoints.",
		},
	)
)

// Connection pool metrics
var (
	PoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbha_pool_total_conns",
			Help: "Total number of connections in the pool.",
		},
		[]string{"endpoint"},
	)
	PoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbha_pool_idle_conns",
			Help: "Number of idle connections in the pool.",
		},
		[]string{"endpoint"},
	)
	PoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbha_pool_in_use_conns",
			Help: "Number of connections currently in use.",
		},
		[]string{"endpoint"},
	)
	PoolAcquireTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbha_pool_acquire_timeouts_total",
			Help: "Total number of acquires that gave up because the pool was exhausted.",
		},
		[]string{"endpoint"},
	)
	PoolEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbha_pool_evictions_total",
			Help: "Total number of connections closed by the pool.",
		},
		[]string{"endpoint", "reason"}, // reason: "lifetime", "idle", "broken"
	)
)

// Execution metrics
var (
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbha_queries_total",
			Help: "Total number of operations executed through the engine.",
		},
		[]string{"kind", "status"}, // kind: "read", "write"; status: "success", "error"
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbha_query_duration_seconds",
			Help:    "Duration of operations including retries, in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbha_retries_total",
			Help: "Total number of retry attempts.",
		},
		[]string{"kind"},
	)

	RoutingFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbha_routing_failures_total",
			Help: "Total number of operations that found no eligible endpoint.",
		},
		[]string{"reason"}, // reason: "no_healthy_endpoint", "no_replica"
	)
)

// Failover metrics
var (
	FailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbha_failovers_total",
			Help: "Total number of failover events.",
		},
		[]string{"type"}, // type: "manual", "quarantine", "restore", "reactivate"
	)
)

// ForgetEndpoint drops every per-endpoint series of a removed endpoint.
func ForgetEndpoint(name string) {
	labels := prometheus.Labels{"endpoint": name}
	EndpointHealthScore.DeletePartialMatch(labels)
	EndpointCircuitState.DeletePartialMatch(labels)
	EndpointUp.DeletePartialMatch(labels)
	CircuitTransitionsTotal.DeletePartialMatch(labels)
	ProbesTotal.DeletePartialMatch(labels)
	ProbeDuration.DeletePartialMatch(labels)
	PoolTotalConns.DeletePartialMatch(labels)
	PoolIdleConns.DeletePartialMatch(labels)
	PoolInUseConns.DeletePartialMatch(labels)
	PoolAcquireTimeoutsTotal.DeletePartialMatch(labels)
	PoolEvictionsTotal.DeletePartialMatch(labels)
}
