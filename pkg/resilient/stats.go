package resilient

import (
	"strings"
	"time"

	"github.com/migadu/dbha/pkg/health"
	"github.com/migadu/dbha/pkg/metrics"
	"github.com/migadu/dbha/pkg/pool"
	"github.com/migadu/dbha/pkg/registry"
)

// EndpointStats is the per-endpoint part of SystemStats.
type EndpointStats struct {
	Name                string                 `json:"name"`
	Role                string                 `json:"role"`
	State               string                 `json:"state"`
	Weight              int                    `json:"weight"`
	Address             string                 `json:"address"`
	Circuit             string                 `json:"circuit"`
	Status              health.ComponentStatus `json:"status"`
	Eligible            bool                   `json:"eligible"`
	HealthScore         float64                `json:"health_score"`
	AvgLatency          time.Duration          `json:"avg_latency"`
	ConsecutiveFailures int64                  `json:"consecutive_failures"`
	LastError           string                 `json:"last_error,omitempty"`
	InFlight            int64                  `json:"in_flight"`
	Pool                pool.Stats             `json:"pool"`
}

// SystemStats is a point-in-time summary of every registered endpoint.
type SystemStats struct {
	TotalEndpoints     int             `json:"total_endpoints"`
	AvailableEndpoints int             `json:"available_endpoints"`
	AvgResponseTime    time.Duration   `json:"avg_response_time"`
	AvgHealthScore     float64         `json:"avg_health_score"`
	ActiveConnections  int             `json:"active_connections"`
	WriteTarget        string          `json:"write_target,omitempty"`
	Endpoints          []EndpointStats `json:"endpoints"`
}

// Endpoints returns the registered endpoints in registration order.
func (s *System) Endpoints() []registry.Endpoint {
	return s.registry.List(registry.Filter{})
}

func (s *System) available(ep registry.Endpoint) bool {
	if ep.State != registry.StateActive && ep.State != registry.StateDegraded {
		return false
	}
	return s.monitor.Eligible(ep.Name)
}

// GetSystemStats aggregates registry, health and pool state. It never fails;
// an endpoint removed while the stats are gathered is reported with zero
// values.
func (s *System) GetSystemStats() SystemStats {
	eps := s.registry.List(registry.Filter{})
	st := SystemStats{
		TotalEndpoints: len(eps),
		Endpoints:      make([]EndpointStats, 0, len(eps)),
	}
	if target, ok := s.coord.WriteTarget(); ok {
		st.WriteTarget = target
	}

	var (
		scoreSum   float64
		latencySum time.Duration
		measured   int
	)
	for _, ep := range eps {
		snap, _ := s.monitor.Snapshot(ep.Name)
		ps, _ := s.pools.Stats(ep.Name)

		es := EndpointStats{
			Name:                ep.Name,
			Role:                ep.Role.String(),
			State:               ep.State.String(),
			Weight:              ep.Weight,
			Address:             ep.Config.Address(),
			Circuit:             strings.ToLower(snap.Circuit.String()),
			Status:              snap.Status,
			Eligible:            s.available(ep),
			HealthScore:         snap.Score,
			AvgLatency:          snap.AvgLatency,
			ConsecutiveFailures: snap.ConsecutiveFailures,
			LastError:           snap.LastError,
			InFlight:            s.registry.InFlight(ep.Name),
			Pool:                ps,
		}
		st.Endpoints = append(st.Endpoints, es)

		if es.Eligible {
			st.AvailableEndpoints++
		}
		st.ActiveConnections += int(ps.InUseConns)
		scoreSum += snap.Score
		if snap.AvgLatency > 0 {
			latencySum += snap.AvgLatency
			measured++
		}
	}

	if len(eps) > 0 {
		st.AvgHealthScore = scoreSum / float64(len(eps))
	}
	if measured > 0 {
		st.AvgResponseTime = latencySum / time.Duration(measured)
	}
	return st
}

// EndpointSamples feeds the metrics collector.
func (s *System) EndpointSamples() []metrics.EndpointSample {
	eps := s.registry.List(registry.Filter{})
	out := make([]metrics.EndpointSample, 0, len(eps))
	for _, ep := range eps {
		snap, _ := s.monitor.Snapshot(ep.Name)
		ps, _ := s.pools.Stats(ep.Name)
		out = append(out, metrics.EndpointSample{
			Endpoint:     ep.Name,
			Role:         ep.Role.String(),
			Eligible:     s.available(ep),
			HealthScore:  snap.Score,
			CircuitState: int(snap.Circuit),
			TotalConns:   ps.TotalConns,
			IdleConns:    ps.IdleConns,
			InUseConns:   ps.InUseConns,
		})
	}
	return out
}
