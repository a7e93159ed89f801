package adminapi

import (
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/migadu/dbha/logger"
	"github.com/migadu/dbha/pkg/driver"
	"github.com/migadu/dbha/pkg/health"
	"github.com/migadu/dbha/pkg/registry"
	"github.com/migadu/dbha/pkg/resilient"
)

// Request/Response types

type AddEndpointRequest struct {
	Name     string            `json:"name"`
	Role     string            `json:"role"`
	Weight   *int              `json:"weight,omitempty"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	User     string            `json:"user"`
	Password string            `json:"password"`
	Database string            `json:"database"`
	TLS      bool              `json:"tls"`
	Params   map[string]string `json:"params,omitempty"`
}

type FailoverRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type HealthResponse struct {
	Status             health.ComponentStatus `json:"status"`
	TotalEndpoints     int                    `json:"total_endpoints"`
	AvailableEndpoints int                    `json:"available_endpoints"`
	WriteTarget        string                 `json:"write_target,omitempty"`
}

// Handler functions

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	stats := s.sys.GetSystemStats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"endpoints": stats.Endpoints,
		"total":     len(stats.Endpoints),
	})
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	for _, ep := range s.sys.GetSystemStats().Endpoints {
		if ep.Name == name {
			s.writeJSON(w, http.StatusOK, ep)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "Endpoint not found")
}

func (s *Server) handleAddEndpoint(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req AddEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if req.Name == "" || req.Host == "" {
		s.writeError(w, http.StatusBadRequest, "name and host are required")
		return
	}
	role, err := registry.ParseRole(req.Role)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	weight := 1
	if req.Weight != nil {
		weight = *req.Weight
	}

	spec := resilient.EndpointSpec{
		Name:   req.Name,
		Role:   role,
		Weight: weight,
		Config: driver.Config{
			Host:     req.Host,
			Port:     req.Port,
			User:     req.User,
			Password: req.Password,
			Database: req.Database,
			TLS:      req.TLS,
			Params:   req.Params,
		},
	}
	if err := s.sys.AddEndpoint(r.Context(), spec); err != nil {
		s.writeSystemError(w, err)
		return
	}

	logger.Info("Admin API: Endpoint added", "component", "ADMIN-API", "endpoint", req.Name, "role", role.String())
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"name":    req.Name,
		"message": "Endpoint added",
	})
}

func (s *Server) handleRemoveEndpoint(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := s.sys.RemoveEndpoint(name); err != nil {
		s.writeSystemError(w, err)
		return
	}

	logger.Info("Admin API: Endpoint removed", "component", "ADMIN-API", "endpoint", name)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"name":    name,
		"message": "Endpoint removed",
	})
}

func (s *Server) handleReactivateEndpoint(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := s.sys.ReactivateEndpoint(name); err != nil {
		s.writeSystemError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"name":    name,
		"message": "Endpoint reactivated",
	})
}

func (s *Server) handleFailover(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req FailoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.From == "" || req.To == "" {
		s.writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}

	if err := s.sys.ManualFailover(req.From, req.To); err != nil {
		s.writeSystemError(w, err)
		return
	}

	logger.Info("Admin API: Manual failover", "component", "ADMIN-API", "from", req.From, "to", req.To)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"from":         req.From,
		"write_target": req.To,
		"message":      "Failover completed",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sys.GetSystemStats())
}

// handleHealth answers 503 only when no endpoint can take traffic.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.sys.GetSystemStats()

	resp := HealthResponse{
		TotalEndpoints:     stats.TotalEndpoints,
		AvailableEndpoints: stats.AvailableEndpoints,
		WriteTarget:        stats.WriteTarget,
	}
	status := http.StatusOK
	switch {
	case stats.AvailableEndpoints == 0:
		resp.Status = health.StatusUnhealthy
		status = http.StatusServiceUnavailable
	case stats.AvailableEndpoints < stats.TotalEndpoints:
		resp.Status = health.StatusDegraded
	default:
		resp.Status = health.StatusHealthy
	}
	s.writeJSON(w, status, resp)
}
