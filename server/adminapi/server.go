package adminapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/dbha/consts"
	"github.com/migadu/dbha/logger"
	"github.com/migadu/dbha/pkg/resilient"
)

// System is the part of the database HA system the admin API drives.
type System interface {
	GetSystemStats() resilient.SystemStats
	AddEndpoint(ctx context.Context, spec resilient.EndpointSpec) error
	RemoveEndpoint(name string) error
	ReactivateEndpoint(name string) error
	ManualFailover(from, to string) error
}

// Server represents the admin HTTP API server
type Server struct {
	name         string
	addr         string
	apiKey       string
	allowedHosts []string
	sys          System
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions holds configuration options for the admin HTTP API server
type ServerOptions struct {
	Name         string
	Addr         string
	APIKey       string
	AllowedHosts []string
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string
}

// New creates a new admin HTTP API server
func New(sys System, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for admin API server")
	}

	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
		}
	}

	return &Server{
		name:         options.Name,
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		sys:          sys,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}, nil
}

// Start starts the admin HTTP API server and blocks until ctx is cancelled.
func Start(ctx context.Context, sys System, options ServerOptions, errChan chan error) {
	server, err := New(sys, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create admin API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("Admin API: Starting server", "component", "ADMIN-API", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("admin API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Admin API: Shutting down server", "component", "ADMIN-API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin API: Error shutting down server", "component", "ADMIN-API", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// setupRoutes configures all HTTP routes and middleware. /metrics is only
// subject to the allowed hosts filter so scrapers need no API key.
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)

	// Endpoint management routes
	v1.HandleFunc("/endpoints", s.handleListEndpoints).Methods("GET")
	v1.HandleFunc("/endpoints", s.handleAddEndpoint).Methods("POST")
	v1.HandleFunc("/endpoints/{name}", s.handleGetEndpoint).Methods("GET")
	v1.HandleFunc("/endpoints/{name}", s.handleRemoveEndpoint).Methods("DELETE")
	v1.HandleFunc("/endpoints/{name}/reactivate", s.handleReactivateEndpoint).Methods("POST")

	v1.HandleFunc("/failover", s.handleFailover).Methods("POST")

	// Status routes
	v1.HandleFunc("/stats", s.handleStats).Methods("GET")
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Debug("Admin API: Request", "component", "ADMIN-API", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
		logger.Debug("Admin API: Request completed", "component", "ADMIN-API", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			// No restrictions, allow all hosts
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			// Check CIDR blocks
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			logger.Warn("Admin API: Host not allowed", "component", "ADMIN-API", "client", clientIP)
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Admin API: Error encoding JSON response", "component", "ADMIN-API", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps system errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, consts.ErrEndpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, consts.ErrDuplicateEndpoint),
		errors.Is(err, consts.ErrEndpointInUse):
		return http.StatusConflict
	case errors.Is(err, consts.ErrInvalidEndpoint),
		errors.Is(err, consts.ErrInvalidFailoverTarget):
		return http.StatusBadRequest
	case errors.Is(err, consts.ErrSystemClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeSystemError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("Admin API: Operation failed", "component", "ADMIN-API", "error", err)
	}
	s.writeError(w, status, err.Error())
}
