package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"github.com/migadu/dbha/helpers"
)

// PoolConfig holds connection pool sizing and eviction settings. The global
// [database.pool] block provides defaults; an endpoint may override any field.
type PoolConfig struct {
	MinConns        int     `toml:"min_conns"`          // Connections kept open even when idle
	MaxConns        int     `toml:"max_conns"`          // Hard cap on open connections per endpoint
	AcquireTimeout  string  `toml:"acquire_timeout"`    // How long Acquire blocks before reporting exhaustion (default: "5s")
	MaxConnLifetime string  `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection (default: "1h")
	MaxConnIdleTime string  `toml:"max_conn_idle_time"` // Maximum idle time before a connection above min_conns is closed (default: "30m")
	SweepInterval   string  `toml:"sweep_interval"`     // How often idle connections are checked (default: "30s")
	ConnectRate     float64 `toml:"connect_rate"`       // New connections per second per endpoint, 0 disables throttling
	ConnectBurst    int     `toml:"connect_burst"`      // Burst allowance for connect_rate (default: max_conns)
}

// GetAcquireTimeout parses the acquire timeout
func (p *PoolConfig) GetAcquireTimeout() (time.Duration, error) {
	if p.AcquireTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(p.AcquireTimeout)
}

// GetMaxConnLifetime parses the max connection lifetime duration
func (p *PoolConfig) GetMaxConnLifetime() (time.Duration, error) {
	if p.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(p.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration
func (p *PoolConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if p.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(p.MaxConnIdleTime)
}

// GetSweepInterval parses the idle sweep interval
func (p *PoolConfig) GetSweepInterval() (time.Duration, error) {
	if p.SweepInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(p.SweepInterval)
}

// EndpointConfig describes one database endpoint.
type EndpointConfig struct {
	Name     string            `toml:"name"`     // Unique endpoint name used in logs, metrics and the admin API
	Role     string            `toml:"role"`     // "primary" or "secondary" (default: "secondary")
	Weight   *int              `toml:"weight"`   // Relative weight for weighted_round_robin (default: 1, 0 excludes)
	Host     string            `toml:"host"`     // Hostname, or file path for sqlite
	Port     interface{}       `toml:"port"`     // Database port (default: 5432), can be string or integer
	User     string            `toml:"user"`     // Database user
	Password string            `toml:"password"` // Database password
	Database string            `toml:"database"` // Database name
	TLSMode  bool              `toml:"tls"`      // Require TLS
	Params   map[string]string `toml:"params"`   // Extra driver parameters

	Pool *PoolConfig `toml:"pool"` // Optional per-endpoint pool overrides
}

// GetPort returns the endpoint port, accepting both string and integer forms.
func (e *EndpointConfig) GetPort() (int, error) {
	switch v := e.Port.(type) {
	case nil:
		return 5432, nil
	case int64:
		return validPort(int(v))
	case int:
		return validPort(v)
	case string:
		if v == "" {
			return 5432, nil
		}
		p, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid port %q: %w", v, err)
		}
		return validPort(p)
	default:
		return 0, fmt.Errorf("invalid port type %T", e.Port)
	}
}

func validPort(p int) (int, error) {
	if p <= 0 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}

// GetWeight returns the configured weight, defaulting to 1 when unset.
func (e *EndpointConfig) GetWeight() int {
	if e.Weight == nil {
		return 1
	}
	return *e.Weight
}

// GetRole returns the lowercased role, defaulting to "secondary".
func (e *EndpointConfig) GetRole() string {
	if e.Role == "" {
		return "secondary"
	}
	return strings.ToLower(e.Role)
}

// ExecutionConfig holds retry and timeout settings applied to every operation.
type ExecutionConfig struct {
	Retry          string  `toml:"retry"`           // "fixed", "exponential" or "linear" (default: "exponential")
	MaxAttempts    int     `toml:"max_attempts"`    // Total attempts including the first one (default: 3)
	Interval       string  `toml:"interval"`        // Delay for fixed retries (default: "100ms")
	InitialDelay   string  `toml:"initial_delay"`   // First delay for exponential and linear retries (default: "100ms")
	Multiplier     float64 `toml:"multiplier"`      // Growth factor for exponential retries (default: 2)
	MaxDelay       string  `toml:"max_delay"`       // Cap for growing delays (default: "5s")
	Increment      string  `toml:"increment"`       // Step for linear retries (default: "100ms")
	Jitter         bool    `toml:"jitter"`          // Randomize delays in [d/2, d)
	AttemptTimeout string  `toml:"attempt_timeout"` // Per-attempt timeout (default: "30s")
	TotalTimeout   string  `toml:"total_timeout"`   // Overall deadline across retries, empty disables
}

// GetInterval parses the fixed retry interval
func (e *ExecutionConfig) GetInterval() (time.Duration, error) {
	if e.Interval == "" {
		return 100 * time.Millisecond, nil
	}
	return helpers.ParseDuration(e.Interval)
}

// GetInitialDelay parses the initial retry delay
func (e *ExecutionConfig) GetInitialDelay() (time.Duration, error) {
	if e.InitialDelay == "" {
		return 100 * time.Millisecond, nil
	}
	return helpers.ParseDuration(e.InitialDelay)
}

// GetMaxDelay parses the retry delay cap
func (e *ExecutionConfig) GetMaxDelay() (time.Duration, error) {
	if e.MaxDelay == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(e.MaxDelay)
}

// GetIncrement parses the linear retry increment
func (e *ExecutionConfig) GetIncrement() (time.Duration, error) {
	if e.Increment == "" {
		return 100 * time.Millisecond, nil
	}
	return helpers.ParseDuration(e.Increment)
}

// GetAttemptTimeout parses the per-attempt timeout
func (e *ExecutionConfig) GetAttemptTimeout() (time.Duration, error) {
	if e.AttemptTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(e.AttemptTimeout)
}

// GetTotalTimeout parses the total timeout. Zero means no overall deadline.
func (e *ExecutionConfig) GetTotalTimeout() (time.Duration, error) {
	if e.TotalTimeout == "" {
		return 0, nil
	}
	return helpers.ParseDuration(e.TotalTimeout)
}

// GetMaxAttempts returns the attempt limit, defaulting to 3.
func (e *ExecutionConfig) GetMaxAttempts() int {
	if e.MaxAttempts <= 0 {
		return 3
	}
	return e.MaxAttempts
}

// GetMultiplier returns the exponential growth factor, defaulting to 2.
func (e *ExecutionConfig) GetMultiplier() float64 {
	if e.Multiplier <= 0 {
		return 2.0
	}
	return e.Multiplier
}

// HealthConfig holds probe and circuit breaker settings.
type HealthConfig struct {
	ProbeInterval    string  `toml:"probe_interval"`    // Time between probes of one endpoint (default: "5s")
	ProbeTimeout     string  `toml:"probe_timeout"`     // Timeout for a single probe (default: "2s")
	FailureThreshold int     `toml:"failure_threshold"` // Consecutive failures that open the circuit (default: 5)
	Cooldown         string  `toml:"cooldown"`          // Open duration before the first half-open trial (default: "30s")
	MaxCooldown      string  `toml:"max_cooldown"`      // Cap for the doubling cooldown after repeated trips (default: "5m")
	LatencyWindow    int     `toml:"latency_window"`    // Number of probe latencies kept per endpoint (default: 16)
	RecoveryStep     float64 `toml:"recovery_step"`     // Score regained per success (default: 10)
	FailurePenalty   float64 `toml:"failure_penalty"`   // Base score penalty per consecutive failure (default: 5)
}

// GetProbeInterval parses the probe interval
func (h *HealthConfig) GetProbeInterval() (time.Duration, error) {
	if h.ProbeInterval == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(h.ProbeInterval)
}

// GetProbeTimeout parses the probe timeout
func (h *HealthConfig) GetProbeTimeout() (time.Duration, error) {
	if h.ProbeTimeout == "" {
		return 2 * time.Second, nil
	}
	return helpers.ParseDuration(h.ProbeTimeout)
}

// GetCooldown parses the base circuit cooldown
func (h *HealthConfig) GetCooldown() (time.Duration, error) {
	if h.Cooldown == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(h.Cooldown)
}

// GetMaxCooldown parses the maximum circuit cooldown
func (h *HealthConfig) GetMaxCooldown() (time.Duration, error) {
	if h.MaxCooldown == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(h.MaxCooldown)
}

// DatabaseConfig holds the endpoint set and every policy applied to it.
type DatabaseConfig struct {
	Driver                string           `toml:"driver"`                  // "pgx", "postgres" or "sqlite" (default: "pgx")
	LoadBalancing         string           `toml:"load_balancing"`          // Balancing strategy (default: "round_robin")
	ReadPreference        string           `toml:"read_preference"`         // Read routing preference (default: "primary")
	RemovalPolicy         string           `toml:"removal_policy"`          // "block" or "force" (default: "block")
	AllowReplicaPromotion bool             `toml:"allow_replica_promotion"` // Allow manual failover onto a secondary
	Pool                  PoolConfig       `toml:"pool"`
	Execution             ExecutionConfig  `toml:"execution"`
	Health                HealthConfig     `toml:"health"`
	Endpoints             []EndpointConfig `toml:"endpoints"`
}

// EffectivePool returns the endpoint's pool settings with unset fields taken
// from the global pool block.
func (d *DatabaseConfig) EffectivePool(ep EndpointConfig) (PoolConfig, error) {
	if ep.Pool == nil {
		return d.Pool, nil
	}
	merged := *ep.Pool
	if err := mergo.Merge(&merged, d.Pool); err != nil {
		return PoolConfig{}, fmt.Errorf("failed to merge pool settings for endpoint %s: %w", ep.Name, err)
	}
	return merged, nil
}

// AdminAPIConfig holds admin HTTP API server configuration
type AdminAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled         bool   `toml:"enabled"`
	Addr            string `toml:"addr"`
	Path            string `toml:"path"`
	CollectInterval string `toml:"collect_interval"` // Pool and health gauge refresh interval (default: "15s")
}

// GetCollectInterval parses the metrics collection interval
func (m *MetricsConfig) GetCollectInterval() (time.Duration, error) {
	if m.CollectInterval == "" {
		return 15 * time.Second, nil
	}
	return helpers.ParseDuration(m.CollectInterval)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	AdminAPI AdminAPIConfig `toml:"admin_api"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Driver:         "pgx",
			LoadBalancing:  "round_robin",
			ReadPreference: "primary",
			RemovalPolicy:  "block",
			Pool: PoolConfig{
				MinConns:        2,
				MaxConns:        20,
				AcquireTimeout:  "5s",
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
				SweepInterval:   "30s",
			},
			Execution: ExecutionConfig{
				Retry:          "exponential",
				MaxAttempts:    3,
				InitialDelay:   "100ms",
				Multiplier:     2.0,
				MaxDelay:       "5s",
				AttemptTimeout: "30s",
			},
			Health: HealthConfig{
				ProbeInterval:    "5s",
				ProbeTimeout:     "2s",
				FailureThreshold: 5,
				Cooldown:         "30s",
				MaxCooldown:      "5m",
				LatencyWindow:    16,
				RecoveryStep:     10,
				FailurePenalty:   5,
			},
		},
		AdminAPI: AdminAPIConfig{
			Start: false,
			Addr:  "127.0.0.1:8090",
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			Addr:            ":9090",
			Path:            "/metrics",
			CollectInterval: "15s",
		},
	}
}

// Validate checks the configuration for values that cannot be recovered from at runtime.
func (c *Config) Validate() error {
	d := &c.Database

	switch d.Driver {
	case "pgx", "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", d.Driver)
	}

	switch strings.ToLower(d.RemovalPolicy) {
	case "", "block", "force":
	default:
		return fmt.Errorf("database.removal_policy: must be \"block\" or \"force\", got %q", d.RemovalPolicy)
	}

	if d.Health.FailureThreshold < 1 {
		return fmt.Errorf("database.health.failure_threshold: must be at least 1")
	}
	if d.Health.RecoveryStep <= 0 || d.Health.RecoveryStep >= 100 {
		return fmt.Errorf("database.health.recovery_step: must be between 0 and 100 (exclusive)")
	}

	if err := validatePool("database.pool", d.Pool); err != nil {
		return err
	}

	seen := make(map[string]bool, len(d.Endpoints))
	primaries := 0
	for i, ep := range d.Endpoints {
		field := fmt.Sprintf("database.endpoints[%d]", i)
		if ep.Name == "" {
			return fmt.Errorf("%s: name is required", field)
		}
		if seen[ep.Name] {
			return fmt.Errorf("%s: duplicate endpoint name %q", field, ep.Name)
		}
		seen[ep.Name] = true

		switch ep.GetRole() {
		case "primary":
			primaries++
		case "secondary":
		default:
			return fmt.Errorf("%s: role must be \"primary\" or \"secondary\", got %q", field, ep.Role)
		}
		if ep.GetWeight() < 0 {
			return fmt.Errorf("%s: weight must not be negative", field)
		}
		if _, err := ep.GetPort(); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		pool, err := d.EffectivePool(ep)
		if err != nil {
			return err
		}
		if err := validatePool(field+".pool", pool); err != nil {
			return err
		}
	}

	if len(d.Endpoints) > 0 && primaries == 0 {
		log.Printf("WARNING: no primary endpoint configured, writes will fail with no healthy endpoint")
	}

	durations := map[string]func() (time.Duration, error){
		"database.execution.interval":        d.Execution.GetInterval,
		"database.execution.initial_delay":   d.Execution.GetInitialDelay,
		"database.execution.max_delay":       d.Execution.GetMaxDelay,
		"database.execution.increment":       d.Execution.GetIncrement,
		"database.execution.attempt_timeout": d.Execution.GetAttemptTimeout,
		"database.execution.total_timeout":   d.Execution.GetTotalTimeout,
		"database.health.probe_interval":     d.Health.GetProbeInterval,
		"database.health.probe_timeout":      d.Health.GetProbeTimeout,
		"database.health.cooldown":           d.Health.GetCooldown,
		"database.health.max_cooldown":       d.Health.GetMaxCooldown,
		"metrics.collect_interval":           c.Metrics.GetCollectInterval,
	}
	for field, get := range durations {
		if _, err := get(); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}

	if c.AdminAPI.Start && c.AdminAPI.APIKey == "" {
		return fmt.Errorf("admin_api.api_key: required when admin_api.start is true")
	}
	return nil
}

func validatePool(field string, p PoolConfig) error {
	if p.MinConns < 0 {
		return fmt.Errorf("%s.min_conns: must not be negative", field)
	}
	if p.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns: must be at least 1", field)
	}
	if p.MinConns > p.MaxConns {
		return fmt.Errorf("%s: min_conns (%d) exceeds max_conns (%d)", field, p.MinConns, p.MaxConns)
	}
	for name, get := range map[string]func() (time.Duration, error){
		"acquire_timeout":    p.GetAcquireTimeout,
		"max_conn_lifetime":  p.GetMaxConnLifetime,
		"max_conn_idle_time": p.GetMaxConnIdleTime,
		"sweep_interval":     p.GetSweepInterval,
	} {
		if _, err := get(); err != nil {
			return fmt.Errorf("%s.%s: %w", field, name, err)
		}
	}
	return nil
}

// LoadConfigFromFile decodes the TOML file at configPath on top of cfg.
// Unknown keys are reported as warnings; duplicate keys keep their first occurrence.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "has already been defined") {
			return enhanceConfigError(err)
		}

		log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %s", configPath, err)
		log.Printf("WARNING: Ignoring duplicate entries. Only the first occurrence of each key will be used.")

		cleaned := removeDuplicateKeysFromTOML(string(content))
		metadata, err = toml.Decode(cleaned, cfg)
		if err != nil {
			return enhanceConfigError(err)
		}
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// removeDuplicateKeysFromTOML comments out every repeated key inside a table.
// Each [[array.table]] element starts a fresh key scope.
func removeDuplicateKeysFromTOML(content string) string {
	lines := strings.Split(content, "\n")
	seen := make(map[string]int)
	result := make([]string, 0, len(lines))
	section := ""

	for lineNum, line := range lines {
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
		case strings.HasPrefix(trimmed, "[[") && strings.HasSuffix(trimmed, "]]"):
			section = strings.TrimSpace(trimmed[2 : len(trimmed)-2])
			for k := range seen {
				if strings.HasPrefix(k, section+".") {
					delete(seen, k)
				}
			}
		case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
			section = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
		default:
			key, _, found := strings.Cut(trimmed, "=")
			if !found {
				break
			}
			fullKey := strings.TrimSpace(key)
			if section != "" {
				fullKey = section + "." + fullKey
			}
			if prev, dup := seen[fullKey]; dup {
				log.Printf("WARNING: Duplicate key '%s' found at line %d (first occurrence at line %d). Ignoring duplicate.",
					fullKey, lineNum+1, prev+1)
				result = append(result, "# DUPLICATE IGNORED: "+line)
				continue
			}
			seen[fullKey] = lineNum
		}
		result = append(result, line)
	}

	return strings.Join(result, "\n")
}

// enhanceConfigError adds a hint to common TOML parsing mistakes.
func enhanceConfigError(err error) error {
	msg := err.Error()

	if strings.Contains(msg, "expected value but found \"f\"") ||
		strings.Contains(msg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(msg, "expected") || strings.Contains(msg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check that strings are quoted, brackets are balanced and\n"+
			"endpoint tables use the [[database.endpoints]] form", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}

	case reflect.Interface:
		// Port may hold either a string or an integer.
		if !v.IsNil() && v.Elem().Kind() == reflect.String {
			v.Set(reflect.ValueOf(strings.TrimSpace(v.Elem().String())))
		}
	}
}
