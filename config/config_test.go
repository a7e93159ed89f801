package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dbha.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigFromFile_Endpoints(t *testing.T) {
	path := writeConfig(t, `
[database]
driver = "pgx"
read_preference = "secondary_preferred"
load_balancing = "weighted_round_robin"

[database.pool]
min_conns = 1
max_conns = 8
acquire_timeout = "2s"

[[database.endpoints]]
name = "pg-primary"
role = "primary"
host = " db1.internal "
port = 5433
user = "app"
password = "secret"
database = "orders"

[[database.endpoints]]
name = "pg-replica"
host = "db2.internal"
port = "5434"
weight = 0

[database.endpoints.pool]
max_conns = 4
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	require.NoError(t, cfg.Validate())

	require.Len(t, cfg.Database.Endpoints, 2)
	primary := cfg.Database.Endpoints[0]
	assert.Equal(t, "db1.internal", primary.Host, "string fields are trimmed")
	assert.Equal(t, "primary", primary.GetRole())
	assert.Equal(t, 1, primary.GetWeight())
	port, err := primary.GetPort()
	require.NoError(t, err)
	assert.Equal(t, 5433, port)

	replica := cfg.Database.Endpoints[1]
	assert.Equal(t, "secondary", replica.GetRole())
	assert.Equal(t, 0, replica.GetWeight())
	port, err = replica.GetPort()
	require.NoError(t, err)
	assert.Equal(t, 5434, port)

	pool, err := cfg.Database.EffectivePool(replica)
	require.NoError(t, err)
	assert.Equal(t, 4, pool.MaxConns, "endpoint override wins")
	assert.Equal(t, 1, pool.MinConns, "unset fields come from the global block")
	assert.Equal(t, "2s", pool.AcquireTimeout)

	pool, err = cfg.Database.EffectivePool(primary)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.MaxConns)
}

func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[database]
driver = "sqlite"
unknown_key = "should warn"

[metrics]
another_unknown = 1
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg), "unknown keys are warnings")
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoadConfigFromFile_DuplicateKeys(t *testing.T) {
	path := writeConfig(t, `
[database]
driver = "postgres"
driver = "sqlite"
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	assert.Equal(t, "postgres", cfg.Database.Driver, "first occurrence wins")
}

func TestLoadConfigFromFile_SyntaxErrorHint(t *testing.T) {
	path := writeConfig(t, `
[database]
allow_replica_promotion = f
`)

	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HINT")
}

func TestRemoveDuplicateKeys_ArrayTables(t *testing.T) {
	content := `
[[database.endpoints]]
name = "a"

[[database.endpoints]]
name = "b"

[database]
driver = "pgx"
driver = "sqlite"
`

	cleaned := removeDuplicateKeysFromTOML(content)
	assert.Contains(t, cleaned, `name = "a"`)
	assert.Contains(t, cleaned, `name = "b"`)
	assert.NotContains(t, cleaned, `# DUPLICATE IGNORED: name`)
	assert.Contains(t, cleaned, `# DUPLICATE IGNORED: driver = "sqlite"`)
}

func TestDefaultDurations(t *testing.T) {
	var (
		p PoolConfig
		e ExecutionConfig
		h HealthConfig
	)

	d, err := p.GetAcquireTimeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = e.GetTotalTimeout()
	require.NoError(t, err)
	assert.Zero(t, d)
	assert.Equal(t, 3, e.GetMaxAttempts())
	assert.Equal(t, 2.0, e.GetMultiplier())

	d, err = h.GetCooldown()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	h.MaxCooldown = "1d"
	d, err = h.GetMaxCooldown()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)
}

func TestValidate(t *testing.T) {
	weight := -1

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "oracle" },
			wantErr: "database.driver",
		},
		{
			name:    "min above max",
			mutate:  func(c *Config) { c.Database.Pool.MinConns = 50 },
			wantErr: "exceeds max_conns",
		},
		{
			name: "duplicate endpoint",
			mutate: func(c *Config) {
				c.Database.Endpoints = []EndpointConfig{{Name: "a", Role: "primary"}, {Name: "a"}}
			},
			wantErr: "duplicate endpoint name",
		},
		{
			name: "bad role",
			mutate: func(c *Config) {
				c.Database.Endpoints = []EndpointConfig{{Name: "a", Role: "leader"}}
			},
			wantErr: "role must be",
		},
		{
			name: "negative weight",
			mutate: func(c *Config) {
				c.Database.Endpoints = []EndpointConfig{{Name: "a", Weight: &weight}}
			},
			wantErr: "weight must not be negative",
		},
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.Database.Health.Cooldown = "soon" },
			wantErr: "database.health.cooldown",
		},
		{
			name:    "recovery step too large",
			mutate:  func(c *Config) { c.Database.Health.RecoveryStep = 100 },
			wantErr: "recovery_step",
		},
		{
			name:    "admin api without key",
			mutate:  func(c *Config) { c.AdminAPI.Start = true },
			wantErr: "admin_api.api_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "got %v", err)
		})
	}
}
