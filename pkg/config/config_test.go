package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Second, cfg.ExecutorTTL())
	assert.Equal(t, 75*time.Second, cfg.ExecutorDeathTimeout)
	assert.Equal(t, AllocatorLeastLoaded, cfg.AllocatorStrategy)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: node-1
api_addr: 0.0.0.0:9000
heartbeat_interval: 2s
executor_ttl_factor: 4
allocator_strategy: round_robin
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, "0.0.0.0:9000", cfg.APIAddr)
	assert.Equal(t, 8*time.Second, cfg.ExecutorTTL())
	assert.Equal(t, AllocatorRoundRobin, cfg.AllocatorStrategy)
	// The death timeout follows the effective TTL, not the default one.
	assert.Equal(t, 5*cfg.ExecutorTTL(), cfg.ExecutorDeathTimeout)
	// Unset fields keep their defaults.
	assert.Equal(t, "127.0.0.1:7946", cfg.BindAddr)
}

func TestDeathTimeoutTracksHeartbeatOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("heartbeat_interval: 1s\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.ExecutorTTL())
	assert.Equal(t, 15*time.Second, cfg.ExecutorDeathTimeout)
}

func TestDeathTimeoutExplicitOverrideWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
heartbeat_interval: 1s
executor_death_timeout: 2m
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.ExecutorDeathTimeout)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "ttl factor too small",
			mutate:  func(c *Config) { c.ExecutorTTLFactor = 1 },
			wantErr: "executor_ttl_factor",
		},
		{
			name:    "zero heartbeat interval",
			mutate:  func(c *Config) { c.HeartbeatInterval = 0 },
			wantErr: "heartbeat_interval",
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *Config) { c.AllocatorStrategy = "random" },
			wantErr: "allocator_strategy",
		},
		{
			name:    "tls without cert",
			mutate:  func(c *Config) { c.TLS = TLSConfig{Mode: TLSModeTLS} },
			wantErr: "requires cert and key",
		},
		{
			name: "mtls without ca",
			mutate: func(c *Config) {
				c.TLS = TLSConfig{Mode: TLSModeMTLS, Cert: "c.pem", Key: "k.pem"}
			},
			wantErr: "requires a ca",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}
