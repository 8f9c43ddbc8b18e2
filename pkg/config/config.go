package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TLSMode selects the transport security of the coordinator API.
type TLSMode string

const (
	TLSModeNone TLSMode = "none"
	TLSModeTLS  TLSMode = "tls"
	TLSModeMTLS TLSMode = "mtls"
)

// TLSConfig holds certificate paths for the API listener.
type TLSConfig struct {
	Mode TLSMode `yaml:"mode"`
	Cert string  `yaml:"cert"`
	Key  string  `yaml:"key"`
	CA   string  `yaml:"ca"`
}

// AllocatorStrategy selects how the task allocator distributes load.
type AllocatorStrategy string

const (
	AllocatorRoundRobin  AllocatorStrategy = "round_robin"
	AllocatorLeastLoaded AllocatorStrategy = "least_loaded"
)

// Config holds coordinator configuration. All fields have defaults; a YAML
// file and CLI flags may override them.
type Config struct {
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	APIAddr  string `yaml:"api_addr"`
	DataDir  string `yaml:"data_dir"`

	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ExecutorTTLFactor    int           `yaml:"executor_ttl_factor"`
	ExecutorDeathTimeout time.Duration `yaml:"executor_death_timeout"`

	MaxConcurrentTasksPerExecutor int               `yaml:"max_concurrent_tasks_per_executor"`
	AllocatorStrategy             AllocatorStrategy `yaml:"allocator_strategy"`

	// ChangeLogRetention is the minimum number of processed entries kept in
	// the change log so reconnecting subscribers can resume without a gap.
	ChangeLogRetention uint64 `yaml:"change_log_retention"`

	StreamKeepAlive time.Duration `yaml:"stream_keep_alive"`

	TLS TLSConfig `yaml:"tls"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a config populated with the documented defaults.
// ExecutorDeathTimeout stays zero here; Validate derives it from the
// effective TTL so overriding heartbeat_interval moves it too.
func Default() *Config {
	return &Config{
		BindAddr:                      "127.0.0.1:7946",
		APIAddr:                       "127.0.0.1:8900",
		DataDir:                       "/var/lib/quarry",
		HeartbeatInterval:             5 * time.Second,
		ExecutorTTLFactor:             3,
		MaxConcurrentTasksPerExecutor: 32,
		AllocatorStrategy:             AllocatorLeastLoaded,
		ChangeLogRetention:            100000,
		StreamKeepAlive:               10 * time.Second,
		TLS:                           TLSConfig{Mode: TLSModeNone},
		LogLevel:                      "info",
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExecutorTTL is the heartbeat deadline after which an executor is marked
// Lost.
func (c *Config) ExecutorTTL() time.Duration {
	return time.Duration(c.ExecutorTTLFactor) * c.HeartbeatInterval
}

// Validate rejects configurations the coordinator cannot run with.
func (c *Config) Validate() error {
	if c.ExecutorTTLFactor < 2 {
		return fmt.Errorf("executor_ttl_factor must be >= 2, got %d", c.ExecutorTTLFactor)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.MaxConcurrentTasksPerExecutor <= 0 {
		return fmt.Errorf("max_concurrent_tasks_per_executor must be positive")
	}
	switch c.AllocatorStrategy {
	case AllocatorRoundRobin, AllocatorLeastLoaded:
	default:
		return fmt.Errorf("unknown allocator_strategy %q", c.AllocatorStrategy)
	}
	switch c.TLS.Mode {
	case TLSModeNone, TLSModeTLS, TLSModeMTLS:
	default:
		return fmt.Errorf("unknown tls mode %q", c.TLS.Mode)
	}
	if c.TLS.Mode != TLSModeNone && (c.TLS.Cert == "" || c.TLS.Key == "") {
		return fmt.Errorf("tls mode %q requires cert and key", c.TLS.Mode)
	}
	if c.TLS.Mode == TLSModeMTLS && c.TLS.CA == "" {
		return fmt.Errorf("mtls requires a ca file")
	}
	if c.ExecutorDeathTimeout == 0 {
		c.ExecutorDeathTimeout = 5 * c.ExecutorTTL()
	}
	return nil
}
