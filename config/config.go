// Package config loads and validates the service's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xiaonanln/fanverse/scale"
	"github.com/xiaonanln/fanverse/store/postgres"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// ServerConfig holds the HTTP and websocket server settings.
type ServerConfig struct {
	HTTPAddr            string `yaml:"http_addr"`
	HeartbeatIntervalMs int    `yaml:"heartbeat_interval_ms"`
	ShutdownTimeoutMs   int    `yaml:"shutdown_timeout_ms"`
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (s *ServerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMs) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown window as a duration.
func (s *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend  string          `yaml:"backend"` // memory or postgres
	Postgres postgres.Config `yaml:"postgres"`
}

// PresetConfig declares a custom scale preset in the configuration file.
type PresetConfig struct {
	Name             string `yaml:"name"`
	NumShards        int    `yaml:"num_shards"`
	BatchSize        int    `yaml:"batch_size"`
	BatchConcurrency int    `yaml:"batch_concurrency"`
	BatchDelayMs     int    `yaml:"batch_delay_ms"`
}

// Preset converts the configuration entry to a runtime preset.
func (p *PresetConfig) Preset() scale.Preset {
	return scale.Preset{
		Name:             p.Name,
		NumShards:        p.NumShards,
		BatchSize:        p.BatchSize,
		BatchConcurrency: p.BatchConcurrency,
		BatchDelay:       time.Duration(p.BatchDelayMs) * time.Millisecond,
	}
}

// ScaleConfig selects the active scale preset and declares custom ones.
type ScaleConfig struct {
	Preset  string         `yaml:"preset"`
	Presets []PresetConfig `yaml:"presets"`
}

// Config is the root configuration structure.
type Config struct {
	Version  int           `yaml:"version"`
	LogLevel string        `yaml:"log_level"`
	Server   ServerConfig  `yaml:"server"`
	Storage  StorageConfig `yaml:"storage"`
	Scale    ScaleConfig   `yaml:"scale"`
}

// Default returns the configuration used when no file is given: in-memory
// storage, builtin presets, HTTP on :8080.
func Default() *Config {
	cfg := &Config{Version: 1}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.HeartbeatIntervalMs <= 0 {
		c.Server.HeartbeatIntervalMs = 30000
	}
	if c.Server.ShutdownTimeoutMs <= 0 {
		c.Server.ShutdownTimeoutMs = 10000
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Scale.Preset == "" {
		c.Scale.Preset = scale.DefaultPresetName
	}
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if err := c.Storage.Postgres.Validate(); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}

	names := make(map[string]bool)
	for i, p := range c.Scale.Presets {
		preset := p.Preset()
		if err := preset.Validate(); err != nil {
			return fmt.Errorf("scale preset %d: %w", i, err)
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate scale preset: %s", p.Name)
		}
		names[p.Name] = true
	}

	return nil
}

// BuildPresetRegistry builds the scale preset registry from the builtins plus
// the configured custom presets, and activates the configured one.
func (c *Config) BuildPresetRegistry() (*scale.Registry, error) {
	reg := scale.NewRegistry()
	for _, p := range c.Scale.Presets {
		if err := reg.Register(p.Preset()); err != nil {
			return nil, err
		}
	}
	if _, err := reg.Activate(c.Scale.Preset); err != nil {
		return nil, err
	}
	return reg, nil
}
