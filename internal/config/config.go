// Package config handles loading and parsing of filestore configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for filestore.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Storage       StorageConfig       `yaml:"storage"`
}

// ServerConfig holds HTTP gateway settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// MaxObjectSize bounds buffered uploads to targets without streaming.
	MaxObjectSize int64 `yaml:"max_object_size"`
	// ShutdownTimeout is the graceful shutdown deadline in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// ObservabilityConfig toggles the metrics and health endpoints.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// StorageConfig holds the configured storage targets keyed by logical name.
type StorageConfig struct {
	Targets map[string]TargetConfig `yaml:"targets"`
}

// TargetConfig describes one named storage target: the adapter kind that
// backs it and the adapter-specific options.
type TargetConfig struct {
	// Adapter is the adapter kind (e.g., "local", "s3", "webdav").
	Adapter string `yaml:"adapter"`
	// Options are passed verbatim to the adapter constructor.
	Options map[string]string `yaml:"options"`
}

// Snapshot returns a deep copy of the storage configuration. The factory
// keeps a snapshot so later mutation of the loaded config has no effect.
func (s StorageConfig) Snapshot() StorageConfig {
	out := StorageConfig{Targets: make(map[string]TargetConfig, len(s.Targets))}
	for name, t := range s.Targets {
		opts := make(map[string]string, len(t.Options))
		for k, v := range t.Options {
			opts[k] = v
		}
		out.Targets[name] = TargetConfig{Adapter: t.Adapter, Options: opts}
	}
	return out
}

// Names returns the configured target names in sorted order.
func (s StorageConfig) Names() []string {
	names := make([]string, 0, len(s.Targets))
	for name := range s.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to filestore.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "filestore.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "filestore.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults for empty fields that YAML didn't set
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9000,
			MaxObjectSize:   64 << 20,
			ShutdownTimeout: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9000
	}
	if cfg.Server.MaxObjectSize <= 0 {
		cfg.Server.MaxObjectSize = 64 << 20
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Storage.Targets == nil {
		cfg.Storage.Targets = map[string]TargetConfig{}
	}
	for name, t := range cfg.Storage.Targets {
		t.Adapter = strings.ToLower(strings.TrimSpace(t.Adapter))
		if t.Options == nil {
			t.Options = map[string]string{}
		}
		cfg.Storage.Targets[name] = t
	}
}

// Validate checks the structural validity of the configuration. Adapter
// kinds and their options are checked by the storage factory, which owns
// the set of known kinds.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid logging format %q", c.Logging.Format)
	}
	for _, name := range c.Storage.Names() {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("storage target with empty name")
		}
		if c.Storage.Targets[name].Adapter == "" {
			return fmt.Errorf("storage target %q: adapter is required", name)
		}
	}
	return nil
}
