// Package config loads and validates the compatibility proxy configuration.
//
// DESIGN: Configuration comes from a YAML file. Tuning values (timeouts,
// tolerances, thresholds) have defaults; backend URLs and server settings
// must be explicit so a deployment never points at the wrong backend.
//
// FILES:
//   - config.go:     Root Config struct, Load(), Validate()
//   - proxy.go:      Proxy, comparison, circuit breaker and timeout settings
//   - monitoring.go: Logging and telemetry settings
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the compatibility proxy.
type Config struct {
	Server     ServerConfig     `yaml:"server"`     // HTTP server settings
	Proxy      ProxyConfig      `yaml:"proxy"`      // Dual dispatch, comparison, selection
	Store      StoreConfig      `yaml:"store"`      // Discrepancy persistence
	Monitoring MonitoringConfig `yaml:"monitoring"` // Logging and telemetry
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port                 int           `yaml:"port"`                    // Port to listen on
	ReadTimeout          time.Duration `yaml:"read_timeout"`            // Max time to read request
	WriteTimeout         time.Duration `yaml:"write_timeout"`           // Max time to write response
	MaxRequestBodyBytes  int64         `yaml:"max_request_body_bytes"`  // Hard cap on buffered request bodies
	MaxResponseBodyBytes int64         `yaml:"max_response_body_bytes"` // Hard cap on buffered backend bodies
	RateLimit            int           `yaml:"rate_limit"`              // Requests per second per IP, 0 disables
}

// Store types.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreNone     = "none"
)

// StoreConfig contains discrepancy store settings.
type StoreConfig struct {
	Type       string        `yaml:"type"`        // memory | sqlite | postgres | none
	DSN        string        `yaml:"dsn"`         // File path (sqlite) or connection URL (postgres)
	MaxEntries int           `yaml:"max_entries"` // Memory store bound
	TTL        time.Duration `yaml:"ttl"`         // Memory store retention
}

// Default returns a configuration with every tuning value set.
// Backend URLs are left empty and must be provided.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:                 8080,
			ReadTimeout:          30 * time.Second,
			WriteTimeout:         120 * time.Second,
			MaxRequestBodyBytes:  50 << 20,
			MaxResponseBodyBytes: 50 << 20,
		},
		Proxy: DefaultProxyConfig(),
		Store: StoreConfig{
			Type:       StoreMemory,
			MaxEntries: 10000,
			TTL:        24 * time.Hour,
		},
		Monitoring: MonitoringConfig{
			LogLevel:             "info",
			LogFormat:            "auto",
			LogOutput:            "stdout",
			HighLatencyThreshold: 5 * time.Second,
		},
	}
}

// expandEnvWithDefaults expands environment variables with support for default values.
// Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads configuration from a YAML file.
// Returns an error if the file doesn't exist or is invalid.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes on top of Default().
// Supports ${VAR:-default} env var expansion, env overrides, and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets operators repoint backends or flip the strategy
// without editing the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("COMPAT_NIGHTSCOUT_URL"); v != "" {
		c.Proxy.NightscoutURL = v
	}
	if v := os.Getenv("COMPAT_NOCTURNE_URL"); v != "" {
		c.Proxy.NocturneURL = v
	}
	if v := os.Getenv("COMPAT_STRATEGY"); v != "" {
		c.Proxy.DefaultStrategy = Strategy(v)
	}
	if v := os.Getenv("COMPAT_TELEMETRY_LOG"); v != "" {
		c.Monitoring.TelemetryPath = v
		c.Monitoring.TelemetryEnabled = true
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout is required")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout is required")
	}
	if c.Server.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("server.max_request_body_bytes must be positive")
	}
	if c.Server.MaxResponseBodyBytes <= 0 {
		return fmt.Errorf("server.max_response_body_bytes must be positive")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}

	if err := c.Proxy.Validate(); err != nil {
		return err
	}
	// Bodies between the two limits are forwarded without a body diff.
	if c.Server.MaxRequestBodyBytes <= c.Proxy.MaxResponseSizeForComparison {
		return fmt.Errorf("server.max_request_body_bytes (%d) must exceed proxy.max_response_size_for_comparison (%d)",
			c.Server.MaxRequestBodyBytes, c.Proxy.MaxResponseSizeForComparison)
	}

	switch c.Store.Type {
	case StoreMemory, StoreNone:
	case StoreSQLite, StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for store.type %q", c.Store.Type)
		}
	default:
		return fmt.Errorf("invalid store.type %q (must be memory, sqlite, postgres or none)", c.Store.Type)
	}
	if c.Store.Type == StoreMemory && c.Store.MaxEntries <= 0 {
		return fmt.Errorf("store.max_entries must be positive for the memory store")
	}

	if c.Monitoring.TelemetryEnabled && c.Monitoring.TelemetryPath == "" {
		return fmt.Errorf("monitoring.telemetry_path is required when telemetry is enabled")
	}

	return nil
}
