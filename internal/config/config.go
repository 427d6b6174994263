// Package config provides configuration loading for EmberDB.
//
// Values are merged from three sources, later ones overriding earlier:
// built-in defaults, an optional YAML file, and EMBERDB_-prefixed
// environment variables (EMBERDB_SERVER_ADDR -> server.addr).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the environment variable prefix.
const EnvPrefix = "EMBERDB_"

// Config is the root server configuration.
type Config struct {
	Server  ServerSection  `koanf:"server"`
	Metrics MetricsSection `koanf:"metrics"`
	Log     LogSection     `koanf:"log"`
}

// ServerSection configures the TCP listener.
type ServerSection struct {
	// Addr is the host:port the RESP listener binds.
	Addr string `koanf:"addr"`
	// MaxClients caps concurrent connections. 0 means unlimited.
	MaxClients int `koanf:"max_clients"`
	// RateLimit is the per-connection command budget per second.
	// 0 disables rate limiting.
	RateLimit int `koanf:"rate_limit"`
	// ReadTimeout bounds a single read from a client. 0 disables it.
	ReadTimeout time.Duration `koanf:"read_timeout"`
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerSection{
			Addr:        ":6379",
			MaxClients:  0,
			RateLimit:   0,
			ReadTimeout: 0,
		},
		Metrics: MetricsSection{
			Enabled: false,
			Addr:    ":9121",
		},
		Log: LogSection{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	// EMBERDB_SERVER_MAX_CLIENTS -> server.max_clients. Only the first
	// underscore separates the section from the key.
	transform := func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.Replace(s, "_", ".", 1)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", transform), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Verify(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Verify validates the configuration.
func Verify(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return errors.New("config: server.addr is required")
	}
	if cfg.Server.MaxClients < 0 {
		return errors.New("config: server.max_clients must not be negative")
	}
	if cfg.Server.RateLimit < 0 {
		return errors.New("config: server.rate_limit must not be negative")
	}
	switch cfg.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log.level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", cfg.Log.Format)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return errors.New("config: metrics.addr is required when metrics are enabled")
	}
	return nil
}
