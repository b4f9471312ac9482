// Package config loads application configuration from environment
// variables with sane defaults for local development.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Shell     ShellConfig
	Data      DataConfig
	Bus       BusConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8600"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// ShellConfig holds cache manager configuration.
type ShellConfig struct {
	CacheRoot      string        `envconfig:"SHELL_CACHE_ROOT" default:"./data/cache"`
	Manifest       string        `envconfig:"SHELL_MANIFEST" default:"./shell-manifest.yaml"`
	Origin         string        `envconfig:"SHELL_ORIGIN" default:"http://localhost:8600"`
	NetworkTimeout time.Duration `envconfig:"SHELL_NETWORK_TIMEOUT" default:"8s"`
}

// DataConfig holds the data plane configuration. RemoteURL and RemoteKey
// are only required when backend mode is (or switches to) remote.
type DataConfig struct {
	LocalPath     string        `envconfig:"DATA_LOCAL_PATH" default:"./data/clinic.db"`
	RemoteURL     string        `envconfig:"DATA_REMOTE_URL"`
	RemoteKey     string        `envconfig:"DATA_REMOTE_KEY"`
	RemoteTimeout time.Duration `envconfig:"DATA_REMOTE_TIMEOUT" default:"15s"`
}

// BusConfig holds event bus configuration.
type BusConfig struct {
	SignalDir string `envconfig:"BUS_SIGNAL_DIR" default:"./data/bus"`
	// SignalFallback keeps the storage-signal transport on even when the
	// broadcast path is available; duplicates are deduplicated downstream.
	SignalFallback bool `envconfig:"BUS_SIGNAL_FALLBACK" default:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8600", Host: "0.0.0.0"},
		Shell: ShellConfig{
			CacheRoot:      "./data/cache",
			Manifest:       "./shell-manifest.yaml",
			Origin:         "http://localhost:8600",
			NetworkTimeout: 8 * time.Second,
		},
		Data: DataConfig{
			LocalPath:     "./data/clinic.db",
			RemoteTimeout: 15 * time.Second,
		},
		Bus:     BusConfig{SignalDir: "./data/bus", SignalFallback: true},
		Logging: LogConfig{Level: "info"},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
