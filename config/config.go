// Package config loads recordsync settings from a YAML file with
// environment overrides.
package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/recordsync/logging"
)

// Repository drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Reconnect strategies.
const (
	StrategyConstant    = "constant"
	StrategyExponential = "exponential"
)

// Environment variables overriding file values.
const (
	EnvAddr      = "RECORDSYNC_ADDR"
	EnvStore     = "RECORDSYNC_STORE"
	EnvDSN       = "RECORDSYNC_DSN"
	EnvBaseURL   = "RECORDSYNC_BASE_URL"
	EnvCachePath = "RECORDSYNC_CACHE_PATH"
)

// Config is the complete configuration of the server and the client.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Client  ClientConfig   `yaml:"client"`
	Logging logging.Config `yaml:"logging"`
}

// ServerConfig configures `recordsync serve`.
type ServerConfig struct {
	Addr  string      `yaml:"addr"`
	Store StoreConfig `yaml:"store"`

	// SubscriberBuffer is the queue length of every channel subscriber.
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigin is sent as Access-Control-Allow-Origin and checked on
	// websocket upgrades. "*" allows any origin.
	AllowedOrigin       string `yaml:"allowed_origin"`
	MaxRequestSize      int64  `yaml:"max_request_size"`
	MaxDecompressedSize int64  `yaml:"max_decompressed_size"`

	// RequestTimeout bounds the repository work of one HTTP request.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StoreConfig selects the authoritative record repository.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ClientConfig configures `recordsync watch`.
type ClientConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// CachePath is the SQLite offline cache file. Empty keeps snapshots in
	// memory only.
	CachePath string `yaml:"cache_path"`

	SettleWindow    time.Duration   `yaml:"settle_window"`
	RefetchDelay    time.Duration   `yaml:"refetch_delay"`
	BulkConcurrency int             `yaml:"bulk_concurrency"`
	Channels        []string        `yaml:"channels"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig shapes the delay between connection attempts.
type ReconnectConfig struct {
	Strategy     string        `yaml:"strategy"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`

	// MaxAttempts caps consecutive failed attempts; 0 retries forever.
	MaxAttempts int `yaml:"max_attempts"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                ":3001",
			Store:               StoreConfig{Driver: DriverMemory},
			SubscriberBuffer:    64,
			ShutdownTimeout:     10 * time.Second,
			AllowedOrigin:       "*",
			MaxRequestSize:      10 * 1024 * 1024,
			MaxDecompressedSize: 40 * 1024 * 1024,
			RequestTimeout:      30 * time.Second,
		},
		Client: ClientConfig{
			BaseURL:         "http://localhost:3001",
			RequestTimeout:  15 * time.Second,
			SettleWindow:    3 * time.Second,
			RefetchDelay:    time.Second,
			BulkConcurrency: 8,
			Channels:        []string{"sse", "ws"},
			Reconnect: ReconnectConfig{
				Strategy:     StrategyConstant,
				InitialDelay: 5 * time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2,
				Jitter:       0.2,
			},
		},
		Logging: logging.DefaultConfig,
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
		}
		defer file.Close()
		if err := cfg.decode(file); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.Logging = logging.GetConfigFromEnv(cfg.Logging)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// ApplyEnv overrides file values with the RECORDSYNC_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAddr); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup(EnvStore); ok && v != "" {
		c.Server.Store.Driver = strings.ToLower(v)
	}
	if v, ok := lookup(EnvDSN); ok {
		c.Server.Store.DSN = v
	}
	if v, ok := lookup(EnvBaseURL); ok && v != "" {
		c.Client.BaseURL = v
	}
	if v, ok := lookup(EnvCachePath); ok {
		c.Client.CachePath = v
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	switch c.Server.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Server.Store.DSN == "" {
			return fmt.Errorf("server.store.dsn is required for the %s driver", c.Server.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown server.store.driver %q", c.Server.Store.Driver)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must not be negative")
	}
	if c.Server.RequestTimeout < 0 || c.Client.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	if c.Server.SubscriberBuffer < 0 {
		return fmt.Errorf("server.subscriber_buffer must not be negative")
	}

	u, err := url.ParseRequestURI(c.Client.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("client.base_url %q must be an http(s) URL", c.Client.BaseURL)
	}
	if len(c.Client.Channels) == 0 {
		return fmt.Errorf("client.channels must name at least one channel")
	}
	for _, ch := range c.Client.Channels {
		if !slices.Contains([]string{"sse", "ws"}, ch) {
			return fmt.Errorf("unknown client channel %q", ch)
		}
	}
	if c.Client.SettleWindow <= 0 {
		return fmt.Errorf("client.settle_window must be positive")
	}
	if c.Client.RefetchDelay < 0 {
		return fmt.Errorf("client.refetch_delay must not be negative")
	}

	r := c.Client.Reconnect
	switch r.Strategy {
	case StrategyConstant:
		if r.InitialDelay <= 0 {
			return fmt.Errorf("client.reconnect.initial_delay must be positive")
		}
	case StrategyExponential:
		if r.InitialDelay <= 0 || r.MaxDelay < r.InitialDelay {
			return fmt.Errorf("client.reconnect delays must satisfy 0 < initial_delay <= max_delay")
		}
		if r.Multiplier < 1 {
			return fmt.Errorf("client.reconnect.multiplier must be at least 1")
		}
		if r.Jitter < 0 || r.Jitter >= 1 {
			return fmt.Errorf("client.reconnect.jitter must be in [0, 1)")
		}
	default:
		return fmt.Errorf("unknown client.reconnect.strategy %q", r.Strategy)
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("client.reconnect.max_attempts must not be negative")
	}
	return nil
}
