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
	assert.Equal(t, DriverMemory, cfg.Server.Store.Driver)
	assert.Equal(t, 3*time.Second, cfg.Client.SettleWindow)
	assert.Equal(t, 5*time.Second, cfg.Client.Reconnect.InitialDelay)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  addr: ":8080"
  store:
    driver: sqlite
    dsn: "file:records.db"
  shutdown_timeout: 5s
  request_timeout: 2s
client:
  base_url: "http://records.internal:8080"
  cache_path: /var/cache/recordsync.db
  settle_window: 1500ms
  channels: [ws]
  reconnect:
    strategy: exponential
    initial_delay: 1s
    max_delay: 1m
    multiplier: 2
    jitter: 0.1
    max_attempts: 5
logging:
  level: debug
  format: text
`))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, StoreConfig{Driver: DriverSQLite, DSN: "file:records.db"}, cfg.Server.Store)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 2*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 64, cfg.Server.SubscriberBuffer, "unset fields keep defaults")
	assert.Equal(t, 15*time.Second, cfg.Client.RequestTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Client.SettleWindow)
	assert.Equal(t, []string{"ws"}, cfg.Client.Channels)
	assert.Equal(t, time.Minute, cfg.Client.Reconnect.MaxDelay)
	assert.Equal(t, 5, cfg.Client.Reconnect.MaxAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("server:\n  adress: \":1\"\n"))
	assert.Error(t, err)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvAddr:      ":9999",
		EnvStore:     "Postgres",
		EnvDSN:       "postgres://localhost/records",
		EnvBaseURL:   "https://records.example.com",
		EnvCachePath: "/tmp/cache.db",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, DriverPostgres, cfg.Server.Store.Driver)
	assert.Equal(t, "postgres://localhost/records", cfg.Server.Store.DSN)
	assert.Equal(t, "https://records.example.com", cfg.Client.BaseURL)
	assert.Equal(t, "/tmp/cache.db", cfg.Client.CachePath)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recordsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":4000\"\n"), 0o600))
	t.Setenv(EnvAddr, "")
	t.Setenv(EnvBaseURL, "http://127.0.0.1:4000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":4000", cfg.Server.Addr, "empty env value keeps the file value")
	assert.Equal(t, "http://127.0.0.1:4000", cfg.Client.BaseURL)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Server.Store.Driver = "mysql" }},
		{"sqlite without dsn", func(c *Config) { c.Server.Store.Driver = DriverSQLite }},
		{"postgres without dsn", func(c *Config) { c.Server.Store.Driver = DriverPostgres }},
		{"relative base url", func(c *Config) { c.Client.BaseURL = "localhost:3001" }},
		{"websocket base url", func(c *Config) { c.Client.BaseURL = "ws://localhost:3001" }},
		{"no channels", func(c *Config) { c.Client.Channels = nil }},
		{"unknown channel", func(c *Config) { c.Client.Channels = []string{"sse", "poll"} }},
		{"zero settle window", func(c *Config) { c.Client.SettleWindow = 0 }},
		{"unknown strategy", func(c *Config) { c.Client.Reconnect.Strategy = "linear" }},
		{"zero constant delay", func(c *Config) { c.Client.Reconnect.InitialDelay = 0 }},
		{"max below initial", func(c *Config) {
			c.Client.Reconnect.Strategy = StrategyExponential
			c.Client.Reconnect.MaxDelay = time.Millisecond
		}},
		{"jitter out of range", func(c *Config) {
			c.Client.Reconnect.Strategy = StrategyExponential
			c.Client.Reconnect.Jitter = 1
		}},
		{"negative attempts", func(c *Config) { c.Client.Reconnect.MaxAttempts = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
