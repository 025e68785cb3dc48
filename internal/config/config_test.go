package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeYAML(t, `
http:
  addr: ":9090"
store:
  kind: memory
ratelimit:
  store: memory
  timezone: UTC
sender:
  max_attempts: 5
  base_delay: 2s
dispatcher:
  poll_interval: 3s
pricing:
  cost_per_message: "0.07"
`)
	t.Setenv("DISPATCHER_SENDER__MAX_ATTEMPTS", "7")
	t.Setenv("DISPATCHER_TRANSPORT__TOPIC", "sms_out")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "memory", cfg.Store.Kind)
	assert.Equal(t, "UTC", cfg.RateLimit.Timezone)
	assert.Equal(t, 7, cfg.Sender.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Sender.BaseDelay)
	assert.Equal(t, 3*time.Second, cfg.Dispatcher.PollInterval)
	assert.Equal(t, "sms_out", cfg.Transport.Topic)
	assert.Equal(t, "0.07", cfg.Pricing.CostPerMessage)

	// untouched sections fall back to defaults
	assert.True(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "593", cfg.Phone.CountryCode)
	assert.Equal(t, "dryrun", cfg.Transport.Kind)
	assert.Len(t, cfg.RateLimit.Tiers, 3)
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("DISPATCHER_STORE__KIND", "memory")
	t.Setenv("DISPATCHER_RATELIMIT__STORE", "memory")
	t.Setenv("DISPATCHER_METRICS__ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "@every 30s", cfg.Scheduler.Spec)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	toml := filepath.Join(t.TempDir(), "dispatcher.toml")
	require.NoError(t, os.WriteFile(toml, []byte("x = 1"), 0o600))
	_, err = Load(toml)
	assert.Error(t, err)

	_, err = Load(writeYAML(t, "store:\n  kind: mongo\n"))
	assert.Error(t, err)
}

func TestValidate_CrossChecks(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"memory everywhere", func(c *Config) { c.Store.Kind = "memory"; c.RateLimit.Store = "memory" }, true},
		{"postgres needs a database", func(c *Config) { c.Store.Kind = "postgres" }, false},
		{"postgres limiter without postgres store", func(c *Config) { c.Store.Kind = "memory"; c.RateLimit.Store = "postgres" }, false},
		{"redis limiter without addr", func(c *Config) { c.Store.Kind = "memory"; c.RateLimit.Store = "redis" }, false},
		{"redis limiter with addr", func(c *Config) {
			c.Store.Kind = "memory"
			c.RateLimit.Store = "redis"
			c.Redis.Addr = "localhost:6379"
		}, true},
		{"unknown store", func(c *Config) { c.Store.Kind = "mongo" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			cfg.SetDefaults()
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Kind)
	assert.Equal(t, "TIER_2", cfg.RateLimit.TenantTiers["acme"])
	assert.Equal(t, 0.2, cfg.Sender.Jitter)
}
