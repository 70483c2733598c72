package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
environment: test
instruments:
  - { id: EURUSD, class: FX, precision: 5 }
  - { id: ACME, class: EQUITY, precision: 2, listed_at: 2015-03-02T00:00:00Z }
pricing:
  stale_after: 10s
  policies:
    CFD: { basis_points: 4, markup: 0.1 }
logging:
  level: debug
  format: console
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_AppliesDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, "clickhouse", c.Backend.Type)
	assert.Equal(t, 10*time.Second, c.Pricing.StaleAfter)
	assert.Equal(t, 4.0, c.Pricing.Policies["CFD"].BasisPoints)
	assert.Equal(t, "reopen", c.Candles.LatePolicy)
	assert.Equal(t, 256, c.Hub.QueueSize)
	assert.Equal(t, "debug", c.Logging.Level)
	assert.Equal(t, "console", c.Logging.Format)
	require.Len(t, c.Instruments, 2)
	assert.Equal(t, time.Date(2015, 3, 2, 0, 0, 0, 0, time.UTC), c.Instruments[1].ListedAt.UTC())
}

func TestLoad_SampleConfig(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, c.Instruments)
	assert.Equal(t, "engine.events", c.Kafka.Topics.EngineEvents)
}

func TestApplyEnv(t *testing.T) {
	c, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)
	env := map[string]string{
		"BACKEND":       "kafka",
		"KAFKA_BROKERS": "k1:9092,k2:9092",
		"HTTP_PORT":     "9090",
		"REDIS_ADDR":    "redis:6379",
	}
	c.applyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "kafka", c.Backend.Type)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	assert.Equal(t, 9090, c.Server.Port)
	assert.True(t, c.Redis.Enabled)
	assert.NoError(t, c.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad backend", func(c *Config) { c.Backend.Type = "s3" }, "backend.type"},
		{"kafka without brokers", func(c *Config) { c.Backend.Type = "kafka" }, "kafka.brokers"},
		{"no instruments", func(c *Config) { c.Instruments = nil }, "instruments"},
		{"duplicate instrument", func(c *Config) { c.Instruments = append(c.Instruments, c.Instruments[0]) }, "twice"},
		{"bad class", func(c *Config) { c.Instruments[0].Class = "BOND" }, "class"},
		{"bad late policy", func(c *Config) { c.Candles.LatePolicy = "drop" }, "late_policy"},
		{"bad drop policy", func(c *Config) { c.Hub.DropPolicy = "random" }, "drop_policy"},
		{"feed without url", func(c *Config) { c.LPFeed.Enabled = true }, "lp_feed.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Load(writeConfig(t, minimal))
			require.NoError(t, err)
			tt.mutate(c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = Load(writeConfig(t, "environment: [oops"))
	assert.ErrorContains(t, err, "parse config")
}
