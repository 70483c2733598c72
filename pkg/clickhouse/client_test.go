package clickhouse

import (
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/stretchr/testify/assert"
)

func TestBuildOptions(t *testing.T) {
	opts := buildOptions(ClientConfig{
		Host: "ch", Port: 8123, Database: "market", User: "u", Password: "p",
		UseHTTP: true, AsyncInsert: true, WaitForAsync: true, MaxExecTime: 30 * time.Second,
	})
	assert.Equal(t, []string{"ch:8123"}, opts.Addr)
	assert.Equal(t, clickhouse.HTTP, opts.Protocol)
	assert.Equal(t, "market", opts.Auth.Database)
	assert.Equal(t, 30, opts.Settings["max_execution_time"])
	assert.Equal(t, 1, opts.Settings["async_insert"])
	assert.Equal(t, 1, opts.Settings["wait_for_async_insert"])
}

func TestBuildOptionsNative(t *testing.T) {
	opts := buildOptions(ClientConfig{Host: "ch", Port: 9000})
	assert.Equal(t, clickhouse.Native, opts.Protocol)
	assert.Empty(t, opts.Settings)
}

func TestOptionsKeepDefaults(t *testing.T) {
	cfg := defaultConfig()
	for _, opt := range []ClientOption{
		WithHost("ch", 0),
		WithDatabase(""),
		WithMaxConnections(0, 0),
		WithTimeouts(0, 2*time.Second),
		WithFinalReads(true),
		WithSetting("max_threads", 4),
	} {
		opt(&cfg)
	}
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "default", cfg.Database)
	assert.Equal(t, 10, cfg.MaxOpenConns)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
	assert.Equal(t, 2*time.Second, cfg.ReadTimeout)

	opts := buildOptions(cfg)
	assert.Equal(t, 1, opts.Settings["final"])
	assert.Equal(t, 4, opts.Settings["max_threads"])
}
