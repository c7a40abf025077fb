package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "atlas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ATLAS_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9001", cfg.Listen)
	assert.Equal(t, "atlas", cfg.Daemon)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.InDelta(t, 0.2, cfg.Dispatch.LoadStep, 1e-9)
	assert.Equal(t, 120*time.Second, cfg.Dispatch.DefaultTimeout)
	assert.Equal(t, "task_queue", cfg.Dispatch.QueueTarget)
	assert.False(t, cfg.Dispatch.ReportFailures)
	assert.Equal(t, 10, cfg.Router.DrainBatch)
	assert.Zero(t, cfg.Liveness.StaleAfter)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
listen: ":7000"
daemon: hub
store_timeout: 500ms
storage:
  backend: redis
  redis:
    addr: redis:6379
    db: 2
dispatch:
  load_step: 0.25
  default_timeout: 30s
  report_failures: true
router:
  drain_batch: 50
liveness:
  interval: 5s
  stale_after: 1m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 2, cfg.Storage.Redis.DB)
	assert.InDelta(t, 0.25, cfg.Dispatch.LoadStep, 1e-9)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.DefaultTimeout)
	assert.True(t, cfg.Dispatch.ReportFailures)
	assert.Equal(t, 50, cfg.Router.DrainBatch)
	assert.Equal(t, time.Minute, cfg.Liveness.StaleAfter)

	// untouched keys keep their defaults
	assert.Equal(t, time.Hour, cfg.Dispatch.ResultTTL)

	// process-wide settings reach the components
	assert.Equal(t, "hub", cfg.Dispatch.DaemonName)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.StoreTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Router.StoreTimeout)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeFile(t, "storage:\n  backend: redis\n")
	t.Setenv("ATLAS_CONFIG", path)
	t.Setenv("ATLAS_LISTEN", ":9999")
	t.Setenv("ATLAS_STORE", "mongo")
	t.Setenv("MONGODB_URI", "mongodb://db:27017")
	t.Setenv("MONGODB_DATABASE", "atlas_test")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, "mongo", cfg.Storage.Backend)
	assert.Equal(t, "mongodb://db:27017", cfg.Storage.Mongo.URI)
	assert.Equal(t, "atlas_test", cfg.Storage.Mongo.Database)
	assert.Equal(t, 3, cfg.Storage.Redis.DB)
}

func TestLoadErrors(t *testing.T) {
	t.Setenv("ATLAS_CONFIG", "")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "listen: [unclosed"))
	assert.Error(t, err)

	t.Setenv("REDIS_DB", "two")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no daemon", mutate: func(c *Config) { c.Daemon = "" }, wantErr: true},
		{name: "threshold too high", mutate: func(c *Config) { c.BusyThreshold = 1.5 }, wantErr: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "sqlite" }, wantErr: true},
		{name: "liveness without interval", mutate: func(c *Config) {
			c.Liveness = Liveness{StaleAfter: time.Minute}
		}, wantErr: true},
		{name: "liveness enabled", mutate: func(c *Config) {
			c.Liveness = Liveness{Interval: time.Second, StaleAfter: time.Minute}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}
