// Package config loads the coordinator's settings: defaults, then an optional
// YAML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/atlas/internal/dispatch"
	"github.com/dreamware/atlas/internal/router"
	"github.com/dreamware/atlas/internal/storage"
)

// Liveness controls the optional stale-worker sweep. A zero StaleAfter
// disables it.
type Liveness struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Channel tunes live peer channels.
type Channel struct {
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Config is the full coordinator configuration.
type Config struct {
	Listen        string          `yaml:"listen"`
	Daemon        string          `yaml:"daemon"`
	BusyThreshold float64         `yaml:"busy_threshold"`
	StoreTimeout  time.Duration   `yaml:"store_timeout"`
	Storage       storage.Options `yaml:"storage"`
	Dispatch      dispatch.Config `yaml:"dispatch"`
	Router        router.Config   `yaml:"router"`
	Liveness      Liveness        `yaml:"liveness"`
	Channel       Channel         `yaml:"channel"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:        ":9001",
		Daemon:        "atlas",
		BusyThreshold: 0.9,
		StoreTimeout:  2 * time.Second,
		Storage:       storage.Options{Backend: "memory"},
		Dispatch:      dispatch.DefaultConfig(),
		Router:        router.Config{DrainBatch: router.DefaultDrainBatch},
		Liveness:      Liveness{Interval: 30 * time.Second},
		Channel:       Channel{WriteTimeout: 10 * time.Second},
	}
}

// Load builds the configuration. path may be empty, in which case
// $ATLAS_CONFIG is used if set.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("ATLAS_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.propagate()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Listen = getenv("ATLAS_LISTEN", c.Listen)
	c.Daemon = getenv("ATLAS_DAEMON", c.Daemon)
	c.Storage.Backend = getenv("ATLAS_STORE", c.Storage.Backend)
	c.Storage.Redis.Addr = getenv("REDIS_ADDR", c.Storage.Redis.Addr)
	c.Storage.Redis.Password = getenv("REDIS_PASSWORD", c.Storage.Redis.Password)
	c.Storage.Mongo.URI = getenv("MONGODB_URI", c.Storage.Mongo.URI)
	c.Storage.Mongo.Database = getenv("MONGODB_DATABASE", c.Storage.Mongo.Database)

	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: REDIS_DB: %w", err)
		}
		c.Storage.Redis.DB = db
	}
	return nil
}

// propagate copies process-wide settings into the component configs.
func (c *Config) propagate() {
	c.Dispatch.DaemonName = c.Daemon
	c.Dispatch.StoreTimeout = c.StoreTimeout
	c.Router.StoreTimeout = c.StoreTimeout
}

// Validate reports settings the coordinator cannot start with.
func (c Config) Validate() error {
	if c.Daemon == "" {
		return fmt.Errorf("config: daemon name is required")
	}
	if c.BusyThreshold <= 0 || c.BusyThreshold > 1 {
		return fmt.Errorf("config: busy_threshold %v out of range (0,1]", c.BusyThreshold)
	}
	switch c.Storage.Backend {
	case "", "memory", "redis", "mongo":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Liveness.StaleAfter > 0 && c.Liveness.Interval <= 0 {
		return fmt.Errorf("config: liveness.interval must be positive when stale_after is set")
	}
	return nil
}

// getenv returns $k, or def when it is unset or empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
