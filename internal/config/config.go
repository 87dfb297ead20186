// Package config resolves engine configuration. Values come from
// .loom/config.json when present, overridden by LOOM_* environment
// variables. Every interval has a default matching the deployed
// coordination cadence, so a bare directory works with no config at all.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Defaults for the coordination cadence.
const (
	DefaultHeartbeatTimeout  = 60 * time.Second
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultHealthTick        = 30 * time.Second
	DefaultCleanupTick       = 60 * time.Second
	DefaultContextSyncTick   = 30 * time.Second
	DefaultLeaseTTL          = 5 * time.Minute
	DefaultBridgeMaxAge      = 7 * 24 * time.Hour
)

// Environment overrides. Values are Go duration strings ("90s", "2m").
const (
	EnvHeartbeatTimeout  = "LOOM_HEARTBEAT_TIMEOUT"
	EnvHeartbeatInterval = "LOOM_HEARTBEAT_INTERVAL"
	EnvHealthTick        = "LOOM_HEALTH_TICK"
	EnvCleanupTick       = "LOOM_CLEANUP_TICK"
	EnvContextSyncTick   = "LOOM_CONTEXT_SYNC_TICK"
	EnvLeaseTTL          = "LOOM_LEASE_TTL"
	EnvBridgeMaxAge      = "LOOM_BRIDGE_MAX_AGE"
)

// Config holds the resolved engine configuration.
type Config struct {
	// HeartbeatTimeout is how long a team may go without a heartbeat
	// before the health monitor isolates it.
	HeartbeatTimeout time.Duration

	// HeartbeatInterval is how often a team process emits heartbeats.
	// Must be comfortably below HeartbeatTimeout.
	HeartbeatInterval time.Duration

	// HealthTick is the health monitor scan interval.
	HealthTick time.Duration

	// CleanupTick is the lease/bridge cleanup interval.
	CleanupTick time.Duration

	// ContextSyncTick is the shared-context merge interval.
	ContextSyncTick time.Duration

	// LeaseTTL is the default reservation lifetime. Zero means no expiry.
	LeaseTTL time.Duration

	// BridgeMaxAge is how long an inactive bridge survives before cleanup.
	BridgeMaxAge time.Duration
}

// fileConfig is the on-disk shape of .loom/config.json. All fields are
// duration strings and optional.
type fileConfig struct {
	HeartbeatTimeout  string `json:"heartbeat_timeout,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	HealthTick        string `json:"health_tick,omitempty"`
	CleanupTick       string `json:"cleanup_tick,omitempty"`
	ContextSyncTick   string `json:"context_sync_tick,omitempty"`
	LeaseTTL          string `json:"lease_ttl,omitempty"`
	BridgeMaxAge      string `json:"bridge_max_age,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HealthTick:        DefaultHealthTick,
		CleanupTick:       DefaultCleanupTick,
		ContextSyncTick:   DefaultContextSyncTick,
		LeaseTTL:          DefaultLeaseTTL,
		BridgeMaxAge:      DefaultBridgeMaxAge,
	}
}

// Load resolves the configuration for the given coordination directory.
// A missing config.json yields the defaults; environment variables win
// over the file.
func Load(loomDir string) (Config, error) {
	cfg := Default()

	if err := applyFile(&cfg, filepath.Join(loomDir, "config.json")); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304 - path from internal loom directory
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	fields := []struct {
		name  string
		raw   string
		value *time.Duration
	}{
		{"heartbeat_timeout", fc.HeartbeatTimeout, &cfg.HeartbeatTimeout},
		{"heartbeat_interval", fc.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"health_tick", fc.HealthTick, &cfg.HealthTick},
		{"cleanup_tick", fc.CleanupTick, &cfg.CleanupTick},
		{"context_sync_tick", fc.ContextSyncTick, &cfg.ContextSyncTick},
		{"lease_ttl", fc.LeaseTTL, &cfg.LeaseTTL},
		{"bridge_max_age", fc.BridgeMaxAge, &cfg.BridgeMaxAge},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("config field %s: %w", f.name, err)
		}
		*f.value = d
	}
	return nil
}

func applyEnv(cfg *Config) error {
	fields := []struct {
		env   string
		value *time.Duration
	}{
		{EnvHeartbeatTimeout, &cfg.HeartbeatTimeout},
		{EnvHeartbeatInterval, &cfg.HeartbeatInterval},
		{EnvHealthTick, &cfg.HealthTick},
		{EnvCleanupTick, &cfg.CleanupTick},
		{EnvContextSyncTick, &cfg.ContextSyncTick},
		{EnvLeaseTTL, &cfg.LeaseTTL},
		{EnvBridgeMaxAge, &cfg.BridgeMaxAge},
	}
	for _, f := range fields {
		raw := os.Getenv(f.env)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", f.env, err)
		}
		*f.value = d
	}
	return nil
}

func (c Config) validate() error {
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"heartbeat timeout", c.HeartbeatTimeout},
		{"heartbeat interval", c.HeartbeatInterval},
		{"health tick", c.HealthTick},
		{"cleanup tick", c.CleanupTick},
		{"context sync tick", c.ContextSyncTick},
		{"bridge max age", c.BridgeMaxAge},
	}
	for _, f := range positive {
		if f.value <= 0 {
			return fmt.Errorf("%s must be positive, got %v", f.name, f.value)
		}
	}
	if c.LeaseTTL < 0 {
		return fmt.Errorf("lease ttl cannot be negative, got %v", c.LeaseTTL)
	}
	if c.HeartbeatInterval >= c.HeartbeatTimeout {
		return fmt.Errorf("heartbeat interval %v must be below heartbeat timeout %v",
			c.HeartbeatInterval, c.HeartbeatTimeout)
	}
	return nil
}
