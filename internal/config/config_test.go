package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg != Default() {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadFromFile(t *testing.T) {
	loomDir := t.TempDir()
	content := `{"heartbeat_timeout": "90s", "bridge_max_age": "48h"}`
	if err := os.WriteFile(filepath.Join(loomDir, "config.json"), []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(loomDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HeartbeatTimeout != 90*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 90s", cfg.HeartbeatTimeout)
	}
	if cfg.BridgeMaxAge != 48*time.Hour {
		t.Errorf("BridgeMaxAge = %v, want 48h", cfg.BridgeMaxAge)
	}
	// Unset fields keep their defaults
	if cfg.HealthTick != DefaultHealthTick {
		t.Errorf("HealthTick = %v, want default %v", cfg.HealthTick, DefaultHealthTick)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	loomDir := t.TempDir()
	content := `{"health_tick": "45s"}`
	if err := os.WriteFile(filepath.Join(loomDir, "config.json"), []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvHealthTick, "10s")

	cfg, err := Load(loomDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HealthTick != 10*time.Second {
		t.Errorf("HealthTick = %v, want env override 10s", cfg.HealthTick)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv(EnvHeartbeatTimeout, "not-a-duration")
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("malformed duration accepted")
	}
}

func TestLoadRejectsIntervalAboveTimeout(t *testing.T) {
	t.Setenv(EnvHeartbeatTimeout, "10s")
	t.Setenv(EnvHeartbeatInterval, "30s")
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("heartbeat interval above timeout accepted")
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	loomDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(loomDir, "config.json"), []byte("{"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(loomDir); err == nil {
		t.Error("corrupt config file accepted")
	}
}
