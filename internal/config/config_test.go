package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Agent.DebounceMS != 1000 {
		t.Errorf("DebounceMS = %d, want 1000", cfg.Agent.DebounceMS)
	}
	if cfg.Agent.MaxBatchDelayMS != 2000 {
		t.Errorf("MaxBatchDelayMS = %d, want 2000", cfg.Agent.MaxBatchDelayMS)
	}
	if cfg.Agent.MaxReconnectAttempts != 10 {
		t.Errorf("MaxReconnectAttempts = %d, want 10", cfg.Agent.MaxReconnectAttempts)
	}
	if cfg.Server.Addr != ":8600" {
		t.Errorf("Server.Addr = %s, want :8600", cfg.Server.Addr)
	}

	ttl, err := cfg.ParsedTokenTTL()
	if err != nil {
		t.Fatalf("ParsedTokenTTL failed: %v", err)
	}
	if ttl.Hours() != 24 {
		t.Errorf("TokenTTL = %v, want 24h", ttl)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
log_level: debug
server:
  addr: ":9999"
agent:
  debounce_ms: 500
  max_batch_delay_ms: 1500
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("Server.Addr = %s, want :9999", cfg.Server.Addr)
	}
	if cfg.Agent.DebounceMS != 500 {
		t.Errorf("DebounceMS = %d, want 500", cfg.Agent.DebounceMS)
	}
	// Untouched keys keep their defaults.
	if cfg.Agent.MaxOperationAttempts != 3 {
		t.Errorf("MaxOperationAttempts = %d, want 3", cfg.Agent.MaxOperationAttempts)
	}
}

func TestLoadRejectsInvalidWindows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
agent:
  debounce_ms: 2000
  max_batch_delay_ms: 1000
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load accepted a batch delay shorter than the debounce")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load accepted a missing config file")
	}
}
