package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != "127.0.0.1:7365" {
		t.Errorf("Unexpected default listen %s", cfg.Listen)
	}
	if cfg.SlotCap != 3 {
		t.Errorf("Unexpected default slot cap %d", cfg.SlotCap)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
listen: "0.0.0.0:9000"
slot_cap: 5
sweep_interval: 30s
auth:
  disabled: true
ledger:
  endpoint: "http://ledger.internal:8645"
  api_key: "secret"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("Expected overridden listen, got %s", cfg.Listen)
	}
	if cfg.SlotCap != 5 {
		t.Errorf("Expected slot cap 5, got %d", cfg.SlotCap)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("Expected 30s sweep interval, got %s", cfg.SweepInterval)
	}
	if cfg.Ledger.Endpoint != "http://ledger.internal:8645" {
		t.Errorf("Expected ledger endpoint override, got %s", cfg.Ledger.Endpoint)
	}
	// Untouched fields keep their defaults.
	if cfg.DBPath == "" {
		t.Error("DBPath default should survive a partial config")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Auth.Disabled = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate, got %v", err)
	}

	bad := Default()
	bad.SlotCap = 0
	if err := bad.Validate(); err == nil {
		t.Error("Zero slot cap should fail validation")
	}

	bad = Default()
	bad.Auth.Disabled = true
	bad.SweepInterval = 100 * time.Millisecond
	if err := bad.Validate(); err == nil {
		t.Error("Sub-second sweep interval should fail validation")
	}

	// Auth enabled without a secret is a misconfiguration.
	bad = Default()
	bad.Auth.Disabled = false
	bad.Auth.Secret = ""
	if err := bad.Validate(); err == nil {
		t.Error("Enabled auth without a secret should fail validation")
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen: [not a string"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Invalid YAML should fail to load")
	}
}
