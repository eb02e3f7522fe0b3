// Package config loads the bountyd daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/bountyd/internal/logging"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, loaded from YAML with flags overriding
// individual fields.
type Config struct {
	Listen        string        `yaml:"listen"`
	DBPath        string        `yaml:"db_path"`
	SlotCap       int           `yaml:"slot_cap"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	Ledger      EndpointConfig `yaml:"ledger"`
	ContentHost EndpointConfig `yaml:"content_host"`
	Auth        AuthConfig     `yaml:"auth"`
	Log         logging.Config `yaml:"log"`
}

// EndpointConfig points at an external collaborator.
type EndpointConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// AuthConfig controls how callers are identified. When disabled the server
// trusts the X-Actor-Address header, which is only acceptable behind a
// gateway that performs wallet verification itself.
type AuthConfig struct {
	Disabled bool   `yaml:"disabled"`
	Secret   string `yaml:"secret"`
}

// Default returns the built-in configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Listen:        "127.0.0.1:7365",
		DBPath:        filepath.Join(homeDir, ".bountyd", "bountyd.db"),
		SlotCap:       3,
		SweepInterval: 5 * time.Second,
		Ledger:        EndpointConfig{Endpoint: "http://127.0.0.1:8645"},
		Log:           logging.DefaultConfig(),
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.SlotCap < 1 {
		return fmt.Errorf("slot_cap must be at least 1, got %d", c.SlotCap)
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("sweep_interval must be at least 1s, got %s", c.SweepInterval)
	}
	if !c.Auth.Disabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required unless auth is disabled")
	}
	return nil
}
