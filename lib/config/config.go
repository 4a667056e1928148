// Package config loads the broker's optional YAML configuration file:
// strict KnownFields decoding, a custom Duration type for config-file
// values like "30s", and a Validate step for anything defaulting can't
// rule out. CLI flags set in cmd/jobbrokerd/flags.go are applied on top
// of whatever this file loads.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written in config files as a
// string like "30s" instead of a raw integer of nanoseconds.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the broker's parsed configuration.
type Config struct {
	// ListenNetwork/ListenAddress name the socket the job protocol and
	// admin text protocol are both served on.
	ListenNetwork string `yaml:"listen_network"`
	ListenAddress string `yaml:"listen_address"`

	// MetricsListenAddress serves Prometheus's /metrics. Empty disables it.
	MetricsListenAddress string `yaml:"metrics_listen_address"`

	// AdminEnabled gates whether non-loopback connections may issue admin
	// text-protocol commands (status/workers/version/shutdown). Admin
	// commands are always parsed for loopback connections regardless of
	// this setting.
	AdminEnabled bool `yaml:"admin_enabled"`

	// TimeoutSweepPeriod is how often CheckTimeouts runs.
	TimeoutSweepPeriod Duration `yaml:"timeout_sweep_period"`

	// AcceptErrorCooldown throttles the accept loop after a transient error.
	AcceptErrorCooldown Duration `yaml:"accept_error_cooldown"`
}

// Validate checks the config for errors that flag parsing and defaulting
// can't already rule out.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address must not be empty")
	}
	if c.TimeoutSweepPeriod.Duration() <= 0 {
		return fmt.Errorf("timeout_sweep_period must be positive")
	}
	return nil
}

// Load reads and strictly decodes a YAML config file at path. A missing
// file is not an error: Load returns a Config with only AdminEnabled
// defaulted to true (so that an absent file, or a file that omits the
// field, doesn't silently lock out admin connections) and everything else
// zero, so callers can layer flags and defaults on top regardless of
// whether a file was present.
func Load(path string) (*Config, error) {
	cfg := Config{AdminEnabled: true}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}
