// Package config loads the YAML run configuration and the JSON fleet file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"
)

// CurrentVersion is the config schema version this build writes and accepts.
const CurrentVersion = "1.0"

var supportedVersions = version.MustConstraints(version.NewConstraint(">= 1.0, < 2.0"))

// Config is the run configuration. Timeouts are plain seconds in YAML.
type Config struct {
	Version           string `yaml:"version"`
	Region            string `yaml:"region"`
	FleetFile         string `yaml:"fleet_file"`
	ResultsTimeoutSec int    `yaml:"results_timeout_sec"`
	PollIntervalSec   int    `yaml:"poll_interval_sec"`
	AddressTimeoutSec int    `yaml:"address_timeout_sec"`
	ConnectAttempts   int    `yaml:"connect_attempts"`
	ConnectBackoffSec int    `yaml:"connect_backoff_sec"`
	Concurrency       int    `yaml:"concurrency"`
	WaitStatusOK      bool   `yaml:"wait_status_ok"`
}

// Default returns the configuration the tool runs with when no file exists:
// a 600 s completion window polled every 5 s, and a connection budget wide
// enough for the slowest image to boot twice.
func Default() *Config {
	return &Config{
		Version:           CurrentVersion,
		Region:            "eu-central-1",
		ResultsTimeoutSec: 600,
		PollIntervalSec:   5,
		AddressTimeoutSec: 300,
		ConnectAttempts:   30,
		ConnectBackoffSec: 10,
	}
}

// Load reads the YAML configuration at path. An empty path resolves
// $XDG_CONFIG_HOME/fsbench/config.yaml (falling back to ~/.config) and a
// missing file there is not an error; an explicitly named file must exist.
// Values absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return Default(), nil
			}
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "fsbench", "config.yaml")
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the schema version gate and the numeric ranges.
func (c *Config) Validate() error {
	v, err := version.NewVersion(c.Version)
	if err != nil {
		return fmt.Errorf("can't parse config version %q: %w", c.Version, err)
	}
	if !supportedVersions.Check(v) {
		return fmt.Errorf("config version %s is not supported (want %s)", c.Version, supportedVersions)
	}
	if c.ResultsTimeoutSec <= 0 {
		return errors.New("results_timeout_sec must be positive")
	}
	if c.PollIntervalSec <= 0 {
		return errors.New("poll_interval_sec must be positive")
	}
	if c.AddressTimeoutSec <= 0 {
		return errors.New("address_timeout_sec must be positive")
	}
	if c.ConnectAttempts <= 0 {
		return errors.New("connect_attempts must be positive")
	}
	if c.ConnectBackoffSec <= 0 {
		return errors.New("connect_backoff_sec must be positive")
	}
	if c.Concurrency < 0 {
		return errors.New("concurrency can't be negative")
	}
	return nil
}

func (c *Config) ResultsTimeout() time.Duration {
	return time.Duration(c.ResultsTimeoutSec) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c *Config) AddressTimeout() time.Duration {
	return time.Duration(c.AddressTimeoutSec) * time.Second
}

func (c *Config) ConnectBackoff() time.Duration {
	return time.Duration(c.ConnectBackoffSec) * time.Second
}
