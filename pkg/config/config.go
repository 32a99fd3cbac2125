// Package config loads the panel's YAML configuration file and applies
// defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level panel configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	// HTTPAddr serves the operational endpoints (/health, /ready, /metrics).
	HTTPAddr string `yaml:"http_addr"`

	Scheduler struct {
		// TickSeconds is how often enabled schedules are scanned for due
		// cron expressions.
		TickSeconds int `yaml:"tick_seconds"`
	} `yaml:"scheduler"`

	Session struct {
		// Brand replaces the daemon's prompt branding on console lines.
		Brand string `yaml:"brand"`
	} `yaml:"session"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.DataDir = "/var/lib/panel"
	cfg.Log.Level = "info"
	cfg.HTTPAddr = ":8090"
	cfg.Scheduler.TickSeconds = 60
	cfg.Session.Brand = "panel"
	return cfg
}

// Load reads a YAML config file, layering it over the defaults. A missing
// path returns the defaults unchanged.
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
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Scheduler.TickSeconds <= 0 {
		cfg.Scheduler.TickSeconds = 60
	}
	return cfg, nil
}

// SchedulerTick returns the scheduler scan interval as a duration.
func (c *Config) SchedulerTick() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}
