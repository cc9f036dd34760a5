// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads the daemon's global configuration document.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvSelector chooses among per-environment config files: when set to
// "alpha", "config.yaml" is replaced by "config.alpha.yaml".
const EnvSelector = "COMFYSCHED_ENV"

// Defaults applied when fields are absent from the document.
const (
	DefaultPriority       = 50
	DefaultRetryLimit     = 2
	DefaultPollIntervalMS = 1000
	DefaultLeaseSeconds   = 600
	DefaultTimeoutSeconds = 300
	DefaultListen         = ":8188"
)

// Config is the daemon-wide configuration.
type Config struct {
	DefaultPriority int     `yaml:"default_priority"`
	RetryLimit      int     `yaml:"retry_limit"`
	PollIntervalMS  int     `yaml:"poll_interval_ms"`
	LeaseSeconds    int     `yaml:"lease_seconds"`
	Listen          string  `yaml:"listen"`
	LogLevel        string  `yaml:"log_level"`
	Paths           Paths   `yaml:"paths"`
	ComfyUI         ComfyUI `yaml:"comfyui"`
}

// Paths locates the on-disk state the scheduler owns.
type Paths struct {
	JobsProcessing  string `yaml:"jobs_processing"`
	JobsFinished    string `yaml:"jobs_finished"`
	Database        string `yaml:"database"`
	WorkflowCatalog string `yaml:"workflow_catalog"`
}

// ComfyUI locates the inference server.
type ComfyUI struct {
	APIBaseURL     string `yaml:"api_base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// PollInterval returns the monitor/executor poll cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Lease returns the executor lease duration.
func (c *Config) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// Timeout returns the per-job ComfyUI execution bound.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.ComfyUI.TimeoutSeconds) * time.Second
}

// ResolvePath applies the environment selector to a base config path:
// with COMFYSCHED_ENV=alpha, "etc/config.yaml" becomes
// "etc/config.alpha.yaml" when that file exists.
func ResolvePath(base string) string {
	env := os.Getenv(EnvSelector)
	if env == "" {
		return base
	}
	dir := filepath.Dir(base)
	name := filepath.Base(base)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(dir, fmt.Sprintf("%s.%s%s", stem, env, ext))
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return base
}

// Load reads, interpolates and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses a configuration document, expanding ${VAR} and
// ${VAR:-default} references from the process environment.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnv(string(data))

	cfg := &Config{
		DefaultPriority: DefaultPriority,
		RetryLimit:      DefaultRetryLimit,
		PollIntervalMS:  DefaultPollIntervalMS,
		LeaseSeconds:    DefaultLeaseSeconds,
		Listen:          DefaultListen,
		ComfyUI:         ComfyUI{TimeoutSeconds: DefaultTimeoutSeconds},
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for completeness.
func (c *Config) Validate() error {
	if c.Paths.JobsProcessing == "" {
		return fmt.Errorf("config: paths.jobs_processing is required")
	}
	if c.Paths.JobsFinished == "" {
		return fmt.Errorf("config: paths.jobs_finished is required")
	}
	if c.Paths.Database == "" {
		return fmt.Errorf("config: paths.database is required")
	}
	if c.Paths.WorkflowCatalog == "" {
		return fmt.Errorf("config: paths.workflow_catalog is required")
	}
	if c.ComfyUI.APIBaseURL == "" {
		return fmt.Errorf("config: comfyui.api_base_url is required")
	}
	if c.PollIntervalMS <= 0 {
		return fmt.Errorf("config: poll_interval_ms must be positive")
	}
	if c.LeaseSeconds <= 0 {
		return fmt.Errorf("config: lease_seconds must be positive")
	}
	if c.ComfyUI.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: comfyui.timeout_seconds must be positive")
	}
	return nil
}

// expandEnv expands ${VAR} and ${VAR:-default} references. A set but
// empty variable falls back to the default as well, matching shell
// semantics for ":-".
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		if name, def, ok := strings.Cut(key, ":-"); ok {
			if v := os.Getenv(name); v != "" {
				return v
			}
			return def
		}
		return os.Getenv(key)
	})
}
