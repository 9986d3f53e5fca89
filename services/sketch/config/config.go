// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads service configuration from an optional YAML file
// with environment variable overrides. Environment always wins so container
// deployments can tune a baked-in config file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds all tunables for the sketch service.
type Config struct {
	// Port the HTTP server listens on.
	// Default: 12240
	Port string `yaml:"port"`

	// Version reported on the connected frame and /ready.
	Version string `yaml:"version"`

	// SessionTimeout is the idle time after which a session is expired.
	// Default: 60m
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// SweepInterval is how often the expiry sweep runs.
	// Default: 5m
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// RateLimit is the maximum admitted requests per caller per window.
	// Default: 10
	RateLimit int `yaml:"rate_limit"`

	// RateWindow is the sliding window the limit counts over.
	// Default: 60s
	RateWindow time.Duration `yaml:"rate_window"`

	// MaxReasoningRetries bounds the reasoning self-correction loop.
	// Default: 2
	MaxReasoningRetries int `yaml:"max_reasoning_retries"`
}

// Default returns a Config with production defaults.
func Default() *Config {
	return &Config{
		Port:                "12240",
		Version:             "dev",
		SessionTimeout:      60 * time.Minute,
		SweepInterval:       5 * time.Minute,
		RateLimit:           10,
		RateWindow:          60 * time.Second,
		MaxReasoningRetries: 2,
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// SKETCH_CONFIG_PATH (if set and readable), then environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("SKETCH_CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		slog.Info("loaded config file", "path", path)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port must not be empty")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session_timeout must be positive, got %s", c.SessionTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("rate_limit must be positive, got %d", c.RateLimit)
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("rate_window must be positive, got %s", c.RateWindow)
	}
	return nil
}

// applyEnvOverrides patches cfg from the environment. Unset or malformed
// values are skipped with a warning rather than failing startup.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SKETCH_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("SKETCH_VERSION"); v != "" {
		cfg.Version = v
	}
	overrideDuration("SKETCH_SESSION_TIMEOUT", &cfg.SessionTimeout)
	overrideDuration("SKETCH_SWEEP_INTERVAL", &cfg.SweepInterval)
	overrideDuration("SKETCH_RATE_WINDOW", &cfg.RateWindow)
	overrideInt("SKETCH_RATE_LIMIT", &cfg.RateLimit)
	overrideInt("LLM_MAX_RETRIES", &cfg.MaxReasoningRetries)
}

func overrideDuration(key string, target *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("ignoring malformed duration override", "key", key, "value", v)
		return
	}
	*target = d
}

func overrideInt(key string, target *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring malformed integer override", "key", key, "value", v)
		return
	}
	*target = n
}
