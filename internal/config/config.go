// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads the ambient, non-pipeline-specific defaults the
// orchestrator runs with: default retry policy, lock timeout, and CLI color
// mode. It is deliberately separate from the pipeline declaration (spec.md
// §6) — that document describes a pipeline's stages, this one describes how
// this machine prefers to run any pipeline.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigName = ".pipeline-runner.yaml"
	configVersion     = "1"
)

// Config is the on-disk ambient configuration shape.
type Config struct {
	Version string        `yaml:"version"`
	Retry   RetryDefaults `yaml:"retry"`
	Lock    LockDefaults  `yaml:"lock"`
	UI      UIDefaults    `yaml:"ui"`
}

// RetryDefaults seeds a StageSpec's retry policy when the pipeline
// declaration leaves it unset (spec.md §4.7).
type RetryDefaults struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelay   float64 `yaml:"base_delay_seconds"`
	Jitter      float64 `yaml:"jitter"`
}

// LockDefaults seeds the Lock Manager's acquisition timeout (spec.md §4.4).
type LockDefaults struct {
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
}

// UIDefaults seeds CLI presentation flags absent explicit overrides.
type UIDefaults struct {
	NoColor bool `yaml:"no_color"`
}

// Default returns the configuration used when no ambient file is present,
// matching the defaults named in spec.md §4.4 and §4.7.
func Default() Config {
	return Config{
		Version: configVersion,
		Retry: RetryDefaults{
			MaxAttempts: 3,
			BaseDelay:   0.5,
			Jitter:      0.1,
		},
		Lock: LockDefaults{
			TimeoutSeconds: 10,
		},
	}
}

// RetryBaseDelay returns the configured base delay as a time.Duration.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelay * float64(time.Second))
}

// LockTimeout returns the configured lock acquisition timeout.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.Lock.TimeoutSeconds * float64(time.Second))
}

// Load reads the ambient config file beside the pipeline declaration at
// pipelinePath. A missing file is not an error — Default() is returned.
func Load(pipelinePath string) (Config, error) {
	dir := filepath.Dir(pipelinePath)
	path := filepath.Join(dir, defaultConfigName)

	data, err := os.ReadFile(path) //nolint:gosec // path derived from trusted CLI input
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
