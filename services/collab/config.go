// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

package collab

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the collaboration service. Zero values
// get production defaults from applyConfigDefaults.
type Config struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port"`

	// DataDir is the root for persistent state: document storage under
	// "documents", export archives under "exports".
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogDir enables file logging when set.
	LogDir string `yaml:"log_dir"`

	// LogJSON switches stderr logs to JSON.
	LogJSON bool `yaml:"log_json"`

	// EnableMetrics exposes Prometheus metrics on /metrics.
	// Defaults to true; set DisableMetrics to turn it off.
	DisableMetrics bool `yaml:"disable_metrics"`

	// SandboxImage is the container image projects execute in.
	SandboxImage string `yaml:"sandbox_image"`

	// SandboxCmd is the process run inside the sandbox.
	SandboxCmd []string `yaml:"sandbox_cmd"`

	// SandboxScratchDir is where project snapshots are exported for
	// bind-mounting.
	SandboxScratchDir string `yaml:"sandbox_scratch_dir"`

	// SandboxStartTimeout bounds sandbox creation, pull included.
	SandboxStartTimeout time.Duration `yaml:"sandbox_start_timeout"`

	// FlushRetryInterval is how often failed document flushes retry.
	FlushRetryInterval time.Duration `yaml:"flush_retry_interval"`
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8790
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SandboxStartTimeout == 0 {
		cfg.SandboxStartTimeout = 60 * time.Second
	}
	if cfg.FlushRetryInterval == 0 {
		cfg.FlushRetryInterval = 2 * time.Second
	}
	return cfg
}

// LoadConfig builds a Config from an optional YAML file plus COLLAB_*
// environment overrides. A missing file is fine; a malformed one is not.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Fall through to env and defaults.
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.Port = envInt("COLLAB_PORT", cfg.Port)
	cfg.DataDir = envString("COLLAB_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = envString("COLLAB_LOG_LEVEL", cfg.LogLevel)
	cfg.LogDir = envString("COLLAB_LOG_DIR", cfg.LogDir)
	cfg.SandboxImage = envString("COLLAB_SANDBOX_IMAGE", cfg.SandboxImage)
	cfg.SandboxScratchDir = envString("COLLAB_SANDBOX_SCRATCH_DIR", cfg.SandboxScratchDir)
	if v := os.Getenv("COLLAB_LOG_JSON"); v != "" {
		cfg.LogJSON = v == "1" || v == "true"
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
