// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

package collab

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyConfigDefaults(t *testing.T) {
	cfg := applyConfigDefaults(Config{})
	assert.Equal(t, 8790, cfg.Port)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 60*time.Second, cfg.SandboxStartTimeout)
	assert.Equal(t, 2*time.Second, cfg.FlushRetryInterval)
}

func TestApplyConfigDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := applyConfigDefaults(Config{Port: 9000, LogLevel: "debug"})
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9100
data_dir: /var/lib/collab
log_level: warn
sandbox_image: golang:1.25
sandbox_start_timeout: 90s
`), 0o640))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "/var/lib/collab", cfg.DataDir)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "golang:1.25", cfg.SandboxImage)
	assert.Equal(t, 90*time.Second, cfg.SandboxStartTimeout)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9100\nlog_level: warn\n"), 0o640))

	t.Setenv("COLLAB_PORT", "9200")
	t.Setenv("COLLAB_SANDBOX_IMAGE", "node:22")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Port, "environment wins over file")
	assert.Equal(t, "warn", cfg.LogLevel, "file value kept without override")
	assert.Equal(t, "node:22", cfg.SandboxImage)
}

func TestLoadConfigMissingFileIsFine(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Zero(t, cfg.Port)
}

func TestLoadConfigMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not an int\n"), 0o640))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
