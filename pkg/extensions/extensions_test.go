// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

package extensions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNopAccessGateAllowsAll verifies the open-source default admits any
// credential.
func TestNopAccessGateAllowsAll(t *testing.T) {
	gate := NopAccessGate{}
	info, err := gate.Authorize(context.Background(), "any-project", "")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "local-user", info.UserID)
}

// TestNopProjectDirectory verifies every project id resolves.
func TestNopProjectDirectory(t *testing.T) {
	dir := NopProjectDirectory{}
	info, err := dir.Lookup(context.Background(), "p42")
	require.NoError(t, err)
	assert.Equal(t, "p42", info.ID)
}

// TestDefaultOptions verifies all collaborators are populated.
func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.NotNil(t, opts.AccessGate)
	assert.NotNil(t, opts.ProjectDirectory)
	assert.NotNil(t, opts.AuditLogger)
}

// TestNormalizeFillsNilFields verifies partial options gain defaults.
func TestNormalizeFillsNilFields(t *testing.T) {
	opts := ServiceOptions{}.Normalize()
	assert.NotNil(t, opts.AccessGate)
	assert.NotNil(t, opts.ProjectDirectory)
	assert.NotNil(t, opts.AuditLogger)

	custom := ServiceOptions{AccessGate: NopAccessGate{}}.Normalize()
	assert.NotNil(t, custom.ProjectDirectory)
}
