// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *DocumentStore {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestPutGetDelete exercises the basic record lifecycle.
func TestPutGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "p1", "main.py")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "p1", "main.py", []byte("state-v1")))
	state, err := s.Get(ctx, "p1", "main.py")
	require.NoError(t, err)
	assert.Equal(t, []byte("state-v1"), state)

	// Overwrite.
	require.NoError(t, s.Put(ctx, "p1", "main.py", []byte("state-v2")))
	state, err = s.Get(ctx, "p1", "main.py")
	require.NoError(t, err)
	assert.Equal(t, []byte("state-v2"), state)

	require.NoError(t, s.Delete(ctx, "p1", "main.py"))
	_, err = s.Get(ctx, "p1", "main.py")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing record is a no-op.
	require.NoError(t, s.Delete(ctx, "p1", "main.py"))
}

// TestListDerivesIndex verifies the file index is a pure prefix scan
// scoped to one project.
func TestListDerivesIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	files, err := s.List(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, files)

	require.NoError(t, s.Put(ctx, "p1", "main.py", []byte("a")))
	require.NoError(t, s.Put(ctx, "p1", "util/helpers.py", []byte("b")))
	require.NoError(t, s.Put(ctx, "p2", "other.py", []byte("c")))

	files, err = s.List(ctx, "p1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main.py", "util/helpers.py"}, files)

	require.NoError(t, s.Delete(ctx, "p1", "main.py"))
	files, err = s.List(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"util/helpers.py"}, files)
}

// TestExists covers the presence check used by structural operations.
func TestExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "p1", "a.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "p1", "a.txt", []byte("x")))
	ok, err = s.Exists(ctx, "p1", "a.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestPersistenceAcrossReopen verifies records survive a close/reopen
// cycle on disk.
func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0

	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "p1", "main.py", []byte("durable")))
	require.NoError(t, s.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	state, err := s2.Get(ctx, "p1", "main.py")
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), state)
}

// TestContextCancelled verifies operations honor an already-cancelled
// context.
func TestContextCancelled(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, s.Put(ctx, "p1", "x", []byte("y")))
	_, err := s.Get(ctx, "p1", "x")
	assert.Error(t, err)
	_, err = s.List(ctx, "p1")
	assert.Error(t, err)
}
