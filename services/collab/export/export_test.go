// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

package export

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhnu16/Collab-IDE/services/collab/crdt"
	"github.com/mhnu16/Collab-IDE/services/collab/engine"
	"github.com/mhnu16/Collab-IDE/services/collab/store"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	e := engine.New(st, slog.Default(), engine.Config{})
	t.Cleanup(e.Close)
	return e
}

func seedFile(t *testing.T, eng *engine.Engine, projectID, filename, content string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, eng.Create(ctx, projectID, filename))
	if content == "" {
		return
	}
	h, err := eng.Open(ctx, projectID, filename)
	require.NoError(t, err)
	defer eng.Release(ctx, h)
	d := crdt.NewDoc(99)
	op, err := d.Insert(0, content)
	require.NoError(t, err)
	_, err = eng.ApplyUpdate(ctx, h, crdt.EncodeUpdate([]crdt.Op{op}))
	require.NoError(t, err)
}

func readArchive(t *testing.T, path string) map[string]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	out := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = string(data)
	}
	return out
}

func TestArchiveSnapshotsProject(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	seedFile(t, eng, "p1", "main.go", "package main\n")
	seedFile(t, eng, "p1", "go.mod", "module demo\n")
	seedFile(t, eng, "p1", "docs/empty.md", "")
	seedFile(t, eng, "other", "not-included.txt", "nope")

	a, err := New(eng, dir, slog.Default())
	require.NoError(t, err)

	name, size, err := a.Archive(context.Background(), "p1")
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))

	entries := readArchive(t, filepath.Join(dir, name))
	require.Len(t, entries, 3)
	assert.Equal(t, "package main\n", entries["main.go"])
	assert.Equal(t, "module demo\n", entries["go.mod"])
	assert.Equal(t, "", entries["docs/empty.md"])
}

func TestArchiveEmptyProject(t *testing.T) {
	eng := newTestEngine(t)
	a, err := New(eng, t.TempDir(), slog.Default())
	require.NoError(t, err)

	_, _, err = a.Archive(context.Background(), "nothing-here")
	assert.ErrorIs(t, err, ErrNoFiles)
}

func TestArchiveSeesLiveEdits(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	// Keep the document open and dirty in memory; the archive must see
	// the live state, not just what reached the store.
	h, err := eng.Open(ctx, "p1", "live.txt")
	require.NoError(t, err)
	defer eng.Release(ctx, h)

	d := crdt.NewDoc(7)
	op, err := d.Insert(0, "fresh edit")
	require.NoError(t, err)
	_, err = eng.ApplyUpdate(ctx, h, crdt.EncodeUpdate([]crdt.Op{op}))
	require.NoError(t, err)

	a, err := New(eng, t.TempDir(), slog.Default())
	require.NoError(t, err)
	name, _, err := a.Archive(ctx, "p1")
	require.NoError(t, err)

	entries := readArchive(t, filepath.Join(a.Dir(), name))
	assert.Equal(t, "fresh edit", entries["live.txt"])
}
