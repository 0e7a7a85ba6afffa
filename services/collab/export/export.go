// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

// Package export builds tar.gz snapshots of a project's documents.
//
// An archive captures the materialized text of every file in the
// project at the moment of the call. Documents are flattened
// concurrently, then written into the archive in sorted index order so
// the same project state always yields the same member ordering.
package export

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mhnu16/Collab-IDE/services/collab/engine"
)

// ErrNoFiles is returned when the project has nothing to archive.
var ErrNoFiles = errors.New("project has no files")

// materializeConcurrency bounds parallel document flattening.
const materializeConcurrency = 8

// Archiver writes project snapshots under a server-side directory.
type Archiver struct {
	engine *engine.Engine
	dir    string
	logger *slog.Logger
}

// New creates an archiver writing into dir, which is created if needed.
func New(eng *engine.Engine, dir string, logger *slog.Logger) (*Archiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &Archiver{engine: eng, dir: dir, logger: logger}, nil
}

// Dir returns the directory archives are written to.
func (a *Archiver) Dir() string { return a.dir }

// Archive snapshots every document of the project into a timestamped
// tar.gz and returns the archive's filename and size.
func (a *Archiver) Archive(ctx context.Context, projectID string) (string, int64, error) {
	files, err := a.engine.Files(ctx, projectID)
	if err != nil {
		return "", 0, fmt.Errorf("list project files: %w", err)
	}
	if len(files) == 0 {
		return "", 0, fmt.Errorf("%s: %w", projectID, ErrNoFiles)
	}

	contents := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(materializeConcurrency)
	for i, filename := range files {
		g.Go(func() error {
			text, err := a.engine.MaterializeStored(gctx, projectID, filename)
			if err != nil {
				return fmt.Errorf("materialize %s: %w", filename, err)
			}
			contents[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", 0, err
	}

	name := fmt.Sprintf("%s-%s.tar.gz", projectID, time.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(a.dir, name)
	size, err := a.write(path, files, contents)
	if err != nil {
		_ = os.Remove(path)
		return "", 0, err
	}

	a.logger.Info("project archive written",
		"project", projectID, "archive", name, "files", len(files), "bytes", size)
	return name, size, nil
}

// write streams the archive to disk and returns its final size.
func (a *Archiver) write(path string, files, contents []string) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	now := time.Now().UTC()
	for i, filename := range files {
		hdr := &tar.Header{
			Name:    filename,
			Mode:    0o644,
			Size:    int64(len(contents[i])),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return 0, fmt.Errorf("write header %s: %w", filename, err)
		}
		if _, err := tw.Write([]byte(contents[i])); err != nil {
			return 0, fmt.Errorf("write %s: %w", filename, err)
		}
	}

	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("close tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("close gzip stream: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync archive: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat archive: %w", err)
	}
	return info.Size(), nil
}
