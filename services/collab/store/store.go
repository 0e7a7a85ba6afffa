// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

// Package store persists serialized document state in BadgerDB.
//
// One record exists per (project, filename):
//
//	doc/<project_id>/<filename> -> crdt state bytes
//
// The project file index is never cached: List re-derives it with a prefix
// scan on every call, so there is no cache to invalidate and the index
// always reflects store state at query time.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when no document exists under the given key.
var ErrNotFound = errors.New("document not found")

const docPrefix = "doc/"

// Config holds configuration for the document store.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is
	// true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful for
	// testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. If nil, Badger's
	// logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: durable writes and
// five-minute garbage collection.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DocumentStore is the durable backend for replicated documents.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB provides its own transaction
// isolation.
type DocumentStore struct {
	db     *badger.DB
	stopGC chan struct{}
	doneGC chan struct{}
}

// Open creates the store, opening (or creating) the underlying database.
//
// # Description
//
// Opens BadgerDB at cfg.Path (created if missing) or in memory, wires the
// slog adapter, and starts the value-log GC loop when configured.
//
// # Outputs
//
//   - *DocumentStore: ready-to-use store. Caller must Close().
//   - error: non-nil if the path is invalid or the database cannot open.
func Open(cfg Config) (*DocumentStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &DocumentStore{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return s, nil
}

// Close stops garbage collection and closes the database.
func (s *DocumentStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
	}
	return s.db.Close()
}

func (s *DocumentStore) runGC(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(s.doneGC)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// key builds the record key for one document.
func key(projectID, filename string) []byte {
	return []byte(docPrefix + projectID + "/" + filename)
}

// Put writes the serialized state for one document, overwriting any
// previous record.
func (s *DocumentStore) Put(ctx context.Context, projectID, filename string, state []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(projectID, filename), state)
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", projectID, filename, err)
	}
	return nil
}

// Get reads the serialized state for one document. Returns ErrNotFound
// when no record exists.
func (s *DocumentStore) Get(ctx context.Context, projectID, filename string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	var state []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(projectID, filename))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		state, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%s/%s: %w", projectID, filename, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s/%s: %w", projectID, filename, err)
	}
	return state, nil
}

// Delete removes one document record. Deleting a missing record is a
// no-op.
func (s *DocumentStore) Delete(ctx context.Context, projectID, filename string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(projectID, filename))
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", projectID, filename, err)
	}
	return nil
}

// Exists reports whether a record is present for the document.
func (s *DocumentStore) Exists(ctx context.Context, projectID, filename string) (bool, error) {
	_, err := s.Get(ctx, projectID, filename)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns the filenames of every document belonging to a project,
// derived by prefix scan. The result is the authoritative project file
// index.
func (s *DocumentStore) List(ctx context.Context, projectID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	prefix := []byte(docPrefix + projectID + "/")
	var files []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().Key()
			files = append(files, strings.TrimPrefix(string(k), string(prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list project %s: %w", projectID, err)
	}
	return files, nil
}
