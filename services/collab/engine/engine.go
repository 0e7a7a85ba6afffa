// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

// Package engine maintains the live replicated documents and connects the
// CRDT merge logic to durable storage.
//
// One Engine instance owns every open document in the process. Documents
// are refcounted: repeated opens of the same (project, filename) return
// the same live instance, and the in-memory state is released when the
// last subscriber goes away. The merge layer (package crdt) and the
// storage layer (package store) stay behind separate interfaces; this
// package is the explicit adapter between them.
//
// # Persistence
//
// Every applied update flushes the full document state to the store. A
// failed flush marks the document dirty and a background loop retries it;
// an update is never silently dropped. Until a flush succeeds the
// in-memory document is the only copy, so a process crash inside that
// window loses the update (accepted residual risk, logged loudly).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mhnu16/Collab-IDE/services/collab/crdt"
	"github.com/mhnu16/Collab-IDE/services/collab/store"
)

// serverSite is the CRDT site id reserved for server-originated edits
// (structural changes, imports). Browser replicas use ids handed out by
// the connection layer, which start above this.
const serverSite uint32 = 1

// ErrExists is returned by Create when the document already has a record.
var ErrExists = errors.New("document already exists")

// ErrNotFound mirrors the store's sentinel for callers of this package.
var ErrNotFound = store.ErrNotFound

// Config tunes the engine's persistence behavior.
type Config struct {
	// FlushRetryInterval is how often failed flushes are retried.
	// Default: 2 seconds.
	FlushRetryInterval time.Duration
}

// Handle is one live replicated document. All access to the underlying
// CRDT goes through the engine so merges stay serialized per document.
type Handle struct {
	projectID string
	filename  string

	mu      sync.Mutex
	doc     *crdt.Doc
	refs    int
	dirty   bool
	deleted bool

	// flushMu serializes store writes for this document. Each flush
	// encodes the state after acquiring it, so the last write to the
	// store always carries the freshest snapshot even when updates from
	// several connections race.
	flushMu sync.Mutex
}

// ProjectID returns the owning project id.
func (h *Handle) ProjectID() string { return h.projectID }

// Filename returns the document's filename within the project.
func (h *Handle) Filename() string { return h.filename }

// Engine owns the registry of open documents.
//
// # Thread Safety
//
// Safe for concurrent use. The registry map is guarded by the engine
// mutex; per-document state is guarded by each handle's mutex.
type Engine struct {
	store  *store.DocumentStore
	logger *slog.Logger

	mu   sync.Mutex
	docs map[string]*Handle

	retryInterval time.Duration
	stopRetry     chan struct{}
	doneRetry     chan struct{}
}

// New creates an engine backed by the given store and starts its flush
// retry loop. Call Close to stop it.
func New(st *store.DocumentStore, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FlushRetryInterval <= 0 {
		cfg.FlushRetryInterval = 2 * time.Second
	}
	e := &Engine{
		store:         st,
		logger:        logger,
		docs:          make(map[string]*Handle),
		retryInterval: cfg.FlushRetryInterval,
		stopRetry:     make(chan struct{}),
		doneRetry:     make(chan struct{}),
	}
	go e.retryLoop()
	return e
}

// Close stops the retry loop after a final flush attempt for every dirty
// document.
func (e *Engine) Close() {
	close(e.stopRetry)
	<-e.doneRetry
	e.flushDirty(context.Background())
}

func docKey(projectID, filename string) string {
	return projectID + "/" + filename
}

// =============================================================================
// Document lifecycle
// =============================================================================

// Open returns the live document for (projectID, filename), loading
// persisted state on first open or creating an empty document when no
// record exists. Opens are refcounted; every Open needs a matching
// Release.
func (e *Engine) Open(ctx context.Context, projectID, filename string) (*Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := docKey(projectID, filename)
	if h, ok := e.docs[key]; ok {
		h.mu.Lock()
		h.refs++
		h.mu.Unlock()
		return h, nil
	}

	var doc *crdt.Doc
	state, err := e.store.Get(ctx, projectID, filename)
	switch {
	case errors.Is(err, store.ErrNotFound):
		doc = crdt.NewDoc(serverSite)
	case err != nil:
		return nil, fmt.Errorf("load document: %w", err)
	default:
		doc, err = crdt.DecodeState(serverSite, state)
		if err != nil {
			return nil, fmt.Errorf("decode persisted state for %s: %w", key, err)
		}
	}

	h := &Handle{projectID: projectID, filename: filename, doc: doc, refs: 1}
	e.docs[key] = h
	return h, nil
}

// Release drops one reference. When the last reference goes away the
// in-memory state is flushed and released; persisted state is untouched.
func (e *Engine) Release(ctx context.Context, h *Handle) {
	e.mu.Lock()
	h.mu.Lock()
	h.refs--
	last := h.refs <= 0
	dirty := h.dirty && !h.deleted
	h.mu.Unlock()

	if last {
		// The registry slot may already belong to a successor handle
		// when the document was removed and recreated while this
		// handle was still held. Only evict our own entry.
		key := docKey(h.projectID, h.filename)
		if cur, ok := e.docs[key]; ok && cur == h {
			delete(e.docs, key)
		}
	}
	e.mu.Unlock()

	if !last || !dirty {
		return
	}
	if err := e.persist(ctx, h); err != nil {
		// The handle is gone from the registry; this state is now
		// unrecoverable.
		e.logger.Error("final flush failed, update lost on release",
			"project", h.projectID, "file", h.filename, "error", err)
	}
}

// OpenCount reports the number of live documents. Exposed for tests and
// diagnostics.
func (e *Engine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.docs)
}

// =============================================================================
// Merging
// =============================================================================

// ApplyUpdate merges an incoming encoded operation batch into the live
// document and schedules persistence.
//
// # Description
//
// The update is decoded, validated, and merged; the merge is commutative
// and idempotent, so duplicate or out-of-order delivery is safe. The
// returned bytes are the canonical re-encoding of the batch for broadcast
// to the file room. Malformed input returns an error wrapping
// crdt.ErrMalformed and leaves the document untouched.
func (e *Engine) ApplyUpdate(ctx context.Context, h *Handle, update []byte) ([]byte, error) {
	ops, err := crdt.DecodeUpdate(update)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.deleted {
		h.mu.Unlock()
		return nil, fmt.Errorf("%s/%s: %w", h.projectID, h.filename, ErrNotFound)
	}
	if err := h.doc.ApplyAll(ops); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	h.mu.Unlock()

	if err := e.persist(ctx, h); err != nil {
		e.logger.Warn("document flush failed, scheduling retry",
			"project", h.projectID, "file", h.filename, "error", err)
	}
	return crdt.EncodeUpdate(ops), nil
}

// Materialize returns the document's current flattened text.
func (e *Engine) Materialize(h *Handle) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.Materialize()
}

// State returns the full encoded document state, used for point-to-point
// hydration of a newly joined replica.
func (e *Engine) State(h *Handle) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.EncodeState()
}

// =============================================================================
// Structural operations
// =============================================================================

// Create persists an empty document record. Returns ErrExists when a
// record (or live document) is already present.
func (e *Engine) Create(ctx context.Context, projectID, filename string) error {
	e.mu.Lock()
	_, live := e.docs[docKey(projectID, filename)]
	e.mu.Unlock()
	if live {
		return fmt.Errorf("%s/%s: %w", projectID, filename, ErrExists)
	}

	ok, err := e.store.Exists(ctx, projectID, filename)
	if err != nil {
		return fmt.Errorf("check document: %w", err)
	}
	if ok {
		return fmt.Errorf("%s/%s: %w", projectID, filename, ErrExists)
	}

	empty := crdt.NewDoc(serverSite).EncodeState()
	if err := e.store.Put(ctx, projectID, filename, empty); err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// Remove deletes the persisted record and drops any live in-memory state.
// Returns ErrNotFound when the document does not exist, so callers can
// treat the call as a no-op and skip their broadcast.
func (e *Engine) Remove(ctx context.Context, projectID, filename string) error {
	ok, err := e.store.Exists(ctx, projectID, filename)
	if err != nil {
		return fmt.Errorf("check document: %w", err)
	}
	if !ok {
		return fmt.Errorf("%s/%s: %w", projectID, filename, ErrNotFound)
	}

	if err := e.store.Delete(ctx, projectID, filename); err != nil {
		return fmt.Errorf("remove document: %w", err)
	}

	e.mu.Lock()
	if h, live := e.docs[docKey(projectID, filename)]; live {
		// Stale handles held by other connections must not flush the
		// deleted document back into the store.
		h.mu.Lock()
		h.deleted = true
		h.mu.Unlock()
		delete(e.docs, docKey(projectID, filename))
	}
	e.mu.Unlock()
	return nil
}

// Files returns the project's file index, always re-derived from the
// store.
func (e *Engine) Files(ctx context.Context, projectID string) ([]string, error) {
	return e.store.List(ctx, projectID)
}

// MaterializeStored flattens a document directly from persisted state,
// preferring the live in-memory copy when one exists. Used by the sandbox
// exporter and the archive builder, which must see cold files too.
func (e *Engine) MaterializeStored(ctx context.Context, projectID, filename string) (string, error) {
	e.mu.Lock()
	h, live := e.docs[docKey(projectID, filename)]
	e.mu.Unlock()
	if live {
		return e.Materialize(h), nil
	}

	state, err := e.store.Get(ctx, projectID, filename)
	if err != nil {
		return "", err
	}
	doc, err := crdt.DecodeState(serverSite, state)
	if err != nil {
		return "", fmt.Errorf("decode persisted state: %w", err)
	}
	return doc.Materialize(), nil
}

// =============================================================================
// Persistence
// =============================================================================

// persist writes the document's current encoded state, falling back to
// the dirty flag and retry loop on failure. The state is encoded only
// after flushMu is held, so racing flushes commit in snapshot order and
// the store never ends up behind an acknowledged update.
func (e *Engine) persist(ctx context.Context, h *Handle) error {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()

	h.mu.Lock()
	if h.deleted {
		h.mu.Unlock()
		return nil
	}
	state := h.doc.EncodeState()
	h.mu.Unlock()

	if err := e.store.Put(ctx, h.projectID, h.filename, state); err != nil {
		h.mu.Lock()
		h.dirty = true
		h.mu.Unlock()
		return err
	}
	h.mu.Lock()
	h.dirty = false
	h.mu.Unlock()
	return nil
}

func (e *Engine) retryLoop() {
	defer close(e.doneRetry)

	ticker := time.NewTicker(e.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopRetry:
			return
		case <-ticker.C:
			e.flushDirty(context.Background())
		}
	}
}

// flushDirty retries persistence for every dirty document.
func (e *Engine) flushDirty(ctx context.Context) {
	e.mu.Lock()
	handles := make([]*Handle, 0, len(e.docs))
	for _, h := range e.docs {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		skip := !h.dirty || h.deleted
		h.mu.Unlock()
		if skip {
			continue
		}

		if err := e.persist(ctx, h); err != nil {
			e.logger.Warn("document flush retry failed",
				"project", h.projectID, "file", h.filename, "error", err)
			continue
		}
		e.logger.Info("document flush retry succeeded",
			"project", h.projectID, "file", h.filename)
	}
}
