// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrProjectNotFound is returned by ProjectDirectory lookups for unknown
// project ids.
var ErrProjectNotFound = errors.New("project not found")

// ProjectInfo is the metadata record for one project. The collaboration
// core only needs enough to label sessions; the full record (owner,
// members, description) lives in the surrounding application.
type ProjectInfo struct {
	// ID is the opaque project identifier used in document keys and
	// room names.
	ID string

	// Name is the human-readable project name. May be empty.
	Name string

	// Language is an optional hint for the sandbox image choice.
	Language string
}

// ProjectDirectory resolves project ids against the surrounding
// application's metadata store.
//
// The collaboration core consults the directory only to confirm a project
// exists (and pick a sandbox image); file listings always come from the
// document store itself.
type ProjectDirectory interface {
	// Lookup returns metadata for the project, or ErrProjectNotFound.
	Lookup(ctx context.Context, projectID string) (*ProjectInfo, error)
}

// NopProjectDirectory accepts every project id. This is the open-source
// default: any project id presented on a connection is treated as a valid,
// lazily-created project.
//
// Thread-safe: no mutable state.
type NopProjectDirectory struct{}

// Lookup echoes the project id back as a minimal record.
func (NopProjectDirectory) Lookup(_ context.Context, projectID string) (*ProjectInfo, error) {
	return &ProjectInfo{ID: projectID}, nil
}

var _ ProjectDirectory = NopProjectDirectory{}
