// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

// Package extensions defines the integration points between the
// collaboration core and the surrounding application.
//
// The core treats authentication, project metadata, and audit logging as
// external collaborators: it asks a yes/no question at the connection
// boundary and otherwise never touches user records. Each collaborator is
// an interface with a no-op default, so the server runs stand-alone in
// single-user mode and a deployment can inject real implementations
// without modifying core packages.
package extensions

// ServiceOptions bundles the injectable collaborators for the
// collaboration service. Zero-value fields are replaced with the no-op
// defaults by DefaultOptions / the service constructor.
type ServiceOptions struct {
	// AccessGate authorizes new connections.
	// Default: NopAccessGate (admits everyone as local-user).
	AccessGate AccessGate

	// ProjectDirectory resolves project ids to metadata.
	// Default: NopProjectDirectory (every id is a valid project).
	ProjectDirectory ProjectDirectory

	// AuditLogger records security-relevant events.
	// Default: NopAuditLogger (discards all events).
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with all no-op implementations.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AccessGate:       NopAccessGate{},
		ProjectDirectory: NopProjectDirectory{},
		AuditLogger:      NopAuditLogger{},
	}
}

// WithGate returns a copy of opts using the given access gate.
func (opts ServiceOptions) WithGate(gate AccessGate) ServiceOptions {
	opts.AccessGate = gate
	return opts
}

// WithDirectory returns a copy of opts using the given project directory.
func (opts ServiceOptions) WithDirectory(dir ProjectDirectory) ServiceOptions {
	opts.ProjectDirectory = dir
	return opts
}

// WithAudit returns a copy of opts using the given audit logger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// Normalize fills nil fields with the no-op defaults so callers can pass
// partially populated options.
func (opts ServiceOptions) Normalize() ServiceOptions {
	if opts.AccessGate == nil {
		opts.AccessGate = NopAccessGate{}
	}
	if opts.ProjectDirectory == nil {
		opts.ProjectDirectory = NopProjectDirectory{}
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = NopAuditLogger{}
	}
	return opts
}
