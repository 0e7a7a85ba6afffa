// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

package extensions

import (
	"context"
	"time"
)

// AuditEvent records one security-relevant action for compliance logging.
type AuditEvent struct {
	// EventType categorizes the event for filtering and alerting.
	// Format: "category.action" (e.g., "connection.denied",
	// "sandbox.start", "file.delete")
	EventType string

	// Timestamp is when the event occurred (always UTC). If zero,
	// implementations should set it to time.Now().UTC().
	Timestamp time.Time

	// UserID identifies who performed the action. Use "system" for
	// automated actions.
	UserID string

	// ProjectID scopes the event to one project, when applicable.
	ProjectID string

	// Outcome indicates the result: "success", "denied", or "error".
	Outcome string

	// Metadata holds additional event-specific data (filename, container
	// id, error message, ...).
	Metadata map[string]any
}

// AuditLogger records security-relevant events.
//
// Implementations must not block the caller: buffer internally and flush
// asynchronously. Log failures are the implementation's problem to report;
// callers fire and forget.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent)
}

// NopAuditLogger discards all events. Default for open-source use.
//
// Thread-safe: no mutable state.
type NopAuditLogger struct{}

// Log discards the event.
func (NopAuditLogger) Log(context.Context, AuditEvent) {}

var _ AuditLogger = NopAuditLogger{}
