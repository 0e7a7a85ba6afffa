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

// ErrUnauthorized is returned when authentication or authorization fails.
// Deployments should wrap this error with additional context:
//
//	if !validSession {
//	    return fmt.Errorf("session expired: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// AccessGate decides whether a session credential may access a project.
//
// # Description
//
// The collaboration server calls Authorize exactly once per new
// connection, during the websocket handshake, and trusts the answer for
// the connection's lifetime. The gate is the only interface to the
// surrounding authorization system; how the credential maps to a user and
// how project membership is stored are deliberately outside this module.
//
// # Open Source Behavior
//
// The default NopAccessGate admits every credential, so the server runs
// without any authentication infrastructure (local/single-user mode).
//
// # Deployment Behavior
//
// Real deployments validate the credential (session cookie, JWT, API key)
// against their user store and check project membership:
//
//	func (g *SessionGate) Authorize(ctx context.Context, projectID, credential string) (*AuthInfo, error) {
//	    user, err := g.sessions.Lookup(ctx, credential)
//	    if err != nil || !user.MemberOf(projectID) {
//	        return nil, fmt.Errorf("project %s: %w", projectID, extensions.ErrUnauthorized)
//	    }
//	    return &extensions.AuthInfo{UserID: user.ID}, nil
//	}
type AccessGate interface {
	// Authorize checks whether the credential grants access to the
	// project.
	//
	// Returns:
	//   - *AuthInfo: identity of the connecting user if allowed
	//   - error: ErrUnauthorized (or wrapped) if denied, other errors
	//     for gate failures (treated as denials by callers)
	Authorize(ctx context.Context, projectID, credential string) (*AuthInfo, error)
}

// AuthInfo contains identity information returned by a successful
// Authorize call. UserID is the only required field; Metadata lets
// deployments attach extra claims without changing the core type.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	// Must never be empty.
	UserID string

	// DisplayName is a human-readable name for presence metadata.
	// May be empty.
	DisplayName string

	// Metadata holds deployment-specific claims.
	Metadata map[string]any
}

// NopAccessGate is the default gate for open-source/single-user use.
// It admits every credential as a local user.
//
// Thread-safe: no mutable state.
type NopAccessGate struct{}

// Authorize always allows, returning a local-user identity.
func (NopAccessGate) Authorize(_ context.Context, _, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", DisplayName: "Local User"}, nil
}

// Compile-time interface compliance.
var _ AccessGate = NopAccessGate{}
