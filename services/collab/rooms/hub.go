// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

// Package rooms routes frames between websocket clients grouped by
// project and, within a project, by open file.
//
// A Hub is an explicitly owned value injected into the handlers; there
// is no process-wide singleton. Rooms are created lazily on first join
// and removed when their last member leaves. The ≥1→0 transition of a
// project room fires the OnProjectEmpty callback exactly once, which is
// what ties sandbox teardown to room lifetime.
package rooms

import (
	"log/slog"
	"sync"
)

// projectRoom tracks a project's members and per-file subscriptions.
type projectRoom struct {
	clients map[*Client]struct{}
	files   map[string]map[*Client]struct{}
}

// Hub owns every active room in the process.
//
// # Thread Safety
//
// Safe for concurrent use. Callbacks run outside the hub lock, so they
// may call back into the hub.
type Hub struct {
	logger *slog.Logger

	// OnProjectEmpty fires after the last member of a project room
	// leaves. Optional.
	OnProjectEmpty func(projectID string)

	mu       sync.Mutex
	projects map[string]*projectRoom
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger,
		projects: make(map[string]*projectRoom),
	}
}

// =============================================================================
// Membership
// =============================================================================

// Join adds the client to the project room, creating the room on first
// join. Reports whether the room was newly created.
func (h *Hub) Join(projectID string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.projects[projectID]
	if !ok {
		room = &projectRoom{
			clients: make(map[*Client]struct{}),
			files:   make(map[string]map[*Client]struct{}),
		}
		h.projects[projectID] = room
	}
	room.clients[c] = struct{}{}
	return !ok
}

// Leave removes the client from the project room and from every file
// room it was subscribed to. Returns the filenames the client was still
// subscribed to, so the caller can release the matching document
// references. Fires OnProjectEmpty when the last member leaves.
func (h *Hub) Leave(projectID string, c *Client) []string {
	h.mu.Lock()
	room, ok := h.projects[projectID]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	delete(room.clients, c)

	var open []string
	for filename, subs := range room.files {
		if _, sub := subs[c]; sub {
			delete(subs, c)
			open = append(open, filename)
			if len(subs) == 0 {
				delete(room.files, filename)
			}
		}
	}

	empty := len(room.clients) == 0
	if empty {
		delete(h.projects, projectID)
	}
	h.mu.Unlock()

	if empty && h.OnProjectEmpty != nil {
		h.OnProjectEmpty(projectID)
	}
	return open
}

// Subscribe adds the client to a file room within its project. Reports
// whether the client was newly subscribed; a repeated subscribe is a
// no-op returning false, so callers can keep document refcounts at one
// per (client, file).
func (h *Hub) Subscribe(projectID, filename string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.projects[projectID]
	if !ok {
		return false
	}
	if _, member := room.clients[c]; !member {
		return false
	}
	subs, ok := room.files[filename]
	if !ok {
		subs = make(map[*Client]struct{})
		room.files[filename] = subs
	}
	if _, already := subs[c]; already {
		return false
	}
	subs[c] = struct{}{}
	return true
}

// Unsubscribe removes the client from a file room. Reports whether the
// client was subscribed.
func (h *Hub) Unsubscribe(projectID, filename string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.projects[projectID]
	if !ok {
		return false
	}
	subs, ok := room.files[filename]
	if !ok {
		return false
	}
	if _, sub := subs[c]; !sub {
		return false
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(room.files, filename)
	}
	return true
}

// DropFile removes a file room outright, returning its former
// subscribers. Used when the file itself is deleted.
func (h *Hub) DropFile(projectID, filename string) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.projects[projectID]
	if !ok {
		return nil
	}
	subs, ok := room.files[filename]
	if !ok {
		return nil
	}
	delete(room.files, filename)
	out := make([]*Client, 0, len(subs))
	for c := range subs {
		out = append(out, c)
	}
	return out
}

// =============================================================================
// Broadcast
// =============================================================================

// BroadcastProject sends a frame to every member of the project room,
// minus the excluded client (pass nil to include everyone).
func (h *Hub) BroadcastProject(projectID string, msg []byte, exclude *Client) {
	for _, c := range h.projectMembers(projectID) {
		if c == exclude {
			continue
		}
		c.Send(msg)
	}
}

// BroadcastFile sends a frame to every subscriber of the file room,
// minus the excluded client. Project members who have not opened the
// file receive nothing.
func (h *Hub) BroadcastFile(projectID, filename string, msg []byte, exclude *Client) {
	h.mu.Lock()
	room, ok := h.projects[projectID]
	if !ok {
		h.mu.Unlock()
		return
	}
	subs := room.files[filename]
	targets := make([]*Client, 0, len(subs))
	for c := range subs {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if c == exclude {
			continue
		}
		c.Send(msg)
	}
}

func (h *Hub) projectMembers(projectID string) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.projects[projectID]
	if !ok {
		return nil
	}
	out := make([]*Client, 0, len(room.clients))
	for c := range room.clients {
		out = append(out, c)
	}
	return out
}

// =============================================================================
// Introspection
// =============================================================================

// RoomCount reports the number of active project rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.projects)
}

// MemberCount reports the number of members in a project room.
func (h *Hub) MemberCount(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.projects[projectID]
	if !ok {
		return 0
	}
	return len(room.clients)
}

// SubscriberCount reports the number of subscribers of a file room.
func (h *Hub) SubscriberCount(projectID, filename string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.projects[projectID]
	if !ok {
		return 0
	}
	return len(room.files[filename])
}
