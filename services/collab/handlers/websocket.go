// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

// Package handlers contains the HTTP and websocket entry points of the
// collaboration service.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mhnu16/Collab-IDE/pkg/extensions"
	"github.com/mhnu16/Collab-IDE/services/collab/crdt"
	"github.com/mhnu16/Collab-IDE/services/collab/datatypes"
	"github.com/mhnu16/Collab-IDE/services/collab/engine"
	"github.com/mhnu16/Collab-IDE/services/collab/export"
	"github.com/mhnu16/Collab-IDE/services/collab/observability"
	"github.com/mhnu16/Collab-IDE/services/collab/rooms"
	"github.com/mhnu16/Collab-IDE/services/collab/sandbox"
)

const (
	// pongWait is how long to wait for any read before the connection
	// is considered dead. Kept above the client writer's ping period.
	pongWait = 60 * time.Second

	// maxFrameBytes bounds one inbound frame: the update payload limit
	// plus envelope overhead.
	maxFrameBytes = datatypes.MaxUpdatePayloadBytes + 64*1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Credentials are checked by the access gate, not the origin.
		return true
	},
}

// WebSocket serves GET /ws/:project_id, the single entry point of the
// collaboration protocol.
//
// # Description
//
// The handler authorizes the credential once at handshake, joins the
// client to its project room, and then runs the connection's read loop.
// Every inbound frame is dispatched sequentially on that loop, so
// per-connection state needs no locking. Outbound frames go through the
// client's writer queue.
type WebSocket struct {
	engine   *engine.Engine
	hub      *rooms.Hub
	sandbox  *sandbox.Manager
	archiver *export.Archiver
	metrics  *observability.Metrics
	opts     *extensions.ServiceOptions
	logger   *slog.Logger

	// siteCounter hands out CRDT site ids for browser replicas. Site 1
	// is reserved for the server, so connections start at 2. Owned per
	// instance so independent services never share replica ids.
	siteCounter atomic.Uint32
}

// NewWebSocket wires the handler. opts is normalized, so the gate,
// directory and audit logger are never nil.
func NewWebSocket(eng *engine.Engine, hub *rooms.Hub, sb *sandbox.Manager,
	arch *export.Archiver, metrics *observability.Metrics,
	opts *extensions.ServiceOptions, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	s := &WebSocket{
		engine:   eng,
		hub:      hub,
		sandbox:  sb,
		archiver: arch,
		metrics:  metrics,
		opts:     opts,
		logger:   logger,
	}
	s.siteCounter.Store(1)
	return s
}

// credential pulls the client credential from the query string or the
// session cookie.
func credential(c *gin.Context) string {
	if tok := c.Query("token"); tok != "" {
		return tok
	}
	if tok, err := c.Cookie("collab_token"); err == nil {
		return tok
	}
	return ""
}

// Handle returns the gin handler for the websocket endpoint.
func (s *WebSocket) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param("project_id")
		ctx := c.Request.Context()

		// Authorization happens exactly once, before the upgrade. No
		// room state is observable by a rejected client.
		authInfo, err := s.opts.AccessGate.Authorize(ctx, projectID, credential(c))
		if err != nil {
			s.logger.Warn("websocket authorization denied",
				"project", projectID, "error", err)
			s.audit(ctx, "connection.denied", "", projectID, "denied")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		if _, err := s.opts.ProjectDirectory.Lookup(ctx, projectID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown project"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Error("websocket upgrade failed", "error", err)
			return
		}

		client := rooms.NewClient(ws, authInfo.UserID, authInfo.DisplayName,
			s.siteCounter.Add(1), s.logger)
		s.hub.Join(projectID, client)
		s.metrics.ActiveConnections.Inc()
		s.metrics.ActiveRooms.Set(float64(s.hub.RoomCount()))
		s.audit(context.Background(), "connection.opened", authInfo.UserID, projectID, "success")
		s.logger.Info("websocket client connected",
			"project", projectID, "user", authInfo.UserID, "client", client.ID)

		conn := &connection{
			server:      s,
			projectID:   projectID,
			client:      client,
			ws:          ws,
			openHandles: make(map[string]*engine.Handle),
		}
		conn.sendFileStructure("")

		conn.readLoop()
		conn.cleanup()
	}
}

// audit records an access event, fire and forget.
func (s *WebSocket) audit(ctx context.Context, event, userID, projectID, outcome string) {
	s.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType: event,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		ProjectID: projectID,
		Outcome:   outcome,
	})
}

// =============================================================================
// Connection state
// =============================================================================

// connection is the per-socket state. Only the read loop goroutine
// touches it, which keeps dispatch lock-free.
type connection struct {
	server    *WebSocket
	projectID string
	client    *rooms.Client
	ws        *websocket.Conn

	// openHandles maps filename to this connection's document handle.
	openHandles map[string]*engine.Handle
}

// readLoop pumps inbound frames until the peer goes away.
func (c *connection) readLoop() {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.server.logger.Info("websocket client disconnected",
				"project", c.projectID, "client", c.client.ID, "reason", err.Error())
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		env, err := datatypes.ParseEnvelope(raw)
		if err != nil {
			c.sendError("", datatypes.CodeInvalidRequest, err.Error())
			continue
		}
		c.dispatch(env)
	}
}

// cleanup releases everything the connection held.
func (c *connection) cleanup() {
	ctx := context.Background()
	for filename, h := range c.openHandles {
		c.server.engine.Release(ctx, h)
		delete(c.openHandles, filename)
	}
	c.server.hub.Leave(c.projectID, c.client)
	c.client.Close()

	c.server.metrics.ActiveConnections.Dec()
	c.server.metrics.ActiveRooms.Set(float64(c.server.hub.RoomCount()))
	c.server.metrics.OpenDocuments.Set(float64(c.server.engine.OpenCount()))
	c.server.audit(ctx, "connection.closed", c.client.UserID, c.projectID, "success")
}

// dispatch routes one validated envelope.
func (c *connection) dispatch(env datatypes.Envelope) {
	var err error
	switch env.Event {
	case datatypes.EventGetFileStructure:
		err = c.handleGetFileStructure(env)
	case datatypes.EventCreateNewFile:
		err = c.handleCreateFile(env)
	case datatypes.EventDeleteFile:
		err = c.handleDeleteFile(env)
	case datatypes.EventOpenFile:
		err = c.handleOpenFile(env)
	case datatypes.EventCloseFile:
		err = c.handleCloseFile(env)
	case datatypes.EventDocUpdate:
		err = c.handleDocUpdate(env)
	case datatypes.EventStartContainer:
		err = c.handleStartContainer(env)
	case datatypes.EventStopContainer:
		err = c.handleStopContainer(env)
	case datatypes.EventTerminalInput:
		err = c.handleTerminalInput(env)
	case datatypes.EventExportProject:
		err = c.handleExportProject(env)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	c.server.metrics.EventsTotal.WithLabelValues(env.Event, status).Inc()
}

// =============================================================================
// Outbound helpers
// =============================================================================

func (c *connection) send(event, requestID string, payload any) {
	frame, err := datatypes.NewEvent(event, requestID, payload)
	if err != nil {
		c.server.logger.Error("encode outbound frame failed", "event", event, "error", err)
		return
	}
	c.client.Send(frame)
}

func (c *connection) sendError(requestID, code, message string) {
	frame, err := datatypes.NewErrorEvent(requestID, code, message)
	if err != nil {
		return
	}
	c.client.Send(frame)
}

// sendFileStructure replies the current index to this client.
func (c *connection) sendFileStructure(requestID string) {
	files, err := c.server.engine.Files(context.Background(), c.projectID)
	if err != nil {
		c.sendError(requestID, datatypes.CodeInternal, "listing project files failed")
		return
	}
	c.send(datatypes.EventFileStructureUpdate, requestID, datatypes.FileStructureUpdate{Files: files})
}

// broadcastFileStructure pushes the fresh index to the whole room,
// including the originator.
func (c *connection) broadcastFileStructure() {
	files, err := c.server.engine.Files(context.Background(), c.projectID)
	if err != nil {
		c.server.logger.Error("listing project files failed",
			"project", c.projectID, "error", err)
		return
	}
	frame, err := datatypes.NewEvent(datatypes.EventFileStructureUpdate, "",
		datatypes.FileStructureUpdate{Files: files})
	if err != nil {
		return
	}
	c.server.hub.BroadcastProject(c.projectID, frame, nil)
}

// =============================================================================
// File structure events
// =============================================================================

func (c *connection) handleGetFileStructure(env datatypes.Envelope) error {
	c.sendFileStructure(env.RequestID)
	return nil
}

func parseFileRequest(env datatypes.Envelope) (datatypes.FileRequest, error) {
	var req datatypes.FileRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return req, err
	}
	return req, req.Validate()
}

func (c *connection) handleCreateFile(env datatypes.Envelope) error {
	req, err := parseFileRequest(env)
	if err != nil {
		c.sendError(env.RequestID, datatypes.CodeInvalidRequest, err.Error())
		return err
	}

	err = c.server.engine.Create(context.Background(), c.projectID, req.Filename)
	switch {
	case errors.Is(err, engine.ErrExists):
		c.sendError(env.RequestID, datatypes.CodeAlreadyExists, req.Filename+" already exists")
		return err
	case err != nil:
		c.sendError(env.RequestID, datatypes.CodeInternal, "creating file failed")
		return err
	}

	c.server.audit(context.Background(), "file.create", c.client.UserID, c.projectID, "success")
	c.broadcastFileStructure()
	return nil
}

func (c *connection) handleDeleteFile(env datatypes.Envelope) error {
	req, err := parseFileRequest(env)
	if err != nil {
		c.sendError(env.RequestID, datatypes.CodeInvalidRequest, err.Error())
		return err
	}

	err = c.server.engine.Remove(context.Background(), c.projectID, req.Filename)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		// Deleting a missing file is a no-op: no broadcast, but the
		// caller learns why nothing happened.
		c.sendError(env.RequestID, datatypes.CodeNotFound, req.Filename+" does not exist")
		return err
	case err != nil:
		c.sendError(env.RequestID, datatypes.CodeInternal, "deleting file failed")
		return err
	}

	// The connection's own handle, if any, dies with the file. Other
	// connections drop theirs on close_file or disconnect; the engine
	// refuses updates against removed documents either way.
	if h, open := c.openHandles[req.Filename]; open {
		c.server.engine.Release(context.Background(), h)
		delete(c.openHandles, req.Filename)
	}
	c.server.hub.DropFile(c.projectID, req.Filename)

	c.server.audit(context.Background(), "file.delete", c.client.UserID, c.projectID, "success")
	c.broadcastFileStructure()
	return nil
}

// =============================================================================
// Document events
// =============================================================================

func (c *connection) handleOpenFile(env datatypes.Envelope) error {
	req, err := parseFileRequest(env)
	if err != nil {
		c.sendError(env.RequestID, datatypes.CodeInvalidRequest, err.Error())
		return err
	}

	h, open := c.openHandles[req.Filename]
	if !open {
		h, err = c.server.engine.Open(context.Background(), c.projectID, req.Filename)
		if err != nil {
			c.sendError(env.RequestID, datatypes.CodeInternal, "opening file failed")
			return err
		}
		c.openHandles[req.Filename] = h
		c.server.hub.Subscribe(c.projectID, req.Filename, c.client)
		c.server.metrics.OpenDocuments.Set(float64(c.server.engine.OpenCount()))
	}

	// Hydration is point-to-point: the full document state goes to the
	// opener only. A repeated open just re-hydrates.
	c.send(datatypes.EventDocState, env.RequestID, datatypes.DocState{
		Filename: req.Filename,
		State:    c.server.engine.State(h),
	})
	return nil
}

func (c *connection) handleCloseFile(env datatypes.Envelope) error {
	req, err := parseFileRequest(env)
	if err != nil {
		c.sendError(env.RequestID, datatypes.CodeInvalidRequest, err.Error())
		return err
	}

	h, open := c.openHandles[req.Filename]
	if !open {
		return nil
	}
	delete(c.openHandles, req.Filename)
	c.server.hub.Unsubscribe(c.projectID, req.Filename, c.client)
	c.server.engine.Release(context.Background(), h)
	c.server.metrics.OpenDocuments.Set(float64(c.server.engine.OpenCount()))
	return nil
}

func (c *connection) handleDocUpdate(env datatypes.Envelope) error {
	var req datatypes.DocUpdate
	if err := json.Unmarshal(env.Data, &req); err != nil {
		c.sendError(env.RequestID, datatypes.CodeInvalidRequest, err.Error())
		return err
	}
	if err := req.Validate(); err != nil {
		c.sendError(env.RequestID, datatypes.CodeInvalidRequest, err.Error())
		return err
	}

	h, open := c.openHandles[req.Filename]
	if !open {
		err := errors.New("file not open on this connection")
		c.sendError(env.RequestID, datatypes.CodeInvalidRequest, err.Error())
		return err
	}

	started := time.Now()
	canonical, err := c.server.engine.ApplyUpdate(context.Background(), h, req.Update)
	switch {
	case errors.Is(err, crdt.ErrMalformed):
		c.server.metrics.MergesTotal.WithLabelValues("malformed").Inc()
		c.sendError(env.RequestID, datatypes.CodeMalformedUpdate, "update rejected")
		return err
	case errors.Is(err, engine.ErrNotFound):
		c.sendError(env.RequestID, datatypes.CodeNotFound, req.Filename+" was deleted")
		return err
	case err != nil:
		c.sendError(env.RequestID, datatypes.CodeInternal, "merge failed")
		return err
	}
	c.server.metrics.MergesTotal.WithLabelValues("applied").Inc()
	c.server.metrics.MergeDurationSeconds.Observe(time.Since(started).Seconds())

	frame, err := datatypes.NewEvent(datatypes.EventDocUpdate, "", datatypes.DocUpdate{
		Filename: req.Filename,
		Update:   canonical,
	})
	if err != nil {
		return err
	}
	c.server.hub.BroadcastFile(c.projectID, req.Filename, frame, c.client)
	return nil
}

// =============================================================================
// Execution events
// =============================================================================

func (c *connection) handleStartContainer(env datatypes.Envelope) error {
	// Starting can take a minute when the image needs pulling; the read
	// loop must not stall behind it. Status frames reach the room
	// through the sandbox sinks.
	go func() {
		if err := c.server.sandbox.Start(context.Background(), c.projectID); err != nil {
			c.server.metrics.SandboxStartsTotal.WithLabelValues("error").Inc()
			return
		}
		c.server.metrics.SandboxStartsTotal.WithLabelValues("ok").Inc()
		c.server.metrics.SandboxSessions.Set(float64(c.server.sandbox.SessionCount()))
	}()
	return nil
}

func (c *connection) handleStopContainer(env datatypes.Envelope) error {
	err := c.server.sandbox.Stop(context.Background(), c.projectID)
	if errors.Is(err, sandbox.ErrNotRunning) {
		// Stopping a stopped sandbox is a no-op.
		return nil
	}
	c.server.metrics.SandboxSessions.Set(float64(c.server.sandbox.SessionCount()))
	return err
}

func (c *connection) handleTerminalInput(env datatypes.Envelope) error {
	var req datatypes.TerminalInput
	if err := json.Unmarshal(env.Data, &req); err != nil {
		c.sendError(env.RequestID, datatypes.CodeInvalidRequest, err.Error())
		return err
	}
	if err := req.Validate(); err != nil {
		c.sendError(env.RequestID, datatypes.CodeInvalidRequest, err.Error())
		return err
	}

	if err := c.server.sandbox.SendInput(c.projectID, req.Input); err != nil {
		c.sendError(env.RequestID, datatypes.CodeSandboxUnavailable, "no running sandbox")
		return err
	}
	return nil
}

func (c *connection) handleExportProject(env datatypes.Envelope) error {
	// Archive building reads every document; keep it off the read loop.
	client := c.client
	server := c.server
	projectID := c.projectID
	requestID := env.RequestID
	go func() {
		name, size, err := server.archiver.Archive(context.Background(), projectID)
		if err != nil {
			server.metrics.ExportsTotal.WithLabelValues("error").Inc()
			code := datatypes.CodeInternal
			if errors.Is(err, export.ErrNoFiles) {
				code = datatypes.CodeNotFound
			}
			if frame, ferr := datatypes.NewErrorEvent(requestID, code, "export failed"); ferr == nil {
				client.Send(frame)
			}
			return
		}
		server.metrics.ExportsTotal.WithLabelValues("ok").Inc()
		frame, ferr := datatypes.NewEvent(datatypes.EventExportReady, requestID,
			datatypes.ExportReady{Name: name, Size: size})
		if ferr == nil {
			client.Send(frame)
		}
	}()
	return nil
}
