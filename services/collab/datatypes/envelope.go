// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

// Package datatypes provides the wire types for the collaboration
// websocket protocol.
//
// Every frame on the socket is a JSON Envelope: an event name, an
// optional client-chosen request id echoed back in the response, and an
// event-specific payload. Binary document updates ride inside the JSON
// as base64 ([]byte fields), which keeps the protocol single-channel and
// debuggable at the cost of ~33% overhead on update frames.
package datatypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Event Names
// =============================================================================

// Client-to-server events.
const (
	EventGetFileStructure = "get_file_structure"
	EventCreateNewFile    = "create_new_file"
	EventDeleteFile       = "delete_file"
	EventOpenFile         = "open_file"
	EventCloseFile        = "close_file"
	EventDocUpdate        = "doc_update"
	EventStartContainer   = "start_container"
	EventStopContainer    = "stop_container"
	EventTerminalInput    = "terminal_input"
	EventExportProject    = "export_project"
)

// Server-to-client events.
const (
	EventFileStructureUpdate = "file_structure_update"
	EventDocState            = "doc_state"
	EventTerminalOutput      = "terminal_output"
	EventContainerStatus     = "container_status"
	EventExportReady         = "export_ready"
	EventError               = "error"
)

// =============================================================================
// Size Limits
// =============================================================================

const (
	// MaxFilenameBytes bounds project-relative filenames.
	MaxFilenameBytes = 512

	// MaxUpdatePayloadBytes bounds a single encoded document update.
	MaxUpdatePayloadBytes = 1 << 20 // 1MB

	// MaxTerminalInputBytes bounds one terminal_input line.
	MaxTerminalInputBytes = 16 * 1024
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var wireValidate *validator.Validate

func init() {
	wireValidate = validator.New()
	_ = wireValidate.RegisterValidation("docfilename", validateFilename)
}

// validateFilename accepts project-relative paths: non-empty, bounded,
// forward slashes only, no traversal, no absolute paths, no NUL.
func validateFilename(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if name == "" || len(name) > MaxFilenameBytes {
		return false
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	if strings.ContainsRune(name, 0) {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

// =============================================================================
// Envelope
// =============================================================================

// ErrUnknownEvent is returned by ParseEnvelope for event names outside
// the protocol.
var ErrUnknownEvent = errors.New("unknown event")

// Envelope is one websocket frame.
//
// # Fields
//
//   - Event: Required. One of the Event* constants.
//   - RequestID: Optional. Client-chosen correlation id, echoed back on
//     the direct response to this frame. Broadcast frames carry none.
//   - Data: Event-specific payload, absent for parameterless events.
type Envelope struct {
	Event     string          `json:"event" validate:"required"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// clientEvents is the set of event names a client may send.
var clientEvents = map[string]struct{}{
	EventGetFileStructure: {},
	EventCreateNewFile:    {},
	EventDeleteFile:       {},
	EventOpenFile:         {},
	EventCloseFile:        {},
	EventDocUpdate:        {},
	EventStartContainer:   {},
	EventStopContainer:    {},
	EventTerminalInput:    {},
	EventExportProject:    {},
}

// ParseEnvelope decodes and validates one inbound frame.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := wireValidate.Struct(&env); err != nil {
		return Envelope{}, fmt.Errorf("validate envelope: %w", err)
	}
	if _, ok := clientEvents[env.Event]; !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return env, nil
}

// NewEvent builds an outbound frame, marshalling the payload.
func NewEvent(event, requestID string, payload any) ([]byte, error) {
	env := Envelope{Event: event, RequestID: requestID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		env.Data = data
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

// =============================================================================
// Results
// =============================================================================

// Machine-readable error codes carried on error frames.
const (
	CodeUnauthorized       = "unauthorized"
	CodeNotFound           = "not_found"
	CodeAlreadyExists      = "already_exists"
	CodeMalformedUpdate    = "malformed_update"
	CodeInvalidRequest     = "invalid_request"
	CodeSandboxUnavailable = "sandbox_unavailable"
	CodeInternal           = "internal"
)

// ErrorPayload is the data of an "error" frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorEvent builds an error frame correlated to the triggering
// request.
func NewErrorEvent(requestID, code, message string) ([]byte, error) {
	return NewEvent(EventError, requestID, ErrorPayload{Code: code, Message: message})
}
