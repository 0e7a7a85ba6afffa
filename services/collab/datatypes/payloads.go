// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

// Event payload types. Requests arriving from clients carry validate
// tags and a Validate method; server-originated payloads are plain
// structs, built by trusted code.
package datatypes

import "fmt"

// =============================================================================
// File Structure Events
// =============================================================================

// FileRequest is the payload of create_new_file, delete_file, open_file
// and close_file.
type FileRequest struct {
	Filename string `json:"filename" validate:"required,docfilename"`
}

func (r *FileRequest) Validate() error {
	if err := wireValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid file request: %w", err)
	}
	return nil
}

// FileStructureUpdate is the payload of file_structure_update: the full
// sorted file index of the project, re-derived from storage on every
// structural change.
type FileStructureUpdate struct {
	Files []string `json:"files"`
}

// =============================================================================
// Document Events
// =============================================================================

// DocUpdate is the payload of doc_update in both directions: an encoded
// operation batch for one open file.
type DocUpdate struct {
	Filename string `json:"filename" validate:"required,docfilename"`
	Update   []byte `json:"update" validate:"required"`
}

func (r *DocUpdate) Validate() error {
	if err := wireValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid doc update: %w", err)
	}
	if len(r.Update) > MaxUpdatePayloadBytes {
		return fmt.Errorf("invalid doc update: payload exceeds %d bytes", MaxUpdatePayloadBytes)
	}
	return nil
}

// DocState is the payload of doc_state: the full encoded document sent
// point-to-point to hydrate a replica that just opened the file.
type DocState struct {
	Filename string `json:"filename"`
	State    []byte `json:"state"`
}

// =============================================================================
// Execution Events
// =============================================================================

// TerminalInput is the payload of terminal_input. The input is forwarded
// to the project's running process with a trailing newline appended.
type TerminalInput struct {
	Input string `json:"input" validate:"max=16384"`
}

func (r *TerminalInput) Validate() error {
	if err := wireValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid terminal input: %w", err)
	}
	return nil
}

// Container lifecycle states reported on container_status frames.
const (
	ContainerStarting = "starting"
	ContainerRunning  = "running"
	ContainerStopped  = "stopped"
	ContainerError    = "error"
)

// ContainerStatus is the payload of container_status, broadcast to the
// project room on every sandbox lifecycle transition.
type ContainerStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// TerminalOutput is the payload of terminal_output: one chunk of
// combined stdout/stderr from the project's sandbox, in emission order.
// Output is raw bytes (base64 on the wire): sandbox output is not
// guaranteed to be valid UTF-8, and a multibyte rune can straddle a
// chunk boundary, so the client reassembles before decoding.
type TerminalOutput struct {
	Output []byte `json:"output"`
}

// ExportReady is the payload of export_ready, answering export_project
// once the archive is written.
type ExportReady struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}
