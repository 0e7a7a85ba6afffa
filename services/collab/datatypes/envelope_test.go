// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

package datatypes

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	raw := []byte(`{"event":"open_file","request_id":"r1","data":{"filename":"main.go"}}`)
	env, err := ParseEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, EventOpenFile, env.Event)
	assert.Equal(t, "r1", env.RequestID)

	var req FileRequest
	require.NoError(t, json.Unmarshal(env.Data, &req))
	assert.Equal(t, "main.go", req.Filename)
}

func TestParseEnvelopeRejects(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"missing event":   `{"request_id":"r1"}`,
		"unknown event":   `{"event":"drop_tables"}`,
		"server-only":     `{"event":"terminal_output"}`,
		"wrong data type": `{"event":"open_file","data":5}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestNewEventRoundTrip(t *testing.T) {
	out, err := NewEvent(EventFileStructureUpdate, "", FileStructureUpdate{Files: []string{"a.go", "b.go"}})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(out, &env))
	assert.Equal(t, EventFileStructureUpdate, env.Event)
	assert.Empty(t, env.RequestID)

	var payload FileStructureUpdate
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, []string{"a.go", "b.go"}, payload.Files)
}

func TestFileRequestValidation(t *testing.T) {
	valid := []string{"main.go", "src/app/main.go", "README"}
	for _, name := range valid {
		req := FileRequest{Filename: name}
		assert.NoError(t, req.Validate(), name)
	}

	invalid := []string{
		"",
		"/etc/passwd",
		"../escape.go",
		"src/../../escape.go",
		"dir//double.go",
		"trailing/",
		"back\\slash.go",
		"nul\x00byte",
		strings.Repeat("a", MaxFilenameBytes+1),
	}
	for _, name := range invalid {
		req := FileRequest{Filename: name}
		assert.Error(t, req.Validate(), "%q should be rejected", name)
	}
}

func TestDocUpdateValidation(t *testing.T) {
	ok := DocUpdate{Filename: "main.go", Update: []byte{0xC1, 0x00}}
	assert.NoError(t, ok.Validate())

	missing := DocUpdate{Filename: "main.go"}
	assert.Error(t, missing.Validate())

	huge := DocUpdate{Filename: "main.go", Update: make([]byte, MaxUpdatePayloadBytes+1)}
	assert.Error(t, huge.Validate())
}

func TestTerminalInputValidation(t *testing.T) {
	assert.NoError(t, (&TerminalInput{Input: "ls -la"}).Validate())
	assert.NoError(t, (&TerminalInput{Input: ""}).Validate(), "empty input sends a bare newline")
	assert.Error(t, (&TerminalInput{Input: strings.Repeat("x", MaxTerminalInputBytes+1)}).Validate())
}

func TestUpdateBytesEncodeAsBase64(t *testing.T) {
	out, err := NewEvent(EventDocUpdate, "r2", DocUpdate{Filename: "a.go", Update: []byte{0xC1, 0x01, 0x00}})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"update":"wQEA"`)
}

func TestTerminalOutputCarriesRawBytes(t *testing.T) {
	// Sandbox output may be binary or split mid-rune; the payload must
	// survive the wire byte for byte.
	chunk := []byte{0xFF, 0xFE, 'o', 'k', 0xE2, 0x82} // truncated multibyte rune
	out, err := NewEvent(EventTerminalOutput, "", TerminalOutput{Output: chunk})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(out, &env))
	var payload TerminalOutput
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, chunk, payload.Output)
}
