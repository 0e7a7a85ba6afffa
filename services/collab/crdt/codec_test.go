// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

package crdt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestUpdateRoundTrip verifies an op batch survives encode/decode.
func TestUpdateRoundTrip(t *testing.T) {
	ops := []Op{
		{Kind: OpInsert, ID: ID{Seq: 1, Site: 7}, Left: Origin, Text: "hello 世界"},
		{Kind: OpInsert, ID: ID{Seq: 9, Site: 7}, Left: ID{Seq: 3, Site: 7}, Text: "x"},
		{Kind: OpDelete, ID: ID{Seq: 2, Site: 7}, Span: 4},
	}

	decoded, err := DecodeUpdate(EncodeUpdate(ops))
	require.NoError(t, err)
	assert.Equal(t, ops, decoded)
}

// TestUpdateAppliesAfterDecode verifies the decoded form drives a replica
// to the same text as the original.
func TestUpdateAppliesAfterDecode(t *testing.T) {
	a := NewDoc(1)
	op1, err := a.Insert(0, "print(1)")
	require.NoError(t, err)
	dels, err := a.Delete(6, 1)
	require.NoError(t, err)

	wire := EncodeUpdate(append([]Op{op1}, dels...))
	ops, err := DecodeUpdate(wire)
	require.NoError(t, err)

	b := NewDoc(2)
	require.NoError(t, b.ApplyAll(ops))
	assert.Equal(t, a.Materialize(), b.Materialize())
}

// TestDecodeUpdateMalformed verifies corrupt input is rejected with
// ErrMalformed and never panics.
func TestDecodeUpdateMalformed(t *testing.T) {
	valid := EncodeUpdate([]Op{
		{Kind: OpInsert, ID: ID{Seq: 1, Site: 1}, Left: Origin, Text: "abc"},
	})

	cases := map[string][]byte{
		"empty":             {},
		"bad magic":         {0x00, codecVer, 0},
		"bad version":       {updateMagic, 0x7F, 0},
		"truncated count":   {updateMagic, codecVer},
		"truncated op":      valid[:len(valid)-2],
		"trailing garbage":  append(append([]byte{}, valid...), 0xFF),
		"unknown kind":      {updateMagic, codecVer, 1, 0x09, 1, 1},
		"truncated delete":  EncodeUpdate([]Op{{Kind: OpDelete, ID: ID{Seq: 1, Site: 1}, Span: 1}})[:6],
		"invalid utf8 text": {updateMagic, codecVer, 1, byte(OpInsert), 1, 1, 0, 0, 1, 0xFF},
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeUpdate(data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "want ErrMalformed, got %v", err)
		})
	}
}

// TestStateRoundTrip verifies a document with tombstones and mixed-site
// history survives persistence.
func TestStateRoundTrip(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	op, err := a.Insert(0, "shared state")
	require.NoError(t, err)
	require.NoError(t, b.Apply(op))
	opB, err := b.Insert(6, "doc ")
	require.NoError(t, err)
	require.NoError(t, a.Apply(opB))
	_, err = a.Delete(0, 7)
	require.NoError(t, err)

	restored, err := DecodeState(3, a.EncodeState())
	require.NoError(t, err)
	assert.Equal(t, a.Materialize(), restored.Materialize())

	// The restored clock must not reissue IDs: a fresh insert has to
	// merge cleanly back into the original replica.
	opNew, err := restored.Insert(0, "! ")
	require.NoError(t, err)
	require.NoError(t, a.Apply(opNew))
	assert.Equal(t, a.Materialize(), restored.Materialize())
}

// TestStateRoundTripEmpty covers the empty-document snapshot.
func TestStateRoundTripEmpty(t *testing.T) {
	d := NewDoc(1)
	restored, err := DecodeState(1, d.EncodeState())
	require.NoError(t, err)
	assert.Equal(t, "", restored.Materialize())
	assert.Equal(t, 0, restored.Len())
}

// TestStatePreservesPending verifies buffered ops survive a snapshot.
func TestStatePreservesPending(t *testing.T) {
	a := NewDoc(1)
	first, err := a.Insert(0, "base")
	require.NoError(t, err)
	second, err := a.Insert(4, "!")
	require.NoError(t, err)

	b := NewDoc(2)
	require.NoError(t, b.Apply(second))
	require.Equal(t, 1, b.PendingCount())

	restored, err := DecodeState(2, b.EncodeState())
	require.NoError(t, err)
	require.Equal(t, 1, restored.PendingCount())

	require.NoError(t, restored.Apply(first))
	assert.Equal(t, "base!", restored.Materialize())
}

// TestDecodeStateMalformed verifies corrupt snapshots are rejected.
func TestDecodeStateMalformed(t *testing.T) {
	d := NewDoc(1)
	_, err := d.Insert(0, "abc")
	require.NoError(t, err)
	valid := d.EncodeState()

	cases := map[string][]byte{
		"empty":            {},
		"update magic":     EncodeUpdate(nil),
		"truncated":        valid[:len(valid)-1],
		"trailing garbage": append(append([]byte{}, valid...), 0x01),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeState(1, data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "want ErrMalformed, got %v", err)
		})
	}
}
