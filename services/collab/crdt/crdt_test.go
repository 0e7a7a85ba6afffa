// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

package crdt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLocalInsertDelete verifies basic single-replica editing.
func TestLocalInsertDelete(t *testing.T) {
	d := NewDoc(1)

	_, err := d.Insert(0, "hello world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", d.Materialize())

	_, err = d.Insert(5, ",")
	require.NoError(t, err)
	assert.Equal(t, "hello, world", d.Materialize())

	_, err = d.Delete(0, 7)
	require.NoError(t, err)
	assert.Equal(t, "world", d.Materialize())
	assert.Equal(t, 5, d.Len())
}

// TestInsertPositionBounds verifies out-of-range edits are rejected.
func TestInsertPositionBounds(t *testing.T) {
	d := NewDoc(1)
	_, err := d.Insert(1, "x")
	assert.Error(t, err)
	_, err = d.Insert(-1, "x")
	assert.Error(t, err)
	_, err = d.Insert(0, "")
	assert.Error(t, err)
	_, err = d.Delete(0, 1)
	assert.Error(t, err)
}

// TestTwoReplicaConvergence verifies that replicas exchanging ops in
// opposite orders materialize identical text.
func TestTwoReplicaConvergence(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	opA, err := a.Insert(0, "func main() {}")
	require.NoError(t, err)
	require.NoError(t, b.Apply(opA))

	// Concurrent edits: a deletes the braces, b inserts a comment first.
	delOps, err := a.Delete(12, 2)
	require.NoError(t, err)
	opB, err := b.Insert(0, "// entry\n")
	require.NoError(t, err)

	require.NoError(t, b.ApplyAll(delOps))
	require.NoError(t, a.Apply(opB))

	assert.Equal(t, a.Materialize(), b.Materialize())
	assert.Equal(t, "// entry\nfunc main() ", a.Materialize())
}

// TestConcurrentSamePositionInsert covers the deterministic tie-break:
// both replicas insert at position 0 of an empty document and must agree
// on the final order.
func TestConcurrentSamePositionInsert(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	opA, err := a.Insert(0, "A")
	require.NoError(t, err)
	opB, err := b.Insert(0, "B")
	require.NoError(t, err)

	require.NoError(t, a.Apply(opB))
	require.NoError(t, b.Apply(opA))

	assert.Equal(t, a.Materialize(), b.Materialize())
	assert.Len(t, a.Materialize(), 2)
	// Equal Seq (both 1), so the larger site integrates first.
	assert.Equal(t, "BA", a.Materialize())
}

// TestMergeIdempotence verifies re-applying the same update is a no-op.
func TestMergeIdempotence(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	op, err := a.Insert(0, "print(1)")
	require.NoError(t, err)

	require.NoError(t, b.Apply(op))
	once := b.Materialize()
	require.NoError(t, b.Apply(op))
	require.NoError(t, b.Apply(op))
	assert.Equal(t, once, b.Materialize())

	delOps, err := a.Delete(0, 5)
	require.NoError(t, err)
	require.NoError(t, b.ApplyAll(delOps))
	afterDelete := b.Materialize()
	require.NoError(t, b.ApplyAll(delOps))
	assert.Equal(t, afterDelete, b.Materialize())
	assert.Equal(t, a.Materialize(), b.Materialize())
}

// TestOutOfOrderDelivery verifies causally premature ops are buffered and
// integrate once their dependency arrives.
func TestOutOfOrderDelivery(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	first, err := a.Insert(0, "base")
	require.NoError(t, err)
	second, err := a.Insert(4, " extended")
	require.NoError(t, err)

	// Deliver in reverse order.
	require.NoError(t, b.Apply(second))
	assert.Equal(t, "", b.Materialize())
	assert.Equal(t, 1, b.PendingCount())

	require.NoError(t, b.Apply(first))
	assert.Equal(t, 0, b.PendingCount())
	assert.Equal(t, "base extended", b.Materialize())
}

// TestDeleteBeforeInsertDelivery buffers a delete whose targets have not
// arrived yet.
func TestDeleteBeforeInsertDelivery(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	ins, err := a.Insert(0, "abc")
	require.NoError(t, err)
	dels, err := a.Delete(1, 1)
	require.NoError(t, err)

	require.NoError(t, b.ApplyAll(dels))
	assert.Equal(t, 1, b.PendingCount())
	require.NoError(t, b.Apply(ins))
	assert.Equal(t, "ac", b.Materialize())
	assert.Equal(t, 0, b.PendingCount())
}

// TestRandomizedConvergence shuffles one op history into several replicas
// and requires byte-identical materialization.
func TestRandomizedConvergence(t *testing.T) {
	src := NewDoc(1)
	var history []Op

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		if src.Len() > 0 && rng.Intn(3) == 0 {
			pos := rng.Intn(src.Len())
			n := 1 + rng.Intn(min(3, src.Len()-pos))
			ops, err := src.Delete(pos, n)
			require.NoError(t, err)
			history = append(history, ops...)
		} else {
			pos := 0
			if src.Len() > 0 {
				pos = rng.Intn(src.Len() + 1)
			}
			op, err := src.Insert(pos, string(rune('a'+rng.Intn(26))))
			require.NoError(t, err)
			history = append(history, op)
		}
	}

	want := src.Materialize()
	for replica := 0; replica < 5; replica++ {
		shuffled := make([]Op, len(history))
		copy(shuffled, history)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		d := NewDoc(uint32(100 + replica))
		for _, op := range shuffled {
			require.NoError(t, d.Apply(op))
		}
		require.Equal(t, 0, d.PendingCount(), "replica %d left pending ops", replica)
		assert.Equal(t, want, d.Materialize(), "replica %d diverged", replica)
	}
}

// TestUnicodeContent verifies multi-byte runes survive editing.
func TestUnicodeContent(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	op, err := a.Insert(0, "héllo 世界")
	require.NoError(t, err)
	require.NoError(t, b.Apply(op))

	dels, err := a.Delete(6, 2)
	require.NoError(t, err)
	require.NoError(t, b.ApplyAll(dels))

	assert.Equal(t, "héllo ", a.Materialize())
	assert.Equal(t, a.Materialize(), b.Materialize())
}

// TestMalformedOpRejected verifies Apply errors on malformed input and
// leaves the document untouched.
func TestMalformedOpRejected(t *testing.T) {
	d := NewDoc(1)
	_, err := d.Insert(0, "stable")
	require.NoError(t, err)

	cases := []Op{
		{Kind: OpInsert, ID: ID{Seq: 9, Site: 2}},                    // empty text
		{Kind: OpInsert, Left: ID{Seq: 1, Site: 1}, Text: "x"},       // origin id
		{Kind: OpDelete, ID: ID{Seq: 1, Site: 1}},                    // zero span
		{Kind: OpKind(9), ID: ID{Seq: 9, Site: 2}, Text: "x"},        // unknown kind
	}
	for _, op := range cases {
		assert.Error(t, d.Apply(op))
	}
	assert.Equal(t, "stable", d.Materialize())
}
