// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

package crdt

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Identifiers
// =============================================================================

// ID uniquely identifies one character element across all replicas.
//
// Seq is a Lamport timestamp, Site the identifier of the replica that
// created the element. The zero ID is the document origin sentinel: an
// insert whose Left is the zero ID goes at the head of the document.
type ID struct {
	Seq  uint64
	Site uint32
}

// Origin is the sentinel left-neighbor for inserts at document position 0.
var Origin = ID{}

// IsOrigin reports whether id is the origin sentinel.
func (id ID) IsOrigin() bool {
	return id == Origin
}

func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Seq, id.Site)
}

// precedes reports whether a integrates before b among concurrent siblings
// sharing a left neighbor: larger Seq first, larger Site on equal Seq.
// This is the document's deterministic tie-break rule.
func precedes(a, b ID) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.Site > b.Site
}

// =============================================================================
// Operations
// =============================================================================

// OpKind discriminates the operation variants.
type OpKind uint8

const (
	// OpInsert places a run of characters after a left neighbor.
	OpInsert OpKind = iota + 1
	// OpDelete tombstones a span of consecutive IDs from one site.
	OpDelete
)

// Op is one replicated document operation.
//
// For OpInsert, ID is the identifier of the run's first character (the
// remaining characters take Seq+1, Seq+2, ...), Left is the element the run
// was inserted after, and Text is the run content. Span is unused.
//
// For OpDelete, ID identifies the first tombstoned element and Span the
// number of consecutive Seq values affected. Left and Text are unused.
type Op struct {
	Kind OpKind
	ID   ID
	Left ID
	Text string
	Span uint64
}

func (op Op) validate() error {
	switch op.Kind {
	case OpInsert:
		if op.Text == "" {
			return errors.New("insert op with empty text")
		}
		if op.ID.IsOrigin() {
			return errors.New("insert op with origin id")
		}
	case OpDelete:
		if op.Span == 0 {
			return errors.New("delete op with zero span")
		}
		if op.ID.IsOrigin() {
			return errors.New("delete op with origin id")
		}
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
	return nil
}

// =============================================================================
// Document
// =============================================================================

// element is one character slot in RGA order. Deleted elements stay in
// place as tombstones so later operations can still resolve neighbors.
type element struct {
	id      ID
	r       rune
	deleted bool
}

// Doc is one replica of a collaborative text document.
//
// # Thread Safety
//
// Doc is NOT safe for concurrent use. The engine serializes access per
// document; standalone users must provide their own locking.
type Doc struct {
	site    uint32
	clock   uint64
	elems   []element
	have    map[ID]struct{}
	pending []Op
}

// NewDoc creates an empty document replica owned by the given site.
func NewDoc(site uint32) *Doc {
	return &Doc{
		site: site,
		have: make(map[ID]struct{}),
	}
}

// Site returns the replica's site identifier.
func (d *Doc) Site() uint32 {
	return d.site
}

// Len returns the number of visible (non-tombstoned) characters.
func (d *Doc) Len() int {
	n := 0
	for i := range d.elems {
		if !d.elems[i].deleted {
			n++
		}
	}
	return n
}

// Materialize flattens the document into its current text, skipping
// tombstones.
func (d *Doc) Materialize() string {
	var b strings.Builder
	for i := range d.elems {
		if !d.elems[i].deleted {
			b.WriteRune(d.elems[i].r)
		}
	}
	return b.String()
}

// PendingCount returns the number of buffered operations awaiting their
// causal dependencies. Exposed for diagnostics and tests.
func (d *Doc) PendingCount() int {
	return len(d.pending)
}

// =============================================================================
// Merge
// =============================================================================

// applyResult classifies the outcome of integrating one op.
type applyResult int

const (
	applied   applyResult = iota // document advanced
	duplicate                    // already covered, dropped
	deferred                     // dependency missing, buffer and retry
)

// Apply merges one remote operation into the replica.
//
// # Description
//
// Apply is commutative, associative, and idempotent: duplicate operations
// are no-ops, and operations arriving before their causal dependencies are
// buffered and retried once the dependency integrates. A non-nil error
// means the operation itself is malformed; the document is left untouched.
//
// # Thread Safety
//
// Not safe for concurrent use; callers serialize access.
func (d *Doc) Apply(op Op) error {
	if err := op.validate(); err != nil {
		return err
	}
	switch d.integrate(op) {
	case applied:
		d.drainPending()
	case deferred:
		d.park(op)
	}
	return nil
}

// ApplyAll merges a batch of operations. The batch is validated up front so
// a malformed batch never half-applies.
func (d *Doc) ApplyAll(ops []Op) error {
	for i := range ops {
		if err := ops[i].validate(); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	progressed := false
	for i := range ops {
		switch d.integrate(ops[i]) {
		case applied:
			progressed = true
		case deferred:
			d.park(ops[i])
		}
	}
	if progressed {
		d.drainPending()
	}
	return nil
}

// integrate applies a single validated op without touching the pending
// buffer.
func (d *Doc) integrate(op Op) applyResult {
	switch op.Kind {
	case OpInsert:
		return d.applyInsert(op)
	default:
		return d.applyDelete(op)
	}
}

func (d *Doc) applyInsert(op Op) applyResult {
	if _, dup := d.have[op.ID]; dup {
		// Runs integrate atomically, so knowing the first ID means the
		// whole run is already present.
		return duplicate
	}

	leftIdx := -1
	if !op.Left.IsOrigin() {
		leftIdx = d.find(op.Left)
		if leftIdx < 0 {
			return deferred
		}
	}

	runes := []rune(op.Text)

	// RGA integration: skip concurrent siblings (and their subtrees) that
	// take precedence over the new run's first element. Lamport timestamps
	// make a pure ID comparison sufficient here: anything inserted with
	// knowledge of an element always carries a larger Seq than it.
	i := leftIdx + 1
	for i < len(d.elems) && precedes(d.elems[i].id, op.ID) {
		i++
	}

	run := make([]element, len(runes))
	for k, r := range runes {
		id := ID{Seq: op.ID.Seq + uint64(k), Site: op.ID.Site}
		run[k] = element{id: id, r: r}
		d.have[id] = struct{}{}
	}
	d.elems = append(d.elems[:i], append(run, d.elems[i:]...)...)

	last := op.ID.Seq + uint64(len(runes)) - 1
	if last > d.clock {
		d.clock = last
	}
	return applied
}

func (d *Doc) applyDelete(op Op) applyResult {
	// All-or-nothing: a delete only tombstones once every target exists,
	// otherwise the whole op waits for the missing inserts.
	for k := uint64(0); k < op.Span; k++ {
		id := ID{Seq: op.ID.Seq + k, Site: op.ID.Site}
		if _, ok := d.have[id]; !ok {
			return deferred
		}
	}
	progressed := false
	for i := range d.elems {
		e := &d.elems[i]
		if e.id.Site == op.ID.Site && e.id.Seq >= op.ID.Seq && e.id.Seq < op.ID.Seq+op.Span {
			if !e.deleted {
				e.deleted = true
				progressed = true
			}
		}
	}
	if op.ID.Seq+op.Span-1 > d.clock {
		d.clock = op.ID.Seq + op.Span - 1
	}
	if !progressed {
		return duplicate
	}
	return applied
}

// park buffers an op whose dependencies have not arrived, dropping exact
// duplicates already waiting.
func (d *Doc) park(op Op) {
	for i := range d.pending {
		if d.pending[i] == op {
			return
		}
	}
	d.pending = append(d.pending, op)
}

// drainPending retries buffered ops until a full pass makes no progress.
func (d *Doc) drainPending() {
	for len(d.pending) > 0 {
		progressed := false
		var still []Op
		for _, op := range d.pending {
			switch d.integrate(op) {
			case applied:
				progressed = true
			case deferred:
				still = append(still, op)
			}
		}
		d.pending = still
		if !progressed {
			return
		}
	}
}

// find returns the index of the element with the given id, or -1.
func (d *Doc) find(id ID) int {
	if _, ok := d.have[id]; !ok {
		return -1
	}
	for i := range d.elems {
		if d.elems[i].id == id {
			return i
		}
	}
	return -1
}

// =============================================================================
// Local editing
// =============================================================================

// Insert performs a local insert at the visible position pos (0 ≤ pos ≤
// Len) and returns the operation to replicate to peers. The op has already
// been applied locally.
func (d *Doc) Insert(pos int, text string) (Op, error) {
	if text == "" {
		return Op{}, errors.New("empty insert")
	}
	if pos < 0 || pos > d.Len() {
		return Op{}, fmt.Errorf("insert position %d out of range [0,%d]", pos, d.Len())
	}

	left := Origin
	if pos > 0 {
		idx := d.visibleIndex(pos - 1)
		left = d.elems[idx].id
	}

	runes := []rune(text)
	start := d.clock + 1
	d.clock += uint64(len(runes))

	op := Op{
		Kind: OpInsert,
		ID:   ID{Seq: start, Site: d.site},
		Left: left,
		Text: text,
	}
	d.applyInsert(op)
	d.drainPending()
	return op, nil
}

// Delete performs a local delete of n visible characters starting at pos
// and returns the operations to replicate. Targets are grouped into
// consecutive-ID spans, so one call may emit several delete ops.
func (d *Doc) Delete(pos, n int) ([]Op, error) {
	if n <= 0 {
		return nil, errors.New("delete of non-positive length")
	}
	if pos < 0 || pos+n > d.Len() {
		return nil, fmt.Errorf("delete range [%d,%d) out of range [0,%d]", pos, pos+n, d.Len())
	}

	// Collect the target IDs before tombstoning shifts visible positions.
	targets := make([]ID, 0, n)
	seen := 0
	for i := range d.elems {
		if d.elems[i].deleted {
			continue
		}
		if seen >= pos && seen < pos+n {
			targets = append(targets, d.elems[i].id)
		}
		seen++
		if seen >= pos+n {
			break
		}
	}

	var ops []Op
	spanStart := 0
	for i := 1; i <= len(targets); i++ {
		if i < len(targets) &&
			targets[i].Site == targets[spanStart].Site &&
			targets[i].Seq == targets[i-1].Seq+1 {
			continue
		}
		ops = append(ops, Op{
			Kind: OpDelete,
			ID:   targets[spanStart],
			Span: uint64(i - spanStart),
		})
		spanStart = i
	}

	for _, op := range ops {
		d.applyDelete(op)
	}
	d.drainPending()
	return ops, nil
}

// visibleIndex maps a visible position to an index into elems. The caller
// guarantees pos < Len.
func (d *Doc) visibleIndex(pos int) int {
	seen := 0
	for i := range d.elems {
		if d.elems[i].deleted {
			continue
		}
		if seen == pos {
			return i
		}
		seen++
	}
	return -1
}
