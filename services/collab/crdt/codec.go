// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

package crdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Binary format constants. Both formats are versioned so the layout can
// evolve without breaking persisted documents.
const (
	updateMagic byte = 0xC1
	stateMagic  byte = 0xC5
	codecVer    byte = 1

	// maxTextLen bounds a single run or span read from the wire so a
	// corrupt length prefix cannot drive a huge allocation.
	maxTextLen = 1 << 24
)

// ErrMalformed is wrapped by every decode failure, so callers can treat
// all corrupt input uniformly.
var ErrMalformed = errors.New("malformed crdt payload")

// =============================================================================
// Update codec (operation batches)
// =============================================================================

// EncodeUpdate serializes a batch of operations for the wire.
func EncodeUpdate(ops []Op) []byte {
	buf := make([]byte, 0, 16+len(ops)*16)
	buf = append(buf, updateMagic, codecVer)
	buf = binary.AppendUvarint(buf, uint64(len(ops)))
	for i := range ops {
		buf = appendOp(buf, ops[i])
	}
	return buf
}

// DecodeUpdate parses a wire update back into operations.
//
// All errors wrap ErrMalformed. The returned ops are validated
// structurally; causal validity is the document's concern.
func DecodeUpdate(data []byte) ([]Op, error) {
	r := bytes.NewReader(data)
	if err := readHeader(r, updateMagic); err != nil {
		return nil, err
	}
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: op count: %v", ErrMalformed, err)
	}
	if count > maxTextLen {
		return nil, fmt.Errorf("%w: unreasonable op count %d", ErrMalformed, count)
	}
	ops := make([]Op, 0, count)
	for i := uint64(0); i < count; i++ {
		op, err := readOp(r)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.Len())
	}
	return ops, nil
}

func appendOp(buf []byte, op Op) []byte {
	buf = append(buf, byte(op.Kind))
	buf = binary.AppendUvarint(buf, uint64(op.ID.Site))
	buf = binary.AppendUvarint(buf, op.ID.Seq)
	switch op.Kind {
	case OpInsert:
		buf = binary.AppendUvarint(buf, uint64(op.Left.Site))
		buf = binary.AppendUvarint(buf, op.Left.Seq)
		buf = binary.AppendUvarint(buf, uint64(len(op.Text)))
		buf = append(buf, op.Text...)
	case OpDelete:
		buf = binary.AppendUvarint(buf, op.Span)
	}
	return buf
}

func readOp(r *bytes.Reader) (Op, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return Op{}, fmt.Errorf("%w: kind: %v", ErrMalformed, err)
	}
	op := Op{Kind: OpKind(kind)}
	if op.ID, err = readID(r); err != nil {
		return Op{}, err
	}
	switch op.Kind {
	case OpInsert:
		if op.Left, err = readID(r); err != nil {
			return Op{}, err
		}
		text, err := readText(r)
		if err != nil {
			return Op{}, err
		}
		op.Text = text
	case OpDelete:
		if op.Span, err = binary.ReadUvarint(r); err != nil {
			return Op{}, fmt.Errorf("%w: span: %v", ErrMalformed, err)
		}
	default:
		return Op{}, fmt.Errorf("%w: unknown op kind %d", ErrMalformed, kind)
	}
	if err := op.validate(); err != nil {
		return Op{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return op, nil
}

// =============================================================================
// State codec (full document snapshots)
// =============================================================================

// EncodeState serializes the full document, tombstones and buffered ops
// included, for persistence. Elements are written in document order as
// runs of consecutive IDs, so neighbor references need no encoding.
func (d *Doc) EncodeState() []byte {
	buf := make([]byte, 0, 64+len(d.elems)*4)
	buf = append(buf, stateMagic, codecVer)

	// Group elements into maximal runs: same site, consecutive seq, same
	// tombstone flag.
	type run struct {
		start, end int // [start, end) into d.elems
	}
	var runs []run
	for i := 0; i < len(d.elems); {
		j := i + 1
		for j < len(d.elems) &&
			d.elems[j].id.Site == d.elems[i].id.Site &&
			d.elems[j].id.Seq == d.elems[j-1].id.Seq+1 &&
			d.elems[j].deleted == d.elems[i].deleted {
			j++
		}
		runs = append(runs, run{i, j})
		i = j
	}

	buf = binary.AppendUvarint(buf, uint64(len(runs)))
	for _, rn := range runs {
		first := d.elems[rn.start]
		buf = binary.AppendUvarint(buf, uint64(first.id.Site))
		buf = binary.AppendUvarint(buf, first.id.Seq)
		var flags byte
		if first.deleted {
			flags |= 1
		}
		buf = append(buf, flags)
		var text []byte
		for k := rn.start; k < rn.end; k++ {
			text = utf8.AppendRune(text, d.elems[k].r)
		}
		buf = binary.AppendUvarint(buf, uint64(len(text)))
		buf = append(buf, text...)
	}

	buf = binary.AppendUvarint(buf, uint64(len(d.pending)))
	for i := range d.pending {
		buf = appendOp(buf, d.pending[i])
	}
	return buf
}

// DecodeState rebuilds a document replica from persisted state. The
// replica's clock is recomputed from the highest Seq seen, so freshly
// generated IDs never collide with restored ones.
func DecodeState(site uint32, data []byte) (*Doc, error) {
	r := bytes.NewReader(data)
	if err := readHeader(r, stateMagic); err != nil {
		return nil, err
	}
	d := NewDoc(site)

	nruns, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: run count: %v", ErrMalformed, err)
	}
	if nruns > maxTextLen {
		return nil, fmt.Errorf("%w: unreasonable run count %d", ErrMalformed, nruns)
	}
	for i := uint64(0); i < nruns; i++ {
		id, err := readID(r)
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", i, err)
		}
		flags, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: run %d flags: %v", ErrMalformed, i, err)
		}
		text, err := readText(r)
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", i, err)
		}
		if text == "" {
			return nil, fmt.Errorf("%w: run %d is empty", ErrMalformed, i)
		}
		deleted := flags&1 != 0
		seq := id.Seq
		for _, rr := range text {
			eid := ID{Seq: seq, Site: id.Site}
			if _, dup := d.have[eid]; dup {
				return nil, fmt.Errorf("%w: duplicate element %s", ErrMalformed, eid)
			}
			d.elems = append(d.elems, element{id: eid, r: rr, deleted: deleted})
			d.have[eid] = struct{}{}
			if seq > d.clock {
				d.clock = seq
			}
			seq++
		}
	}

	npending, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: pending count: %v", ErrMalformed, err)
	}
	if npending > maxTextLen {
		return nil, fmt.Errorf("%w: unreasonable pending count %d", ErrMalformed, npending)
	}
	for i := uint64(0); i < npending; i++ {
		op, err := readOp(r)
		if err != nil {
			return nil, fmt.Errorf("pending op %d: %w", i, err)
		}
		d.pending = append(d.pending, op)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.Len())
	}
	return d, nil
}

// =============================================================================
// Shared readers
// =============================================================================

func readHeader(r *bytes.Reader, magic byte) error {
	m, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: missing magic: %v", ErrMalformed, err)
	}
	if m != magic {
		return fmt.Errorf("%w: bad magic 0x%02X", ErrMalformed, m)
	}
	ver, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: missing version: %v", ErrMalformed, err)
	}
	if ver != codecVer {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformed, ver)
	}
	return nil
}

func readID(r *bytes.Reader) (ID, error) {
	site, err := binary.ReadUvarint(r)
	if err != nil {
		return ID{}, fmt.Errorf("%w: site: %v", ErrMalformed, err)
	}
	if site > 0xFFFFFFFF {
		return ID{}, fmt.Errorf("%w: site %d overflows uint32", ErrMalformed, site)
	}
	seq, err := binary.ReadUvarint(r)
	if err != nil {
		return ID{}, fmt.Errorf("%w: seq: %v", ErrMalformed, err)
	}
	return ID{Seq: seq, Site: uint32(site)}, nil
}

func readText(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", fmt.Errorf("%w: text length: %v", ErrMalformed, err)
	}
	if n > maxTextLen {
		return "", fmt.Errorf("%w: text length %d too large", ErrMalformed, n)
	}
	if uint64(r.Len()) < n {
		return "", fmt.Errorf("%w: text truncated", ErrMalformed)
	}
	text := make([]byte, n)
	if _, err := r.Read(text); err != nil {
		return "", fmt.Errorf("%w: text: %v", ErrMalformed, err)
	}
	if !utf8.Valid(text) {
		return "", fmt.Errorf("%w: text is not valid UTF-8", ErrMalformed)
	}
	return string(text), nil
}
