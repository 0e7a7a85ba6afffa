// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

// Package crdt implements the replicated text document used by the
// collaboration engine.
//
// # Overview
//
// The document is an RGA-style (Replicated Growable Array) sequence CRDT.
// Every inserted character is an element carrying a globally unique ID and
// a reference to the element it was inserted after. Elements are never
// removed; deletion marks them as tombstones. Two replicas that have applied
// the same set of operations materialize byte-identical text, regardless of
// delivery order.
//
// # Identifiers and ordering
//
// An ID is a (Seq, Site) pair. Seq is a Lamport timestamp: a replica bumps
// its clock past every Seq it has seen before generating new elements, so an
// element created after observing another always carries a larger Seq.
//
// Concurrent inserts sharing the same left neighbor are ordered
// deterministically: the element with the larger Seq integrates closer to
// the shared neighbor, with the larger Site winning on equal Seq. This is
// the tie-break rule for simultaneous same-position edits; every replica
// applies it identically.
//
// # Operations
//
// Two operation kinds exist on the wire:
//
//   - Insert: a run of characters placed after a left neighbor. The run's
//     characters receive consecutive Seq values starting at the op's ID.
//   - Delete: a span of consecutive IDs from one site to tombstone.
//
// Apply is commutative, associative, and idempotent. Operations whose
// dependencies have not arrived yet (unknown left neighbor or delete
// target) are buffered and retried as later operations fill the gap, so
// out-of-order delivery cannot corrupt the document.
//
// # Wire and storage formats
//
// Updates (operation batches) and full document state use a compact
// length-prefixed binary encoding, see codec.go:
//
//   - Update:  0xC1 'ver' count { op }
//   - State:   0xC5 'ver' runs { site startSeq flags text } pending { op }
//
// State serialization stores elements in document order, so neighbor
// references are implicit and tombstones survive a round trip.
package crdt
