// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"fmt"
	"math"

	"github.com/cockroachdb/redact"
)

// ObjectID identifies an immutable table file. Object ids are allocated in
// strictly increasing order and are never reused.
type ObjectID uint64

// InvalidObjectID is never returned by the allocator.
const InvalidObjectID ObjectID = 0

// MaxObjectID is the largest representable object id.
const MaxObjectID ObjectID = math.MaxUint64

// String implements fmt.Stringer.
func (id ObjectID) String() string { return fmt.Sprintf("%06d", uint64(id)) }

// SafeFormat implements redact.SafeFormatter.
func (id ObjectID) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%06d", redact.SafeUint(id))
}

// VersionID identifies a Version. Version ids strictly increase as deltas are
// applied.
type VersionID uint64

// String implements fmt.Stringer.
func (id VersionID) String() string { return fmt.Sprintf("v%d", uint64(id)) }

// SafeFormat implements redact.SafeFormatter.
func (id VersionID) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("v%d", redact.SafeUint(id))
}

// Epoch is a logical commit timestamp.
type Epoch uint64

// String implements fmt.Stringer.
func (e Epoch) String() string { return fmt.Sprintf("%d", uint64(e)) }

// SafeFormat implements redact.SafeFormatter.
func (e Epoch) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%d", redact.SafeUint(e))
}

// TableID identifies a logical table whose data is spread across files.
type TableID uint32

// SafeFormat implements redact.SafeFormatter.
func (id TableID) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("t%d", redact.SafeUint(id))
}

// String implements fmt.Stringer.
func (id TableID) String() string { return fmt.Sprintf("t%d", uint32(id)) }

// GroupID identifies a compaction group.
type GroupID uint64

// SafeFormat implements redact.SafeFormatter.
func (id GroupID) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("g%d", redact.SafeUint(id))
}

// String implements fmt.Stringer.
func (id GroupID) String() string { return fmt.Sprintf("g%d", uint64(id)) }

// Static compaction groups.
const (
	// StateDefaultGroup receives newly tracked tables.
	StateDefaultGroup GroupID = 2
	// MaterializedViewGroup holds materialized view tables.
	MaterializedViewGroup GroupID = 3
)

// TaskID identifies a compaction task.
type TaskID uint64

// SafeFormat implements redact.SafeFormatter.
func (id TaskID) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("task-%d", redact.SafeUint(id))
}

// String implements fmt.Stringer.
func (id TaskID) String() string { return fmt.Sprintf("task-%d", uint64(id)) }

// ContextID identifies a registered worker or reader context.
type ContextID uint32

// SafeFormat implements redact.SafeFormatter.
func (id ContextID) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("ctx-%d", redact.SafeUint(id))
}

// String implements fmt.Stringer.
func (id ContextID) String() string { return fmt.Sprintf("ctx-%d", uint32(id)) }

// IDRange is a half-open range [Start, End) of object ids.
type IDRange struct {
	Start ObjectID `json:"start"`
	End   ObjectID `json:"end"`
}

// Len returns the number of ids in the range.
func (r IDRange) Len() uint64 { return uint64(r.End - r.Start) }

// Contains returns true if id lies within the range.
func (r IDRange) Contains(id ObjectID) bool { return r.Start <= id && id < r.End }

// Overlaps returns true if the two ranges share at least one id.
func (r IDRange) Overlaps(o IDRange) bool { return r.Start < o.End && o.Start < r.End }

// String implements fmt.Stringer.
func (r IDRange) String() string { return redact.StringWithoutMarkers(r) }

// SafeFormat implements redact.SafeFormatter.
func (r IDRange) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[%d,%d)", redact.SafeUint(r.Start), redact.SafeUint(r.End))
}
