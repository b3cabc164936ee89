// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bytes"
	"cmp"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/base"
	"github.com/cockroachdb/redact"
)

// KeyRange is the user key span covered by a table file. Left is inclusive.
// Right is inclusive unless RightExclusive is set.
type KeyRange struct {
	Left           []byte `json:"left"`
	Right          []byte `json:"right"`
	RightExclusive bool   `json:"right_exclusive,omitempty"`
}

// Valid returns true if Left does not sort after Right.
func (r KeyRange) Valid() bool {
	c := bytes.Compare(r.Left, r.Right)
	return c < 0 || (c == 0 && !r.RightExclusive)
}

// endsBefore returns true if every key in r sorts before key.
func (r KeyRange) endsBefore(key []byte) bool {
	c := bytes.Compare(r.Right, key)
	return c < 0 || (c == 0 && r.RightExclusive)
}

// Overlaps returns true if the two ranges share at least one key.
func (r KeyRange) Overlaps(o KeyRange) bool {
	return !r.endsBefore(o.Left) && !o.endsBefore(r.Left)
}

// Union returns the smallest range covering both r and o.
func (r KeyRange) Union(o KeyRange) KeyRange {
	u := r
	if bytes.Compare(o.Left, u.Left) < 0 {
		u.Left = o.Left
	}
	switch c := bytes.Compare(o.Right, u.Right); {
	case c > 0:
		u.Right, u.RightExclusive = o.Right, o.RightExclusive
	case c == 0:
		u.RightExclusive = u.RightExclusive && o.RightExclusive
	}
	return u
}

// SafeFormat implements redact.SafeFormatter.
func (r KeyRange) SafeFormat(w redact.SafePrinter, _ rune) {
	closing := "]"
	if r.RightExclusive {
		closing = ")"
	}
	w.Printf("[%s-%s%s", r.Left, r.Right, redact.SafeString(closing))
}

// String implements fmt.Stringer.
func (r KeyRange) String() string { return redact.StringWithoutMarkers(r) }

// SSTableInfo describes an immutable table file. An SSTableInfo is never
// modified once it has been added to a Version; it is shared between
// versions by pointer.
type SSTableInfo struct {
	ObjectID base.ObjectID `json:"object_id"`
	FileSize uint64        `json:"file_size"`
	KeyRange KeyRange      `json:"key_range"`
	// TableIDs is sorted and free of duplicates.
	TableIDs []base.TableID `json:"table_ids"`
	MinEpoch base.Epoch     `json:"min_epoch"`
	MaxEpoch base.Epoch     `json:"max_epoch"`
	// TotalKeyCount and StaleKeyCount feed the tombstone ratio used by the
	// compaction picker.
	TotalKeyCount uint64 `json:"total_key_count,omitempty"`
	StaleKeyCount uint64 `json:"stale_key_count,omitempty"`
}

// ContainsTable returns true if the file holds data for the given table.
func (s *SSTableInfo) ContainsTable(id base.TableID) bool {
	_, ok := slices.BinarySearch(s.TableIDs, id)
	return ok
}

// StaleRatio returns the fraction of keys in the file that are tombstones or
// shadowed values.
func (s *SSTableInfo) StaleRatio() float64 {
	if s.TotalKeyCount == 0 {
		return 0
	}
	return float64(s.StaleKeyCount) / float64(s.TotalKeyCount)
}

// Validate checks the descriptor for internal consistency.
func (s *SSTableInfo) Validate() error {
	if s.ObjectID == base.InvalidObjectID {
		return errors.New("sstable has invalid object id 0")
	}
	if !s.KeyRange.Valid() {
		return errors.Newf("sstable %s has inverted key range %s", s.ObjectID, s.KeyRange)
	}
	if s.MinEpoch > s.MaxEpoch {
		return errors.Newf("sstable %s has min epoch %d > max epoch %d", s.ObjectID, s.MinEpoch, s.MaxEpoch)
	}
	if s.StaleKeyCount > s.TotalKeyCount {
		return errors.Newf("sstable %s has more stale keys than keys", s.ObjectID)
	}
	for i := 1; i < len(s.TableIDs); i++ {
		if s.TableIDs[i-1] >= s.TableIDs[i] {
			return errors.Newf("sstable %s table ids are not sorted and unique", s.ObjectID)
		}
	}
	return nil
}

// Normalized returns a copy of s with TableIDs sorted and deduplicated.
func (s *SSTableInfo) Normalized() *SSTableInfo {
	c := *s
	c.TableIDs = slices.Clone(s.TableIDs)
	slices.Sort(c.TableIDs)
	c.TableIDs = slices.Compact(c.TableIDs)
	return &c
}

// SafeFormat implements redact.SafeFormatter.
func (s *SSTableInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s:%s %dB", s.ObjectID, s.KeyRange, redact.SafeUint(s.FileSize))
	for i, t := range s.TableIDs {
		if i == 0 {
			w.SafeString(" ")
		} else {
			w.SafeString(",")
		}
		w.Print(t)
	}
}

// String implements fmt.Stringer.
func (s *SSTableInfo) String() string { return redact.StringWithoutMarkers(s) }

func objectIDs(files []*SSTableInfo) []base.ObjectID {
	ids := make([]base.ObjectID, len(files))
	for i := range files {
		ids[i] = files[i].ObjectID
	}
	return ids
}

func sortByObjectID(files []*SSTableInfo) {
	slices.SortFunc(files, func(a, b *SSTableInfo) int {
		return cmp.Compare(a.ObjectID, b.ObjectID)
	})
}
