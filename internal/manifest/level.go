// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bytes"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/base"
)

// NumLevels is the number of levels in every compaction group.
const NumLevels = 7

// Level holds the files of one level of a compaction group. L0 files are
// ordered by object id and may overlap. Files in L1 and below are ordered by
// key and never overlap.
type Level struct {
	Files []*SSTableInfo
	Size  uint64
}

// Empty returns true if the level holds no files.
func (l *Level) Empty() bool { return len(l.Files) == 0 }

// Overlaps returns the files in the level whose key ranges overlap r, in
// level order.
func (l *Level) Overlaps(r KeyRange) []*SSTableInfo {
	var out []*SSTableInfo
	for _, f := range l.Files {
		if f.KeyRange.Overlaps(r) {
			out = append(out, f)
		}
	}
	return out
}

// GroupLevels is the level structure of a single compaction group.
type GroupLevels struct {
	Levels [NumLevels]Level
}

// NumFiles returns the total number of files across all levels.
func (g *GroupLevels) NumFiles() int {
	n := 0
	for i := range g.Levels {
		n += len(g.Levels[i].Files)
	}
	return n
}

// Size returns the total size of all files in the group.
func (g *GroupLevels) Size() uint64 {
	var n uint64
	for i := range g.Levels {
		n += g.Levels[i].Size
	}
	return n
}

// clone returns a copy of g whose level slices may be modified without
// affecting g. The file descriptors themselves are shared.
func (g *GroupLevels) clone() *GroupLevels {
	c := &GroupLevels{}
	if g == nil {
		return c
	}
	for i := range g.Levels {
		c.Levels[i].Files = slices.Clone(g.Levels[i].Files)
		c.Levels[i].Size = g.Levels[i].Size
	}
	return c
}

// sortAndCheck orders the files of every level and verifies that no two files
// in L1 or below overlap.
func (g *GroupLevels) sortAndCheck(id base.GroupID) error {
	sortByObjectID(g.Levels[0].Files)
	for level := 1; level < NumLevels; level++ {
		files := g.Levels[level].Files
		slices.SortFunc(files, func(a, b *SSTableInfo) int {
			return bytes.Compare(a.KeyRange.Left, b.KeyRange.Left)
		})
		for i := 1; i < len(files); i++ {
			if files[i-1].KeyRange.Overlaps(files[i].KeyRange) {
				return errors.Newf("%s L%d: files %s and %s have overlapping ranges",
					id, level, files[i-1], files[i])
			}
		}
	}
	return nil
}
