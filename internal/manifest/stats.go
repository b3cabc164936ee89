// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import "github.com/cockroachdb/lsmmeta/internal/base"

// LevelStats summarizes a single level of a group.
type LevelStats struct {
	NumFiles  int
	Size      uint64
	TotalKeys uint64
	StaleKeys uint64
}

// TombstoneRatio is the fraction of stale keys in the level.
func (s LevelStats) TombstoneRatio() float64 {
	if s.TotalKeys == 0 {
		return 0
	}
	return float64(s.StaleKeys) / float64(s.TotalKeys)
}

// GroupStats summarizes a compaction group for the compaction picker.
type GroupStats struct {
	GroupID base.GroupID
	Levels  [NumLevels]LevelStats
	// DroppedFiles counts files that hold data only for tables the version
	// no longer tracks.
	DroppedFiles int
	DroppedBytes uint64
}

// NumFiles returns the number of files in the group.
func (s *GroupStats) NumFiles() int {
	n := 0
	for i := range s.Levels {
		n += s.Levels[i].NumFiles
	}
	return n
}

// Size returns the size of all files in the group.
func (s *GroupStats) Size() uint64 {
	var n uint64
	for i := range s.Levels {
		n += s.Levels[i].Size
	}
	return n
}

// IsDropped returns true if every table the file holds data for is no
// longer tracked by the version.
func (v *Version) IsDropped(f *SSTableInfo) bool {
	for _, t := range f.TableIDs {
		if v.HasTable(t) {
			return false
		}
	}
	return true
}

// GroupStats computes the statistics of the given group.
func (v *Version) GroupStats(id base.GroupID) GroupStats {
	s := GroupStats{GroupID: id}
	g := v.Groups[id]
	if g == nil {
		return s
	}
	for level := range g.Levels {
		ls := &s.Levels[level]
		for _, f := range g.Levels[level].Files {
			ls.NumFiles++
			ls.Size += f.FileSize
			ls.TotalKeys += f.TotalKeyCount
			ls.StaleKeys += f.StaleKeyCount
			if v.IsDropped(f) {
				s.DroppedFiles++
				s.DroppedBytes += f.FileSize
			}
		}
	}
	return s
}
