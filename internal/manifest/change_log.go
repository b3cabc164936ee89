// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"slices"

	"github.com/cockroachdb/lsmmeta/internal/base"
)

// EpochNewChangeLog records the files written for a table by a commit,
// together with the epochs the commit covered.
type EpochNewChangeLog struct {
	NewValue []*SSTableInfo `json:"new_value"`
	OldValue []*SSTableInfo `json:"old_value"`
	Epochs   []base.Epoch   `json:"epochs"`
}

func (e *EpochNewChangeLog) maxEpoch() base.Epoch {
	if len(e.Epochs) == 0 {
		return 0
	}
	return e.Epochs[len(e.Epochs)-1]
}

func (e *EpochNewChangeLog) minEpoch() base.Epoch {
	if len(e.Epochs) == 0 {
		return 0
	}
	return e.Epochs[0]
}

// ChangeLog is the change log of a single table, ordered by epoch.
type ChangeLog struct {
	Entries []EpochNewChangeLog
}

// ChangeLogDelta appends NewLog to a table's change log and then drops every
// entry whose epochs are all below TruncateEpoch. A TruncateEpoch of 0 keeps
// the full history.
type ChangeLogDelta struct {
	TruncateEpoch base.Epoch        `json:"truncate_epoch"`
	NewLog        EpochNewChangeLog `json:"new_log"`
}

// apply returns the change log that results from applying d to c. c may be
// nil. An entry whose epochs do not advance past the existing log is not
// appended again.
func (c *ChangeLog) apply(d *ChangeLogDelta) *ChangeLog {
	n := &ChangeLog{}
	if c != nil {
		n.Entries = slices.Clone(c.Entries)
	}
	if len(d.NewLog.Epochs) > 0 {
		if k := len(n.Entries); k == 0 || n.Entries[k-1].maxEpoch() < d.NewLog.minEpoch() {
			n.Entries = append(n.Entries, d.NewLog)
		}
	}
	if d.TruncateEpoch > 0 {
		n.Entries = slices.DeleteFunc(n.Entries, func(e EpochNewChangeLog) bool {
			return e.maxEpoch() < d.TruncateEpoch
		})
	}
	return n
}

// BuildTableChangeLogDelta derives the change-log delta of every table in
// logTables from the files of a commit. logTables maps each table opted into
// change-log capture to the epoch below which its log may be truncated.
//
// The result depends only on the set of files passed in, not their order:
// files are attributed to tables in object id order.
func BuildTableChangeLogDelta(
	oldValue, newValue []*SSTableInfo, epochs []base.Epoch, logTables map[base.TableID]base.Epoch,
) map[base.TableID]*ChangeLogDelta {
	if len(logTables) == 0 {
		return nil
	}
	sortedEpochs := slices.Clone(epochs)
	slices.Sort(sortedEpochs)
	sortedEpochs = slices.Compact(sortedEpochs)

	deltas := make(map[base.TableID]*ChangeLogDelta, len(logTables))
	for id, truncate := range logTables {
		deltas[id] = &ChangeLogDelta{
			TruncateEpoch: truncate,
			NewLog: EpochNewChangeLog{
				NewValue: []*SSTableInfo{},
				OldValue: []*SSTableInfo{},
				Epochs:   sortedEpochs,
			},
		}
	}
	attribute := func(files []*SSTableInfo, pick func(*ChangeLogDelta) *[]*SSTableInfo) {
		sorted := slices.Clone(files)
		sortByObjectID(sorted)
		for _, f := range sorted {
			for _, t := range f.TableIDs {
				if d, ok := deltas[t]; ok {
					p := pick(d)
					*p = append(*p, f)
				}
			}
		}
	}
	attribute(newValue, func(d *ChangeLogDelta) *[]*SSTableInfo { return &d.NewLog.NewValue })
	attribute(oldValue, func(d *ChangeLogDelta) *[]*SSTableInfo { return &d.NewLog.OldValue })
	return deltas
}
