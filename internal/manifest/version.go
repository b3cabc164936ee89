// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/base"
	"github.com/cockroachdb/redact"
)

// TableState is the per-table state tracked by a Version.
type TableState struct {
	GroupID        base.GroupID `json:"group_id"`
	CommittedEpoch base.Epoch   `json:"committed_epoch"`
}

// FileLocation is the placement of a file within a Version.
type FileLocation struct {
	Group base.GroupID
	Level int
	Info  *SSTableInfo
}

// Version is an immutable snapshot of the files in every compaction group
// plus per-table metadata. A Version must never be modified once it has been
// returned by Apply; new versions are derived by applying a VersionDelta.
type Version struct {
	ID                base.VersionID
	MaxCommittedEpoch base.Epoch
	Groups            map[base.GroupID]*GroupLevels
	Tables            map[base.TableID]TableState
	Watermarks        map[base.TableID]*TableWatermarks
	ChangeLogs        map[base.TableID]*ChangeLog

	objects map[base.ObjectID]FileLocation
}

// NewVersion returns an empty version with id 0.
func NewVersion() *Version {
	return &Version{
		Groups:     map[base.GroupID]*GroupLevels{},
		Tables:     map[base.TableID]TableState{},
		Watermarks: map[base.TableID]*TableWatermarks{},
		ChangeLogs: map[base.TableID]*ChangeLog{},
		objects:    map[base.ObjectID]FileLocation{},
	}
}

// Group returns the levels of the given group, or nil.
func (v *Version) Group(id base.GroupID) *GroupLevels {
	return v.Groups[id]
}

// GroupIDs returns the ids of all groups in ascending order.
func (v *Version) GroupIDs() []base.GroupID {
	return slices.Sorted(maps.Keys(v.Groups))
}

// TableIDs returns the ids of all tracked tables in ascending order.
func (v *Version) TableIDs() []base.TableID {
	return slices.Sorted(maps.Keys(v.Tables))
}

// HasTable returns true if the table is tracked by the version.
func (v *Version) HasTable(id base.TableID) bool {
	_, ok := v.Tables[id]
	return ok
}

// Locate returns the placement of the given object.
func (v *Version) Locate(id base.ObjectID) (FileLocation, bool) {
	loc, ok := v.objects[id]
	return loc, ok
}

// Contains returns true if the object is referenced by the version.
func (v *Version) Contains(id base.ObjectID) bool {
	_, ok := v.objects[id]
	return ok
}

// NumFiles returns the number of files referenced by the version.
func (v *Version) NumFiles() int { return len(v.objects) }

// Size returns the total size of all files referenced by the version.
func (v *Version) Size() uint64 {
	var n uint64
	for _, g := range v.Groups {
		n += g.Size()
	}
	return n
}

// AllObjects calls fn for every object referenced by the version. Change-log
// files are included since readers of the log may still access them.
func (v *Version) AllObjects(fn func(base.ObjectID)) {
	for id := range v.objects {
		fn(id)
	}
	for _, cl := range v.ChangeLogs {
		for i := range cl.Entries {
			for _, f := range cl.Entries[i].NewValue {
				fn(f.ObjectID)
			}
			for _, f := range cl.Entries[i].OldValue {
				fn(f.ObjectID)
			}
		}
	}
}

// buildIndex populates the object index. Called once before the version is
// published.
func (v *Version) buildIndex() error {
	v.objects = make(map[base.ObjectID]FileLocation, len(v.objects))
	for gid, g := range v.Groups {
		for level := range g.Levels {
			for _, f := range g.Levels[level].Files {
				if prev, ok := v.objects[f.ObjectID]; ok {
					return errors.Mark(errors.Newf("object %s present in %s L%d and %s L%d",
						f.ObjectID, prev.Group, prev.Level, gid, level), base.ErrConflictingObjectID)
				}
				v.objects[f.ObjectID] = FileLocation{Group: gid, Level: level, Info: f}
			}
		}
	}
	return nil
}

// CheckConsistency verifies the structural invariants of the version: level
// sizes match their files, L1+ levels are sorted and non-overlapping, and
// every file's tables are tracked or pending reclamation.
func (v *Version) CheckConsistency() error {
	for _, gid := range v.GroupIDs() {
		g := v.Groups[gid]
		for level := range g.Levels {
			var size uint64
			for i, f := range g.Levels[level].Files {
				size += f.FileSize
				if level == 0 {
					if i > 0 && g.Levels[0].Files[i-1].ObjectID >= f.ObjectID {
						return errors.AssertionFailedf("%s L0 not ordered by object id at %s", gid, f.ObjectID)
					}
					continue
				}
				if i > 0 && g.Levels[level].Files[i-1].KeyRange.Overlaps(f.KeyRange) {
					return errors.AssertionFailedf("%s L%d: %s overlaps %s",
						gid, level, g.Levels[level].Files[i-1], f)
				}
			}
			if size != g.Levels[level].Size {
				return errors.AssertionFailedf("%s L%d: size %d does not match files (%d)",
					gid, level, g.Levels[level].Size, size)
			}
		}
	}
	for id, ts := range v.Tables {
		if ts.CommittedEpoch > v.MaxCommittedEpoch {
			return errors.AssertionFailedf("table %s committed epoch %d exceeds max committed epoch %d",
				id, ts.CommittedEpoch, v.MaxCommittedEpoch)
		}
	}
	return nil
}

// AsDelta returns a delta that, applied to an empty version, reproduces v.
func (v *Version) AsDelta() *VersionDelta {
	d := &VersionDelta{
		ID:                v.ID,
		MaxCommittedEpoch: v.MaxCommittedEpoch,
		GroupDeltas:       map[base.GroupID]*GroupDelta{},
	}
	for gid, g := range v.Groups {
		gd := &GroupDelta{}
		for level := range g.Levels {
			for _, f := range g.Levels[level].Files {
				gd.NewFiles = append(gd.NewFiles, NewFileEntry{Level: level, Info: f})
			}
		}
		d.GroupDeltas[gid] = gd
	}
	if len(v.Tables) > 0 {
		d.NewTables = make(map[base.TableID]base.GroupID, len(v.Tables))
		d.TableCommittedEpochs = make(map[base.TableID]base.Epoch, len(v.Tables))
		for id, ts := range v.Tables {
			d.NewTables[id] = ts.GroupID
			if ts.CommittedEpoch > 0 {
				d.TableCommittedEpochs[id] = ts.CommittedEpoch
			}
		}
	}
	if len(v.Watermarks) > 0 {
		d.Watermarks = maps.Clone(v.Watermarks)
	}
	if len(v.ChangeLogs) > 0 {
		d.ChangeLogDeltas = make(map[base.TableID][]*ChangeLogDelta, len(v.ChangeLogs))
		for id, cl := range v.ChangeLogs {
			ds := make([]*ChangeLogDelta, len(cl.Entries))
			for i := range cl.Entries {
				ds[i] = &ChangeLogDelta{NewLog: cl.Entries[i]}
			}
			d.ChangeLogDeltas[id] = ds
		}
	}
	return d
}

// NewVersionFromSnapshot rebuilds a version from the output of AsDelta.
func NewVersionFromSnapshot(d *VersionDelta) (*Version, error) {
	return d.apply(NewVersion(), false /* checkID */)
}

// SafeFormat implements redact.SafeFormatter.
func (v *Version) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s: %d groups, %d files, max committed epoch %d",
		v.ID, redact.SafeInt(len(v.Groups)), redact.SafeInt(len(v.objects)), v.MaxCommittedEpoch)
}

// String implements fmt.Stringer.
func (v *Version) String() string { return redact.StringWithoutMarkers(v) }

// DebugString returns a deterministic multi-line rendering of the version.
func (v *Version) DebugString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "version %d max-committed-epoch %d\n", v.ID, v.MaxCommittedEpoch)
	for _, gid := range v.GroupIDs() {
		g := v.Groups[gid]
		fmt.Fprintf(&b, "%s:\n", gid)
		for level := range g.Levels {
			if g.Levels[level].Empty() {
				continue
			}
			fmt.Fprintf(&b, "  L%d:\n", level)
			for _, f := range g.Levels[level].Files {
				fmt.Fprintf(&b, "    %s\n", f)
			}
		}
	}
	if len(v.Tables) > 0 {
		b.WriteString("tables:\n")
		for _, id := range v.TableIDs() {
			ts := v.Tables[id]
			fmt.Fprintf(&b, "  %s: %s epoch=%d\n", id, ts.GroupID, ts.CommittedEpoch)
		}
	}
	if len(v.Watermarks) > 0 {
		b.WriteString("watermarks:\n")
		for _, id := range slices.Sorted(maps.Keys(v.Watermarks)) {
			wm := v.Watermarks[id]
			fmt.Fprintf(&b, "  %s: %s", id, redact.StringWithoutMarkers(wm.Direction))
			for _, e := range wm.Epochs {
				fmt.Fprintf(&b, " %d:", e.Epoch)
				for i, vw := range e.Watermarks {
					if i > 0 {
						b.WriteString(",")
					}
					fmt.Fprintf(&b, "%s", vw.Key)
				}
			}
			b.WriteString("\n")
		}
	}
	if len(v.ChangeLogs) > 0 {
		b.WriteString("change-logs:\n")
		for _, id := range slices.Sorted(maps.Keys(v.ChangeLogs)) {
			fmt.Fprintf(&b, "  %s:\n", id)
			for _, e := range v.ChangeLogs[id].Entries {
				fmt.Fprintf(&b, "    epochs=%v new=%v old=%v\n", e.Epochs, objectIDs(e.NewValue), objectIDs(e.OldValue))
			}
		}
	}
	return b.String()
}
