// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"maps"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/base"
)

// NewFileEntry adds a file to a level.
type NewFileEntry struct {
	Level int
	Info  *SSTableInfo
}

// DeletedFileEntry removes a file from a level.
type DeletedFileEntry struct {
	Level    int
	ObjectID base.ObjectID
}

// GroupDelta holds the file changes of a single compaction group. A group that
// does not exist yet is created when files are added to it.
type GroupDelta struct {
	NewFiles     []NewFileEntry
	DeletedFiles []DeletedFileEntry
}

// VersionDelta is the unit of change applied to a Version to produce its
// successor.
//
// Structural fields (file additions and removals, committed epochs of
// existing tables) are checked against the version the delta is applied to
// and fail closed. Metadata-only fields (new-table markers, watermarks,
// change logs, the max committed epoch) merge commutatively, so a delta
// computed against an older version may still be applied to a newer one.
type VersionDelta struct {
	// ID is the id of the version produced by applying the delta. It is
	// assigned when the delta is accepted.
	ID base.VersionID
	// PrevID is the version the delta was computed against.
	PrevID base.VersionID
	// MaxCommittedEpoch, if non-zero, advances the visible committed epoch.
	MaxCommittedEpoch base.Epoch

	GroupDeltas map[base.GroupID]*GroupDelta
	// NewTables marks tables that become tracked, with the group that owns
	// them. Tables that are already tracked are left untouched.
	NewTables map[base.TableID]base.GroupID
	// TableCommittedEpochs advances the committed epoch of tracked tables.
	TableCommittedEpochs map[base.TableID]base.Epoch
	// RemovedTables stops tracking the given tables, dropping their
	// watermarks and change logs.
	RemovedTables []base.TableID
	Watermarks    map[base.TableID]*TableWatermarks
	// ChangeLogDeltas are applied in order per table.
	ChangeLogDeltas map[base.TableID][]*ChangeLogDelta
}

// Group returns the delta for the given group, creating it if necessary.
func (d *VersionDelta) Group(id base.GroupID) *GroupDelta {
	if d.GroupDeltas == nil {
		d.GroupDeltas = map[base.GroupID]*GroupDelta{}
	}
	gd := d.GroupDeltas[id]
	if gd == nil {
		gd = &GroupDelta{}
		d.GroupDeltas[id] = gd
	}
	return gd
}

// Empty returns true if applying the delta would change nothing but the
// version id.
func (d *VersionDelta) Empty() bool {
	for _, gd := range d.GroupDeltas {
		if len(gd.NewFiles) > 0 || len(gd.DeletedFiles) > 0 {
			return false
		}
	}
	return d.MaxCommittedEpoch == 0 && len(d.NewTables) == 0 && len(d.TableCommittedEpochs) == 0 &&
		len(d.RemovedTables) == 0 && len(d.Watermarks) == 0 && len(d.ChangeLogDeltas) == 0
}

// RetiredObjects returns the ids of the files the delta removes without
// adding them back at another level, in ascending order.
func (d *VersionDelta) RetiredObjects() []base.ObjectID {
	added := make(map[base.ObjectID]struct{})
	for _, gd := range d.GroupDeltas {
		for _, nf := range gd.NewFiles {
			if nf.Info != nil {
				added[nf.Info.ObjectID] = struct{}{}
			}
		}
	}
	var ids []base.ObjectID
	for _, gd := range d.GroupDeltas {
		for _, df := range gd.DeletedFiles {
			if _, ok := added[df.ObjectID]; !ok {
				ids = append(ids, df.ObjectID)
			}
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// Apply applies the delta to curr and returns the resulting version. curr is
// not modified. Groups untouched by the delta are shared with curr.
//
// Apply returns an error marked base.ErrConflictingObjectID if the delta adds
// an object that curr already references (other than one it also removes),
// and base.ErrStaleBaseVersion if it removes a file that curr does not hold
// at the stated level or updates a table curr no longer tracks.
func (d *VersionDelta) Apply(curr *Version) (*Version, error) {
	return d.apply(curr, true /* checkID */)
}

func (d *VersionDelta) apply(curr *Version, checkID bool) (*Version, error) {
	if checkID && d.ID <= curr.ID {
		return nil, errors.AssertionFailedf("delta produces %s which does not follow %s", d.ID, curr.ID)
	}
	v := &Version{
		ID:                d.ID,
		MaxCommittedEpoch: max(curr.MaxCommittedEpoch, d.MaxCommittedEpoch),
		Groups:            maps.Clone(curr.Groups),
		Tables:            maps.Clone(curr.Tables),
		Watermarks:        maps.Clone(curr.Watermarks),
		ChangeLogs:        maps.Clone(curr.ChangeLogs),
	}

	// Removals are resolved first so that a file may move between levels
	// within a single delta.
	removed := make(map[base.ObjectID]struct{})
	for _, gid := range slices.Sorted(maps.Keys(d.GroupDeltas)) {
		gd := d.GroupDeltas[gid]
		for _, df := range gd.DeletedFiles {
			loc, ok := curr.Locate(df.ObjectID)
			if !ok || loc.Group != gid || loc.Level != df.Level {
				return nil, errors.Mark(errors.Newf("cannot delete %s from %s L%d: not present",
					df.ObjectID, gid, df.Level), base.ErrStaleBaseVersion)
			}
			if _, dup := removed[df.ObjectID]; dup {
				return nil, errors.Mark(errors.Newf("%s deleted twice", df.ObjectID), base.ErrStaleBaseVersion)
			}
			removed[df.ObjectID] = struct{}{}
		}
	}
	added := make(map[base.ObjectID]struct{})
	for _, gid := range slices.Sorted(maps.Keys(d.GroupDeltas)) {
		for _, nf := range d.GroupDeltas[gid].NewFiles {
			if nf.Info == nil {
				return nil, errors.Newf("new file in %s L%d has no descriptor", gid, nf.Level)
			}
			if nf.Level < 0 || nf.Level >= NumLevels {
				return nil, errors.Newf("invalid level %d for %s", nf.Level, nf.Info.ObjectID)
			}
			if err := nf.Info.Validate(); err != nil {
				return nil, err
			}
			id := nf.Info.ObjectID
			if _, dup := added[id]; dup {
				return nil, errors.Mark(errors.Newf("%s added twice", id), base.ErrConflictingObjectID)
			}
			if _, gone := removed[id]; curr.Contains(id) && !gone {
				return nil, errors.Mark(errors.Newf("%s already present", id), base.ErrConflictingObjectID)
			}
			added[id] = struct{}{}
		}
	}

	for gid, gd := range d.GroupDeltas {
		if len(gd.NewFiles) == 0 && len(gd.DeletedFiles) == 0 {
			if _, ok := v.Groups[gid]; !ok {
				v.Groups[gid] = &GroupLevels{}
			}
			continue
		}
		g := curr.Groups[gid].clone()
		for _, df := range gd.DeletedFiles {
			l := &g.Levels[df.Level]
			i := slices.IndexFunc(l.Files, func(f *SSTableInfo) bool { return f.ObjectID == df.ObjectID })
			l.Size -= l.Files[i].FileSize
			l.Files = slices.Delete(l.Files, i, i+1)
		}
		for _, nf := range gd.NewFiles {
			l := &g.Levels[nf.Level]
			l.Files = append(l.Files, nf.Info)
			l.Size += nf.Info.FileSize
		}
		if err := g.sortAndCheck(gid); err != nil {
			return nil, errors.Mark(err, base.ErrStaleBaseVersion)
		}
		v.Groups[gid] = g
	}

	for id, gid := range d.NewTables {
		if _, ok := v.Tables[id]; !ok {
			v.Tables[id] = TableState{GroupID: gid}
			if _, ok := v.Groups[gid]; !ok {
				v.Groups[gid] = &GroupLevels{}
			}
		}
	}
	for id, epoch := range d.TableCommittedEpochs {
		ts, ok := v.Tables[id]
		if !ok {
			return nil, errors.Mark(errors.Newf("table %s is not tracked", id), base.ErrStaleBaseVersion)
		}
		if epoch > ts.CommittedEpoch {
			ts.CommittedEpoch = epoch
			v.Tables[id] = ts
		}
		v.MaxCommittedEpoch = max(v.MaxCommittedEpoch, epoch)
	}
	for id, wm := range d.Watermarks {
		merged, err := v.Watermarks[id].merge(wm)
		if err != nil {
			return nil, errors.Wrapf(err, "table %s", id)
		}
		v.Watermarks[id] = merged
	}
	for id, deltas := range d.ChangeLogDeltas {
		cl := v.ChangeLogs[id]
		for _, cd := range deltas {
			cl = cl.apply(cd)
		}
		v.ChangeLogs[id] = cl
	}
	for _, id := range d.RemovedTables {
		delete(v.Tables, id)
		delete(v.Watermarks, id)
		delete(v.ChangeLogs, id)
	}

	if err := v.buildIndex(); err != nil {
		return nil, err
	}
	return v, nil
}
