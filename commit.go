// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"cmp"
	"context"
	"encoding/binary"
	"maps"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/base"
	"github.com/cockroachdb/lsmmeta/internal/manifest"
)

// LocalSSTableInfo is a file written by a writer for an epoch, together with
// the statistics of the data it holds per table.
type LocalSSTableInfo struct {
	Info       *manifest.SSTableInfo  `json:"info"`
	TableStats map[TableID]TableStats `json:"table_stats,omitempty"`
}

// CommitEpochRequest holds the inputs of an epoch commit.
type CommitEpochRequest struct {
	Epoch Epoch `json:"epoch"`
	// UncommittedFiles are added to L0 of the group owning their tables.
	UncommittedFiles []LocalSSTableInfo `json:"uncommitted_files"`
	// OldValueFiles hold the previous values of keys overwritten in the
	// epoch. They are only recorded in change logs and only when IsLogStore
	// is set.
	OldValueFiles   []LocalSSTableInfo                    `json:"old_value_files,omitempty"`
	TableWatermarks map[TableID]*manifest.TableWatermarks `json:"table_watermarks,omitempty"`
	IsLogStore      bool                                  `json:"is_log_store"`
}

// maxCommitFingerprints bounds the number of committed epochs remembered for
// retry detection.
const maxCommitFingerprints = 128

// commitFingerprints maps recently committed epochs to the fingerprint of
// their request. It is only accessed from logAndApply build functions, which
// are serialized.
type commitFingerprints map[Epoch]uint64

func (f commitFingerprints) record(e Epoch, fp uint64) {
	f[e] = fp
	if len(f) > maxCommitFingerprints {
		delete(f, slices.Min(slices.Collect(maps.Keys(f))))
	}
}

// fingerprint hashes a canonical encoding of the request. Requests that only
// differ in the order of their files, or of the table ids of a file, have
// the same fingerprint.
func (r *CommitEpochRequest) fingerprint() uint64 {
	h := xxhash.New()
	var buf [binary.MaxVarintLen64]byte
	putUvarint := func(v uint64) {
		n := binary.PutUvarint(buf[:], v)
		_, _ = h.Write(buf[:n])
	}
	putBytes := func(b []byte) {
		putUvarint(uint64(len(b)))
		_, _ = h.Write(b)
	}
	putFiles := func(files []LocalSSTableInfo) {
		sorted := slices.Clone(files)
		slices.SortFunc(sorted, func(a, b LocalSSTableInfo) int {
			return cmp.Compare(a.Info.ObjectID, b.Info.ObjectID)
		})
		putUvarint(uint64(len(sorted)))
		for _, lf := range sorted {
			f := lf.Info.Normalized()
			putUvarint(uint64(f.ObjectID))
			putUvarint(f.FileSize)
			putBytes(f.KeyRange.Left)
			putBytes(f.KeyRange.Right)
			if f.KeyRange.RightExclusive {
				putUvarint(1)
			} else {
				putUvarint(0)
			}
			putUvarint(uint64(len(f.TableIDs)))
			for _, t := range f.TableIDs {
				putUvarint(uint64(t))
			}
			putUvarint(uint64(f.MinEpoch))
			putUvarint(uint64(f.MaxEpoch))
			putUvarint(f.TotalKeyCount)
			putUvarint(f.StaleKeyCount)
			putUvarint(uint64(len(lf.TableStats)))
			for _, t := range slices.Sorted(maps.Keys(lf.TableStats)) {
				s := lf.TableStats[t]
				putUvarint(uint64(t))
				putUvarint(uint64(s.KeySize))
				putUvarint(uint64(s.ValueSize))
				putUvarint(uint64(s.KeyCount))
			}
		}
	}

	putUvarint(uint64(r.Epoch))
	if r.IsLogStore {
		putUvarint(1)
	} else {
		putUvarint(0)
	}
	putFiles(r.UncommittedFiles)
	putFiles(r.OldValueFiles)
	putUvarint(uint64(len(r.TableWatermarks)))
	for _, t := range slices.Sorted(maps.Keys(r.TableWatermarks)) {
		wm := r.TableWatermarks[t]
		putUvarint(uint64(t))
		putUvarint(uint64(wm.Direction))
		putUvarint(uint64(len(wm.Epochs)))
		for _, ew := range wm.Epochs {
			putUvarint(uint64(ew.Epoch))
			putUvarint(uint64(len(ew.Watermarks)))
			for _, vw := range ew.Watermarks {
				putUvarint(uint64(len(vw.Vnodes)))
				for _, vn := range vw.Vnodes {
					putUvarint(uint64(vn))
				}
				putBytes(vw.Key)
			}
		}
	}
	return h.Sum64()
}

// touchedTables returns the tables holding data in the files of the commit,
// in ascending order.
func (r *CommitEpochRequest) touchedTables() []TableID {
	var ids []TableID
	add := func(files []LocalSSTableInfo) {
		for _, f := range files {
			ids = append(ids, f.Info.TableIDs...)
		}
	}
	add(r.UncommittedFiles)
	if r.IsLogStore {
		add(r.OldValueFiles)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func infos(files []LocalSSTableInfo) []*manifest.SSTableInfo {
	res := make([]*manifest.SSTableInfo, len(files))
	for i, f := range files {
		res[i] = f.Info.Normalized()
	}
	return res
}

// buildCommitDelta derives the delta of a commit against cur. New tables are
// detected before the change log is derived, so that tables first seen in
// this epoch get a log starting at this epoch.
func buildCommitDelta(cur *manifest.Version, r *CommitEpochRequest) (*manifest.VersionDelta, error) {
	d := &manifest.VersionDelta{
		MaxCommittedEpoch:    r.Epoch,
		TableCommittedEpochs: map[TableID]Epoch{},
	}
	touched := r.touchedTables()

	groupOf := make(map[TableID]GroupID, len(touched))
	for _, t := range touched {
		if ts, ok := cur.Tables[t]; ok {
			groupOf[t] = ts.GroupID
			continue
		}
		if d.NewTables == nil {
			d.NewTables = map[TableID]GroupID{}
		}
		d.NewTables[t] = StateDefaultGroup
		groupOf[t] = StateDefaultGroup
	}

	for _, f := range infos(r.UncommittedFiles) {
		if len(f.TableIDs) == 0 {
			return nil, errors.Newf("%s holds no table data", f.ObjectID)
		}
		gid := groupOf[f.TableIDs[0]]
		for _, t := range f.TableIDs[1:] {
			if groupOf[t] != gid {
				return nil, errors.Newf("%s holds data of %s in %s and %s in %s",
					f.ObjectID, f.TableIDs[0], gid, t, groupOf[t])
			}
		}
		gd := d.Group(gid)
		gd.NewFiles = append(gd.NewFiles, manifest.NewFileEntry{Level: 0, Info: f})
	}

	if r.IsLogStore && len(touched) > 0 {
		logTables := make(map[TableID]Epoch, len(touched))
		for _, t := range touched {
			logTables[t] = 0
		}
		deltas := manifest.BuildTableChangeLogDelta(
			infos(r.OldValueFiles), infos(r.UncommittedFiles), []Epoch{r.Epoch}, logTables)
		d.ChangeLogDeltas = make(map[TableID][]*manifest.ChangeLogDelta, len(deltas))
		for t, cd := range deltas {
			d.ChangeLogDeltas[t] = []*manifest.ChangeLogDelta{cd}
		}
	}

	for t, wm := range r.TableWatermarks {
		if _, ok := groupOf[t]; !ok && !cur.HasTable(t) {
			return nil, errors.Newf("watermark for untracked table %s", t)
		}
		if d.Watermarks == nil {
			d.Watermarks = map[TableID]*manifest.TableWatermarks{}
		}
		d.Watermarks[t] = wm
	}

	for _, t := range touched {
		d.TableCommittedEpochs[t] = r.Epoch
	}
	return d, nil
}

// validateCommit rejects malformed requests before anything is derived from
// them. New files are checked against the allocator again when the delta is
// applied; old-value files only reach change logs, so their ids are checked
// here.
func (c *Coordinator) validateCommit(r *CommitEpochRequest) error {
	bound := c.alloc.a.issuedBound()
	for _, f := range append(slices.Clone(r.UncommittedFiles), r.OldValueFiles...) {
		if f.Info == nil {
			return errors.New("commit includes a file without descriptor")
		}
		if err := f.Info.Normalized().Validate(); err != nil {
			return err
		}
		if f.Info.ObjectID >= bound {
			return errors.Mark(errors.Newf("%s was never allocated", f.Info.ObjectID), base.ErrConflictingObjectID)
		}
	}
	for t, wm := range r.TableWatermarks {
		if err := wm.Validate(); err != nil {
			return errors.Wrapf(err, "table %s", t)
		}
	}
	return nil
}

// commitEpoch applies the files and metadata of an epoch as a single delta.
// Either the whole delta is installed and the epoch becomes the committed
// boundary, or nothing changes. Repeating a commit of the latest committed
// epochs with identical inputs returns the current version without change;
// any other commit at or below the committed epoch fails with
// ErrInvalidEpoch.
func (c *Coordinator) commitEpoch(ctx context.Context, r *CommitEpochRequest) (*manifest.Version, error) {
	if r.Epoch == 0 {
		return nil, errors.Mark(errors.New("cannot commit epoch 0"), base.ErrInvalidEpoch)
	}
	if err := c.validateCommit(r); err != nil {
		return nil, err
	}
	fp := r.fingerprint()
	applied := false
	v, err := c.versions.logAndApply(ctx, ReasonCommitEpoch, func(cur *manifest.Version) (*manifest.VersionDelta, error) {
		if r.Epoch <= cur.MaxCommittedEpoch {
			if prev, ok := c.commits[r.Epoch]; ok && prev == fp {
				return nil, errNoChange
			}
			return nil, errors.Mark(errors.Newf("epoch %s is not above committed epoch %s",
				r.Epoch, cur.MaxCommittedEpoch), base.ErrInvalidEpoch)
		}
		d, err := buildCommitDelta(cur, r)
		if err != nil {
			return nil, err
		}
		// The fingerprint is recorded before the delta is persisted. If
		// persisting fails the epoch stays above the committed epoch and the
		// entry is overwritten by the retry.
		c.commits.record(r.Epoch, fp)
		applied = true
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	if applied {
		for _, f := range r.UncommittedFiles {
			c.tableStats.apply(f.TableStats)
		}
	}
	return v, nil
}
