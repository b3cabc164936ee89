// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/base"
	"github.com/cockroachdb/lsmmeta/internal/invariants"
	"github.com/cockroachdb/lsmmeta/internal/manifest"
	"github.com/cockroachdb/swiss"
)

// VersionChangeReason describes why a version was installed.
type VersionChangeReason uint8

const (
	// ReasonRecovery is the version rebuilt from the delta log on Open.
	ReasonRecovery VersionChangeReason = iota
	// ReasonCommitEpoch is a version produced by CommitEpoch.
	ReasonCommitEpoch
	// ReasonCompaction is a version produced by a successful compaction
	// report.
	ReasonCompaction
	// ReasonTableChange is a version produced by registering or dropping
	// tables.
	ReasonTableChange
	// ReasonApplyDelta is a version produced by a caller-built delta.
	ReasonApplyDelta
)

var reasonNames = [...]string{
	ReasonRecovery:    "recovery",
	ReasonCommitEpoch: "commit-epoch",
	ReasonCompaction:  "compaction",
	ReasonTableChange: "table-change",
	ReasonApplyDelta:  "apply-delta",
}

// String implements fmt.Stringer.
func (r VersionChangeReason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

// versionSet holds the current version and the pin tables that keep older
// versions and epochs from being collected.
//
// Deltas are applied one at a time: logLock marks the set as busy and later
// appliers wait on writerCond. The build callback and the delta log append
// run without mu held, so pins and reads proceed while a delta is being
// persisted.
type versionSet struct {
	opts     *Options
	deltaLog DeltaLog
	alloc    *objectIDAllocator

	// current is read without holding mu so that currentVersion never blocks.
	current atomic.Pointer[manifest.Version]

	mu         sync.Mutex
	writerCond sync.Cond
	// writing is true while a delta is being built and persisted.
	writing bool
	// retained holds, in ascending id order, every version that may still be
	// read: the current version and all versions at or above the oldest
	// pinned version.
	retained     []*manifest.Version
	versionPins  pinTable[VersionID]
	snapshotPins pinTable[Epoch]
	// changed is closed and replaced each time a version is installed.
	changed chan struct{}

	// retired holds the ids of files removed from the LSM tree. They may
	// never be added again. It is only accessed by the holder of the log
	// lock.
	retired swiss.Map[ObjectID, struct{}]
}

func (vs *versionSet) init(
	opts *Options, initial *manifest.Version, alloc *objectIDAllocator, retired []ObjectID,
) {
	vs.opts = opts
	vs.deltaLog = opts.DeltaLog
	vs.alloc = alloc
	vs.retired.Init(len(retired))
	for _, id := range retired {
		vs.retired.Put(id, struct{}{})
	}
	vs.writerCond.L = &vs.mu
	vs.versionPins.init()
	vs.snapshotPins.init()
	vs.changed = make(chan struct{})
	vs.current.Store(initial)
	vs.retained = []*manifest.Version{initial}
}

// currentVersion returns the latest installed version. It never blocks.
func (vs *versionSet) currentVersion() *manifest.Version {
	return vs.current.Load()
}

// changeNotify returns a channel that is closed when the next version is
// installed.
func (vs *versionSet) changeNotify() <-chan struct{} {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.changed
}

// logLock locks the version set for applying a delta. vs.mu must be held.
func (vs *versionSet) logLock() {
	for vs.writing {
		vs.writerCond.Wait()
	}
	vs.writing = true
}

// logUnlock releases the lock for applying a delta. vs.mu must be held.
func (vs *versionSet) logUnlock() {
	if !vs.writing {
		vs.opts.Logger.Fatalf("version set not locked for writing")
	}
	vs.writing = false
	vs.writerCond.Signal()
}

// errNoChange may be returned by a build function to leave the current
// version in place.
var errNoChange = errors.New("no change")

// logAndApply builds a delta against the current version, applies it,
// records it in the delta log and installs the result. Calls are serialized:
// build always sees the version installed by the previous call.
//
// If build returns errNoChange the current version is returned unchanged.
// If build, Apply or the log append fails, nothing is installed and the
// version sequence is unaffected.
func (vs *versionSet) logAndApply(
	ctx context.Context,
	reason VersionChangeReason,
	build func(cur *manifest.Version) (*manifest.VersionDelta, error),
) (*manifest.Version, error) {
	cur, nv, d, err := vs.logAndInstall(ctx, build)
	if err != nil {
		if errors.Is(err, errNoChange) {
			return cur, nil
		}
		return nil, err
	}

	vs.opts.EventListener.VersionInstalled(VersionInstallInfo{
		VersionID:     nv.ID,
		PrevVersionID: cur.ID,
		BaseVersionID: d.PrevID,
		Reason:        reason,
		Epoch:         nv.MaxCommittedEpoch,
		NumFiles:      nv.NumFiles(),
	})
	return nv, nil
}

// logAndInstall runs buildAndPersist under the log lock and installs the
// result. The log lock is released even if build panics.
func (vs *versionSet) logAndInstall(
	ctx context.Context, build func(cur *manifest.Version) (*manifest.VersionDelta, error),
) (cur, nv *manifest.Version, d *manifest.VersionDelta, err error) {
	vs.mu.Lock()
	vs.logLock()
	vs.mu.Unlock()
	defer func() {
		vs.mu.Lock()
		defer vs.mu.Unlock()
		if err == nil && nv != nil {
			vs.installLocked(nv, d)
		}
		vs.logUnlock()
	}()

	cur = vs.currentVersion()
	nv, d, err = vs.buildAndPersist(ctx, cur, build)
	return cur, nv, d, err
}

func (vs *versionSet) buildAndPersist(
	ctx context.Context,
	cur *manifest.Version,
	build func(cur *manifest.Version) (*manifest.VersionDelta, error),
) (*manifest.Version, *manifest.VersionDelta, error) {
	d, err := build(cur)
	if err != nil {
		return nil, nil, err
	}
	if err := vs.checkNewObjects(d); err != nil {
		return nil, nil, err
	}
	d.ID = cur.ID + 1
	if d.PrevID == 0 {
		d.PrevID = cur.ID
	}
	nv, err := d.Apply(cur)
	if err != nil {
		return nil, nil, err
	}
	if invariants.Enabled {
		if err := nv.CheckConsistency(); err != nil {
			return nil, nil, err
		}
	}
	if err := vs.deltaLog.Append(ctx, d); err != nil {
		return nil, nil, base.BackingStoreError(err, "appending delta for %s", d.ID)
	}
	return nv, d, nil
}

// checkNewObjects rejects files added under an id that was never handed out
// or that belonged to a file removed by an earlier version. The log lock
// must be held.
func (vs *versionSet) checkNewObjects(d *manifest.VersionDelta) error {
	bound := vs.alloc.issuedBound()
	for _, gid := range slices.Sorted(maps.Keys(d.GroupDeltas)) {
		for _, nf := range d.GroupDeltas[gid].NewFiles {
			if nf.Info == nil {
				return errors.Newf("new file in %s L%d has no descriptor", gid, nf.Level)
			}
			id := nf.Info.ObjectID
			if id >= bound {
				return errors.Mark(errors.Newf("%s was never allocated", id), base.ErrConflictingObjectID)
			}
			if _, ok := vs.retired.Get(id); ok {
				return errors.Mark(errors.Newf("%s belonged to a removed file", id), base.ErrConflictingObjectID)
			}
		}
	}
	return nil
}

// applyDelta applies a caller-built delta. The delta may have been computed
// against an older version: metadata-only changes rebase onto the current
// version, while structural conflicts are rejected with
// ErrConflictingObjectID or ErrStaleBaseVersion.
func (vs *versionSet) applyDelta(ctx context.Context, d *manifest.VersionDelta) (*manifest.Version, error) {
	return vs.logAndApply(ctx, ReasonApplyDelta, func(*manifest.Version) (*manifest.VersionDelta, error) {
		return d, nil
	})
}

// installLocked publishes nv, produced by d. vs.mu must be held.
func (vs *versionSet) installLocked(nv *manifest.Version, d *manifest.VersionDelta) {
	if cur := vs.currentVersion(); nv.ID <= cur.ID {
		vs.opts.Logger.Fatalf("%s installed after %s", nv.ID, cur.ID)
	}
	for _, id := range d.RetiredObjects() {
		vs.retired.Put(id, struct{}{})
	}
	vs.current.Store(nv)
	vs.retained = append(vs.retained, nv)
	vs.pruneLocked()
	close(vs.changed)
	vs.changed = make(chan struct{})
}

// pruneLocked drops retained versions that are older than every pinned
// version. The current version is always retained.
func (vs *versionSet) pruneLocked() {
	cur := vs.currentVersion()
	minID, ok := vs.versionPins.min()
	if !ok {
		minID = cur.ID
	}
	i := 0
	for i < len(vs.retained)-1 && vs.retained[i].ID < minID {
		vs.retained[i] = nil
		i++
	}
	vs.retained = vs.retained[i:]
}

// pinVersion pins the current version for the context and returns it.
func (vs *versionSet) pinVersion(id ContextID) *manifest.Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	v := vs.currentVersion()
	vs.versionPins.pin(id, v.ID)
	return v
}

// unpinVersionBefore releases the context's pins on versions strictly older
// than before. Releasing pins that are not held is a no-op.
func (vs *versionSet) unpinVersionBefore(id ContextID, before VersionID) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.versionPins.unpinBefore(id, before) > 0 {
		vs.pruneLocked()
	}
}

// unpinVersion releases all of the context's version pins.
func (vs *versionSet) unpinVersion(id ContextID) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.versionPins.unpinAll(id) > 0 {
		vs.pruneLocked()
	}
}

// pinSnapshot pins the current committed epoch for the context.
func (vs *versionSet) pinSnapshot(id ContextID) Snapshot {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	e := vs.currentVersion().MaxCommittedEpoch
	vs.snapshotPins.pin(id, e)
	return Snapshot{CommittedEpoch: e}
}

func (vs *versionSet) unpinSnapshot(id ContextID) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.snapshotPins.unpinAll(id)
}

func (vs *versionSet) unpinSnapshotBefore(id ContextID, before Epoch) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.snapshotPins.unpinBefore(id, before)
}

// releaseContext drops every pin held by the context.
func (vs *versionSet) releaseContext(id ContextID) (versions, snapshots int) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	versions = vs.versionPins.unpinAll(id)
	snapshots = vs.snapshotPins.unpinAll(id)
	if versions > 0 {
		vs.pruneLocked()
	}
	return versions, snapshots
}

// isVersionPinned returns true if some context holds a pin on the version.
func (vs *versionSet) isVersionPinned(v VersionID) bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.versionPins.contains(v)
}

// isVersionCollectible returns true if the version is neither current nor
// at or above the oldest pinned version.
func (vs *versionSet) isVersionCollectible(v VersionID) bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if v >= vs.currentVersion().ID {
		return false
	}
	minID, ok := vs.versionPins.min()
	return !ok || v < minID
}

// isEpochPinned returns true if some context holds a snapshot pin on the
// epoch.
func (vs *versionSet) isEpochPinned(e Epoch) bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.snapshotPins.contains(e)
}

// isEpochCollectible returns true if data visible only at epoch e may be
// reclaimed: e is older than the committed epoch and than every pinned
// snapshot.
func (vs *versionSet) isEpochCollectible(e Epoch) bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if e >= vs.currentVersion().MaxCommittedEpoch {
		return false
	}
	minEpoch, ok := vs.snapshotPins.min()
	return !ok || e < minEpoch
}

// minPinnedEpoch returns the oldest pinned snapshot epoch.
func (vs *versionSet) minPinnedEpoch() (Epoch, bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.snapshotPins.min()
}

// version returns the retained version with the given id.
func (vs *versionSet) version(id VersionID) (*manifest.Version, bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for _, v := range vs.retained {
		if v.ID == id {
			return v, true
		}
	}
	return nil, false
}

// versionByEpoch returns the oldest retained version whose committed epoch is
// at least e.
func (vs *versionSet) versionByEpoch(e Epoch) (*manifest.Version, bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for _, v := range vs.retained {
		if v.MaxCommittedEpoch >= e {
			return v, true
		}
	}
	return nil, false
}

// retainedVersionsLocked returns every retained version. vs.mu must be held.
func (vs *versionSet) retainedVersionsLocked() []*manifest.Version {
	return slices.Clone(vs.retained)
}

type pinCounts struct {
	VersionContexts, SnapshotContexts, RetainedVersions int
}

func (vs *versionSet) pinCounts() pinCounts {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return pinCounts{
		VersionContexts:  vs.versionPins.numContexts(),
		SnapshotContexts: vs.snapshotPins.numContexts(),
		RetainedVersions: len(vs.retained),
	}
}
