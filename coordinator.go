// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package lsmmeta implements the metadata coordinator of an LSM storage
// engine whose compactions run on remote workers. The coordinator owns the
// current Version (the files of every compaction group plus per-table
// metadata), hands out object ids for new files, commits the files written
// for an epoch, and schedules compaction tasks over per-worker event
// streams.
//
// Every reader and worker is identified by a Context obtained from
// RegisterContext or SubscribeCompactionEvents. Pins and tasks are owned by
// a Context and released when it is deregistered.
package lsmmeta

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/base"
	"github.com/cockroachdb/lsmmeta/internal/manifest"
)

// Coordinator is the metadata coordinator. It is safe for concurrent use.
type Coordinator struct {
	opts            *Options
	alloc           *ObjectIDAllocator
	versions        versionSet
	contexts        *contextRegistry
	scheduler       *compactionScheduler
	tableStats      *tableStatsTracker
	dispatchLimiter *dispatchLimiter
	// commits is only accessed from logAndApply build functions.
	commits   commitFingerprints
	collector *collector

	bgCtx    context.Context
	bgCancel context.CancelFunc
	closed   atomic.Bool

	mu struct {
		sync.Mutex
		sessions map[ContextID]*compactionSession
	}
}

func (c *Coordinator) checkClosed() error {
	if c.closed.Load() {
		return base.ErrClosed
	}
	return nil
}

// RegisterContext registers a reader or worker and returns its identity.
func (c *Coordinator) RegisterContext(kind ContextKind, addr string) (*Context, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	return c.contexts.register(kind, addr), nil
}

// DeregisterContext tears down the context: its compaction event stream, if
// any, is closed, its in-flight tasks are failed and its pins are released.
func (c *Coordinator) DeregisterContext(id ContextID) error {
	c.mu.Lock()
	s := c.mu.sessions[id]
	c.mu.Unlock()
	if s != nil {
		return s.Close()
	}
	ctxt, err := c.contexts.get(id)
	if err != nil {
		return err
	}
	c.disconnect(ctxt, nil)
	return nil
}

// Contexts returns the registered contexts in id order.
func (c *Coordinator) Contexts() []*Context { return c.contexts.list() }

func (c *Coordinator) disconnect(w *Context, cause error) {
	if _, ok := c.contexts.remove(w.ID); !ok {
		return
	}
	c.mu.Lock()
	delete(c.mu.sessions, w.ID)
	c.mu.Unlock()

	tasks := c.scheduler.cancelOwnedTasks(w.ID)
	versions, snapshots := c.versions.releaseContext(w.ID)
	info := WorkerDisconnectInfo{
		Context:              *w,
		ReleasedVersionPins:  versions,
		ReleasedSnapshotPins: snapshots,
		Err:                  cause,
	}
	for _, t := range tasks {
		info.CanceledTasks = append(info.CanceledTasks, t.ID)
	}
	c.opts.EventListener.WorkerDisconnected(info)
}

// CurrentVersion returns the latest installed version. It never blocks.
func (c *Coordinator) CurrentVersion() *Version {
	return c.versions.currentVersion()
}

// PinVersion pins the current version on behalf of the context and returns
// it. The version and every newer one stay retrievable until unpinned.
func (c *Coordinator) PinVersion(id ContextID) (*Version, error) {
	if _, err := c.contexts.get(id); err != nil {
		return nil, err
	}
	v := c.versions.pinVersion(id)
	// disconnect removes the context before releasing its pins. If the
	// context is gone now, the release may have missed this pin.
	if _, err := c.contexts.get(id); err != nil {
		c.versions.unpinVersion(id)
		return nil, err
	}
	return v, nil
}

// UnpinVersion releases every version pin held by the context.
func (c *Coordinator) UnpinVersion(id ContextID) error {
	if _, err := c.contexts.get(id); err != nil {
		return err
	}
	c.versions.unpinVersion(id)
	return nil
}

// UnpinVersionBefore releases the context's pins on versions strictly older
// than before. Releasing a pin that is not held is a no-op.
func (c *Coordinator) UnpinVersionBefore(id ContextID, before VersionID) error {
	if _, err := c.contexts.get(id); err != nil {
		return err
	}
	c.versions.unpinVersionBefore(id, before)
	return nil
}

// PinSnapshot pins the current committed epoch on behalf of the context.
func (c *Coordinator) PinSnapshot(id ContextID) (Snapshot, error) {
	if _, err := c.contexts.get(id); err != nil {
		return Snapshot{}, err
	}
	snap := c.versions.pinSnapshot(id)
	if _, err := c.contexts.get(id); err != nil {
		c.versions.unpinSnapshot(id)
		return Snapshot{}, err
	}
	return snap, nil
}

// UnpinSnapshot releases every snapshot pin held by the context.
func (c *Coordinator) UnpinSnapshot(id ContextID) error {
	if _, err := c.contexts.get(id); err != nil {
		return err
	}
	c.versions.unpinSnapshot(id)
	return nil
}

// UnpinSnapshotBefore releases the context's snapshot pins on epochs
// strictly older than before.
func (c *Coordinator) UnpinSnapshotBefore(id ContextID, before Epoch) error {
	if _, err := c.contexts.get(id); err != nil {
		return err
	}
	c.versions.unpinSnapshotBefore(id, before)
	return nil
}

// GetSnapshot returns the current committed epoch without pinning it.
func (c *Coordinator) GetSnapshot() Snapshot {
	return Snapshot{CommittedEpoch: c.CurrentVersion().MaxCommittedEpoch}
}

// GetVersionByEpoch returns the oldest retained version whose committed
// epoch is at least e.
func (c *Coordinator) GetVersionByEpoch(e Epoch) (*Version, error) {
	v, ok := c.versions.versionByEpoch(e)
	if !ok {
		return nil, errors.Mark(errors.Newf("no retained version has committed epoch %s", e), base.ErrInvalidEpoch)
	}
	return v, nil
}

// GetVersion returns the retained version with the given id.
func (c *Coordinator) GetVersion(id VersionID) (*Version, bool) {
	return c.versions.version(id)
}

// IsVersionPinned returns true if some context pins the version.
func (c *Coordinator) IsVersionPinned(id VersionID) bool { return c.versions.isVersionPinned(id) }

// IsVersionCollectible returns true if the version is older than the current
// version and than every pinned version.
func (c *Coordinator) IsVersionCollectible(id VersionID) bool {
	return c.versions.isVersionCollectible(id)
}

// IsEpochPinned returns true if some context pins a snapshot at the epoch.
func (c *Coordinator) IsEpochPinned(e Epoch) bool { return c.versions.isEpochPinned(e) }

// IsEpochCollectible returns true if data only visible at epoch e may be
// reclaimed.
func (c *Coordinator) IsEpochCollectible(e Epoch) bool { return c.versions.isEpochCollectible(e) }

// AllocateObjectIDs returns a half-open range of count fresh object ids.
func (c *Coordinator) AllocateObjectIDs(ctx context.Context, count uint32) (IDRange, error) {
	if err := c.checkClosed(); err != nil {
		return IDRange{}, err
	}
	return c.alloc.Allocate(ctx, count)
}

// ObjectIDAllocator returns the coordinator's allocator. Allocators with a
// different offset can be derived from it with WithOffset.
func (c *Coordinator) ObjectIDAllocator() *ObjectIDAllocator { return c.alloc }

// CommitEpoch adds the files written for an epoch to the current version and
// makes the epoch the committed boundary. See CommitEpochRequest.
func (c *Coordinator) CommitEpoch(ctx context.Context, r *CommitEpochRequest) (*Version, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	return c.commitEpoch(ctx, r)
}

// ApplyDelta applies a caller-built delta. The delta's ID is assigned by the
// coordinator. Structural conflicts with the current version are rejected
// with an error marked ErrConflictingObjectID or ErrStaleBaseVersion.
func (c *Coordinator) ApplyDelta(ctx context.Context, d *VersionDelta) (*Version, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	return c.versions.applyDelta(ctx, d)
}

// RegisterTables starts tracking the given tables in the given groups.
// Tables that are already tracked keep their group.
func (c *Coordinator) RegisterTables(ctx context.Context, tables map[TableID]GroupID) (*Version, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	for id, g := range tables {
		if g == 0 {
			return nil, errors.Newf("table %s has no compaction group", id)
		}
	}
	return c.versions.logAndApply(ctx, ReasonTableChange, func(*manifest.Version) (*manifest.VersionDelta, error) {
		return &manifest.VersionDelta{NewTables: tables}, nil
	})
}

// UnregisterTables stops tracking the given tables. Their files remain until
// a SpaceReclaim task purges them.
func (c *Coordinator) UnregisterTables(ctx context.Context, ids []TableID) (*Version, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	v, err := c.versions.logAndApply(ctx, ReasonTableChange, func(cur *manifest.Version) (*manifest.VersionDelta, error) {
		d := &manifest.VersionDelta{}
		for _, id := range ids {
			if cur.HasTable(id) {
				d.RemovedTables = append(d.RemovedTables, id)
			}
		}
		if len(d.RemovedTables) == 0 {
			return nil, errNoChange
		}
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	c.tableStats.drop(ids)
	return v, nil
}

// TriggerManualCompaction queues a manual compaction. Manual tasks are
// preferred over every other task type.
func (c *Coordinator) TriggerManualCompaction(req ManualCompactionRequest) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if c.CurrentVersion().Group(req.GroupID) == nil {
		return errors.Newf("unknown compaction group %s", req.GroupID)
	}
	if req.Level < 0 || req.Level >= manifest.NumLevels {
		return errors.Newf("invalid level %d", req.Level)
	}
	c.scheduler.manual.enqueue(req)
	c.scheduler.notify()
	return nil
}

// NextCandidate returns the highest-priority (group, task type) pair for
// which a task can be built right now. It returns false if nothing
// qualifies.
func (c *Coordinator) NextCandidate() (GroupID, TaskType, bool) {
	return c.scheduler.nextCandidate()
}

// BuildTask builds a Pending task of the given type for the group, owned by
// the worker. Its inputs are reserved until the task is reported or the
// worker deregisters. A nil task with a nil error means no task qualifies.
func (c *Coordinator) BuildTask(worker ContextID, group GroupID, t TaskType) (*CompactionTask, error) {
	if _, err := c.contexts.get(worker); err != nil {
		return nil, err
	}
	task, err := c.scheduler.buildTask(worker, group, t)
	if err != nil || task == nil {
		return nil, err
	}
	// The worker may have deregistered while the task was being built.
	if _, err := c.contexts.get(worker); err != nil {
		c.scheduler.cancelTask(task.ID)
		return nil, err
	}
	return task, nil
}

// DispatchTask marks a Pending task as handed to its worker.
func (c *Coordinator) DispatchTask(id TaskID) (*CompactionTaskEvent, error) {
	createdAt, err := c.scheduler.markDispatched(id)
	if err != nil {
		return nil, err
	}
	for _, t := range c.scheduler.inFlightTasks() {
		if t.ID == id {
			return &CompactionTaskEvent{Task: t, CreateAt: createdAt}, nil
		}
	}
	return nil, errors.Mark(errors.Newf("%s is not in flight", id), base.ErrUnknownTask)
}

// ReportTask applies a worker's report for a Dispatched task. Reports for
// unknown tasks, for tasks already reported or for tasks owned by another
// worker are dropped with an error marked ErrUnknownTask or ErrStaleReport.
func (c *Coordinator) ReportTask(ctx context.Context, worker ContextID, ev *ReportTaskEvent) error {
	return c.reportTask(ctx, worker, ev)
}

func (c *Coordinator) reportTask(ctx context.Context, worker ContextID, ev *ReportTaskEvent) error {
	if ev == nil {
		return errors.Mark(errors.New("empty report"), base.ErrUnknownTask)
	}
	info, err := c.scheduler.reportTask(ctx, worker, ev)
	if err != nil && (errors.Is(err, base.ErrUnknownTask) || errors.Is(err, base.ErrStaleReport)) {
		c.opts.EventListener.CompactionReportDropped(CompactionReportDroppedInfo{
			TaskID: ev.TaskID,
			Worker: worker,
			Err:    err,
		})
		return err
	}
	c.opts.EventListener.CompactionTaskReported(info)
	return err
}

// InFlightTasks returns the Pending and Dispatched tasks in id order.
func (c *Coordinator) InFlightTasks() []*CompactionTask {
	return c.scheduler.inFlightTasks()
}

// SubscribeCompactionEvents registers a compactor context for the worker at
// addr and returns its event stream. Tasks are dispatched on the stream
// until it is closed, at which point the context is deregistered.
func (c *Coordinator) SubscribeCompactionEvents(addr string) (CompactionEventStream, *Context, error) {
	if err := c.checkClosed(); err != nil {
		return nil, nil, err
	}
	w := c.contexts.register(ContextKindCompactor, addr)
	s := c.newCompactionSession(w)
	c.mu.Lock()
	c.mu.sessions[w.ID] = s
	c.mu.Unlock()
	s.start()
	return s, w, nil
}

// TableStats returns the accumulated statistics of the table.
func (c *Coordinator) TableStats(id TableID) (TableStats, bool) {
	return c.tableStats.get(id)
}

// Close closes every compaction event stream and releases the coordinator's
// resources. In-flight tasks are failed.
func (c *Coordinator) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return base.ErrClosed
	}
	c.mu.Lock()
	sessions := make([]*compactionSession, 0, len(c.mu.sessions))
	for _, s := range c.mu.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	c.bgCancel()
	for _, s := range sessions {
		_ = s.Close()
	}
	if c.collector != nil {
		c.opts.MetricsRegisterer.Unregister(c.collector)
	}
	return nil
}
