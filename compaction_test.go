// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/base"
	"github.com/stretchr/testify/require"
)

func commitFiles(t *testing.T, c *Coordinator, e Epoch, files ...*SSTableInfo) *Version {
	t.Helper()
	r := &CommitEpochRequest{Epoch: e}
	for _, f := range files {
		r.UncommittedFiles = append(r.UncommittedFiles, LocalSSTableInfo{Info: f})
	}
	v, err := c.CommitEpoch(context.Background(), r)
	require.NoError(t, err)
	return v
}

// addFiles places files directly at a level of a group.
func addFiles(t *testing.T, c *Coordinator, g GroupID, level int, files ...*SSTableInfo) *Version {
	t.Helper()
	d := &VersionDelta{}
	gd := d.Group(g)
	for _, f := range files {
		gd.NewFiles = append(gd.NewFiles, NewFileEntry{Level: level, Info: f})
	}
	v, err := c.ApplyDelta(context.Background(), d)
	require.NoError(t, err)
	return v
}

func inputIDs(task *CompactionTask, level int) []ObjectID {
	for _, in := range task.Inputs {
		if in.Level == level {
			ids := make([]ObjectID, len(in.Files))
			for i, f := range in.Files {
				ids[i] = f.ObjectID
			}
			return ids
		}
	}
	return nil
}

func newWorker(t *testing.T, c *Coordinator) *Context {
	w, err := c.RegisterContext(ContextKindCompactor, "worker")
	require.NoError(t, err)
	return w
}

func TestDynamicCompaction(t *testing.T) {
	ctx := context.Background()
	c := openTestCoordinator(t, &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup},
		Compaction:    CompactionOptions{L0CompactionThreshold: 2},
	})
	w := newWorker(t, c)

	_, _, ok := c.NextCandidate()
	require.False(t, ok)

	commitFiles(t, c, 1, testSST(1, "a-c", 100, 1, 1))
	commitFiles(t, c, 2, testSST(2, "b-d", 100, 2, 1))

	g, typ, ok := c.NextCandidate()
	require.True(t, ok)
	require.Equal(t, StateDefaultGroup, g)
	require.Equal(t, TaskTypeDynamic, typ)

	task, err := c.BuildTask(w.ID, g, typ)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, TaskStatusPending, task.Status)
	require.Equal(t, []ObjectID{1, 2}, inputIDs(task, 0))
	require.Equal(t, 1, task.TargetLevel)
	require.Equal(t, c.CurrentVersion().ID, task.BaseVersionID)
	require.Equal(t, []TableID{1}, task.ExistingTableIDs)

	// The inputs are reserved: no second L0 task can be built.
	again, err := c.BuildTask(w.ID, g, typ)
	require.NoError(t, err)
	require.Nil(t, again)
	_, _, ok = c.NextCandidate()
	require.False(t, ok)

	// A Pending task cannot be reported.
	err = c.ReportTask(ctx, w.ID, &ReportTaskEvent{TaskID: task.ID, Status: TaskStatusSucceeded})
	require.True(t, errors.Is(err, ErrStaleReport), "%+v", err)

	ev, err := c.DispatchTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, TaskStatusDispatched, ev.Task.Status)

	// Only the owner may report.
	other := newWorker(t, c)
	err = c.ReportTask(ctx, other.ID, &ReportTaskEvent{TaskID: task.ID, Status: TaskStatusSucceeded})
	require.True(t, errors.Is(err, ErrStaleReport), "%+v", err)

	require.NoError(t, c.ReportTask(ctx, w.ID, &ReportTaskEvent{
		TaskID:          task.ID,
		Status:          TaskStatusSucceeded,
		OutputFiles:     []*SSTableInfo{testSST(3, "a-d", 150, 2, 1)},
		TableStatsDelta: map[TableID]TableStats{1: {KeyCount: -10}},
	}))
	v := c.CurrentVersion()
	require.Equal(t, `version 4 max-committed-epoch 2
g2:
  L1:
    000003:[a-d] 150B t1
tables:
  t1: g2 epoch=2
`, v.DebugString())
	stats, ok := c.TableStats(1)
	require.True(t, ok)
	require.Equal(t, int64(-10), stats.KeyCount)
	require.Empty(t, c.InFlightTasks())

	err = c.ReportTask(ctx, w.ID, &ReportTaskEvent{TaskID: task.ID, Status: TaskStatusSucceeded})
	require.True(t, errors.Is(err, ErrStaleReport), "%+v", err)
	err = c.ReportTask(ctx, w.ID, &ReportTaskEvent{TaskID: 999, Status: TaskStatusSucceeded})
	require.True(t, errors.Is(err, ErrUnknownTask), "%+v", err)

	m := c.Metrics()
	require.Equal(t, int64(1), m.Compaction.Built[TaskTypeDynamic])
	require.Equal(t, int64(1), m.Compaction.Succeeded)
	require.Equal(t, int64(3), m.Compaction.StaleReports)
	require.Equal(t, int64(1), m.Compaction.UnknownReports)
}

func TestFailedReportReleasesInputs(t *testing.T) {
	ctx := context.Background()
	c := openTestCoordinator(t, &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup},
		Compaction:    CompactionOptions{L0CompactionThreshold: 1},
	})
	w := newWorker(t, c)
	before := commitFiles(t, c, 1, testSST(1, "a-c", 100, 1, 1))

	task, err := c.BuildTask(w.ID, StateDefaultGroup, TaskTypeDynamic)
	require.NoError(t, err)
	_, err = c.DispatchTask(task.ID)
	require.NoError(t, err)
	require.NoError(t, c.ReportTask(ctx, w.ID, &ReportTaskEvent{TaskID: task.ID, Status: TaskStatusFailed}))
	require.Same(t, before, c.CurrentVersion())

	retry, err := c.BuildTask(w.ID, StateDefaultGroup, TaskTypeDynamic)
	require.NoError(t, err)
	require.NotNil(t, retry)
	require.Greater(t, retry.ID, task.ID)
	require.Equal(t, []ObjectID{1}, inputIDs(retry, 0))
}

func TestCompactionAgainstStaleVersion(t *testing.T) {
	ctx := context.Background()
	c := openTestCoordinator(t, &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup},
		Compaction:    CompactionOptions{L0CompactionThreshold: 1},
	})
	w := newWorker(t, c)
	commitFiles(t, c, 1, testSST(1, "a-c", 100, 1, 1))

	task, err := c.BuildTask(w.ID, StateDefaultGroup, TaskTypeDynamic)
	require.NoError(t, err)
	_, err = c.DispatchTask(task.ID)
	require.NoError(t, err)

	// The input disappears underneath the task.
	d := &VersionDelta{}
	d.Group(StateDefaultGroup).DeletedFiles = []DeletedFileEntry{{Level: 0, ObjectID: 1}}
	before, err := c.ApplyDelta(ctx, d)
	require.NoError(t, err)

	err = c.ReportTask(ctx, w.ID, &ReportTaskEvent{
		TaskID:      task.ID,
		Status:      TaskStatusSucceeded,
		OutputFiles: []*SSTableInfo{testSST(2, "a-c", 100, 1, 1)},
	})
	require.True(t, errors.Is(err, ErrStaleBaseVersion), "%+v", err)
	require.Same(t, before, c.CurrentVersion())
	require.Empty(t, c.InFlightTasks())
	require.Equal(t, int64(1), c.Metrics().Compaction.Failed)
}

func TestCompactionGroupsAreIndependent(t *testing.T) {
	c := openTestCoordinator(t, &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup, 2: MaterializedViewGroup},
		Compaction:    CompactionOptions{L0CompactionThreshold: 1},
	})
	w := newWorker(t, c)
	commitFiles(t, c, 1, testSST(1, "a-c", 100, 1, 1), testSST(2, "a-c", 100, 1, 2))

	a, err := c.BuildTask(w.ID, StateDefaultGroup, TaskTypeDynamic)
	require.NoError(t, err)
	require.NotNil(t, a)
	b, err := c.BuildTask(w.ID, MaterializedViewGroup, TaskTypeDynamic)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Equal(t, []ObjectID{1}, inputIDs(a, 0))
	require.Equal(t, []ObjectID{2}, inputIDs(b, 0))
	require.Len(t, c.InFlightTasks(), 2)
}

func TestLevelCompactionReservations(t *testing.T) {
	c := openTestCoordinator(t, &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup},
		Compaction:    CompactionOptions{BaseLevelMaxBytes: 100},
	})
	w := newWorker(t, c)
	addFiles(t, c, StateDefaultGroup, 1,
		testSST(1, "a-b", 100, 1, 1), testSST(2, "c-d", 100, 1, 1), testSST(3, "e-f", 100, 1, 1))
	addFiles(t, c, StateDefaultGroup, 2, testSST(4, "a-a", 10, 1, 1))

	// L1 holds 3x its target: files are compacted into L2 one at a time,
	// oldest first, pulling in overlapping L2 files.
	t1, err := c.BuildTask(w.ID, StateDefaultGroup, TaskTypeDynamic)
	require.NoError(t, err)
	require.Equal(t, []ObjectID{1}, inputIDs(t1, 1))
	require.Equal(t, []ObjectID{4}, inputIDs(t1, 2))
	require.Equal(t, 2, t1.TargetLevel)

	t2, err := c.BuildTask(w.ID, StateDefaultGroup, TaskTypeDynamic)
	require.NoError(t, err)
	require.Equal(t, []ObjectID{2}, inputIDs(t2, 1))
	require.Nil(t, inputIDs(t2, 2))
}

func TestManualCompaction(t *testing.T) {
	c := openTestCoordinator(t, &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup, 2: StateDefaultGroup},
	})
	w := newWorker(t, c)
	commitFiles(t, c, 1, testSST(1, "a-c", 100, 1, 1))
	commitFiles(t, c, 2, testSST(2, "d-f", 100, 2, 2))
	commitFiles(t, c, 3, testSST(3, "g-h", 100, 3, 1))

	require.Error(t, c.TriggerManualCompaction(ManualCompactionRequest{GroupID: 9}))
	require.Error(t, c.TriggerManualCompaction(ManualCompactionRequest{GroupID: StateDefaultGroup, Level: NumLevels}))

	// Asking for an L0 file takes every older L0 file with it.
	require.NoError(t, c.TriggerManualCompaction(ManualCompactionRequest{
		GroupID: StateDefaultGroup, Level: 0, ObjectIDs: []ObjectID{2},
	}))
	g, typ, ok := c.NextCandidate()
	require.True(t, ok)
	require.Equal(t, StateDefaultGroup, g)
	require.Equal(t, TaskTypeManual, typ)
	task, err := c.BuildTask(w.ID, g, typ)
	require.NoError(t, err)
	require.Equal(t, []ObjectID{1, 2}, inputIDs(task, 0))
	require.Equal(t, 1, task.TargetLevel)
	require.Equal(t, 0, c.Metrics().Compaction.PendingManual)

	// A request for files that do not exist is discarded.
	require.NoError(t, c.TriggerManualCompaction(ManualCompactionRequest{
		GroupID: StateDefaultGroup, Level: 3,
	}))
	require.Equal(t, 1, c.Metrics().Compaction.PendingManual)
	_, _, ok = c.NextCandidate()
	require.False(t, ok)
	require.Equal(t, 0, c.Metrics().Compaction.PendingManual)
}

func TestManualCompactionPriority(t *testing.T) {
	c := openTestCoordinator(t, &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup, 2: MaterializedViewGroup},
		Compaction:    CompactionOptions{L0CompactionThreshold: 1},
	})
	commitFiles(t, c, 1, testSST(1, "a-c", 100, 1, 1))
	addFiles(t, c, MaterializedViewGroup, 1, testSST(2, "a-c", 100, 1, 2))

	g, typ, ok := c.NextCandidate()
	require.True(t, ok)
	require.Equal(t, StateDefaultGroup, g)
	require.Equal(t, TaskTypeDynamic, typ)

	require.NoError(t, c.TriggerManualCompaction(ManualCompactionRequest{
		GroupID: MaterializedViewGroup, Level: 1, TableID: 2,
	}))
	g, typ, ok = c.NextCandidate()
	require.True(t, ok)
	require.Equal(t, MaterializedViewGroup, g)
	require.Equal(t, TaskTypeManual, typ)
}

func TestSpaceReclaimCompaction(t *testing.T) {
	ctx := context.Background()
	c := openTestCoordinator(t, &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup, 5: StateDefaultGroup},
	})
	w := newWorker(t, c)
	commitFiles(t, c, 1, testSST(1, "a-c", 100, 1, 5), testSST(2, "d-f", 100, 1, 1, 5))

	_, _, ok := c.NextCandidate()
	require.False(t, ok)

	_, err := c.UnregisterTables(ctx, []TableID{5})
	require.NoError(t, err)
	g, typ, ok := c.NextCandidate()
	require.True(t, ok)
	require.Equal(t, StateDefaultGroup, g)
	require.Equal(t, TaskTypeSpaceReclaim, typ)

	// Only the file holding nothing but dropped data is purged.
	task, err := c.BuildTask(w.ID, g, typ)
	require.NoError(t, err)
	require.Equal(t, []ObjectID{1}, inputIDs(task, 0))
	require.Equal(t, 0, task.TargetLevel)
	require.Equal(t, []TableID{1}, task.ExistingTableIDs)

	_, err = c.DispatchTask(task.ID)
	require.NoError(t, err)
	require.NoError(t, c.ReportTask(ctx, w.ID, &ReportTaskEvent{TaskID: task.ID, Status: TaskStatusSucceeded}))
	v := c.CurrentVersion()
	require.False(t, v.Contains(1))
	require.True(t, v.Contains(2))
	_, _, ok = c.NextCandidate()
	require.False(t, ok)
}

func TestTombstoneCompaction(t *testing.T) {
	c := openTestCoordinator(t, &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup},
	})
	w := newWorker(t, c)
	clean := testSST(1, "a-c", 100, 1, 1)
	clean.TotalKeyCount = 100
	stale := testSST(2, "d-f", 100, 1, 1)
	stale.TotalKeyCount, stale.StaleKeyCount = 100, 90
	addFiles(t, c, StateDefaultGroup, 1, clean, stale)

	g, typ, ok := c.NextCandidate()
	require.True(t, ok)
	require.Equal(t, StateDefaultGroup, g)
	require.Equal(t, TaskTypeTombstone, typ)
	task, err := c.BuildTask(w.ID, g, typ)
	require.NoError(t, err)
	require.Equal(t, []ObjectID{2}, inputIDs(task, 1))
	require.Equal(t, 2, task.TargetLevel)
}

func TestDeregisterCancelsTasks(t *testing.T) {
	ctx := context.Background()
	var disconnects []WorkerDisconnectInfo
	c := openTestCoordinator(t, &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup},
		Compaction:    CompactionOptions{L0CompactionThreshold: 1},
		EventListener: &EventListener{
			WorkerDisconnected: func(info WorkerDisconnectInfo) { disconnects = append(disconnects, info) },
		},
	})
	w := newWorker(t, c)
	commitFiles(t, c, 1, testSST(1, "a-c", 100, 1, 1))
	_, err := c.PinVersion(w.ID)
	require.NoError(t, err)

	task, err := c.BuildTask(w.ID, StateDefaultGroup, TaskTypeDynamic)
	require.NoError(t, err)
	_, err = c.DispatchTask(task.ID)
	require.NoError(t, err)

	require.NoError(t, c.DeregisterContext(w.ID))
	require.Empty(t, c.InFlightTasks())
	require.Len(t, disconnects, 1)
	require.Equal(t, []TaskID{task.ID}, disconnects[0].CanceledTasks)
	require.Equal(t, 1, disconnects[0].ReleasedVersionPins)

	err = c.ReportTask(ctx, w.ID, &ReportTaskEvent{TaskID: task.ID, Status: TaskStatusSucceeded})
	require.True(t, errors.Is(err, ErrStaleReport), "%+v", err)
	_, err = c.BuildTask(w.ID, StateDefaultGroup, TaskTypeDynamic)
	require.True(t, errors.Is(err, ErrUnknownContext), "%+v", err)
	require.True(t, errors.Is(c.DeregisterContext(w.ID), ErrUnknownContext))

	// The inputs were released.
	w2 := newWorker(t, c)
	task2, err := c.BuildTask(w2.ID, StateDefaultGroup, TaskTypeDynamic)
	require.NoError(t, err)
	require.Equal(t, []ObjectID{1}, inputIDs(task2, 0))
}

func TestTaskTypeText(t *testing.T) {
	for _, typ := range []TaskType{TaskTypeDynamic, TaskTypeSpaceReclaim, TaskTypeTombstone, TaskTypeManual} {
		b, err := typ.MarshalText()
		require.NoError(t, err)
		var got TaskType
		require.NoError(t, got.UnmarshalText(b))
		require.Equal(t, typ, got)
	}
	_, err := TaskType(0).MarshalText()
	require.Error(t, err)
	var s TaskStatus
	require.NoError(t, s.UnmarshalText([]byte("canceled")))
	require.Equal(t, TaskStatusCanceled, s)
	require.Error(t, s.UnmarshalText([]byte("lost")))
}

func TestCompactionMalformedReport(t *testing.T) {
	ctx := context.Background()
	c := openTestCoordinator(t, &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup},
		Compaction:    CompactionOptions{L0CompactionThreshold: 1},
	})
	w := newWorker(t, c)
	before := commitFiles(t, c, 1, testSST(1, "a-c", 100, 1, 1))

	inverted := testSST(3, "a-c", 10, 1, 1)
	inverted.KeyRange.Left, inverted.KeyRange.Right = []byte("z"), []byte("a")
	for i, outputs := range [][]*SSTableInfo{
		{nil},
		{testSST(2, "a-b", 10, 1, 1), nil},
		{inverted},
	} {
		task, err := c.BuildTask(w.ID, StateDefaultGroup, TaskTypeDynamic)
		require.NoError(t, err)
		require.NotNil(t, task)
		_, err = c.DispatchTask(task.ID)
		require.NoError(t, err)
		err = c.ReportTask(ctx, w.ID, &ReportTaskEvent{
			TaskID:      task.ID,
			Status:      TaskStatusSucceeded,
			OutputFiles: outputs,
		})
		require.Error(t, err, "report %d", i)
		require.Same(t, before, c.CurrentVersion())
		require.Empty(t, c.InFlightTasks())
	}
	require.Equal(t, int64(3), c.Metrics().Compaction.Failed)
	require.Error(t, c.ReportTask(ctx, w.ID, nil))

	// The version set is still usable.
	v := commitFiles(t, c, 2, testSST(4, "d-e", 10, 2, 1))
	require.Equal(t, before.ID+1, v.ID)
}

func TestTaskDurationOutOfRangeIsLogged(t *testing.T) {
	logger := &base.InMemLogger{}
	c := openTestCoordinator(t, &Options{
		Logger:        logger,
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup},
		Compaction:    CompactionOptions{L0CompactionThreshold: 1},
	})
	w := newWorker(t, c)
	commitFiles(t, c, 1, testSST(1, "a-c", 100, 1, 1))
	task, err := c.BuildTask(w.ID, StateDefaultGroup, TaskTypeDynamic)
	require.NoError(t, err)
	_, err = c.DispatchTask(task.ID)
	require.NoError(t, err)

	s := c.scheduler
	s.mu.Lock()
	ts := s.mu.tasks[task.ID]
	ts.task.Status = TaskStatusFailed
	s.mu.Unlock()
	s.finish(ts, TaskStatusFailed, 10*time.Duration(maxTaskDurationMicros)*time.Microsecond)
	require.Contains(t, logger.String(), "recording duration of task-1")
	require.Empty(t, c.InFlightTasks())
}
