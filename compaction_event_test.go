// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

type testTimeSource struct {
	mu      sync.Mutex
	tickers []*testTicker
}

func (ts *testTimeSource) newTicker(time.Duration) schedulerTicker {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &testTicker{channel: make(chan time.Time)}
	ts.tickers = append(ts.tickers, t)
	return t
}

type testTicker struct {
	channel chan time.Time
}

func (t *testTicker) stop() {}

func (t *testTicker) ch() <-chan time.Time { return t.channel }

func openSessionTestCoordinator(t *testing.T, opts *Options) *Coordinator {
	opts.private.timeSource = &testTimeSource{}
	return openTestCoordinator(t, opts)
}

func recvTask(t *testing.T, s CompactionEventStream) *CompactionTaskEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ev, err := s.Recv(ctx)
	require.NoError(t, err)
	return ev
}

// requireNoTask checks that nothing is dispatched on the stream for a short
// while.
func requireNoTask(t *testing.T, s CompactionEventStream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ev, err := s.Recv(ctx)
	require.Nil(t, ev)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCompactionEventStream(t *testing.T) {
	ctx := context.Background()
	c := openSessionTestCoordinator(t, &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup},
		Compaction:    CompactionOptions{L0CompactionThreshold: 1},
	})
	s, w, err := c.SubscribeCompactionEvents("worker-1")
	require.NoError(t, err)
	require.Equal(t, ContextKindCompactor, w.Kind)

	// The session parks until a version is installed.
	requireNoTask(t, s)
	commitFiles(t, c, 1, testSST(1, "a-c", 100, 1, 1))

	ev := recvTask(t, s)
	require.Equal(t, TaskTypeDynamic, ev.Task.Type)
	require.Equal(t, TaskStatusDispatched, ev.Task.Status)
	require.Equal(t, []ObjectID{1}, ev.Task.InputObjectIDs())
	require.False(t, ev.CreateAt.IsZero())

	require.NoError(t, s.Send(ctx, &ReportTaskEvent{
		TaskID:      ev.Task.ID,
		Status:      TaskStatusSucceeded,
		OutputFiles: []*SSTableInfo{testSST(2, "a-c", 90, 1, 1)},
	}))
	v := c.CurrentVersion()
	loc, ok := v.Locate(2)
	require.True(t, ok)
	require.Equal(t, 1, loc.Level)

	// Rejected reports leave the stream open.
	err = s.Send(ctx, &ReportTaskEvent{TaskID: ev.Task.ID, Status: TaskStatusSucceeded})
	require.True(t, errors.Is(err, ErrStaleReport), "%+v", err)
	err = s.Send(ctx, &ReportTaskEvent{TaskID: 12345, Status: TaskStatusFailed})
	require.True(t, errors.Is(err, ErrUnknownTask), "%+v", err)

	commitFiles(t, c, 2, testSST(3, "b-d", 100, 2, 1))
	ev = recvTask(t, s)
	require.Equal(t, []ObjectID{3}, inputIDs(ev.Task, 0))
	require.Equal(t, []ObjectID{2}, inputIDs(ev.Task, 1))

	// Closing the stream fails the in-flight task and deregisters the
	// worker.
	require.NoError(t, s.Close())
	require.Empty(t, c.InFlightTasks())
	require.Empty(t, c.Contexts())
	_, err = s.Recv(ctx)
	require.True(t, errors.Is(err, ErrClosed), "%+v", err)
	err = s.Send(ctx, &ReportTaskEvent{TaskID: ev.Task.ID, Status: TaskStatusSucceeded})
	require.True(t, errors.Is(err, ErrClosed), "%+v", err)
	require.Equal(t, int64(1), c.Metrics().Compaction.Failed)
}

func TestCompactionEventStreamInFlightLimit(t *testing.T) {
	ctx := context.Background()
	c := openSessionTestCoordinator(t, &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup, 2: MaterializedViewGroup},
		Compaction:    CompactionOptions{L0CompactionThreshold: 1},
		Scheduler:     SchedulerOptions{MaxInFlightTasksPerWorker: 1},
	})
	s, _, err := c.SubscribeCompactionEvents("worker-1")
	require.NoError(t, err)
	defer s.Close()

	commitFiles(t, c, 1, testSST(1, "a-c", 100, 1, 1), testSST(2, "a-c", 100, 1, 2))
	first := recvTask(t, s)
	require.Equal(t, StateDefaultGroup, first.Task.GroupID)
	requireNoTask(t, s)

	// Reporting the first task frees a slot for the other group.
	require.NoError(t, s.Send(ctx, &ReportTaskEvent{
		TaskID:      first.Task.ID,
		Status:      TaskStatusSucceeded,
		OutputFiles: []*SSTableInfo{testSST(3, "a-c", 100, 1, 1)},
	}))
	second := recvTask(t, s)
	require.Equal(t, MaterializedViewGroup, second.Task.GroupID)
}

func TestCompactionEventStreamManualWakeup(t *testing.T) {
	c := openSessionTestCoordinator(t, &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup},
	})
	commitFiles(t, c, 1, testSST(1, "a-c", 100, 1, 1))

	s, _, err := c.SubscribeCompactionEvents("worker-1")
	require.NoError(t, err)
	defer s.Close()
	requireNoTask(t, s)

	require.NoError(t, c.TriggerManualCompaction(ManualCompactionRequest{GroupID: StateDefaultGroup}))
	ev := recvTask(t, s)
	require.Equal(t, TaskTypeManual, ev.Task.Type)
	require.Equal(t, []ObjectID{1}, ev.Task.InputObjectIDs())
}

func TestCompactionEventStreamTwoWorkers(t *testing.T) {
	c := openSessionTestCoordinator(t, &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup, 2: MaterializedViewGroup},
		Compaction:    CompactionOptions{L0CompactionThreshold: 1},
	})
	s1, w1, err := c.SubscribeCompactionEvents("worker-1")
	require.NoError(t, err)
	defer s1.Close()
	s2, w2, err := c.SubscribeCompactionEvents("worker-2")
	require.NoError(t, err)
	defer s2.Close()
	require.NotEqual(t, w1.ID, w2.ID)

	commitFiles(t, c, 1, testSST(1, "a-c", 100, 1, 1), testSST(2, "a-c", 100, 1, 2))

	// Each group's single L0 task goes to exactly one of the workers.
	seen := map[GroupID]bool{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	events := make(chan *CompactionTaskEvent, 4)
	for _, s := range []CompactionEventStream{s1, s2} {
		go func(s CompactionEventStream) {
			for {
				ev, err := s.Recv(ctx)
				if err != nil {
					return
				}
				events <- ev
			}
		}(s)
	}
	for len(seen) < 2 {
		select {
		case ev := <-events:
			require.False(t, seen[ev.Task.GroupID], "group %s dispatched twice", ev.Task.GroupID)
			seen[ev.Task.GroupID] = true
		case <-ctx.Done():
			t.Fatal("timed out waiting for tasks")
		}
	}
	require.Len(t, c.InFlightTasks(), 2)
}

func TestCoordinatorCloseEndsStreams(t *testing.T) {
	c := openSessionTestCoordinator(t, &Options{})
	s, _, err := c.SubscribeCompactionEvents("worker-1")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.True(t, errors.Is(c.Close(), ErrClosed))

	_, err = s.Recv(context.Background())
	require.True(t, errors.Is(err, ErrClosed), "%+v", err)
	_, _, err = c.SubscribeCompactionEvents("worker-2")
	require.True(t, errors.Is(err, ErrClosed), "%+v", err)
}

func TestCompactionEventStreamLostBuildRace(t *testing.T) {
	type built struct {
		group GroupID
		task  *CompactionTask
		err   error
	}
	rivalTasks := make(chan built, 1)
	var c *Coordinator
	var rival *Context
	var once atomic.Bool
	opts := &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup, 2: MaterializedViewGroup},
		Compaction:    CompactionOptions{L0CompactionThreshold: 1},
	}
	// Another worker takes the first candidate the session picks before the
	// session builds it.
	opts.private.testingBeforeBuild = func(g GroupID, typ TaskType) {
		if !once.CompareAndSwap(false, true) {
			return
		}
		task, err := c.BuildTask(rival.ID, g, typ)
		rivalTasks <- built{group: g, task: task, err: err}
	}
	c = openSessionTestCoordinator(t, opts)
	rival = newWorker(t, c)
	commitFiles(t, c, 1, testSST(1, "a-c", 100, 1, 1), testSST(2, "a-c", 100, 1, 2))

	// No version is installed and no ticker fires from here on: the session
	// has to move on to the other group by itself.
	s, _, err := c.SubscribeCompactionEvents("worker-1")
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	ev := recvTask(t, s)
	lost := <-rivalTasks
	require.NoError(t, lost.err)
	require.NotNil(t, lost.task)
	require.NotEqual(t, lost.group, ev.Task.GroupID)
	require.Len(t, c.InFlightTasks(), 2)
}
