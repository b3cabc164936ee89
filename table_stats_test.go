// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableStats(t *testing.T) {
	ctx := context.Background()
	c := openTestCoordinator(t, &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup},
		Compaction:    CompactionOptions{L0CompactionThreshold: 1},
	})
	_, ok := c.TableStats(1)
	require.False(t, ok)

	_, err := c.CommitEpoch(ctx, &CommitEpochRequest{
		Epoch: 1,
		UncommittedFiles: []LocalSSTableInfo{{
			Info:       testSST(1, "a-c", 100, 1, 1, 2),
			TableStats: map[TableID]TableStats{1: {KeySize: 10, ValueSize: 90, KeyCount: 5}, 2: {KeyCount: 1}},
		}},
	})
	require.NoError(t, err)
	s, ok := c.TableStats(1)
	require.True(t, ok)
	require.Equal(t, TableStats{KeySize: 10, ValueSize: 90, KeyCount: 5}, s)

	// Compactions report the keys they dropped as negative deltas.
	w := newWorker(t, c)
	task, err := c.BuildTask(w.ID, StateDefaultGroup, TaskTypeDynamic)
	require.NoError(t, err)
	require.NotNil(t, task)
	_, err = c.DispatchTask(task.ID)
	require.NoError(t, err)
	require.NoError(t, c.ReportTask(ctx, w.ID, &ReportTaskEvent{
		TaskID:          task.ID,
		Status:          TaskStatusSucceeded,
		OutputFiles:     []*SSTableInfo{testSST(2, "a-c", 80, 1, 1, 2)},
		TableStatsDelta: map[TableID]TableStats{1: {KeySize: -2, ValueSize: -18, KeyCount: -1}},
	}))
	s, _ = c.TableStats(1)
	require.Equal(t, TableStats{KeySize: 8, ValueSize: 72, KeyCount: 4}, s)

	// Failed tasks leave the statistics alone.
	commitFiles(t, c, 2, testSST(3, "d-e", 10, 2, 1))
	task, err = c.BuildTask(w.ID, StateDefaultGroup, TaskTypeDynamic)
	require.NoError(t, err)
	require.NotNil(t, task)
	_, err = c.DispatchTask(task.ID)
	require.NoError(t, err)
	require.NoError(t, c.ReportTask(ctx, w.ID, &ReportTaskEvent{
		TaskID:          task.ID,
		Status:          TaskStatusFailed,
		TableStatsDelta: map[TableID]TableStats{1: {KeyCount: -4}},
	}))
	s, _ = c.TableStats(1)
	require.Equal(t, int64(4), s.KeyCount)

	_, err = c.UnregisterTables(ctx, []TableID{1})
	require.NoError(t, err)
	_, ok = c.TableStats(1)
	require.False(t, ok)
	_, ok = c.TableStats(2)
	require.True(t, ok)
}
