// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/lsmmeta/internal/manifest"
	"github.com/kr/pretty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func findMetric(mfs []*dto.MetricFamily, name string, labels map[string]string) *dto.Metric {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m
		}
	}
	return nil
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	c := openTestCoordinator(t, &Options{
		InitialTables:     map[TableID]GroupID{1: StateDefaultGroup},
		MetricsRegisterer: reg,
	})
	commitFiles(t, c, 1, testSST(1, "a-c", 100, 1, 1), testSST(2, "d-f", 50, 1, 1))
	r := newReader(t, c)
	_, err := c.PinVersion(r.ID)
	require.NoError(t, err)
	_, err = c.AllocateObjectIDs(ctx, 10)
	require.NoError(t, err)

	m := c.Metrics()
	require.Equal(t, VersionID(2), m.Version.ID)
	require.Equal(t, Epoch(1), m.Version.MaxCommittedEpoch)
	require.Equal(t, 2, m.Version.NumFiles)
	require.Equal(t, uint64(150), m.Version.Size)
	require.Equal(t, 1, m.Contexts)
	require.Equal(t, 1, m.Pins.VersionContexts)
	require.Equal(t, ObjectID(testReservedObjectIDs+10), m.ObjectIDWatermark)

	var want manifest.GroupStats
	want.GroupID = StateDefaultGroup
	want.Levels[0] = manifest.LevelStats{NumFiles: 2, Size: 150}
	if diff := pretty.Diff([]manifest.GroupStats{want}, m.Groups); len(diff) > 0 {
		t.Fatalf("unexpected group stats:\n%s", strings.Join(diff, "\n"))
	}

	s := m.String()
	require.Contains(t, s, "version: v2  committed-epoch: 1  files: 2")
	require.Contains(t, s, "contexts: 1  pinned: 1 versions, 0 snapshots  retained: 1")
	require.Contains(t, s, "reports dropped: 0 stale, 0 unknown")

	const expected = `
# HELP lsmmeta_contexts Registered reader and worker contexts.
# TYPE lsmmeta_contexts gauge
lsmmeta_contexts 1
# HELP lsmmeta_files Files referenced by the current version.
# TYPE lsmmeta_files gauge
lsmmeta_files 2
# HELP lsmmeta_object_id_watermark Next object id to be handed out.
# TYPE lsmmeta_object_id_watermark gauge
lsmmeta_object_id_watermark 1010
# HELP lsmmeta_version_id Id of the current version.
# TYPE lsmmeta_version_id gauge
lsmmeta_version_id 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"lsmmeta_contexts", "lsmmeta_files", "lsmmeta_object_id_watermark", "lsmmeta_version_id"))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	l0 := findMetric(mfs, "lsmmeta_level_files", map[string]string{"group": "g2", "level": "0"})
	require.NotNil(t, l0)
	require.Equal(t, 2.0, l0.GetGauge().GetValue())
	built := findMetric(mfs, "lsmmeta_compaction_tasks_built_total", map[string]string{"type": TaskTypeDynamic.String()})
	require.NotNil(t, built)
	require.Equal(t, 0.0, built.GetCounter().GetValue())

	// Closing the coordinator unregisters the collector.
	require.NoError(t, c.Close())
	mfs, err = reg.Gather()
	require.NoError(t, err)
	require.Empty(t, mfs)
}

func TestMetricsCompactionCounters(t *testing.T) {
	ctx := context.Background()
	c := openTestCoordinator(t, &Options{
		InitialTables: map[TableID]GroupID{1: StateDefaultGroup},
		Compaction:    CompactionOptions{L0CompactionThreshold: 1},
	})
	w := newWorker(t, c)
	commitFiles(t, c, 1, testSST(1, "a-c", 100, 1, 1))

	task, err := c.BuildTask(w.ID, StateDefaultGroup, TaskTypeDynamic)
	require.NoError(t, err)
	require.NotNil(t, task)
	_, err = c.DispatchTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, 1, c.Metrics().Compaction.InFlight)

	require.NoError(t, c.ReportTask(ctx, w.ID, &ReportTaskEvent{
		TaskID:      task.ID,
		Status:      TaskStatusSucceeded,
		OutputFiles: []*SSTableInfo{testSST(2, "a-c", 90, 1, 1)},
	}))
	cm := c.Metrics().Compaction
	require.Equal(t, int64(1), cm.Built[TaskTypeDynamic])
	require.Equal(t, int64(1), cm.Dispatched)
	require.Equal(t, int64(1), cm.Succeeded)
	require.Equal(t, 0, cm.InFlight)
}
