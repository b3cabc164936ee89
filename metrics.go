// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/lsmmeta/internal/manifest"
	"github.com/prometheus/client_golang/prometheus"
)

// CompactionMetrics holds task counters and latencies.
type CompactionMetrics struct {
	// Built is the number of tasks built, per task type.
	Built      map[TaskType]int64
	Dispatched int64
	Succeeded  int64
	Failed     int64
	Canceled   int64
	// StaleReports counts reports for tasks that were already reported, not
	// dispatched, or owned by another worker. UnknownReports counts reports
	// for task ids never seen or long forgotten.
	StaleReports   int64
	UnknownReports int64
	// InFlight is the number of Pending and Dispatched tasks.
	InFlight int
	// PendingManual is the number of queued manual compaction requests.
	PendingManual int
	// Dispatch-to-report latency of finished tasks.
	DurationP50 time.Duration
	DurationP99 time.Duration
	DurationMax time.Duration
}

// Metrics holds metrics for the coordinator.
type Metrics struct {
	Version struct {
		ID                VersionID
		MaxCommittedEpoch Epoch
		NumFiles          int
		Size              uint64
		NumTables         int
	}
	// Groups holds the statistics of every compaction group in the current
	// version, in group id order.
	Groups []manifest.GroupStats

	// ObjectIDWatermark is the next unshifted object id to be handed out.
	ObjectIDWatermark ObjectID

	// Contexts is the number of registered contexts.
	Contexts int
	Pins     struct {
		// VersionContexts and SnapshotContexts count the contexts holding at
		// least one pin of each kind.
		VersionContexts  int
		SnapshotContexts int
		// RetainedVersions counts the versions that may still be read,
		// including the current version.
		RetainedVersions int
	}

	Compaction CompactionMetrics
}

// Metrics returns the coordinator's metrics.
func (c *Coordinator) Metrics() *Metrics {
	m := &Metrics{}
	v := c.CurrentVersion()
	m.Version.ID = v.ID
	m.Version.MaxCommittedEpoch = v.MaxCommittedEpoch
	m.Version.NumFiles = v.NumFiles()
	m.Version.Size = v.Size()
	m.Version.NumTables = len(v.Tables)
	for _, gid := range v.GroupIDs() {
		m.Groups = append(m.Groups, v.GroupStats(gid))
	}
	m.ObjectIDWatermark = c.alloc.Watermark()
	m.Contexts = c.contexts.len()
	pc := c.versions.pinCounts()
	m.Pins.VersionContexts = pc.VersionContexts
	m.Pins.SnapshotContexts = pc.SnapshotContexts
	m.Pins.RetainedVersions = pc.RetainedVersions
	c.scheduler.collectMetrics(&m.Compaction)
	return m
}

func (s *compactionScheduler) collectMetrics(m *CompactionMetrics) {
	m.PendingManual = s.manual.numPending()
	s.mu.Lock()
	defer s.mu.Unlock()
	sm := &s.mu.metrics
	m.Built = make(map[TaskType]int64, len(sm.built))
	for t, n := range sm.built {
		m.Built[t] = n
	}
	m.Dispatched = sm.dispatched
	m.Succeeded = sm.succeeded
	m.Failed = sm.failed
	m.Canceled = sm.canceled
	m.StaleReports = sm.stale
	m.UnknownReports = sm.unknown
	m.InFlight = len(s.mu.tasks)
	if sm.durations.TotalCount() > 0 {
		m.DurationP50 = time.Duration(sm.durations.ValueAtQuantile(50)) * time.Microsecond
		m.DurationP99 = time.Duration(sm.durations.ValueAtQuantile(99)) * time.Microsecond
		m.DurationMax = time.Duration(sm.durations.Max()) * time.Microsecond
	}
}

// String pretty-prints the metrics:
//
//	group | level | files |   size | keys  | stale
//	------+-------+-------+--------+-------+------
//	   g2 |     0 |     2 |  1.0KB |   20  |    0
//	...
func (m *Metrics) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "version: %s  committed-epoch: %s  files: %d  size: %s  tables: %d\n",
		m.Version.ID, m.Version.MaxCommittedEpoch, m.Version.NumFiles,
		crhumanize.Bytes(m.Version.Size, crhumanize.Compact, crhumanize.OmitI), m.Version.NumTables)
	fmt.Fprintf(&buf, "object-id watermark: %s  contexts: %d  pinned: %d versions, %d snapshots  retained: %d\n",
		m.ObjectIDWatermark, m.Contexts, m.Pins.VersionContexts, m.Pins.SnapshotContexts, m.Pins.RetainedVersions)

	buf.WriteString("group | level | files |    size |    keys |   stale\n")
	buf.WriteString("------+-------+-------+---------+---------+--------\n")
	for i := range m.Groups {
		g := &m.Groups[i]
		for level, ls := range g.Levels {
			if ls.NumFiles == 0 {
				continue
			}
			fmt.Fprintf(&buf, "%5s | %5d | %5d | %7s | %7s | %7s\n",
				g.GroupID, level, ls.NumFiles,
				crhumanize.Bytes(ls.Size, crhumanize.Compact, crhumanize.OmitI),
				crhumanize.Count(ls.TotalKeys, crhumanize.Compact),
				crhumanize.Count(ls.StaleKeys, crhumanize.Compact))
		}
		if g.DroppedFiles > 0 {
			fmt.Fprintf(&buf, "%5s | dropped %d files (%s)\n", g.GroupID, g.DroppedFiles,
				crhumanize.Bytes(g.DroppedBytes, crhumanize.Compact, crhumanize.OmitI))
		}
	}

	cm := &m.Compaction
	types := make([]TaskType, 0, len(cm.Built))
	for t := range cm.Built {
		types = append(types, t)
	}
	slices.Sort(types)
	buf.WriteString("tasks built:")
	for _, t := range types {
		fmt.Fprintf(&buf, " %s=%d", t, cm.Built[t])
	}
	buf.WriteString("\n")
	fmt.Fprintf(&buf, "tasks: %d in-flight, %d dispatched, %d succeeded, %d failed, %d canceled, %d manual queued\n",
		cm.InFlight, cm.Dispatched, cm.Succeeded, cm.Failed, cm.Canceled, cm.PendingManual)
	fmt.Fprintf(&buf, "reports dropped: %d stale, %d unknown\n", cm.StaleReports, cm.UnknownReports)
	fmt.Fprintf(&buf, "task latency: p50 %s  p99 %s  max %s\n", cm.DurationP50, cm.DurationP99, cm.DurationMax)
	return buf.String()
}

// collector exports the coordinator's metrics to prometheus. Values are
// computed on every scrape.
type collector struct {
	c *Coordinator

	versionID      *prometheus.Desc
	committedEpoch *prometheus.Desc
	files          *prometheus.Desc
	bytes          *prometheus.Desc
	levelFiles     *prometheus.Desc
	levelBytes     *prometheus.Desc
	objectIDs      *prometheus.Desc
	contexts       *prometheus.Desc
	retained       *prometheus.Desc
	tasksBuilt     *prometheus.Desc
	tasksFinished  *prometheus.Desc
	tasksInFlight  *prometheus.Desc
	reportsDropped *prometheus.Desc
	taskLatency    *prometheus.Desc
}

var _ prometheus.Collector = (*collector)(nil)

func newCollector(c *Coordinator) *collector {
	const ns = "lsmmeta"
	return &collector{
		c:              c,
		versionID:      prometheus.NewDesc(ns+"_version_id", "Id of the current version.", nil, nil),
		committedEpoch: prometheus.NewDesc(ns+"_committed_epoch", "Max committed epoch of the current version.", nil, nil),
		files:          prometheus.NewDesc(ns+"_files", "Files referenced by the current version.", nil, nil),
		bytes:          prometheus.NewDesc(ns+"_bytes", "Total size of the files of the current version.", nil, nil),
		levelFiles:     prometheus.NewDesc(ns+"_level_files", "Files per compaction group and level.", []string{"group", "level"}, nil),
		levelBytes:     prometheus.NewDesc(ns+"_level_bytes", "Bytes per compaction group and level.", []string{"group", "level"}, nil),
		objectIDs:      prometheus.NewDesc(ns+"_object_id_watermark", "Next object id to be handed out.", nil, nil),
		contexts:       prometheus.NewDesc(ns+"_contexts", "Registered reader and worker contexts.", nil, nil),
		retained:       prometheus.NewDesc(ns+"_retained_versions", "Versions that may still be read.", nil, nil),
		tasksBuilt:     prometheus.NewDesc(ns+"_compaction_tasks_built_total", "Compaction tasks built.", []string{"type"}, nil),
		tasksFinished:  prometheus.NewDesc(ns+"_compaction_tasks_finished_total", "Compaction tasks finished.", []string{"status"}, nil),
		tasksInFlight:  prometheus.NewDesc(ns+"_compaction_tasks_in_flight", "Pending and dispatched compaction tasks.", nil, nil),
		reportsDropped: prometheus.NewDesc(ns+"_compaction_reports_dropped_total", "Rejected task reports.", []string{"reason"}, nil),
		taskLatency:    prometheus.NewDesc(ns+"_compaction_task_latency_seconds", "Dispatch-to-report latency of compaction tasks.", []string{"quantile"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.versionID, c.committedEpoch, c.files, c.bytes, c.levelFiles, c.levelBytes, c.objectIDs,
		c.contexts, c.retained, c.tasksBuilt, c.tasksFinished, c.tasksInFlight, c.reportsDropped,
		c.taskLatency,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	m := c.c.Metrics()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge(c.versionID, float64(m.Version.ID))
	gauge(c.committedEpoch, float64(m.Version.MaxCommittedEpoch))
	gauge(c.files, float64(m.Version.NumFiles))
	gauge(c.bytes, float64(m.Version.Size))
	for i := range m.Groups {
		g := &m.Groups[i]
		for level, ls := range g.Levels {
			gauge(c.levelFiles, float64(ls.NumFiles), g.GroupID.String(), fmt.Sprint(level))
			gauge(c.levelBytes, float64(ls.Size), g.GroupID.String(), fmt.Sprint(level))
		}
	}
	gauge(c.objectIDs, float64(m.ObjectIDWatermark))
	gauge(c.contexts, float64(m.Contexts))
	gauge(c.retained, float64(m.Pins.RetainedVersions))
	for _, t := range []TaskType{TaskTypeDynamic, TaskTypeSpaceReclaim, TaskTypeTombstone, TaskTypeManual} {
		counter(c.tasksBuilt, m.Compaction.Built[t], t.String())
	}
	counter(c.tasksFinished, m.Compaction.Succeeded, TaskStatusSucceeded.String())
	counter(c.tasksFinished, m.Compaction.Failed, TaskStatusFailed.String())
	counter(c.tasksFinished, m.Compaction.Canceled, TaskStatusCanceled.String())
	gauge(c.tasksInFlight, float64(m.Compaction.InFlight))
	counter(c.reportsDropped, m.Compaction.StaleReports, "stale")
	counter(c.reportsDropped, m.Compaction.UnknownReports, "unknown")
	gauge(c.taskLatency, m.Compaction.DurationP50.Seconds(), "0.5")
	gauge(c.taskLatency, m.Compaction.DurationP99.Seconds(), "0.99")
	gauge(c.taskLatency, m.Compaction.DurationMax.Seconds(), "1")
}
