// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/manifest"
	"github.com/prometheus/client_golang/prometheus"
)

// CompactionOptions tunes the compaction selectors.
type CompactionOptions struct {
	// L0CompactionThreshold is the number of L0 files at which a group's L0
	// scores 1.0 for the Dynamic selector.
	L0CompactionThreshold int
	// BaseLevelMaxBytes is the target size of L1. Each deeper level targets
	// LevelMultiplier times the size of the level above it.
	BaseLevelMaxBytes uint64
	LevelMultiplier   int
	// MaxInputBytes bounds the total size of a task's inputs. A single file
	// larger than the limit is still compacted on its own.
	MaxInputBytes uint64
	// TargetFileSize is passed to workers as the desired output file size.
	TargetFileSize uint64
	// TombstoneRatioThreshold is the stale-key fraction above which a file
	// is eligible for a Tombstone task.
	TombstoneRatioThreshold float64
	// MaxBuildRetries bounds how often BuildTask re-picks inputs against a
	// refreshed version before giving up for this round.
	MaxBuildRetries int
}

// SchedulerOptions tunes the per-worker scheduling loop.
type SchedulerOptions struct {
	// ParkTimeout is the longest the loop stays parked without version
	// activity before re-checking for candidates.
	ParkTimeout time.Duration
	// DispatchRate limits the number of tasks dispatched per second across
	// all workers. Zero disables the limit.
	DispatchRate float64
	// DispatchBurst is the number of tasks that may be dispatched at once
	// when DispatchRate is set.
	DispatchBurst int
	// MaxInFlightTasksPerWorker bounds the number of Dispatched tasks owned
	// by a single worker.
	MaxInFlightTasksPerWorker int
	// EventBufferSize is the capacity of each worker's outbound event queue.
	EventBufferSize int
}

// Options holds the optional parameters for configuring a Coordinator. The
// zero value is usable after EnsureDefaults.
type Options struct {
	// Logger receives informational and error messages. Defaults to
	// DefaultLogger.
	Logger Logger

	// EventListener receives notifications of coordinator events. Defaults to
	// a listener that logs every event to Logger.
	EventListener *EventListener

	// ObjectIDStore persists the object id watermark. Defaults to an
	// in-memory store.
	ObjectIDStore ObjectIDStore

	// ObjectIDOffset shifts every range returned by the coordinator's
	// allocator.
	ObjectIDOffset uint64

	// DeltaLog records every accepted version delta. Open replays it to
	// rebuild the current version. Defaults to an in-memory log.
	DeltaLog DeltaLog

	// InitialTables are the tables tracked by a freshly created version,
	// with the compaction group owning each.
	InitialTables map[TableID]GroupID

	Compaction CompactionOptions
	Scheduler  SchedulerOptions

	// ReportedTaskHistory is the number of reported task ids remembered so
	// that duplicate reports are classified as stale rather than unknown.
	ReportedTaskHistory int

	// MetricsRegisterer, if set, has the coordinator's collector registered
	// on Open and unregistered on Close.
	MetricsRegisterer prometheus.Registerer

	// private options are only used by tests.
	private struct {
		timeSource schedulerTimeSource
		// testingBeforeBuild, if set, is called by compaction sessions between
		// choosing a candidate and building its task.
		testingBeforeBuild func(GroupID, TaskType)
	}
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger{}
	}
	if o.EventListener == nil {
		l := MakeLoggingEventListener(o.Logger)
		o.EventListener = &l
	}
	o.EventListener.EnsureDefaults(o.Logger)
	if o.ObjectIDStore == nil {
		o.ObjectIDStore = NewMemObjectIDStore()
	}
	if o.DeltaLog == nil {
		o.DeltaLog = NewMemDeltaLog()
	}

	c := &o.Compaction
	if c.L0CompactionThreshold <= 0 {
		c.L0CompactionThreshold = 4
	}
	if c.BaseLevelMaxBytes == 0 {
		c.BaseLevelMaxBytes = 64 << 20 // 64 MB
	}
	if c.LevelMultiplier <= 1 {
		c.LevelMultiplier = 10
	}
	if c.MaxInputBytes == 0 {
		c.MaxInputBytes = 2 << 30 // 2 GB
	}
	if c.TargetFileSize == 0 {
		c.TargetFileSize = 32 << 20 // 32 MB
	}
	if c.TombstoneRatioThreshold <= 0 {
		c.TombstoneRatioThreshold = 0.4
	}
	if c.MaxBuildRetries <= 0 {
		c.MaxBuildRetries = 3
	}

	s := &o.Scheduler
	if s.ParkTimeout <= 0 {
		s.ParkTimeout = time.Second
	}
	if s.DispatchRate > 0 && s.DispatchBurst <= 0 {
		s.DispatchBurst = 1
	}
	if s.MaxInFlightTasksPerWorker <= 0 {
		s.MaxInFlightTasksPerWorker = 4
	}
	if s.EventBufferSize <= 0 {
		s.EventBufferSize = 16
	}
	if o.ReportedTaskHistory <= 0 {
		o.ReportedTaskHistory = 1024
	}
	if o.private.timeSource == nil {
		o.private.timeSource = defaultTimeSource{}
	}
	return o
}

// Validate checks the options for values that EnsureDefaults cannot repair.
func (o *Options) Validate() error {
	for id, g := range o.InitialTables {
		if g == 0 {
			return errors.Newf("initial table %s has no compaction group", id)
		}
	}
	if o.Compaction.TombstoneRatioThreshold > 1 {
		return errors.Newf("tombstone ratio threshold %.2f exceeds 1", o.Compaction.TombstoneRatioThreshold)
	}
	if o.Compaction.TargetFileSize > o.Compaction.MaxInputBytes {
		return errors.Newf("target file size %d exceeds max input bytes %d",
			o.Compaction.TargetFileSize, o.Compaction.MaxInputBytes)
	}
	return nil
}

// levelMaxBytes returns the target size of the given level, which must be at
// least 1.
func (o *CompactionOptions) levelMaxBytes(level int) uint64 {
	n := o.BaseLevelMaxBytes
	for i := 1; i < level && i < manifest.NumLevels; i++ {
		n *= uint64(o.LevelMultiplier)
	}
	return n
}
