// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"context"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/manifest"
)

// Open opens a coordinator. The current version is rebuilt by replaying the
// delta log. If the log is empty, a fresh version tracking
// Options.InitialTables is created.
func Open(ctx context.Context, opts *Options) (*Coordinator, error) {
	start := crtime.NowMono()
	var o Options
	if opts != nil {
		o = *opts
	}
	opts = o.EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	alloc, err := newObjectIDAllocator(ctx, opts.ObjectIDStore)
	if err != nil {
		return nil, err
	}
	v, retired, numDeltas, err := replayDeltaLog(ctx, opts.DeltaLog)
	if err != nil {
		return nil, err
	}
	// Ids referenced by the log must never be handed out again, even if the
	// id store was reset.
	var maxID ObjectID
	v.AllObjects(func(id ObjectID) { maxID = max(maxID, id) })
	if maxID > 0 {
		if err := alloc.markUsed(ctx, maxID); err != nil {
			return nil, err
		}
	}
	// Writers may still hold ids handed out under the configured offset
	// before the restart.
	alloc.noteOffset(opts.ObjectIDOffset)

	c := &Coordinator{
		opts:            opts,
		alloc:           &ObjectIDAllocator{a: alloc, offset: opts.ObjectIDOffset},
		contexts:        newContextRegistry(),
		tableStats:      newTableStatsTracker(),
		commits:         commitFingerprints{},
		dispatchLimiter: newDispatchLimiter(&opts.Scheduler),
	}
	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())
	c.versions.init(opts, v, alloc, retired)
	c.scheduler = newCompactionScheduler(opts, &c.versions, c.tableStats)
	c.mu.sessions = make(map[ContextID]*compactionSession)

	if numDeltas == 0 && len(opts.InitialTables) > 0 {
		if _, err := c.RegisterTables(ctx, opts.InitialTables); err != nil {
			c.bgCancel()
			return nil, err
		}
	}
	if opts.MetricsRegisterer != nil {
		c.collector = newCollector(c)
		if err := opts.MetricsRegisterer.Register(c.collector); err != nil {
			c.bgCancel()
			return nil, errors.Wrap(err, "registering metrics collector")
		}
	}
	opts.Logger.Infof("opened at %s (epoch %s, %d files) after replaying %d deltas in %s",
		c.CurrentVersion().ID, c.CurrentVersion().MaxCommittedEpoch, c.CurrentVersion().NumFiles(),
		numDeltas, start.Elapsed())
	return c, nil
}

// replayDeltaLog rebuilds the version produced by every recorded delta. It
// also returns the ids of every file the deltas removed.
func replayDeltaLog(ctx context.Context, l DeltaLog) (*manifest.Version, []ObjectID, int, error) {
	v := manifest.NewVersion()
	var retired []ObjectID
	n := 0
	err := l.Replay(ctx, func(d *manifest.VersionDelta) error {
		nv, err := d.Apply(v)
		if err != nil {
			return errors.Wrapf(err, "replaying delta %d (%s)", n, d.ID)
		}
		retired = append(retired, d.RetiredObjects()...)
		v = nv
		n++
		return nil
	})
	if err != nil {
		return nil, nil, 0, err
	}
	return v, retired, n, nil
}
