// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/base"
	"github.com/cockroachdb/lsmmeta/internal/manifest"
	"github.com/cockroachdb/swiss"
	"github.com/cockroachdb/tokenbucket"
)

// compactionScheduler builds compaction tasks and tracks them until they are
// reported.
//
// Locking: groupReservations.mu is ordered before compactionScheduler.mu.
// Neither is held while a version is being applied.
type compactionScheduler struct {
	opts      *Options
	vs        *versionSet
	stats     *tableStatsTracker
	selectors map[TaskType]CompactionSelector
	manual    *manualSelector

	nextTaskID atomic.Uint64

	groups struct {
		sync.Mutex
		byID swiss.Map[GroupID, *groupReservations]
	}

	mu struct {
		sync.Mutex
		tasks map[TaskID]*taskState
		// reported remembers recently reported tasks so that duplicate
		// reports are classified as stale. reportedOrder is a ring buffer of
		// the same ids in report order.
		reported      map[TaskID]TaskStatus
		reportedOrder []TaskID
		reportedNext  int
		// released is closed and replaced whenever a task leaves the task
		// table.
		released chan struct{}
		metrics  schedulerMetrics
	}
}

type taskState struct {
	task      *CompactionTask
	owner     ContextID
	createdAt time.Time
	// dispatched is set when the task is handed to its owner.
	dispatched crtime.Mono
	output     reservedOutput
}

type reservedOutput struct {
	level    int
	keyRange manifest.KeyRange
}

// groupReservations holds the input files and output ranges of the in-flight
// tasks of one compaction group.
type groupReservations struct {
	mu      sync.Mutex
	inputs  map[ObjectID]TaskID
	outputs map[TaskID]reservedOutput
}

func (g *groupReservations) reserved(id ObjectID) bool {
	_, ok := g.inputs[id]
	return ok
}

func (g *groupReservations) outputConflict(level int, r manifest.KeyRange) bool {
	for _, o := range g.outputs {
		if o.level == level && o.keyRange.Overlaps(r) {
			return true
		}
	}
	return false
}

func (g *groupReservations) reserveLocked(id TaskID, p *pickedCompaction) {
	for _, obj := range p.objectIDs() {
		g.inputs[obj] = id
	}
	g.outputs[id] = reservedOutput{level: p.targetLevel, keyRange: p.outputRange}
}

func (g *groupReservations) release(id TaskID, t *CompactionTask) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, obj := range t.InputObjectIDs() {
		if g.inputs[obj] == id {
			delete(g.inputs, obj)
		}
	}
	delete(g.outputs, id)
}

// schedulerMetrics are guarded by compactionScheduler.mu.
type schedulerMetrics struct {
	built      map[TaskType]int64
	dispatched int64
	succeeded  int64
	failed     int64
	canceled   int64
	stale      int64
	unknown    int64
	// durations records dispatch-to-report latency in microseconds.
	durations *hdrhistogram.Histogram
}

// maxTaskDurationMicros bounds the task duration histogram at one day.
const maxTaskDurationMicros = int64(24 * time.Hour / time.Microsecond)

func newCompactionScheduler(
	opts *Options, vs *versionSet, stats *tableStatsTracker,
) *compactionScheduler {
	s := &compactionScheduler{
		opts:   opts,
		vs:     vs,
		stats:  stats,
		manual: &manualSelector{logger: opts.Logger},
	}
	s.selectors = map[TaskType]CompactionSelector{
		TaskTypeDynamic:      dynamicSelector{},
		TaskTypeSpaceReclaim: spaceReclaimSelector{},
		TaskTypeTombstone:    tombstoneSelector{},
		TaskTypeManual:       s.manual,
	}
	s.groups.byID.Init(8)
	s.mu.tasks = make(map[TaskID]*taskState)
	s.mu.reported = make(map[TaskID]TaskStatus)
	s.mu.reportedOrder = make([]TaskID, 0, opts.ReportedTaskHistory)
	s.mu.released = make(chan struct{})
	s.mu.metrics.built = make(map[TaskType]int64)
	s.mu.metrics.durations = hdrhistogram.New(1, maxTaskDurationMicros, 2)
	return s
}

func (s *compactionScheduler) group(id GroupID) *groupReservations {
	s.groups.Lock()
	defer s.groups.Unlock()
	g, ok := s.groups.byID.Get(id)
	if !ok {
		g = &groupReservations{
			inputs:  make(map[ObjectID]TaskID),
			outputs: make(map[TaskID]reservedOutput),
		}
		s.groups.byID.Put(id, g)
	}
	return g
}

// candidate is a (group, task type) pair worth building a task for.
type candidate struct {
	group    GroupID
	taskType TaskType
	score    float64
}

// candidates returns every (group, task type) pair scoring at least 1 in the
// current version, highest priority first.
func (s *compactionScheduler) candidates(v *manifest.Version) []candidate {
	var cands []candidate
	for _, gid := range v.GroupIDs() {
		stats := v.GroupStats(gid)
		pc := &pickContext{v: v, group: gid, stats: &stats, opts: &s.opts.Compaction}
		for t, sel := range s.selectors {
			if score := sel.Score(pc); score >= 1 {
				cands = append(cands, candidate{group: gid, taskType: t, score: score})
			}
		}
	}
	slices.SortFunc(cands, func(a, b candidate) int {
		if c := cmp.Compare(taskTypePriority[b.taskType], taskTypePriority[a.taskType]); c != 0 {
			return c
		}
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.group, b.group)
	})
	return cands
}

// nextCandidate returns the highest-priority (group, task type) pair for
// which a task could be built right now, taking the inputs reserved by
// in-flight tasks into account.
func (s *compactionScheduler) nextCandidate() (GroupID, TaskType, bool) {
	v := s.vs.currentVersion()
	for _, c := range s.candidates(v) {
		g := s.group(c.group)
		g.mu.Lock()
		p := s.pickLocked(v, g, c.group, s.selectors[c.taskType])
		g.mu.Unlock()
		if p != nil {
			return c.group, c.taskType, true
		}
	}
	return 0, 0, false
}

// pickLocked runs the selector against v. g.mu must be held.
func (s *compactionScheduler) pickLocked(
	v *manifest.Version, g *groupReservations, gid GroupID, sel CompactionSelector,
) *pickedCompaction {
	if v.Group(gid) == nil {
		return nil
	}
	stats := v.GroupStats(gid)
	pc := &pickContext{
		v:              v,
		group:          gid,
		stats:          &stats,
		opts:           &s.opts.Compaction,
		reserved:       g.reserved,
		outputConflict: g.outputConflict,
	}
	if sel.Score(pc) < 1 {
		return nil
	}
	return sel.Pick(pc)
}

// stillValid returns true if the picked compaction can be applied to v: all
// inputs are still in place, and the only files of the target level
// overlapping the output range are inputs.
func stillValid(v *manifest.Version, gid GroupID, p *pickedCompaction) bool {
	inputs := make(map[ObjectID]struct{})
	for _, in := range p.inputs {
		for _, f := range in.Files {
			loc, ok := v.Locate(f.ObjectID)
			if !ok || loc.Group != gid || loc.Level != in.Level {
				return false
			}
			inputs[f.ObjectID] = struct{}{}
		}
	}
	if p.targetLevel == 0 {
		return true
	}
	for _, f := range v.Group(gid).Levels[p.targetLevel].Overlaps(p.outputRange) {
		if _, ok := inputs[f.ObjectID]; !ok {
			return false
		}
	}
	return true
}

// buildTask materializes a task of the given type for the group, reserving
// its inputs on behalf of owner. The task is Pending until markDispatched is
// called. If the version changes underneath the pick, the pick is repeated
// against the refreshed version. A nil task with a nil error means no task
// qualifies.
func (s *compactionScheduler) buildTask(
	owner ContextID, gid GroupID, t TaskType,
) (*CompactionTask, error) {
	sel, ok := s.selectors[t]
	if !ok {
		return nil, errors.Newf("no selector for task type %s", t)
	}
	g := s.group(gid)
	for attempt := 0; attempt < s.opts.Compaction.MaxBuildRetries; attempt++ {
		v := s.vs.currentVersion()
		g.mu.Lock()
		p := s.pickLocked(v, g, gid, sel)
		if p == nil {
			g.mu.Unlock()
			return nil, nil
		}
		cur := s.vs.currentVersion()
		if cur != v && !stillValid(cur, gid, p) {
			g.mu.Unlock()
			continue
		}
		task := &CompactionTask{
			ID:               TaskID(s.nextTaskID.Add(1)),
			GroupID:          gid,
			Type:             t,
			Inputs:           p.inputs,
			TargetLevel:      p.targetLevel,
			TargetFileSize:   s.opts.Compaction.TargetFileSize,
			BaseVersionID:    cur.ID,
			ExistingTableIDs: cur.TableIDs(),
			Status:           TaskStatusPending,
		}
		g.reserveLocked(task.ID, p)
		s.mu.Lock()
		s.mu.tasks[task.ID] = &taskState{
			task:      task,
			owner:     owner,
			createdAt: time.Now(),
			output:    reservedOutput{level: p.targetLevel, keyRange: p.outputRange},
		}
		s.mu.metrics.built[t]++
		s.mu.Unlock()
		g.mu.Unlock()
		if t == TaskTypeManual {
			s.manual.consume(gid)
		}
		return task.clone(), nil
	}
	return nil, nil
}

// markDispatched moves a Pending task to Dispatched and returns the time it
// was created.
func (s *compactionScheduler) markDispatched(id TaskID) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.mu.tasks[id]
	if !ok {
		return time.Time{}, errors.Mark(errors.Newf("%s is not in flight", id), base.ErrUnknownTask)
	}
	if ts.task.Status != TaskStatusPending {
		return time.Time{}, errors.AssertionFailedf("%s dispatched while %s", id, ts.task.Status)
	}
	ts.task.Status = TaskStatusDispatched
	ts.dispatched = crtime.NowMono()
	s.mu.metrics.dispatched++
	return ts.createdAt, nil
}

// inFlight returns the number of Pending or Dispatched tasks owned by the
// context.
func (s *compactionScheduler) inFlight(owner ContextID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ts := range s.mu.tasks {
		if ts.owner == owner {
			n++
		}
	}
	return n
}

// releaseNotify returns a channel closed when the next task is released.
func (s *compactionScheduler) releaseNotify() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.released
}

// reportTask handles a worker's report. The report is checked and the task
// moved to its terminal status before anything else happens, so a second
// report for the same task is rejected as stale even while the first is
// being applied.
//
// On success the outputs replace the inputs in a new version. If that fails
// the task is failed instead, and the error is returned. In all cases the
// task's reservations are released.
func (s *compactionScheduler) reportTask(
	ctx context.Context, owner ContextID, ev *ReportTaskEvent,
) (CompactionReportInfo, error) {
	info := CompactionReportInfo{TaskID: ev.TaskID, Worker: owner, Status: ev.Status}
	s.mu.Lock()
	ts, err := s.checkReportLocked(owner, ev)
	if err != nil {
		s.mu.Unlock()
		return info, err
	}
	ts.task.Status = ev.Status
	s.mu.Unlock()

	t := ts.task
	info.GroupID, info.Type = t.GroupID, t.Type
	info.Duration = ts.dispatched.Elapsed()
	var applyErr error
	if ev.Status == TaskStatusSucceeded {
		var nv *manifest.Version
		applyErr = checkOutputs(ev.OutputFiles)
		if applyErr == nil {
			nv, applyErr = s.vs.logAndApply(ctx, ReasonCompaction, func(*manifest.Version) (*manifest.VersionDelta, error) {
				return compactionDelta(t, ev.OutputFiles), nil
			})
		}
		if applyErr == nil {
			info.VersionID = nv.ID
			for _, f := range ev.OutputFiles {
				info.OutputBytes += f.FileSize
			}
			info.NumOutputFiles = len(ev.OutputFiles)
			s.stats.apply(ev.TableStatsDelta)
		} else {
			info.Status = TaskStatusFailed
			info.Err = applyErr
		}
	}
	s.finish(ts, info.Status, info.Duration)
	return info, applyErr
}

func (s *compactionScheduler) checkReportLocked(owner ContextID, ev *ReportTaskEvent) (*taskState, error) {
	ts, ok := s.mu.tasks[ev.TaskID]
	if !ok {
		if st, seen := s.mu.reported[ev.TaskID]; seen {
			s.mu.metrics.stale++
			return nil, errors.Mark(errors.Newf("%s already reported as %s", ev.TaskID, st), base.ErrStaleReport)
		}
		s.mu.metrics.unknown++
		return nil, errors.Mark(errors.Newf("%s is not in flight", ev.TaskID), base.ErrUnknownTask)
	}
	switch {
	case !ev.Status.terminal():
		s.mu.metrics.stale++
		return nil, errors.Mark(errors.Newf("%s reported with status %s", ev.TaskID, ev.Status), base.ErrStaleReport)
	case ts.task.Status != TaskStatusDispatched:
		s.mu.metrics.stale++
		return nil, errors.Mark(errors.Newf("%s is %s", ev.TaskID, ts.task.Status), base.ErrStaleReport)
	case ts.owner != owner:
		s.mu.metrics.stale++
		return nil, errors.Mark(errors.Newf("%s is owned by %s, not %s", ev.TaskID, ts.owner, owner), base.ErrStaleReport)
	}
	return ts, nil
}

// checkOutputs rejects malformed output descriptors. A report carrying one
// fails its task.
func checkOutputs(outputs []*manifest.SSTableInfo) error {
	for i, f := range outputs {
		if f == nil {
			return errors.Newf("output %d has no descriptor", i)
		}
		if err := f.Normalized().Validate(); err != nil {
			return errors.Wrapf(err, "output %d", i)
		}
	}
	return nil
}

// compactionDelta replaces the task's inputs with its outputs. The delta is
// based on the version the task was built against; Apply rejects it if any
// input has since disappeared.
func compactionDelta(t *CompactionTask, outputs []*manifest.SSTableInfo) *manifest.VersionDelta {
	d := &manifest.VersionDelta{PrevID: t.BaseVersionID}
	gd := d.Group(t.GroupID)
	for _, in := range t.Inputs {
		for _, f := range in.Files {
			gd.DeletedFiles = append(gd.DeletedFiles, manifest.DeletedFileEntry{Level: in.Level, ObjectID: f.ObjectID})
		}
	}
	for _, f := range outputs {
		gd.NewFiles = append(gd.NewFiles, manifest.NewFileEntry{Level: t.TargetLevel, Info: f.Normalized()})
	}
	return d
}

// finish removes the task from the task table, records its final status and
// releases its reservations.
func (s *compactionScheduler) finish(ts *taskState, status TaskStatus, d time.Duration) {
	t := ts.task
	s.group(t.GroupID).release(t.ID, t)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mu.tasks, t.ID)
	s.rememberLocked(t.ID, status)
	switch status {
	case TaskStatusSucceeded:
		s.mu.metrics.succeeded++
	case TaskStatusCanceled:
		s.mu.metrics.canceled++
	default:
		s.mu.metrics.failed++
	}
	if ts.dispatched != 0 {
		if err := s.mu.metrics.durations.RecordValue(max(d.Microseconds(), 1)); err != nil {
			s.opts.Logger.Errorf("recording duration of %s: %v", t.ID, err)
		}
	}
	s.notifyLocked()
}

// notify wakes every scheduling loop parked on releaseNotify.
func (s *compactionScheduler) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyLocked()
}

func (s *compactionScheduler) notifyLocked() {
	close(s.mu.released)
	s.mu.released = make(chan struct{})
}

func (s *compactionScheduler) rememberLocked(id TaskID, status TaskStatus) {
	if len(s.mu.reportedOrder) < cap(s.mu.reportedOrder) {
		s.mu.reportedOrder = append(s.mu.reportedOrder, id)
	} else {
		delete(s.mu.reported, s.mu.reportedOrder[s.mu.reportedNext])
		s.mu.reportedOrder[s.mu.reportedNext] = id
		s.mu.reportedNext = (s.mu.reportedNext + 1) % len(s.mu.reportedOrder)
	}
	s.mu.reported[id] = status
}

// cancelTask fails a single Pending task, for instance one its owner could
// not be sent.
func (s *compactionScheduler) cancelTask(id TaskID) {
	s.mu.Lock()
	ts, ok := s.mu.tasks[id]
	if !ok || ts.task.Status.terminal() {
		s.mu.Unlock()
		return
	}
	ts.task.Status = TaskStatusFailed
	s.mu.Unlock()
	s.finish(ts, TaskStatusFailed, 0)
}

// cancelOwnedTasks fails every in-flight task owned by the context, as if
// the worker had reported each of them as Failed. It returns the tasks.
func (s *compactionScheduler) cancelOwnedTasks(owner ContextID) []*CompactionTask {
	s.mu.Lock()
	var owned []*taskState
	for _, ts := range s.mu.tasks {
		// Tasks with a terminal status are being finished by reportTask.
		if ts.owner == owner && !ts.task.Status.terminal() {
			ts.task.Status = TaskStatusFailed
			owned = append(owned, ts)
		}
	}
	s.mu.Unlock()
	slices.SortFunc(owned, func(a, b *taskState) int { return cmp.Compare(a.task.ID, b.task.ID) })
	tasks := make([]*CompactionTask, len(owned))
	for i, ts := range owned {
		s.finish(ts, TaskStatusFailed, ts.dispatched.Elapsed())
		tasks[i] = ts.task.clone()
	}
	return tasks
}

// inFlightTasks returns copies of all Pending and Dispatched tasks in id
// order.
func (s *compactionScheduler) inFlightTasks() []*CompactionTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*CompactionTask, 0, len(s.mu.tasks))
	for _, ts := range s.mu.tasks {
		tasks = append(tasks, ts.task.clone())
	}
	slices.SortFunc(tasks, func(a, b *CompactionTask) int { return cmp.Compare(a.ID, b.ID) })
	return tasks
}

// dispatchLimiter paces task dispatch across all workers.
type dispatchLimiter struct {
	mu sync.Mutex
	tb tokenbucket.TokenBucket
}

func newDispatchLimiter(o *SchedulerOptions) *dispatchLimiter {
	if o.DispatchRate <= 0 {
		return nil
	}
	l := &dispatchLimiter{}
	l.tb.Init(tokenbucket.TokensPerSecond(o.DispatchRate), tokenbucket.Tokens(o.DispatchBurst))
	return l
}

// wait blocks until a task may be dispatched. A nil limiter never blocks.
func (l *dispatchLimiter) wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	for {
		l.mu.Lock()
		ok, d := l.tb.TryToFulfill(1)
		l.mu.Unlock()
		if ok {
			return nil
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// schedulerTimeSource is used to abstract time.NewTicker for the scheduling
// loop.
type schedulerTimeSource interface {
	newTicker(duration time.Duration) schedulerTicker
}

// schedulerTicker is used to abstract time.Ticker for the scheduling loop.
type schedulerTicker interface {
	stop()
	ch() <-chan time.Time
}

// defaultTimeSource is a schedulerTimeSource using the time package.
type defaultTimeSource struct{}

var _ schedulerTimeSource = defaultTimeSource{}

func (defaultTimeSource) newTicker(duration time.Duration) schedulerTicker {
	return (*defaultTicker)(time.NewTicker(duration))
}

// defaultTicker uses time.Ticker.
type defaultTicker time.Ticker

var _ schedulerTicker = &defaultTicker{}

func (t *defaultTicker) stop() {
	(*time.Ticker)(t).Stop()
}

func (t *defaultTicker) ch() <-chan time.Time {
	return (*time.Ticker)(t).C
}
