// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/base"
	"golang.org/x/sync/errgroup"
)

// compactionSession is the coordinator's side of a worker's compaction event
// stream. It runs two loops: the scheduling loop builds and dispatches tasks
// to the worker, parking whenever there is nothing to do, and the report loop
// applies the worker's reports one at a time.
//
// When either loop ends, or the session is closed, the worker's context is
// deregistered: its in-flight tasks are failed and its pins released.
type compactionSession struct {
	c      *Coordinator
	worker *Context

	events  chan *CompactionTaskEvent
	reports chan reportRequest

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	// done is closed once the session has been torn down.
	done chan struct{}
	err  error
}

var _ CompactionEventStream = (*compactionSession)(nil)

type reportRequest struct {
	ev   *ReportTaskEvent
	resp chan error
}

func (c *Coordinator) newCompactionSession(worker *Context) *compactionSession {
	ctx, cancel := context.WithCancel(c.bgCtx)
	return &compactionSession{
		c:       c,
		worker:  worker,
		events:  make(chan *CompactionTaskEvent, c.opts.Scheduler.EventBufferSize),
		reports: make(chan reportRequest),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (s *compactionSession) start() {
	go s.run()
}

func (s *compactionSession) run() {
	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return s.scheduleLoop(gctx) })
	g.Go(func() error { return s.reportLoop(gctx) })
	err := g.Wait()
	if err != nil {
		s.c.opts.EventListener.BackgroundError(errors.Wrapf(err, "compaction session of %s", s.worker))
	}
	s.err = err
	s.c.disconnect(s.worker, err)
	close(s.events)
	close(s.done)
}

// dispatchOutcome is the result of one attempt to dispatch a task.
type dispatchOutcome uint8

const (
	// dispatchIdle means no candidate qualifies.
	dispatchIdle dispatchOutcome = iota
	// dispatchSent means a task was sent to the worker.
	dispatchSent
	// dispatchLost means a candidate qualified but another worker reserved
	// its inputs before the task could be built.
	dispatchLost
)

// scheduleLoop dispatches tasks to the worker until the session ends.
func (s *compactionSession) scheduleLoop(ctx context.Context) error {
	o := &s.c.opts.Scheduler
	ticker := s.c.opts.private.timeSource.newTicker(o.ParkTimeout)
	defer ticker.stop()
	lost := 0
	for {
		// Capture the notification channels before looking for work so that
		// a version installed or a task released in between wakes us up.
		versionCh := s.c.versions.changeNotify()
		releaseCh := s.c.scheduler.releaseNotify()

		if s.c.scheduler.inFlight(s.worker.ID) < o.MaxInFlightTasksPerWorker {
			outcome, err := s.tryDispatch(ctx)
			if err != nil {
				return err
			}
			switch {
			case outcome == dispatchSent:
				lost = 0
				continue
			case outcome == dispatchLost && lost < s.c.opts.Compaction.MaxBuildRetries:
				// Other candidates may still be available.
				lost++
				continue
			}
		}
		lost = 0

		select {
		case <-ctx.Done():
			return nil
		case <-versionCh:
		case <-releaseCh:
		case <-ticker.ch():
		}
	}
}

// tryDispatch builds the next task and sends it to the worker.
func (s *compactionSession) tryDispatch(ctx context.Context) (dispatchOutcome, error) {
	gid, t, ok := s.c.scheduler.nextCandidate()
	if !ok {
		return dispatchIdle, nil
	}
	if err := s.c.dispatchLimiter.wait(ctx); err != nil {
		return dispatchIdle, nil
	}
	if fn := s.c.opts.private.testingBeforeBuild; fn != nil {
		fn(gid, t)
	}
	task, err := s.c.scheduler.buildTask(s.worker.ID, gid, t)
	if err != nil {
		return dispatchIdle, err
	}
	if task == nil {
		return dispatchLost, nil
	}
	createdAt, err := s.c.scheduler.markDispatched(task.ID)
	if err != nil {
		return dispatchIdle, err
	}
	task.Status = TaskStatusDispatched
	select {
	case s.events <- &CompactionTaskEvent{Task: task, CreateAt: createdAt}:
	case <-ctx.Done():
		// The task is failed when the session is torn down.
		return dispatchIdle, nil
	}
	s.c.opts.EventListener.CompactionTaskDispatched(CompactionTaskInfo{Task: task, Worker: s.worker.ID})
	return dispatchSent, nil
}

// reportLoop applies the worker's reports in the order they are sent. A
// rejected report does not end the session.
func (s *compactionSession) reportLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-s.reports:
			req.resp <- s.c.reportTask(ctx, s.worker.ID, req.ev)
		}
	}
}

// Recv implements CompactionEventStream. It returns ErrClosed once the
// session has ended.
func (s *compactionSession) Recv(ctx context.Context) (*CompactionTaskEvent, error) {
	select {
	case <-s.done:
		return nil, s.closedErr()
	default:
	}
	select {
	case ev, ok := <-s.events:
		if !ok {
			return nil, s.closedErr()
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send implements CompactionEventStream. It returns once the report has been
// applied or rejected; a rejected report returns an error marked
// ErrUnknownTask or ErrStaleReport and leaves the session open.
func (s *compactionSession) Send(ctx context.Context, ev *ReportTaskEvent) error {
	req := reportRequest{ev: ev, resp: make(chan error, 1)}
	select {
	case s.reports <- req:
	case <-s.done:
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	// An accepted report is always answered.
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements CompactionEventStream. It ends the session and waits for
// the worker's context to be torn down.
func (s *compactionSession) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

// Worker returns the context the session registered for the worker.
func (s *compactionSession) Worker() ContextID { return s.worker.ID }

func (s *compactionSession) closedErr() error {
	if s.err != nil {
		return errors.Mark(errors.Wrapf(s.err, "session of %s", s.worker.ID), base.ErrClosed)
	}
	return base.ErrClosed
}
