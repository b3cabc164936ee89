// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"time"

	"github.com/cockroachdb/redact"
)

// VersionInstallInfo contains the info for a version install event.
type VersionInstallInfo struct {
	VersionID     VersionID
	PrevVersionID VersionID
	// BaseVersionID is the version the delta was computed against. It is
	// older than PrevVersionID if the delta was rebased.
	BaseVersionID VersionID
	Reason        VersionChangeReason
	Epoch         Epoch
	NumFiles      int
}

// SafeFormat implements redact.SafeFormatter.
func (i VersionInstallInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("installed %s (%s) after %s", i.VersionID, redact.SafeString(i.Reason.String()), i.PrevVersionID)
	if i.BaseVersionID != i.PrevVersionID {
		w.Printf(" based on %s", i.BaseVersionID)
	}
	w.Printf(": epoch %s, %d files", i.Epoch, redact.SafeInt(i.NumFiles))
}

func (i VersionInstallInfo) String() string { return redact.StringWithoutMarkers(i) }

// CompactionTaskInfo contains the info for a task dispatch event.
type CompactionTaskInfo struct {
	Task   *CompactionTask
	Worker ContextID
}

// SafeFormat implements redact.SafeFormatter.
func (i CompactionTaskInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[%s] dispatched %s (%d bytes)", i.Worker, i.Task, redact.SafeUint(i.Task.InputSize()))
}

func (i CompactionTaskInfo) String() string { return redact.StringWithoutMarkers(i) }

// CompactionReportInfo contains the info for a task report event.
type CompactionReportInfo struct {
	TaskID  TaskID
	Worker  ContextID
	GroupID GroupID
	Type    TaskType
	// Status is the final status of the task. A successful report whose
	// outputs could not be installed ends as Failed with Err set.
	Status         TaskStatus
	NumOutputFiles int
	OutputBytes    uint64
	// VersionID is the version holding the outputs, if any.
	VersionID VersionID
	Duration  time.Duration
	Err       error
}

// SafeFormat implements redact.SafeFormatter.
func (i CompactionReportInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[%s] %s %s %s %s in %s", i.Worker, i.TaskID, i.Type, i.GroupID, i.Status,
		redact.Safe(i.Duration.Round(time.Millisecond)))
	if i.Status == TaskStatusSucceeded {
		w.Printf(": %d outputs (%d bytes) in %s",
			redact.SafeInt(i.NumOutputFiles), redact.SafeUint(i.OutputBytes), i.VersionID)
	}
	if i.Err != nil {
		w.Printf(": %v", i.Err)
	}
}

func (i CompactionReportInfo) String() string { return redact.StringWithoutMarkers(i) }

// CompactionReportDroppedInfo contains the info for a rejected report.
type CompactionReportDroppedInfo struct {
	TaskID TaskID
	Worker ContextID
	Err    error
}

// SafeFormat implements redact.SafeFormatter.
func (i CompactionReportDroppedInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[%s] dropped report for %s: %v", i.Worker, i.TaskID, i.Err)
}

func (i CompactionReportDroppedInfo) String() string { return redact.StringWithoutMarkers(i) }

// WorkerDisconnectInfo contains the info for a context teardown.
type WorkerDisconnectInfo struct {
	Context              Context
	CanceledTasks        []TaskID
	ReleasedVersionPins  int
	ReleasedSnapshotPins int
	// Err is the error that ended the worker's session, if any.
	Err error
}

// SafeFormat implements redact.SafeFormatter.
func (i WorkerDisconnectInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s disconnected", &i.Context)
	if len(i.CanceledTasks) > 0 {
		w.Printf(", failed %v", i.CanceledTasks)
	}
	if i.ReleasedVersionPins > 0 || i.ReleasedSnapshotPins > 0 {
		w.Printf(", released %d version and %d snapshot pins",
			redact.SafeInt(i.ReleasedVersionPins), redact.SafeInt(i.ReleasedSnapshotPins))
	}
	if i.Err != nil {
		w.Printf(": %v", i.Err)
	}
}

func (i WorkerDisconnectInfo) String() string { return redact.StringWithoutMarkers(i) }

// EventListener contains a set of functions that will be invoked when various
// significant coordinator events occur. Note that the functions should not
// run for an excessive amount of time as they are invoked synchronously by
// the coordinator and may block continued progress.
type EventListener struct {
	// BackgroundError is invoked whenever an error occurs in a background
	// goroutine, such as a worker session's scheduling loop.
	BackgroundError func(error)

	// VersionInstalled is invoked after a new version has been installed.
	VersionInstalled func(VersionInstallInfo)

	// CompactionTaskDispatched is invoked after a task has been handed to a
	// worker.
	CompactionTaskDispatched func(CompactionTaskInfo)

	// CompactionTaskReported is invoked after a worker's report has been
	// processed.
	CompactionTaskReported func(CompactionReportInfo)

	// CompactionReportDropped is invoked when a report is rejected because
	// the task is unknown or was already reported.
	CompactionReportDropped func(CompactionReportDroppedInfo)

	// WorkerDisconnected is invoked after a context has been deregistered
	// and its pins and tasks released.
	WorkerDisconnected func(WorkerDisconnectInfo)
}

// EnsureDefaults ensures that background error events are logged to the
// specified logger if a handler for those events hasn't been otherwise
// specified. Ensure all handlers are non-nil so that we don't have to check
// for nil-ness before invoking.
func (l *EventListener) EnsureDefaults(logger Logger) {
	if l.BackgroundError == nil {
		if logger != nil {
			l.BackgroundError = func(err error) {
				logger.Errorf("background error: %s", err)
			}
		} else {
			l.BackgroundError = func(error) {}
		}
	}
	if l.VersionInstalled == nil {
		l.VersionInstalled = func(VersionInstallInfo) {}
	}
	if l.CompactionTaskDispatched == nil {
		l.CompactionTaskDispatched = func(CompactionTaskInfo) {}
	}
	if l.CompactionTaskReported == nil {
		l.CompactionTaskReported = func(CompactionReportInfo) {}
	}
	if l.CompactionReportDropped == nil {
		l.CompactionReportDropped = func(CompactionReportDroppedInfo) {}
	}
	if l.WorkerDisconnected == nil {
		l.WorkerDisconnected = func(WorkerDisconnectInfo) {}
	}
}

// MakeLoggingEventListener creates an EventListener that logs all events to
// the specified logger.
func MakeLoggingEventListener(logger Logger) EventListener {
	if logger == nil {
		logger = DefaultLogger{}
	}
	return EventListener{
		BackgroundError: func(err error) {
			logger.Errorf("background error: %s", err)
		},
		VersionInstalled: func(info VersionInstallInfo) {
			logger.Infof("%s", info)
		},
		CompactionTaskDispatched: func(info CompactionTaskInfo) {
			logger.Infof("%s", info)
		},
		CompactionTaskReported: func(info CompactionReportInfo) {
			logger.Infof("%s", info)
		},
		CompactionReportDropped: func(info CompactionReportDroppedInfo) {
			logger.Infof("%s", info)
		},
		WorkerDisconnected: func(info WorkerDisconnectInfo) {
			logger.Infof("%s", info)
		},
	}
}

// TeeEventListener wraps two EventListeners, forwarding all events to both.
func TeeEventListener(a, b EventListener) EventListener {
	a.EnsureDefaults(nil)
	b.EnsureDefaults(nil)
	return EventListener{
		BackgroundError: func(err error) {
			a.BackgroundError(err)
			b.BackgroundError(err)
		},
		VersionInstalled: func(info VersionInstallInfo) {
			a.VersionInstalled(info)
			b.VersionInstalled(info)
		},
		CompactionTaskDispatched: func(info CompactionTaskInfo) {
			a.CompactionTaskDispatched(info)
			b.CompactionTaskDispatched(info)
		},
		CompactionTaskReported: func(info CompactionReportInfo) {
			a.CompactionTaskReported(info)
			b.CompactionTaskReported(info)
		},
		CompactionReportDropped: func(info CompactionReportDroppedInfo) {
			a.CompactionReportDropped(info)
			b.CompactionReportDropped(info)
		},
		WorkerDisconnected: func(info WorkerDisconnectInfo) {
			a.WorkerDisconnected(info)
			b.WorkerDisconnected(info)
		},
	}
}
