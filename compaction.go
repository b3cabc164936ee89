// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/manifest"
	"github.com/cockroachdb/redact"
)

// TaskType is the kind of a compaction task. The selector that picks a
// task's inputs is fixed by its type.
type TaskType uint8

const (
	// TaskTypeDynamic reduces L0 file count and keeps level sizes within
	// their targets.
	TaskTypeDynamic TaskType = iota + 1
	// TaskTypeSpaceReclaim purges files that only hold data of dropped
	// tables.
	TaskTypeSpaceReclaim
	// TaskTypeTombstone rewrites files with a high fraction of stale keys.
	TaskTypeTombstone
	// TaskTypeManual serves TriggerManualCompaction requests.
	TaskTypeManual
)

var taskTypeNames = map[TaskType]string{
	TaskTypeDynamic:      "dynamic",
	TaskTypeSpaceReclaim: "space-reclaim",
	TaskTypeTombstone:    "tombstone",
	TaskTypeManual:       "manual",
}

// String implements fmt.Stringer.
func (t TaskType) String() string {
	if s, ok := taskTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// SafeFormat implements redact.SafeFormatter.
func (t TaskType) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(t.String()))
}

// MarshalText implements encoding.TextMarshaler.
func (t TaskType) MarshalText() ([]byte, error) {
	if _, ok := taskTypeNames[t]; !ok {
		return nil, errors.Newf("unknown task type %d", t)
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TaskType) UnmarshalText(b []byte) error {
	for k, v := range taskTypeNames {
		if v == string(b) {
			*t = k
			return nil
		}
	}
	return errors.Newf("unknown task type %q", b)
}

// TaskStatus is the state of a compaction task. Tasks move from Pending to
// Dispatched and then to exactly one of Succeeded, Failed or Canceled, at
// which point they are reported and forgotten.
type TaskStatus uint8

const (
	TaskStatusPending TaskStatus = iota
	TaskStatusDispatched
	TaskStatusSucceeded
	TaskStatusFailed
	TaskStatusCanceled
)

var taskStatusNames = [...]string{
	TaskStatusPending:    "pending",
	TaskStatusDispatched: "dispatched",
	TaskStatusSucceeded:  "succeeded",
	TaskStatusFailed:     "failed",
	TaskStatusCanceled:   "canceled",
}

// String implements fmt.Stringer.
func (s TaskStatus) String() string {
	if int(s) < len(taskStatusNames) {
		return taskStatusNames[s]
	}
	return "unknown"
}

// SafeFormat implements redact.SafeFormatter.
func (s TaskStatus) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(s.String()))
}

// terminal returns true for the statuses a worker may report.
func (s TaskStatus) terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusCanceled
}

// MarshalText implements encoding.TextMarshaler.
func (s TaskStatus) MarshalText() ([]byte, error) {
	if int(s) >= len(taskStatusNames) {
		return nil, errors.Newf("unknown task status %d", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *TaskStatus) UnmarshalText(b []byte) error {
	for i, name := range taskStatusNames {
		if name == string(b) {
			*s = TaskStatus(i)
			return nil
		}
	}
	return errors.Newf("unknown task status %q", b)
}

// InputLevel is the set of input files a task takes from one level.
type InputLevel struct {
	Level int                     `json:"level"`
	Files []*manifest.SSTableInfo `json:"files"`
}

// CompactionTask is a unit of merge work over input files of one group.
// Workers write their outputs to TargetLevel.
type CompactionTask struct {
	ID             TaskID       `json:"id"`
	GroupID        GroupID      `json:"group_id"`
	Type           TaskType     `json:"type"`
	Inputs         []InputLevel `json:"inputs"`
	TargetLevel    int          `json:"target_level"`
	TargetFileSize uint64       `json:"target_file_size"`
	BaseVersionID  VersionID    `json:"base_version_id"`
	// ExistingTableIDs are the tables tracked when the task was built.
	// Workers drop data of any other table found in the inputs.
	ExistingTableIDs []TableID  `json:"existing_table_ids"`
	Status           TaskStatus `json:"status"`
}

// InputObjectIDs returns the object ids of all input files.
func (t *CompactionTask) InputObjectIDs() []ObjectID {
	var ids []ObjectID
	for _, in := range t.Inputs {
		for _, f := range in.Files {
			ids = append(ids, f.ObjectID)
		}
	}
	return ids
}

// InputSize returns the total size of the input files.
func (t *CompactionTask) InputSize() uint64 {
	var n uint64
	for _, in := range t.Inputs {
		for _, f := range in.Files {
			n += f.FileSize
		}
	}
	return n
}

// SafeFormat implements redact.SafeFormatter.
func (t *CompactionTask) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s %s %s", t.ID, t.Type, t.GroupID)
	for _, in := range t.Inputs {
		w.Printf(" L%d%v", redact.SafeInt(in.Level), t.levelIDs(in))
	}
	w.Printf(" -> L%d", redact.SafeInt(t.TargetLevel))
}

func (t *CompactionTask) levelIDs(in InputLevel) []ObjectID {
	ids := make([]ObjectID, len(in.Files))
	for i, f := range in.Files {
		ids[i] = f.ObjectID
	}
	return ids
}

// String implements fmt.Stringer.
func (t *CompactionTask) String() string { return redact.StringWithoutMarkers(t) }

// clone returns a copy of the task that the caller may retain. File
// descriptors are shared since they are immutable.
func (t *CompactionTask) clone() *CompactionTask {
	c := *t
	c.Inputs = append([]InputLevel(nil), t.Inputs...)
	c.ExistingTableIDs = append([]TableID(nil), t.ExistingTableIDs...)
	return &c
}

// CompactionTaskEvent is sent to a worker for each dispatched task.
type CompactionTaskEvent struct {
	Task     *CompactionTask `json:"task"`
	CreateAt time.Time       `json:"create_at"`
}

// TableStats are key and value size statistics of a table. Deltas may be
// negative.
type TableStats struct {
	KeySize   int64 `json:"key_size"`
	ValueSize int64 `json:"value_size"`
	KeyCount  int64 `json:"key_count"`
}

// Add accumulates o into s.
func (s *TableStats) Add(o TableStats) {
	s.KeySize += o.KeySize
	s.ValueSize += o.ValueSize
	s.KeyCount += o.KeyCount
}

// ReportTaskEvent is sent by a worker when it finishes a task.
type ReportTaskEvent struct {
	TaskID          TaskID                  `json:"task_id"`
	Status          TaskStatus              `json:"status"`
	OutputFiles     []*manifest.SSTableInfo `json:"output_files"`
	TableStatsDelta map[TableID]TableStats  `json:"table_stats_delta,omitempty"`
}

// ManualCompactionRequest asks for the files of a level to be compacted. If
// ObjectIDs is empty, every file of the level holding data of TableID is
// compacted, or every file of the level if TableID is 0.
type ManualCompactionRequest struct {
	GroupID   GroupID    `json:"group_id"`
	TableID   TableID    `json:"table_id"`
	Level     int        `json:"level"`
	ObjectIDs []ObjectID `json:"object_ids,omitempty"`
}
