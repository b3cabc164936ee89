// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import "github.com/cockroachdb/lsmmeta/internal/base"

// Error kinds returned by the coordinator. Use errors.Is to classify.
var (
	ErrAllocationExhausted     = base.ErrAllocationExhausted
	ErrBackingStoreUnavailable = base.ErrBackingStoreUnavailable
	ErrConflictingObjectID     = base.ErrConflictingObjectID
	ErrStaleBaseVersion        = base.ErrStaleBaseVersion
	ErrUnknownTask             = base.ErrUnknownTask
	ErrStaleReport             = base.ErrStaleReport
	ErrUnknownContext          = base.ErrUnknownContext
	ErrInvalidEpoch            = base.ErrInvalidEpoch
	ErrClosed                  = base.ErrClosed
)

// IsRetryable returns true if the failed operation had no effect and may be
// retried with the same inputs.
func IsRetryable(err error) bool { return base.IsRetryable(err) }

// Exported identifier types.
type (
	ObjectID  = base.ObjectID
	VersionID = base.VersionID
	Epoch     = base.Epoch
	TableID   = base.TableID
	GroupID   = base.GroupID
	TaskID    = base.TaskID
	ContextID = base.ContextID
	IDRange   = base.IDRange
	Logger    = base.Logger
)

// DefaultLogger logs to the Go stdlib logs.
type DefaultLogger = base.DefaultLogger

// Static compaction groups.
const (
	StateDefaultGroup     = base.StateDefaultGroup
	MaterializedViewGroup = base.MaterializedViewGroup
)
