// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "github.com/cockroachdb/errors"

// Error kinds. Concrete errors returned by this module are marked with one of
// these via errors.Mark, so callers classify them with errors.Is.
var (
	// ErrAllocationExhausted is returned when the object id space cannot
	// satisfy an allocation.
	ErrAllocationExhausted = errors.New("lsmmeta: object id space exhausted")
	// ErrBackingStoreUnavailable is returned when persisting state failed.
	// The operation had no effect and may be retried.
	ErrBackingStoreUnavailable = errors.New("lsmmeta: backing store unavailable")
	// ErrConflictingObjectID is returned when a delta adds an object id that
	// is already present.
	ErrConflictingObjectID = errors.New("lsmmeta: conflicting object id")
	// ErrStaleBaseVersion is returned when a delta depends on state that no
	// longer exists in the current version.
	ErrStaleBaseVersion = errors.New("lsmmeta: stale base version")
	// ErrUnknownTask is returned for a report naming a task that was never
	// dispatched.
	ErrUnknownTask = errors.New("lsmmeta: unknown compaction task")
	// ErrStaleReport is returned for a report naming a task that has already
	// been reported or was not in the Dispatched state.
	ErrStaleReport = errors.New("lsmmeta: stale compaction report")
	// ErrUnknownContext is returned when a context id is not registered.
	ErrUnknownContext = errors.New("lsmmeta: unknown context")
	// ErrInvalidEpoch is returned when an epoch does not advance the
	// committed epoch and is not an identical retry.
	ErrInvalidEpoch = errors.New("lsmmeta: invalid epoch")
	// ErrClosed is returned by operations on a closed coordinator or stream.
	ErrClosed = errors.New("lsmmeta: closed")
)

// BackingStoreError wraps err and marks it ErrBackingStoreUnavailable.
func BackingStoreError(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrBackingStoreUnavailable)
}

// IsRetryable returns true if the operation that produced err had no effect
// and can be retried with the same inputs.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackingStoreUnavailable)
}
