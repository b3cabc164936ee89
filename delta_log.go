// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"bytes"
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/manifest"
)

// DeltaLog durably records accepted version deltas in the order they were
// accepted.
type DeltaLog interface {
	// Append records d. A version is installed only after Append returns
	// nil for its delta.
	Append(ctx context.Context, d *manifest.VersionDelta) error
	// Replay calls fn for every recorded delta in order.
	Replay(ctx context.Context, fn func(d *manifest.VersionDelta) error) error
}

// MemDeltaLog is a DeltaLog holding encoded deltas in memory.
type MemDeltaLog struct {
	mu      sync.Mutex
	records [][]byte
	// failAppend, if set, is returned by Append.
	failAppend error
}

var _ DeltaLog = (*MemDeltaLog)(nil)

// NewMemDeltaLog returns an empty in-memory delta log.
func NewMemDeltaLog() *MemDeltaLog {
	return &MemDeltaLog{}
}

// Append implements DeltaLog.
func (l *MemDeltaLog) Append(_ context.Context, d *manifest.VersionDelta) error {
	var buf bytes.Buffer
	if err := d.Encode(&buf); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAppend != nil {
		return l.failAppend
	}
	l.records = append(l.records, buf.Bytes())
	return nil
}

// Replay implements DeltaLog.
func (l *MemDeltaLog) Replay(_ context.Context, fn func(d *manifest.VersionDelta) error) error {
	l.mu.Lock()
	records := l.records[:len(l.records):len(l.records)]
	l.mu.Unlock()
	for i, r := range records {
		var d manifest.VersionDelta
		if err := d.Decode(bytes.NewReader(r)); err != nil {
			return errors.Wrapf(err, "decoding delta record %d", i)
		}
		if err := fn(&d); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of recorded deltas.
func (l *MemDeltaLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// SetAppendError makes every subsequent Append fail with err until called
// again with nil.
func (l *MemDeltaLog) SetAppendError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failAppend = err
}
