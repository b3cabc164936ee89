// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"context"
	"math"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta/internal/base"
)

// ObjectIDStore persists the object id watermark. Every id below the
// persisted watermark may have been handed out and must never be handed out
// again.
type ObjectIDStore interface {
	// Load returns the persisted watermark, or 0 if none was persisted.
	Load(ctx context.Context) (ObjectID, error)
	// Advance persists next as the watermark. prev is the watermark the
	// caller last loaded or advanced to; implementations may use it as a
	// compare-and-set precondition.
	Advance(ctx context.Context, prev, next ObjectID) error
}

// MemObjectIDStore is an ObjectIDStore that keeps the watermark in memory.
type MemObjectIDStore struct {
	mu        sync.Mutex
	watermark ObjectID
}

var _ ObjectIDStore = (*MemObjectIDStore)(nil)

// NewMemObjectIDStore returns an empty in-memory store.
func NewMemObjectIDStore() *MemObjectIDStore {
	return &MemObjectIDStore{}
}

// Load implements ObjectIDStore.
func (s *MemObjectIDStore) Load(context.Context) (ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark, nil
}

// Advance implements ObjectIDStore.
func (s *MemObjectIDStore) Advance(_ context.Context, prev, next ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watermark != prev {
		return errors.Newf("watermark is %d, expected %d", s.watermark, prev)
	}
	if next < prev {
		return errors.AssertionFailedf("watermark moving backwards from %d to %d", prev, next)
	}
	s.watermark = next
	return nil
}

// objectIDAllocator hands out object ids in strictly increasing order and
// persists the watermark before any id is returned.
type objectIDAllocator struct {
	store ObjectIDStore

	mu struct {
		sync.Mutex
		// next is the persisted watermark: the next id to hand out.
		next ObjectID
		// issued bounds every shifted id handed out or marked used since the
		// allocator was created. It is at least next.
		issued ObjectID
	}
}

func newObjectIDAllocator(ctx context.Context, store ObjectIDStore) (*objectIDAllocator, error) {
	a := &objectIDAllocator{store: store}
	w, err := store.Load(ctx)
	if err != nil {
		return nil, base.BackingStoreError(err, "loading object id watermark")
	}
	if w == base.InvalidObjectID {
		// Id 0 is never handed out.
		if err := store.Advance(ctx, w, 1); err != nil {
			return nil, base.BackingStoreError(err, "initializing object id watermark")
		}
		w = 1
	}
	a.mu.next = w
	a.mu.issued = w
	return a, nil
}

// allocate reserves count ids and returns them shifted by offset.
func (a *objectIDAllocator) allocate(ctx context.Context, count uint32, offset uint64) (IDRange, error) {
	// limit is the largest id the caller can represent after applying its
	// offset.
	limit := ObjectID(math.MaxUint64 - offset)
	a.mu.Lock()
	defer a.mu.Unlock()
	start := a.mu.next
	if count == 0 {
		return IDRange{Start: start + ObjectID(offset), End: start + ObjectID(offset)}, nil
	}
	if start > limit || uint64(count) > uint64(limit-start) {
		return IDRange{}, errors.Mark(
			errors.Newf("cannot allocate %d ids above %d", count, start), base.ErrAllocationExhausted)
	}
	end := start + ObjectID(count)
	if err := a.store.Advance(ctx, start, end); err != nil {
		return IDRange{}, base.BackingStoreError(err, "persisting object id watermark %d", end)
	}
	a.mu.next = end
	r := IDRange{Start: start + ObjectID(offset), End: end + ObjectID(offset)}
	a.mu.issued = max(a.mu.issued, r.End)
	return r, nil
}

// markUsed ensures that id will never be handed out, persisting the
// watermark if it has to move.
func (a *objectIDAllocator) markUsed(ctx context.Context, id ObjectID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < a.mu.next {
		return nil
	}
	if id == base.MaxObjectID {
		return errors.Mark(errors.New("object id space exhausted"), base.ErrAllocationExhausted)
	}
	if err := a.store.Advance(ctx, a.mu.next, id+1); err != nil {
		return base.BackingStoreError(err, "persisting object id watermark %d", id+1)
	}
	a.mu.next = id + 1
	a.mu.issued = max(a.mu.issued, a.mu.next)
	return nil
}

// noteOffset extends the issued bound to cover ids handed out under offset
// below the persisted watermark, for instance before a restart.
func (a *objectIDAllocator) noteOffset(offset uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bound := base.MaxObjectID
	if uint64(a.mu.next) <= math.MaxUint64-offset {
		bound = a.mu.next + ObjectID(offset)
	}
	a.mu.issued = max(a.mu.issued, bound)
}

// issuedBound returns an id above every id that may have been handed out.
func (a *objectIDAllocator) issuedBound() ObjectID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mu.issued
}

func (a *objectIDAllocator) watermark() ObjectID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mu.next
}

// ObjectIDAllocator issues contiguous ranges of unique object ids. Allocators
// derived with WithOffset share the same watermark, so ranges returned by any
// of them are disjoint before the offset is applied.
type ObjectIDAllocator struct {
	a      *objectIDAllocator
	offset uint64
}

// Allocate returns a half-open range of count fresh ids, shifted by the
// allocator's offset. Concurrent calls never return overlapping ranges. If
// persisting the new watermark fails the error is marked
// ErrBackingStoreUnavailable and no ids are considered allocated.
func (o *ObjectIDAllocator) Allocate(ctx context.Context, count uint32) (IDRange, error) {
	return o.a.allocate(ctx, count, o.offset)
}

// WithOffset returns an allocator sharing o's watermark whose ranges are
// shifted by offset instead of o's offset.
func (o *ObjectIDAllocator) WithOffset(offset uint64) *ObjectIDAllocator {
	return &ObjectIDAllocator{a: o.a, offset: offset}
}

// Offset returns the offset applied to every range.
func (o *ObjectIDAllocator) Offset() uint64 { return o.offset }

// Watermark returns the next unshifted id that will be handed out.
func (o *ObjectIDAllocator) Watermark() ObjectID { return o.a.watermark() }
