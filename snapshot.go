// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"cmp"

	"github.com/cockroachdb/swiss"
)

// Snapshot is a read epoch. A pinned snapshot guarantees that every file
// visible as of its epoch stays retrievable until it is unpinned.
type Snapshot struct {
	CommittedEpoch Epoch `json:"committed_epoch"`
}

// pinTable records, per context, how many times each value (a version id or
// an epoch) has been pinned. It is not safe for concurrent use; the version
// set guards it with its mutex.
type pinTable[T cmp.Ordered] struct {
	byContext swiss.Map[ContextID, map[T]int]
}

func (p *pinTable[T]) init() {
	p.byContext.Init(16)
}

func (p *pinTable[T]) pin(id ContextID, v T) {
	m, ok := p.byContext.Get(id)
	if !ok {
		m = make(map[T]int)
		p.byContext.Put(id, m)
	}
	m[v]++
}

// unpinBefore releases every pin held by the context on values strictly less
// than v. It returns the number of distinct values released.
func (p *pinTable[T]) unpinBefore(id ContextID, v T) int {
	m, ok := p.byContext.Get(id)
	if !ok {
		return 0
	}
	n := 0
	for k := range m {
		if k < v {
			delete(m, k)
			n++
		}
	}
	if len(m) == 0 {
		p.byContext.Delete(id)
	}
	return n
}

// unpinAll releases every pin held by the context.
func (p *pinTable[T]) unpinAll(id ContextID) int {
	m, ok := p.byContext.Get(id)
	if !ok {
		return 0
	}
	p.byContext.Delete(id)
	return len(m)
}

// min returns the smallest pinned value across all contexts.
func (p *pinTable[T]) min() (T, bool) {
	var res T
	found := false
	p.byContext.All(func(_ ContextID, m map[T]int) bool {
		for k := range m {
			if !found || k < res {
				res, found = k, true
			}
		}
		return true
	})
	return res, found
}

// contains returns true if any context pins v.
func (p *pinTable[T]) contains(v T) bool {
	found := false
	p.byContext.All(func(_ ContextID, m map[T]int) bool {
		_, found = m[v]
		return !found
	})
	return found
}

// numContexts returns the number of contexts holding at least one pin.
func (p *pinTable[T]) numContexts() int { return p.byContext.Len() }
