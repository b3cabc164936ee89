// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import "sync"

// tableStatsTracker accumulates the key and value statistics of each table
// from committed files and compaction reports.
type tableStatsTracker struct {
	mu    sync.Mutex
	stats map[TableID]TableStats
}

func newTableStatsTracker() *tableStatsTracker {
	return &tableStatsTracker{stats: make(map[TableID]TableStats)}
}

func (t *tableStatsTracker) apply(delta map[TableID]TableStats) {
	if len(delta) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, d := range delta {
		s := t.stats[id]
		s.Add(d)
		t.stats[id] = s
	}
}

// drop forgets the statistics of tables that are no longer tracked.
func (t *tableStatsTracker) drop(ids []TableID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.stats, id)
	}
}

func (t *tableStatsTracker) get(id TableID) (TableStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[id]
	return s, ok
}
