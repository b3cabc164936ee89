// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"cmp"
	"slices"
	"time"
)

// ObjectMetadata describes an object found in the object store.
type ObjectMetadata struct {
	ID           ObjectID  `json:"id"`
	Size         uint64    `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ObsoleteObjects returns, in id order, the candidates that no retained
// version or in-flight task references and that were last modified more than
// retention ago.
//
// Objects written for an epoch that has not been committed yet are not
// referenced by any version; retention must be long enough to cover the
// time between allocating an id and committing the file. Ids that no
// allocator sharing the coordinator's watermark has handed out are ignored,
// whatever their offset.
func (c *Coordinator) ObsoleteObjects(
	candidates []ObjectMetadata, retention time.Duration, now time.Time,
) []ObjectMetadata {
	bound := c.alloc.a.issuedBound()
	live := c.liveObjects()

	var res []ObjectMetadata
	cutoff := now.Add(-retention)
	for _, o := range candidates {
		if o.ID >= bound || !o.LastModified.Before(cutoff) {
			continue
		}
		if _, ok := live[o.ID]; ok {
			continue
		}
		res = append(res, o)
	}
	slices.SortFunc(res, func(a, b ObjectMetadata) int { return cmp.Compare(a.ID, b.ID) })
	return res
}

// liveObjects returns the objects referenced by a retained version or by the
// inputs of an in-flight task. Both are read under the version set's mutex,
// so a task finishing concurrently cannot hide its inputs from both.
func (c *Coordinator) liveObjects() map[ObjectID]struct{} {
	c.versions.mu.Lock()
	retained := c.versions.retainedVersionsLocked()
	tasks := c.scheduler.inFlightTasks()
	c.versions.mu.Unlock()

	live := make(map[ObjectID]struct{})
	for _, v := range retained {
		v.AllObjects(func(id ObjectID) { live[id] = struct{}{} })
	}
	for _, t := range tasks {
		for _, id := range t.InputObjectIDs() {
			live[id] = struct{}{}
		}
	}
	return live
}
