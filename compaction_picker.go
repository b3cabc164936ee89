// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"cmp"
	"slices"
	"sync"

	"github.com/cockroachdb/lsmmeta/internal/manifest"
)

// pickContext is the input to a selector: a version, the group to pick from,
// and the group's current reservations.
type pickContext struct {
	v     *manifest.Version
	group GroupID
	stats *manifest.GroupStats
	opts  *CompactionOptions
	// reserved reports whether a file is an input of an in-flight task.
	reserved func(ObjectID) bool
	// outputConflict reports whether an in-flight task will write outputs
	// overlapping r into the level.
	outputConflict func(level int, r manifest.KeyRange) bool
}

// pickedCompaction is the result of a successful pick.
type pickedCompaction struct {
	inputs      []InputLevel
	targetLevel int
	// outputRange covers every input, and therefore every output.
	outputRange manifest.KeyRange
}

func (p *pickedCompaction) objectIDs() []ObjectID {
	var ids []ObjectID
	for _, in := range p.inputs {
		for _, f := range in.Files {
			ids = append(ids, f.ObjectID)
		}
	}
	return ids
}

// CompactionSelector chooses the inputs of tasks of a single type.
type CompactionSelector interface {
	// TaskType returns the type of task the selector builds.
	TaskType() TaskType
	// Score rates how urgently the group needs a task of this type. Scores
	// below 1 mean no task is needed.
	Score(pc *pickContext) float64
	// Pick chooses inputs among files that are not reserved, or returns nil
	// if no eligible inputs exist.
	Pick(pc *pickContext) *pickedCompaction
}

// taskTypePriority orders candidates across task types. Candidates of equal
// priority are ordered by score.
var taskTypePriority = map[TaskType]int{
	TaskTypeManual:       100,
	TaskTypeDynamic:      80,
	TaskTypeSpaceReclaim: 60,
	TaskTypeTombstone:    50,
}

// expandToNextLevel adds the files of the next level overlapping the inputs
// taken from level. It returns nil if any of those files is reserved or if
// an in-flight task writes overlapping outputs into the next level.
func expandToNextLevel(pc *pickContext, level int, files []*manifest.SSTableInfo) *pickedCompaction {
	r := files[0].KeyRange
	for _, f := range files[1:] {
		r = r.Union(f.KeyRange)
	}
	if pc.outputConflict(level+1, r) {
		return nil
	}
	g := pc.v.Group(pc.group)
	next := g.Levels[level+1].Overlaps(r)
	for _, f := range next {
		if pc.reserved(f.ObjectID) {
			return nil
		}
		r = r.Union(f.KeyRange)
	}
	p := &pickedCompaction{
		inputs:      []InputLevel{{Level: level, Files: files}},
		targetLevel: level + 1,
		outputRange: r,
	}
	if len(next) > 0 {
		p.inputs = append(p.inputs, InputLevel{Level: level + 1, Files: next})
	}
	return p
}

// inPlace builds a compaction that rewrites files within their level.
func inPlace(pc *pickContext, level int, files []*manifest.SSTableInfo) *pickedCompaction {
	r := files[0].KeyRange
	for _, f := range files[1:] {
		r = r.Union(f.KeyRange)
	}
	if pc.outputConflict(level, r) {
		return nil
	}
	return &pickedCompaction{
		inputs:      []InputLevel{{Level: level, Files: files}},
		targetLevel: level,
		outputRange: r,
	}
}

// dynamicSelector keeps L0 small and every other level within its target
// size.
type dynamicSelector struct{}

var _ CompactionSelector = dynamicSelector{}

func (dynamicSelector) TaskType() TaskType { return TaskTypeDynamic }

func (dynamicSelector) levelScores(pc *pickContext) [manifest.NumLevels]float64 {
	var scores [manifest.NumLevels]float64
	scores[0] = float64(pc.stats.Levels[0].NumFiles) / float64(pc.opts.L0CompactionThreshold)
	// The bottom level has no level to compact into.
	for level := 1; level < manifest.NumLevels-1; level++ {
		scores[level] = float64(pc.stats.Levels[level].Size) / float64(pc.opts.levelMaxBytes(level))
	}
	return scores
}

func (s dynamicSelector) Score(pc *pickContext) float64 {
	scores := s.levelScores(pc)
	return slices.Max(scores[:])
}

func (s dynamicSelector) Pick(pc *pickContext) *pickedCompaction {
	scores := s.levelScores(pc)
	levels := make([]int, 0, manifest.NumLevels)
	for level, score := range scores {
		if score >= 1 {
			levels = append(levels, level)
		}
	}
	slices.SortStableFunc(levels, func(a, b int) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		}
		return 0
	})
	for _, level := range levels {
		var p *pickedCompaction
		if level == 0 {
			p = s.pickL0(pc)
		} else {
			p = s.pickLevel(pc, level)
		}
		if p != nil {
			return p
		}
	}
	return nil
}

// pickL0 compacts the oldest L0 files into L1. Only one L0 compaction may
// run per group: newer L0 data must never land below older L0 data.
func (dynamicSelector) pickL0(pc *pickContext) *pickedCompaction {
	l0 := pc.v.Group(pc.group).Levels[0].Files
	var files []*manifest.SSTableInfo
	var size uint64
	for _, f := range l0 {
		if pc.reserved(f.ObjectID) {
			return nil
		}
		if len(files) > 0 && size+f.FileSize > pc.opts.MaxInputBytes {
			break
		}
		files = append(files, f)
		size += f.FileSize
	}
	if len(files) == 0 {
		return nil
	}
	return expandToNextLevel(pc, 0, files)
}

// pickLevel compacts the oldest eligible file of the level into the next
// level.
func (dynamicSelector) pickLevel(pc *pickContext, level int) *pickedCompaction {
	files := slices.Clone(pc.v.Group(pc.group).Levels[level].Files)
	slices.SortFunc(files, func(a, b *manifest.SSTableInfo) int {
		return cmp.Compare(a.ObjectID, b.ObjectID)
	})
	for _, f := range files {
		if pc.reserved(f.ObjectID) || pc.outputConflict(level, f.KeyRange) {
			continue
		}
		p := expandToNextLevel(pc, level, []*manifest.SSTableInfo{f})
		if p == nil {
			continue
		}
		var size uint64
		for _, in := range p.inputs {
			for _, f := range in.Files {
				size += f.FileSize
			}
		}
		if size > pc.opts.MaxInputBytes && len(p.inputs) > 1 {
			continue
		}
		return p
	}
	return nil
}

// spaceReclaimSelector purges files that only hold data of tables the
// version no longer tracks. Workers emit no output for such files.
type spaceReclaimSelector struct{}

var _ CompactionSelector = spaceReclaimSelector{}

func (spaceReclaimSelector) TaskType() TaskType { return TaskTypeSpaceReclaim }

func (spaceReclaimSelector) Score(pc *pickContext) float64 {
	if pc.stats.DroppedFiles == 0 {
		return 0
	}
	size := pc.stats.Size()
	if size == 0 {
		return 1
	}
	return 1 + float64(pc.stats.DroppedBytes)/float64(size)
}

// Pick takes dropped files from the level holding the most dropped bytes.
func (spaceReclaimSelector) Pick(pc *pickContext) *pickedCompaction {
	g := pc.v.Group(pc.group)
	var best []*manifest.SSTableInfo
	var bestSize uint64
	bestLevel := -1
	for level := range g.Levels {
		var files []*manifest.SSTableInfo
		var size uint64
		for _, f := range g.Levels[level].Files {
			if pc.reserved(f.ObjectID) || !pc.v.IsDropped(f) {
				continue
			}
			if len(files) > 0 && size+f.FileSize > pc.opts.MaxInputBytes {
				break
			}
			files = append(files, f)
			size += f.FileSize
		}
		if len(files) > 0 && (bestLevel < 0 || size > bestSize) {
			best, bestSize, bestLevel = files, size, level
		}
	}
	if bestLevel < 0 {
		return nil
	}
	return inPlace(pc, bestLevel, best)
}

// tombstoneSelector rewrites the file with the highest stale-key ratio.
type tombstoneSelector struct{}

var _ CompactionSelector = tombstoneSelector{}

func (tombstoneSelector) TaskType() TaskType { return TaskTypeTombstone }

func (tombstoneSelector) Score(pc *pickContext) float64 {
	var score float64
	for level := 1; level < manifest.NumLevels; level++ {
		score = max(score, pc.stats.Levels[level].TombstoneRatio()/pc.opts.TombstoneRatioThreshold)
	}
	return score
}

func (tombstoneSelector) Pick(pc *pickContext) *pickedCompaction {
	type candidate struct {
		level int
		f     *manifest.SSTableInfo
	}
	var cands []candidate
	g := pc.v.Group(pc.group)
	for level := 1; level < manifest.NumLevels; level++ {
		for _, f := range g.Levels[level].Files {
			if f.StaleRatio() >= pc.opts.TombstoneRatioThreshold && !pc.reserved(f.ObjectID) {
				cands = append(cands, candidate{level, f})
			}
		}
	}
	slices.SortStableFunc(cands, func(a, b candidate) int {
		switch ra, rb := a.f.StaleRatio(), b.f.StaleRatio(); {
		case ra > rb:
			return -1
		case ra < rb:
			return 1
		}
		return 0
	})
	for _, c := range cands {
		var p *pickedCompaction
		if c.level == manifest.NumLevels-1 {
			p = inPlace(pc, c.level, []*manifest.SSTableInfo{c.f})
		} else if !pc.outputConflict(c.level, c.f.KeyRange) {
			p = expandToNextLevel(pc, c.level, []*manifest.SSTableInfo{c.f})
		}
		if p != nil {
			return p
		}
	}
	return nil
}

// manualSelector serves queued manual compaction requests, oldest first.
type manualSelector struct {
	mu      sync.Mutex
	pending []ManualCompactionRequest
	logger  Logger
}

var _ CompactionSelector = (*manualSelector)(nil)

func (*manualSelector) TaskType() TaskType { return TaskTypeManual }

func (s *manualSelector) enqueue(req ManualCompactionRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, req)
}

func (s *manualSelector) numPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *manualSelector) Score(pc *pickContext) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.pending {
		if r.GroupID == pc.group {
			return 1
		}
	}
	return 0
}

// Pick serves the oldest request for the group. A request whose files no
// longer exist is discarded; one whose files are reserved waits.
func (s *manualSelector) Pick(pc *pickContext) *pickedCompaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(s.pending); i++ {
		req := s.pending[i]
		if req.GroupID != pc.group {
			continue
		}
		files := s.resolve(pc, req)
		if len(files) == 0 {
			s.logger.Infof("discarding manual compaction of %s L%d: no matching files", req.GroupID, req.Level)
			s.pending = slices.Delete(s.pending, i, i+1)
			i--
			continue
		}
		// An L0 compaction must not run alongside another one in the group,
		// and must take every L0 file older than the ones requested.
		check := files
		if req.Level == 0 {
			l0 := pc.v.Group(pc.group).Levels[0].Files
			last := slices.Index(l0, files[len(files)-1])
			files = l0[:last+1]
			check = l0
		}
		if slices.ContainsFunc(check, func(f *manifest.SSTableInfo) bool { return pc.reserved(f.ObjectID) }) {
			return nil
		}
		if req.Level == manifest.NumLevels-1 {
			return inPlace(pc, req.Level, files)
		}
		return expandToNextLevel(pc, req.Level, files)
	}
	return nil
}

// consume removes the oldest request for the group once a task for it has
// been built.
func (s *manualSelector) consume(group GroupID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.IndexFunc(s.pending, func(r ManualCompactionRequest) bool { return r.GroupID == group }); i >= 0 {
		s.pending = slices.Delete(s.pending, i, i+1)
	}
}

func (s *manualSelector) resolve(pc *pickContext, req ManualCompactionRequest) []*manifest.SSTableInfo {
	g := pc.v.Group(req.GroupID)
	if g == nil || req.Level < 0 || req.Level >= manifest.NumLevels {
		return nil
	}
	var files []*manifest.SSTableInfo
	for _, f := range g.Levels[req.Level].Files {
		switch {
		case len(req.ObjectIDs) > 0:
			if !slices.Contains(req.ObjectIDs, f.ObjectID) {
				continue
			}
		case req.TableID != 0:
			if !f.ContainsTable(req.TableID) {
				continue
			}
		}
		files = append(files, f)
	}
	return files
}
