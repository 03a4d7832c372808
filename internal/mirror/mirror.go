// Package mirror implements the multi-source manager: per-source stats,
// scoring, and reassignment. Grounded in
// storm-core/mirror.rs's MirrorSet.best_mirror() and
// storm-segment/multi_source.rs's reassignment policy.
package mirror

import (
	"sync"

	"github.com/stormfetch/engine/internal/engine/types"
)

const epsilon = 1e-6

// Manager owns the segment -> source_index assignment for one Transfer
// and scores sources for selection.
type Manager struct {
	set *types.MirrorSet

	mu          sync.Mutex
	assignments map[int]int // segment id -> mirror index
}

func New(set *types.MirrorSet) *Manager {
	return &Manager{set: set, assignments: make(map[int]int)}
}

// score computes:
//
//	score = (speed + ε) × priority_boost × 1/(1 + errors·0.5) × 1/(1 + active·0.1)
//
// A mirror whose MaxConnections is set and already saturated scores -1 so
// it is never selected (storm-core/mirror.rs's max_connections behavior).
func score(m *types.Mirror) float64 {
	if m.MaxConnections > 0 && m.Active() >= int64(m.MaxConnections) {
		return -1
	}
	speedTerm := m.Speed() + epsilon
	boost := m.Priority.PriorityBoost()
	errorPenalty := 1.0 / (1.0 + float64(m.Errors())*0.5)
	loadFactor := 1.0 / (1.0 + float64(m.Active())*0.1)
	return speedTerm * boost * errorPenalty * loadFactor
}

// Select scores every source and returns the index of the argmax,
// assigning it to segmentIdx.
func (mgr *Manager) Select(segmentIdx int) int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	best := mgr.bestIndexLocked(-1)
	mgr.assignments[segmentIdx] = best
	mgr.set.At(best).IncActive()
	return best
}

// Reassign excludes the segment's current source and picks the next best,
// decrementing active on the old source and incrementing on the new one.
func (mgr *Manager) Reassign(segmentIdx int) int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	current, had := mgr.assignments[segmentIdx]
	best := mgr.bestIndexLocked(current)

	if had {
		mgr.set.At(current).DecActive()
	}
	mgr.set.At(best).IncActive()
	mgr.assignments[segmentIdx] = best
	return best
}

// Release decrements the active counter for segmentIdx's assigned source,
// called when a segment completes or is abandoned.
func (mgr *Manager) Release(segmentIdx int) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if idx, ok := mgr.assignments[segmentIdx]; ok {
		mgr.set.At(idx).DecActive()
		delete(mgr.assignments, segmentIdx)
	}
}

// RecordError marks an error on the source currently assigned to
// segmentIdx, or does nothing if unassigned.
func (mgr *Manager) RecordError(segmentIdx int) {
	mgr.mu.Lock()
	idx, ok := mgr.assignments[segmentIdx]
	mgr.mu.Unlock()
	if ok {
		mgr.set.At(idx).RecordError()
	}
}

// RecordBytes attributes n freshly-downloaded bytes and the reporting
// task's current speed to the source assigned to segmentIdx, so score's
// speed term reflects real traffic instead of staying pinned at ε for a
// mirror that degrades without ever erroring.
func (mgr *Manager) RecordBytes(segmentIdx int, n int64, speed float64) {
	mgr.mu.Lock()
	idx, ok := mgr.assignments[segmentIdx]
	mgr.mu.Unlock()
	if !ok {
		return
	}
	m := mgr.set.At(idx)
	m.AddBytes(n)
	m.SetSpeed(speed)
}

func (mgr *Manager) bestIndexLocked(exclude int) int {
	bestIdx := -1
	bestScore := -1.0
	for i := 0; i < mgr.set.Len(); i++ {
		if i == exclude {
			continue
		}
		s := score(mgr.set.At(i))
		if s > bestScore {
			bestScore = s
			bestIdx = i
		}
	}
	if bestIdx == -1 {
		// Every candidate excluded or saturated: fall back to the excluded
		// source rather than returning an invalid index.
		return max(exclude, 0)
	}
	return bestIdx
}

// SourceURL returns the URL currently assigned to segmentIdx.
func (mgr *Manager) SourceURL(segmentIdx int) string {
	mgr.mu.Lock()
	idx, ok := mgr.assignments[segmentIdx]
	mgr.mu.Unlock()
	if !ok {
		return mgr.set.At(0).URL
	}
	return mgr.set.At(idx).URL
}
