// Package segment implements the segment manager: the ordered,
// index-addressable list of Segments for one Transfer, their state
// transitions, and the split operation that the Adaptive Controller and
// Rebalancer both drive. Grounded in storm-segment/manager.rs and
// storm-segment/splitter.rs.
package segment

import (
	"sync"

	"github.com/stormfetch/engine/internal/config"
	"github.com/stormfetch/engine/internal/engine/types"
	"github.com/stormfetch/engine/internal/rangeutil"
)

// Manager owns the segment set for a single Transfer. All mutation of the
// segment slice (append on split, range truncation) happens under mu;
// per-segment Downloaded/Speed are independently atomic so readers don't
// need the lock for the hot path.
type Manager struct {
	mu             sync.RWMutex
	segments       []*types.Segment
	minSegmentSize int64
	maxSegments    int
}

func New(minSegmentSize int64, maxSegments int) *Manager {
	if minSegmentSize <= 0 {
		minSegmentSize = config.DefaultMinSegmentSize
	}
	if maxSegments <= 0 {
		maxSegments = config.DefaultMaxSegments
	}
	return &Manager{minSegmentSize: minSegmentSize, maxSegments: maxSegments}
}

// Initialize picks the initial segment count for totalSize by the bucket
// rule of the given preset and applies rangeutil.SplitEven.
func (m *Manager) Initialize(totalSize int64, preset config.Preset) []*types.Segment {
	count := preset.InitialSegmentBucket(totalSize)
	ranges := rangeutil.SplitEven(totalSize, count)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.segments = make([]*types.Segment, 0, len(ranges))
	for i, r := range ranges {
		m.segments = append(m.segments, types.NewSegment(i, r))
	}
	return m.segments
}

// Count returns the current number of segments.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.segments)
}

// All returns a snapshot slice of segment pointers. The pointers remain
// live and mutable; only the slice header is copied.
func (m *Manager) All() []*types.Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Segment, len(m.segments))
	copy(out, m.segments)
	return out
}

// Get returns the segment with the given id, or nil.
func (m *Manager) Get(id int) *types.Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.segments {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Update records downloaded bytes and EWMA speed for segment id.
func (m *Manager) Update(id int, downloaded int64, speed float64) {
	if s := m.Get(id); s != nil {
		s.SetDownloaded(downloaded)
		s.SetSpeed(speed)
	}
}

// MarkComplete transitions a segment to Complete.
func (m *Manager) MarkComplete(id int) {
	if s := m.Get(id); s != nil {
		s.Status = types.SegmentComplete
	}
}

// MarkError transitions a segment to Error.
func (m *Manager) MarkError(id int) {
	if s := m.Get(id); s != nil {
		s.Status = types.SegmentError
	}
}

// MarkActive transitions a segment to Active.
func (m *Manager) MarkActive(id int) {
	if s := m.Get(id); s != nil {
		s.Status = types.SegmentActive
	}
}

// MarkSlow transitions a segment to Slow (advisory; does not stop fetch).
func (m *Manager) MarkSlow(id int) {
	if s := m.Get(id); s != nil {
		s.Status = types.SegmentSlow
	}
}

// Split creates a new Segment covering the second half of id's remaining
// range ([start+downloaded, end)), truncating the parent's range.End to
// the split point. Returns (nil, false) when refused: segment count at
// max, or remaining < 2*minSegmentSize.
func (m *Manager) Split(id int) (*types.Segment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.segments) >= m.maxSegments {
		return nil, false
	}

	var parent *types.Segment
	for _, s := range m.segments {
		if s.ID == id {
			parent = s
			break
		}
	}
	if parent == nil {
		return nil, false
	}

	remainingStart := parent.Range.Start + parent.Downloaded()
	remaining := rangeutil.ByteRange{Start: remainingStart, End: parent.Range.End}
	if remaining.Len() < 2*m.minSegmentSize {
		return nil, false
	}

	splitPoint := remainingStart + remaining.Midpoint()
	newParentRange := rangeutil.ByteRange{Start: parent.Range.Start, End: splitPoint}
	childRange := rangeutil.ByteRange{Start: splitPoint, End: parent.Range.End}

	parent.Range = newParentRange

	child := types.NewSegment(len(m.segments), childRange)
	child.SourceIdx = parent.SourceIdx
	m.segments = append(m.segments, child)

	return child, true
}

// AllComplete reports whether every segment has reached Complete.
func (m *Manager) AllComplete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.segments {
		if s.Status != types.SegmentComplete {
			return false
		}
	}
	return len(m.segments) > 0
}

// TotalDownloaded sums Downloaded() across all segments.
func (m *Manager) TotalDownloaded() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, s := range m.segments {
		total += s.Downloaded()
	}
	return total
}
