// Package types holds the engine's data model: the shapes shared across
// every component rather than owned by any single one (ResourceInfo,
// Segment, Transfer, MirrorSet, WorkItem, Counters).
package types

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/stormfetch/engine/internal/rangeutil"
)

// ResourceInfo is the result of probing a URL.
type ResourceInfo struct {
	URL             string
	TotalSize       int64 // 0 means unknown
	SupportsRange   bool
	ETag            string
	LastModified    string
	ContentType     string
	Filename        string
	NegotiatedProto string // "http/1.1", "h2", "h3"
	ConnectionRTT   int64  // nanoseconds
}

// SegmentStatus is the lifecycle state of a Segment.
type SegmentStatus int

const (
	SegmentPending SegmentStatus = iota
	SegmentActive
	SegmentComplete
	SegmentError
	SegmentSlow
)

func (s SegmentStatus) String() string {
	switch s {
	case SegmentPending:
		return "pending"
	case SegmentActive:
		return "active"
	case SegmentComplete:
		return "complete"
	case SegmentError:
		return "error"
	case SegmentSlow:
		return "slow"
	default:
		return "unknown"
	}
}

// Segment is a contiguous byte range assigned to a single in-flight
// request at a time. Downloaded/Speed are read/written with atomics so
// the progress aggregator can sample them without locking; Status and
// Range mutate under the owning Manager's lock.
type Segment struct {
	ID         int
	Range      rangeutil.ByteRange
	downloaded int64 // atomic
	speedBits  uint64 // atomic, math.Float64bits
	Status     SegmentStatus
	SourceIdx  int // index into the owning MirrorSet
}

func NewSegment(id int, r rangeutil.ByteRange) *Segment {
	return &Segment{ID: id, Range: r, Status: SegmentPending}
}

func (s *Segment) Downloaded() int64 { return atomic.LoadInt64(&s.downloaded) }

func (s *Segment) SetDownloaded(v int64) { atomic.StoreInt64(&s.downloaded, v) }

func (s *Segment) AddDownloaded(delta int64) int64 {
	return atomic.AddInt64(&s.downloaded, delta)
}

func (s *Segment) IsComplete() bool {
	return s.Downloaded() >= s.Range.Len()
}

func (s *Segment) Speed() float64 {
	return math.Float64frombits(atomic.LoadUint64(&s.speedBits))
}

func (s *Segment) SetSpeed(v float64) {
	atomic.StoreUint64(&s.speedBits, math.Float64bits(v))
}

// TransferState is the lifecycle state of a Transfer.
type TransferState int

const (
	Pending TransferState = iota
	Probing
	Downloading
	Paused
	Complete
	Failed
	Cancelled
)

func (s TransferState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Probing:
		return "probing"
	case Downloading:
		return "downloading"
	case Paused:
		return "paused"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MirrorPriority classifies a mirror's precedence in source selection.
type MirrorPriority int

const (
	Primary MirrorPriority = iota
	Secondary
	Fallback
)

// PriorityBoost is the multiplicative weight applied in the mirror score
// formula.
func (p MirrorPriority) PriorityBoost() float64 {
	switch p {
	case Primary:
		return 1.5
	case Fallback:
		return 0.5
	default:
		return 1.0
	}
}

// Mirror is one alternative source serving the same resource.
type Mirror struct {
	URL            string
	Priority       MirrorPriority
	Region         string
	MaxConnections int // 0 == unbounded

	speedBits uint64 // atomic, math.Float64bits, bytes/sec
	errors    int64  // atomic
	active    int64  // atomic
	bytes     int64  // atomic
}

func (m *Mirror) Errors() int64 { return atomic.LoadInt64(&m.errors) }
func (m *Mirror) RecordError()  { atomic.AddInt64(&m.errors, 1) }
func (m *Mirror) Active() int64 { return atomic.LoadInt64(&m.active) }
func (m *Mirror) IncActive()    { atomic.AddInt64(&m.active, 1) }
func (m *Mirror) DecActive() {
	for {
		cur := atomic.LoadInt64(&m.active)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&m.active, cur, cur-1) {
			return
		}
	}
}
func (m *Mirror) AddBytes(n int64) { atomic.AddInt64(&m.bytes, n) }
func (m *Mirror) Bytes() int64     { return atomic.LoadInt64(&m.bytes) }

func (m *Mirror) Speed() float64 {
	return math.Float64frombits(atomic.LoadUint64(&m.speedBits))
}

func (m *Mirror) SetSpeed(v float64) {
	atomic.StoreUint64(&m.speedBits, math.Float64bits(v))
}

// MirrorSet is the ordered list of sources for one Transfer. Index 0 is
// always the original (Primary) URL; the set must be non-empty.
type MirrorSet struct {
	mu      sync.RWMutex
	mirrors []*Mirror
}

// NewMirrorSet builds a set with primary as index 0 and the given
// secondaries/fallbacks appended in order. Panics if primary is empty:
// an empty primary URL is a broken invariant, not a runtime condition to
// recover from.
func NewMirrorSet(primary string, others ...*Mirror) *MirrorSet {
	if primary == "" {
		panic("stormfetch: MirrorSet constructed with empty primary URL")
	}
	ms := &MirrorSet{mirrors: make([]*Mirror, 0, 1+len(others))}
	ms.mirrors = append(ms.mirrors, &Mirror{URL: primary, Priority: Primary})
	ms.mirrors = append(ms.mirrors, others...)
	return ms
}

func (ms *MirrorSet) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.mirrors)
}

func (ms *MirrorSet) At(i int) *Mirror {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.mirrors[i]
}

func (ms *MirrorSet) All() []*Mirror {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([]*Mirror, len(ms.mirrors))
	copy(out, ms.mirrors)
	return out
}

// WorkItem is the atomic unit a worker pulls from the Work Queue: a byte
// range to fetch, attributed to a Segment.
type WorkItem struct {
	Range     rangeutil.ByteRange
	SegmentID int
}

// Counters are the per-Transfer source of truth for progress, read by the
// progress aggregator without needing to walk the segment set.
type Counters struct {
	DownloadedTotal int64 // atomic
}

func (c *Counters) Add(delta int64) int64 {
	return atomic.AddInt64(&c.DownloadedTotal, delta)
}

func (c *Counters) Load() int64 {
	return atomic.LoadInt64(&c.DownloadedTotal)
}
