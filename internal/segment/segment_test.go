package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stormfetch/engine/internal/config"
	"github.com/stormfetch/engine/internal/engine/types"
	"github.com/stormfetch/engine/internal/rangeutil"
)

func rng(start, end int64) rangeutil.ByteRange {
	return rangeutil.ByteRange{Start: start, End: end}
}

func TestInitializeSmallFileGetsOneSegment(t *testing.T) {
	m := New(1, 32)
	segs := m.Initialize(100, config.Standard)
	// 100 bytes is well under the 1MB bucket threshold, so the bucket rule
	// yields a single segment covering the whole file.
	assert.Len(t, segs, 1)
	assert.Equal(t, int64(100), segs[0].Range.Len())
}

func TestInitializeCoversWholeFileWithoutGapOrOverlap(t *testing.T) {
	m := New(1, 32)
	segs := m.Initialize(50*1024*1024, config.Standard) // 50MB -> 8-segment bucket
	assert.Len(t, segs, 8)

	var prevEnd int64
	for _, s := range segs {
		assert.Equal(t, prevEnd, s.Range.Start)
		prevEnd = s.Range.End
	}
	assert.Equal(t, int64(50*1024*1024), prevEnd)
}

func TestSplitCreatesSecondHalfOfRemaining(t *testing.T) {
	m := New(256, 32)
	m.segments = []*types.Segment{types.NewSegment(0, rng(0, 1000))}
	m.segments[0].SetDownloaded(0)

	child, ok := m.Split(0)
	assert.True(t, ok)
	assert.Equal(t, 1, child.ID)

	parent := m.Get(0)
	assert.Equal(t, int64(500), parent.Range.End)
	assert.Equal(t, int64(500), child.Range.Start)
	assert.Equal(t, int64(1000), child.Range.End)
}

func TestSplitRefusesBelowMinimum(t *testing.T) {
	m := New(1000, 32)
	m.segments = []*types.Segment{types.NewSegment(0, rng(0, 100))}

	_, ok := m.Split(0)
	assert.False(t, ok)
}

func TestSplitRefusesAtMaxSegments(t *testing.T) {
	m := New(1, 1)
	m.segments = []*types.Segment{types.NewSegment(0, rng(0, 1000))}

	_, ok := m.Split(0)
	assert.False(t, ok)
}

func TestAllCompleteRequiresEverySegment(t *testing.T) {
	m := New(1, 32)
	m.segments = []*types.Segment{types.NewSegment(0, rng(0, 10)), types.NewSegment(1, rng(10, 20))}
	assert.False(t, m.AllComplete())

	m.MarkComplete(0)
	assert.False(t, m.AllComplete())
	m.MarkComplete(1)
	assert.True(t, m.AllComplete())
}
