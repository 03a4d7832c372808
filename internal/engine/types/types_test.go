package types

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stormfetch/engine/internal/rangeutil"
)

func TestSegmentAtomicCounters(t *testing.T) {
	s := NewSegment(0, rangeutil.ByteRange{Start: 0, End: 100})
	assert.False(t, s.IsComplete())

	s.AddDownloaded(40)
	assert.Equal(t, int64(40), s.Downloaded())
	assert.False(t, s.IsComplete())

	s.SetDownloaded(100)
	assert.True(t, s.IsComplete())

	s.SetSpeed(12.5)
	assert.Equal(t, 12.5, s.Speed())
}

func TestMirrorPriorityBoost(t *testing.T) {
	assert.Equal(t, 1.5, Primary.PriorityBoost())
	assert.Equal(t, 1.0, Secondary.PriorityBoost())
	assert.Equal(t, 0.5, Fallback.PriorityBoost())
}

func TestMirrorActiveCounterNeverGoesNegative(t *testing.T) {
	m := &Mirror{URL: "https://example.com"}
	m.DecActive()
	assert.Equal(t, int64(0), m.Active())

	m.IncActive()
	m.IncActive()
	m.DecActive()
	assert.Equal(t, int64(1), m.Active())
}

func TestNewMirrorSetOrdersPrimaryFirst(t *testing.T) {
	secondary := &Mirror{URL: "https://mirror.example.com", Priority: Secondary}
	ms := NewMirrorSet("https://example.com/file.zip", secondary)

	assert.Equal(t, 2, ms.Len())
	assert.Equal(t, Primary, ms.At(0).Priority)
	assert.Equal(t, "https://example.com/file.zip", ms.At(0).URL)
	assert.Same(t, secondary, ms.At(1))
}

func TestNewMirrorSetPanicsOnEmptyPrimary(t *testing.T) {
	assert.Panics(t, func() { NewMirrorSet("") })
}

func TestCountersAdd(t *testing.T) {
	c := &Counters{}
	c.Add(10)
	c.Add(5)
	assert.Equal(t, int64(15), c.Load())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "downloading", Downloading.String())
	assert.Equal(t, "complete", Complete.String())
	assert.Equal(t, "unknown", TransferState(99).String())
	assert.Equal(t, "active", SegmentActive.String())
	assert.Equal(t, "unknown", SegmentStatus(99).String())
}
