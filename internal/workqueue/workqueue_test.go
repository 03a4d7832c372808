package workqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stormfetch/engine/internal/engine/types"
	"github.com/stormfetch/engine/internal/rangeutil"
)

func item(start, end int64, segID int) types.WorkItem {
	return types.WorkItem{Range: rangeutil.ByteRange{Start: start, End: end}, SegmentID: segID}
}

func TestPushPopFIFO(t *testing.T) {
	q := New()
	q.Push(item(0, 100, 1))
	q.Push(item(100, 200, 2))

	got1, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, 1, got1.SegmentID)

	got2, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, 2, got2.SegmentID)

	assert.Equal(t, 0, q.Len())
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New()
	done := make(chan types.WorkItem, 1)
	go func() {
		v, ok := q.Pop()
		if ok {
			done <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), q.IdleWorkers())

	q.Push(item(0, 10, 7))
	select {
	case v := <-done:
		assert.Equal(t, 7, v.SegmentID)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Push")
	}
}

func TestCloseUnblocksPop(t *testing.T) {
	q := New()
	result := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		result <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Close")
	}
}

func TestDrainRemaining(t *testing.T) {
	q := New()
	q.PushMultiple([]types.WorkItem{item(0, 10, 1), item(10, 20, 2)})

	remaining := q.DrainRemaining()
	assert.Len(t, remaining, 2)
	assert.Equal(t, 0, q.Len())
}

func TestSplitLargestIfNeeded(t *testing.T) {
	q := New()
	q.Push(item(0, 10, 1))      // too small to split
	q.Push(item(0, 1_000_000, 2)) // large enough

	ok := q.SplitLargestIfNeeded(1000)
	assert.True(t, ok)
	assert.Equal(t, 3, q.Len())
}

func TestSplitLargestIfNeededFalseWhenAllSmall(t *testing.T) {
	q := New()
	q.Push(item(0, 100, 1))
	q.Push(item(0, 200, 2))

	assert.False(t, q.SplitLargestIfNeeded(1000))
}
