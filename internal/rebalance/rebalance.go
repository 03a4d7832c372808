// Package rebalance detects slow active segments and splits them,
// producing split requests the worker pool applies on the periodic
// balancer tick (worker.Pool.Rebalance).
package rebalance

import (
	"math"

	"github.com/stormfetch/engine/internal/config"
	"github.com/stormfetch/engine/internal/engine/types"
	"github.com/stormfetch/engine/internal/netmon"
	"github.com/stormfetch/engine/internal/segment"
)

// SplitResult is one successful split during a rebalance pass: the new
// segment's id and the WorkItem to enqueue for it.
type SplitResult struct {
	ParentSegmentID int
	NewSegmentID    int
	Work            types.WorkItem
	OldCount        int
	NewCount        int
}

// Rebalancer periodically inspects active segments for one Transfer.
type Rebalancer struct {
	slowThresholdPct float64
	minSegmentSize   int64
}

func New(rc *config.RuntimeConfig) *Rebalancer {
	return &Rebalancer{
		slowThresholdPct: rc.GetSlowThresholdPct(),
		minSegmentSize:   rc.GetMinSegmentSize(),
	}
}

// Pass computes avg_speed over Active segments with non-zero speed, then
// splits any Active segment whose speed falls below the (optionally
// BDP-scaled) threshold, stopping once maxSegments is reached. Returns one
// SplitResult per successful split.
func (rb *Rebalancer) Pass(segMgr *segment.Manager, mon *netmon.Monitor, maxSegments int) []SplitResult {
	segs := segMgr.All()

	var sumSpeed float64
	var activeCount int
	for _, s := range segs {
		if s.Status == types.SegmentActive && s.Speed() > 0 {
			sumSpeed += s.Speed()
			activeCount++
		}
	}
	if activeCount == 0 {
		return nil
	}
	avgSpeed := sumSpeed / float64(activeCount)

	threshold := avgSpeed * rb.slowThresholdPct
	if bdp := mon.BDP(); bdp > 0 {
		scale := rb.slowThresholdPct * math.Sqrt(bdp/float64(mon.TCPWindow()))
		if scale > 0.5 {
			scale = 0.5
		}
		threshold = avgSpeed * scale
	}

	var results []SplitResult
	for _, s := range segs {
		if segMgr.Count() >= maxSegments {
			break
		}
		if s.Status != types.SegmentActive || s.Speed() <= 0 {
			continue
		}
		remaining := s.Range.Len() - s.Downloaded()
		if s.Speed() >= threshold || remaining < 2*rb.minSegmentSize {
			continue
		}

		oldCount := segMgr.Count()
		child, ok := segMgr.Split(s.ID)
		if !ok {
			continue
		}
		segMgr.MarkSlow(s.ID)

		results = append(results, SplitResult{
			ParentSegmentID: s.ID,
			NewSegmentID:    child.ID,
			Work:            types.WorkItem{Range: child.Range, SegmentID: child.ID},
			OldCount:        oldCount,
			NewCount:        segMgr.Count(),
		})
	}
	return results
}
