// Package adaptive decides when and how much to grow the segment count
// from the network monitor's bandwidth-delay-product estimate. Grounded
// in storm-segment/controller.rs.
package adaptive

import (
	"sync"
	"time"

	"github.com/stormfetch/engine/internal/config"
	"github.com/stormfetch/engine/internal/netmon"
	"github.com/stormfetch/engine/internal/segment"
)

// Reason names why an Adjustment was emitted.
type Reason string

const (
	ReasonBDPGrowth Reason = "bdp_growth"
)

// Adjustment is a requested segment-count growth: add Count more segments.
type Adjustment struct {
	Count  int
	Reason Reason
}

// Controller rate-limits itself to once per AdjustmentInterval (default
// 500ms) and refuses growth that would push the per-segment average below
// MinSegmentSize.
type Controller struct {
	mu       sync.Mutex
	lastEval time.Time

	interval       time.Duration
	maxGrowPerStep int
	minSegmentSize int64
}

func New(rc *config.RuntimeConfig) *Controller {
	return &Controller{
		interval:       rc.GetAdjustmentInterval(),
		maxGrowPerStep: rc.GetMaxGrowPerStep(),
		minSegmentSize: rc.GetMinSegmentSize(),
	}
}

// Evaluate computes a target segment count from the monitor's BDP and
// current segment count, and returns a non-nil Adjustment when growth is
// due. Call this on a timer; it self-throttles to one decision per
// AdjustmentInterval, returning nil otherwise.
func (c *Controller) Evaluate(mon *netmon.Monitor, segMgr *segment.Manager, fileSize int64) *Adjustment {
	c.mu.Lock()
	now := time.Now()
	if now.Sub(c.lastEval) < c.interval {
		c.mu.Unlock()
		return nil
	}
	c.lastEval = now
	c.mu.Unlock()

	target := mon.OptimalSegmentCount(fileSize)
	current := segMgr.Count()
	if target <= current {
		return nil
	}

	grow := target - current
	if grow > c.maxGrowPerStep {
		grow = c.maxGrowPerStep
	}

	// Refuse if the resulting per-segment average would fall below
	// minSegmentSize.
	projectedCount := current + grow
	if projectedCount <= 0 || fileSize/int64(projectedCount) < c.minSegmentSize {
		return nil
	}

	return &Adjustment{Count: grow, Reason: ReasonBDPGrowth}
}
