package adaptive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stormfetch/engine/internal/config"
	"github.com/stormfetch/engine/internal/netmon"
	"github.com/stormfetch/engine/internal/segment"
)

func TestEvaluateThrottlesToOnePerInterval(t *testing.T) {
	rc := &config.RuntimeConfig{AdjustmentInterval: 50 * time.Millisecond, MinSegmentSize: 1}
	c := New(rc)
	mon := netmon.New(1)
	mon.RecordRTT(1000)
	mon.RecordBytes(0)
	mon.RecordBytes(100 * 1024 * 1024)

	segMgr := segment.New(1, 32)
	segMgr.Initialize(1024*1024*1024, config.Standard)

	first := c.Evaluate(mon, segMgr, 1024*1024*1024)
	second := c.Evaluate(mon, segMgr, 1024*1024*1024)
	assert.Nil(t, second, "second call within the interval must be throttled")
	_ = first
}

func TestEvaluateCapsGrowthPerStep(t *testing.T) {
	rc := &config.RuntimeConfig{MaxGrowPerStep: 4, MinSegmentSize: 1}
	c := New(rc)
	mon := netmon.New(1)
	mon.RecordRTT(1000)
	mon.RecordBytes(0)
	mon.RecordBytes(1000 * 1024 * 1024)

	segMgr := segment.New(1, 32)
	segMgr.Initialize(2*1024*1024*1024, config.Standard) // starts at 8 segments (Standard bucket above 10MB)

	adj := c.Evaluate(mon, segMgr, 2*1024*1024*1024)
	if adj != nil {
		assert.LessOrEqual(t, adj.Count, 4)
	}
}

func TestEvaluateNoGrowthWhenTargetNotHigher(t *testing.T) {
	rc := &config.RuntimeConfig{MinSegmentSize: 1}
	c := New(rc)
	mon := netmon.New(0) // no samples recorded: BDP undefined -> target 1

	segMgr := segment.New(1, 32)
	segMgr.Initialize(100*1024*1024, config.Standard) // 8 segments already

	adj := c.Evaluate(mon, segMgr, 100*1024*1024)
	assert.Nil(t, adj)
}
