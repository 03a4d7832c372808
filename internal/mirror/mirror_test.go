package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stormfetch/engine/internal/engine/types"
)

func TestSelectPrefersPrimaryWhenEqual(t *testing.T) {
	set := types.NewMirrorSet("https://a.example/f", &types.Mirror{URL: "https://b.example/f", Priority: types.Secondary})
	mgr := New(set)

	idx := mgr.Select(0)
	assert.Equal(t, 0, idx, "Primary has a higher priority boost, so it wins with equal speed/errors/active")
}

func TestMirrorFailoverScenario(t *testing.T) {
	// Scenario 5: M0 (Primary) returns 429 on segment 1; expect reassignment
	// to M1 (Secondary), M0's error counter incremented, active decremented,
	// and M0's score strictly lower than M1's afterward.
	set := types.NewMirrorSet("https://m0.example/f", &types.Mirror{URL: "https://m1.example/f", Priority: types.Secondary})
	mgr := New(set)

	mgr.Select(1) // assigns to M0 (Primary, higher boost)
	assert.Equal(t, int64(1), set.At(0).Active())

	mgr.RecordError(1)
	newIdx := mgr.Reassign(1)

	assert.Equal(t, 1, newIdx)
	assert.Equal(t, int64(1), set.At(0).Errors())
	assert.Equal(t, int64(0), set.At(0).Active())
	assert.Equal(t, int64(1), set.At(1).Active())
	assert.Less(t, score(set.At(0)), score(set.At(1)))
}

func TestScoreMonotonicity(t *testing.T) {
	base := &types.Mirror{URL: "x", Priority: types.Secondary}
	baseScore := score(base)

	withError := &types.Mirror{URL: "x", Priority: types.Secondary}
	withError.RecordError()
	assert.Less(t, score(withError), baseScore)

	withLoad := &types.Mirror{URL: "x", Priority: types.Secondary}
	withLoad.IncActive()
	assert.Less(t, score(withLoad), baseScore)

	withSpeed := &types.Mirror{URL: "x", Priority: types.Secondary}
	withSpeed.SetSpeed(1000)
	assert.Greater(t, score(withSpeed), baseScore)
}

func TestMaxConnectionsExcludesSaturatedSource(t *testing.T) {
	set := types.NewMirrorSet("https://a.example/f", &types.Mirror{URL: "https://b.example/f", Priority: types.Secondary, MaxConnections: 1})
	mgr := New(set)

	mgr.Select(0) // picks Primary (higher boost)
	mgr.Select(1) // Primary still best
	set.At(1).IncActive()
	set.At(1).IncActive() // saturate b.example's 1-connection cap manually past it

	assert.Equal(t, float64(-1), score(set.At(1)))
}
