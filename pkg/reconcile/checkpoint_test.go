package reconcile

import (
	"testing"

	"github.com/cuemby/snops/pkg/state"
	"github.com/stretchr/testify/assert"
)

func candidate(height uint32, timestamp int64) CheckpointCandidate {
	return CheckpointCandidate{Header: state.CheckpointHeader{BlockHeight: height, Timestamp: timestamp}}
}

func TestSelectByHeightPicksHighestAtOrBelow(t *testing.T) {
	r := CheckpointReconciler{}
	candidates := []CheckpointCandidate{candidate(100, 0), candidate(200, 0), candidate(300, 0)}

	got, ok := r.SelectByHeight(candidates, 250)
	assert.True(t, ok)
	assert.EqualValues(t, 200, got.Header.BlockHeight)

	_, ok = r.SelectByHeight(candidates, 50)
	assert.False(t, ok)

	got, ok = r.SelectByHeight(candidates, 300)
	assert.True(t, ok)
	assert.EqualValues(t, 300, got.Header.BlockHeight)
}

func TestSelectBySpanUnlimitedNeverMatches(t *testing.T) {
	r := CheckpointReconciler{}
	candidates := []CheckpointCandidate{candidate(1, 1000)}

	_, ok := r.SelectBySpan(candidates, state.Unlimited(), 2000)
	assert.False(t, ok)
}

func TestSelectBySpanPicksMostRecentBeforeCutoff(t *testing.T) {
	r := CheckpointReconciler{}
	now := int64(1_000_000)
	candidates := []CheckpointCandidate{
		candidate(1, now-3600*25), // > 1 day old
		candidate(2, now-3600*2),  // 2h old, within 1 day
	}

	got, ok := r.SelectBySpan(candidates, state.Days(1), now)
	assert.True(t, ok)
	assert.EqualValues(t, 1, got.Header.BlockHeight)
}

func TestSelectDispatchesOnKind(t *testing.T) {
	r := CheckpointReconciler{}
	candidates := []CheckpointCandidate{candidate(10, 0)}

	_, ok := r.Select(candidates, state.Top(), 0)
	assert.False(t, ok, "Top never selects a checkpoint")

	got, ok := r.Select(candidates, state.Absolute(20), 0)
	assert.True(t, ok)
	assert.EqualValues(t, 10, got.Header.BlockHeight)
}
