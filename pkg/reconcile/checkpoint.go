package reconcile

import (
	"sort"

	"github.com/cuemby/snops/pkg/state"
)

// CheckpointCandidate is one checkpoint available to restore from, either
// locally on disk (ManagerPath set) or advertised by the controller
// (ManagerPath empty, fetched on demand by the caller).
type CheckpointCandidate struct {
	Header      state.CheckpointHeader
	ManagerPath string // non-empty iff this candidate already exists locally
}

// CheckpointReconciler selects which checkpoint (if any) satisfies a
// node's configured HeightRequest, mirroring
// original_source/crates/agent/src/reconcile/checkpoint.rs's
// find_by_height/find_by_span: both search by walking candidates sorted
// descending and taking the first at-or-below the target.
type CheckpointReconciler struct{}

// SelectByHeight returns the highest-height candidate at or below height.
func (CheckpointReconciler) SelectByHeight(candidates []CheckpointCandidate, height uint32) (CheckpointCandidate, bool) {
	sorted := append([]CheckpointCandidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Header.BlockHeight > sorted[j].Header.BlockHeight })
	for _, c := range sorted {
		if c.Header.BlockHeight <= height {
			return c, true
		}
	}
	return CheckpointCandidate{}, false
}

// SelectBySpan returns the most recent candidate at or before the instant
// span resolves to (e.g. "one day ago"); Unlimited never matches,
// matching RetentionSpan.AsDuration's "keep everything" semantics.
func (CheckpointReconciler) SelectBySpan(candidates []CheckpointCandidate, span state.RetentionSpan, nowUnix int64) (CheckpointCandidate, bool) {
	minutes, ok := span.AsDuration()
	if !ok {
		return CheckpointCandidate{}, false
	}
	cutoff := nowUnix - minutes*60

	sorted := append([]CheckpointCandidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Header.Timestamp > sorted[j].Header.Timestamp })
	for _, c := range sorted {
		if int64(c.Header.Timestamp) <= cutoff {
			return c, true
		}
	}
	return CheckpointCandidate{}, false
}

// Select dispatches on the node's configured HeightRequest kind.
func (r CheckpointReconciler) Select(candidates []CheckpointCandidate, req state.HeightRequest, nowUnix int64) (CheckpointCandidate, bool) {
	switch req.Kind {
	case state.HeightTop:
		return CheckpointCandidate{}, false
	case state.HeightAbsolute:
		return r.SelectByHeight(candidates, req.Absolute)
	case state.HeightCheckpoint:
		return r.SelectBySpan(candidates, req.Checkpoint, nowUnix)
	default:
		return CheckpointCandidate{}, false
	}
}
