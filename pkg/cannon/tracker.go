// Package cannon implements the per-environment transaction pipeline:
// authorize, execute, and broadcast stages driven off a durably persisted
// tracker, a FIFO compute-agent dispatch queue, and a bundled local query
// service. Grounded on
// original_source/crates/controlplane/src/cannon/tracker.rs (the
// write-before-side-effect persistence shape) and spec.md §4.10.
package cannon

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/cuemby/snops/pkg/apierr"
	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/state"
	"github.com/cuemby/snops/pkg/store"
)

// Tracker is a typed view over the tx_* tree family for one controller,
// mirroring TransactionTracker's per-field write methods so every stage
// transition is durable before the side effect it authorizes.
type Tracker struct {
	trees *store.Trees
}

func NewTracker(trees *store.Trees) *Tracker {
	return &Tracker{trees: trees}
}

// WriteIndex records key's insertion order, read back by ScanPending to
// replay pending work in the original order on startup.
func (t *Tracker) WriteIndex(key state.TrackerKey, index uint64) error {
	if err := t.trees.TxIndex.Save(store.TxKey(key), index); err != nil {
		return apierr.Internal("cannon", fmt.Errorf("write index for %s: %w", key.Tx, err))
	}
	return nil
}

// WriteStatus durably records key's new stage, to be called before
// attempting the side effect that stage implies.
func (t *Tracker) WriteStatus(key state.TrackerKey, status state.TrackerStatus) error {
	if err := t.trees.TxStatus.Save(store.TxKey(key), status); err != nil {
		return apierr.Internal("cannon", fmt.Errorf("write status for %s: %w", key.Tx, err))
	}
	return nil
}

// WriteAuth persists key's authorization blob.
func (t *Tracker) WriteAuth(key state.TrackerKey, auth []byte) error {
	if err := t.trees.TxAuths.Save(store.TxKey(key), auth); err != nil {
		return apierr.Internal("cannon", fmt.Errorf("write auth for %s: %w", key.Tx, err))
	}
	return nil
}

// WriteTx persists key's transaction blob.
func (t *Tracker) WriteTx(key state.TrackerKey, tx []byte) error {
	if err := t.trees.TxBlobs.Save(store.TxKey(key), tx); err != nil {
		return apierr.Internal("cannon", fmt.Errorf("write tx for %s: %w", key.Tx, err))
	}
	return nil
}

// IncAttempts increments and returns key's attempt counter.
func (t *Tracker) IncAttempts(key state.TrackerKey) (uint32, error) {
	prev, _, err := t.trees.TxAttempts.Restore(store.TxKey(key))
	if err != nil {
		return 0, apierr.Internal("cannon", fmt.Errorf("read attempts for %s: %w", key.Tx, err))
	}
	next := prev + 1
	if err := t.trees.TxAttempts.Save(store.TxKey(key), next); err != nil {
		return 0, apierr.Internal("cannon", fmt.Errorf("write attempts for %s: %w", key.Tx, err))
	}
	return next, nil
}

// GetAttempts reads key's current attempt counter (0 if never attempted).
func (t *Tracker) GetAttempts(key state.TrackerKey) (uint32, error) {
	n, _, err := t.trees.TxAttempts.Restore(store.TxKey(key))
	if err != nil {
		return 0, apierr.Internal("cannon", fmt.Errorf("read attempts for %s: %w", key.Tx, err))
	}
	return n, nil
}

// ClearAttempts resets key's attempt counter, called once a stage finally
// succeeds so the next stage starts its own timeout budget fresh.
func (t *Tracker) ClearAttempts(key state.TrackerKey) error {
	if _, err := t.trees.TxAttempts.Delete(store.TxKey(key)); err != nil {
		return apierr.Internal("cannon", fmt.Errorf("clear attempts for %s: %w", key.Tx, err))
	}
	return nil
}

// Write is the all-in-one insert used when a new transaction first enters
// the tracker: index, status, and authorization are all persisted before
// Submit returns, so a crash between them can never leave a half-recorded
// entry for ScanPending to trip over.
func (t *Tracker) Write(key state.TrackerKey, index uint64, auth []byte) error {
	if err := t.WriteAuth(key, auth); err != nil {
		return err
	}
	if err := t.WriteStatus(key, state.Authorized()); err != nil {
		return err
	}
	return t.WriteIndex(key, index)
}

// Load reassembles key's full TrackerEntry from the tx_* trees.
func (t *Tracker) Load(key state.TrackerKey) (state.TrackerEntry, bool, error) {
	k := store.TxKey(key)
	index, ok, err := t.trees.TxIndex.Restore(k)
	if err != nil {
		return state.TrackerEntry{}, false, apierr.Internal("cannon", err)
	}
	if !ok {
		return state.TrackerEntry{}, false, nil
	}
	status, _, err := t.trees.TxStatus.Restore(k)
	if err != nil {
		return state.TrackerEntry{}, false, apierr.Internal("cannon", err)
	}
	attempts, _, err := t.trees.TxAttempts.Restore(k)
	if err != nil {
		return state.TrackerEntry{}, false, apierr.Internal("cannon", err)
	}
	auth, _, err := t.trees.TxAuths.Restore(k)
	if err != nil {
		return state.TrackerEntry{}, false, apierr.Internal("cannon", err)
	}
	tx, _, err := t.trees.TxBlobs.Restore(k)
	if err != nil {
		return state.TrackerEntry{}, false, apierr.Internal("cannon", err)
	}
	return state.TrackerEntry{Index: index, Authorization: auth, Transaction: tx, Status: status, Attempts: attempts}, true, nil
}

// Delete removes every trace of key from the tx_* trees.
func (t *Tracker) Delete(key state.TrackerKey) error {
	k := store.TxKey(key)
	if _, err := t.trees.TxIndex.Delete(k); err != nil {
		return apierr.Internal("cannon", fmt.Errorf("delete index for %s: %w", key.Tx, err))
	}
	if _, err := t.trees.TxAttempts.Delete(k); err != nil {
		return apierr.Internal("cannon", fmt.Errorf("delete attempts for %s: %w", key.Tx, err))
	}
	if _, err := t.trees.TxStatus.Delete(k); err != nil {
		return apierr.Internal("cannon", fmt.Errorf("delete status for %s: %w", key.Tx, err))
	}
	if _, err := t.trees.TxAuths.Delete(k); err != nil {
		return apierr.Internal("cannon", fmt.Errorf("delete auth for %s: %w", key.Tx, err))
	}
	if _, err := t.trees.TxBlobs.Delete(k); err != nil {
		return apierr.Internal("cannon", fmt.Errorf("delete tx for %s: %w", key.Tx, err))
	}
	return nil
}

// pendingEntry pairs a tracker key with the index used to order ScanPending's
// result, since EnvCannonPrefix's key layout sorts by transaction id, not by
// insertion order.
type pendingEntry struct {
	key   state.TrackerKey
	index uint64
}

// ScanPending returns every tracker key belonging to (env, cannon) whose
// current status kind is one of want, ordered by insertion index ascending
// — the order the controller replays pending work on startup. Passing no
// kinds returns every entry regardless of status.
func (t *Tracker) ScanPending(env ids.EnvId, cannon ids.CannonId, want ...state.TrackerStatusKind) ([]state.TrackerKey, error) {
	prefix := store.EnvCannonPrefix(env, cannon)
	entries, err := t.trees.TxIndex.ScanPrefix(prefix)
	if err != nil {
		return nil, apierr.Internal("cannon", fmt.Errorf("scan tracker for %s/%s: %w", env, cannon, err))
	}

	matches := func(kind state.TrackerStatusKind) bool {
		if len(want) == 0 {
			return true
		}
		for _, k := range want {
			if k == kind {
				return true
			}
		}
		return false
	}

	pending := make([]pendingEntry, 0, len(entries))
	for _, e := range entries {
		tx, ok := trailingSegment(e.Key, prefix)
		if !ok {
			continue
		}
		key := state.TrackerKey{Env: env, Cannon: cannon, Tx: ids.TransactionId(tx)}
		status, _, err := t.trees.TxStatus.Restore(e.Key)
		if err != nil {
			return nil, apierr.Internal("cannon", fmt.Errorf("read status for %s: %w", tx, err))
		}
		if !matches(status.Kind) {
			continue
		}
		pending = append(pending, pendingEntry{key: key, index: e.Value})
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].index < pending[j].index })

	out := make([]state.TrackerKey, len(pending))
	for i, p := range pending {
		out[i] = p.key
	}
	return out, nil
}

func trailingSegment(key, prefix []byte) (string, bool) {
	if !bytes.HasPrefix(key, prefix) {
		return "", false
	}
	return string(key[len(prefix):]), true
}
