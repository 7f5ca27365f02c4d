package cannon

import (
	"testing"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/state"
	"github.com/cuemby/snops/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTracker(t *testing.T) *Tracker {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	trees, err := store.OpenTrees(db)
	require.NoError(t, err)
	return NewTracker(trees)
}

func mustKey(t *testing.T, env, cannon string, tx ids.TransactionId) state.TrackerKey {
	t.Helper()
	envID, err := ids.NewEnvId(env)
	require.NoError(t, err)
	cannonID, err := ids.NewCannonId(cannon)
	require.NoError(t, err)
	return state.TrackerKey{Env: envID, Cannon: cannonID, Tx: tx}
}

func TestTrackerWriteAndLoad(t *testing.T) {
	tr := openTracker(t)
	key := mustKey(t, "env-1", "main", "tx-a")

	require.NoError(t, tr.Write(key, 1, []byte(`{"auth":1}`)))

	entry, ok, err := tr.Load(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), entry.Index)
	assert.Equal(t, []byte(`{"auth":1}`), entry.Authorization)
	assert.Equal(t, state.TrackerAuthorized, entry.Status.Kind)
	assert.Zero(t, entry.Attempts)
}

func TestTrackerAttempts(t *testing.T) {
	tr := openTracker(t)
	key := mustKey(t, "env-1", "main", "tx-a")
	require.NoError(t, tr.Write(key, 1, nil))

	n, err := tr.IncAttempts(key)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)

	n, err = tr.IncAttempts(key)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)

	got, err := tr.GetAttempts(key)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got)

	require.NoError(t, tr.ClearAttempts(key))
	got, err = tr.GetAttempts(key)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestTrackerDelete(t *testing.T) {
	tr := openTracker(t)
	key := mustKey(t, "env-1", "main", "tx-a")
	require.NoError(t, tr.Write(key, 1, nil))
	require.NoError(t, tr.Delete(key))

	_, ok, err := tr.Load(key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTrackerScanPendingOrdersByIndexNotKey(t *testing.T) {
	tr := openTracker(t)
	env, err := ids.NewEnvId("env-1")
	require.NoError(t, err)
	cannon, err := ids.NewCannonId("main")
	require.NoError(t, err)

	// Insert in an order where the lexical key order (by tx id) disagrees
	// with insertion index, to prove ScanPending sorts by index.
	zKey := mustKey(t, "env-1", "main", "tx-z")
	aKey := mustKey(t, "env-1", "main", "tx-a")
	mKey := mustKey(t, "env-1", "main", "tx-m")

	require.NoError(t, tr.Write(zKey, 1, nil))
	require.NoError(t, tr.Write(aKey, 2, nil))
	require.NoError(t, tr.Write(mKey, 3, nil))

	keys, err := tr.ScanPending(env, cannon)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, zKey, keys[0])
	assert.Equal(t, aKey, keys[1])
	assert.Equal(t, mKey, keys[2])
}

func TestTrackerScanPendingFiltersByStatus(t *testing.T) {
	tr := openTracker(t)
	env, err := ids.NewEnvId("env-1")
	require.NoError(t, err)
	cannon, err := ids.NewCannonId("main")
	require.NoError(t, err)

	k1 := mustKey(t, "env-1", "main", "tx-1")
	k2 := mustKey(t, "env-1", "main", "tx-2")
	require.NoError(t, tr.Write(k1, 1, nil))
	require.NoError(t, tr.Write(k2, 2, nil))
	require.NoError(t, tr.WriteStatus(k2, state.Unsent()))

	keys, err := tr.ScanPending(env, cannon, state.TrackerUnsent)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, k2, keys[0])
}

func TestTrackerScanPendingScopedToCannon(t *testing.T) {
	tr := openTracker(t)
	env, err := ids.NewEnvId("env-1")
	require.NoError(t, err)
	cannonMain, err := ids.NewCannonId("main")
	require.NoError(t, err)

	inScope := mustKey(t, "env-1", "main", "tx-1")
	outOfScope := mustKey(t, "env-1", "other", "tx-2")
	require.NoError(t, tr.Write(inScope, 1, nil))
	require.NoError(t, tr.Write(outOfScope, 2, nil))

	keys, err := tr.ScanPending(env, cannonMain)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, inScope, keys[0])
}
