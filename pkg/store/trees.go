package store

import (
	"fmt"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/state"
	"github.com/cuemby/snops/pkg/wire"
)

const schemaVersion uint8 = 1

// Trees bundles the four logical trees every process opens: agents, envs,
// storage descriptors, and the tx_* family keyed by (env, cannon, tx).
type Trees struct {
	Agents     *Tree[state.Agent]
	Envs       *Tree[state.Environment]
	Storage    *Tree[state.StorageInfo]
	TxIndex    *Tree[uint64]
	TxStatus   *Tree[state.TrackerStatus]
	TxAttempts *Tree[uint32]
	TxAuths    *Tree[[]byte]
	TxBlobs    *Tree[[]byte]
}

func putUint64(w *wire.Writer, v uint64) (int, error) { return w.PutUint64(v) }
func getUint64(r *wire.Reader) (uint64, error)        { return r.GetUint64() }
func putUint32Value(w *wire.Writer, v uint32) (int, error) { return w.PutUint32(v) }
func getUint32Value(r *wire.Reader) (uint32, error)         { return r.GetUint32() }
func putByteSlice(w *wire.Writer, b []byte) (int, error) { return w.PutBytes(b) }
func getByteSlice(r *wire.Reader) ([]byte, error)        { return r.GetBytes() }

func agentEncode(w *wire.Writer, a state.Agent) (int, error)                 { return a.WriteTo(w) }
func envEncode(w *wire.Writer, e state.Environment) (int, error)             { return e.WriteTo(w) }
func storageEncode(w *wire.Writer, s state.StorageInfo) (int, error)         { return s.WriteTo(w) }
func trackerStatusEncode(w *wire.Writer, s state.TrackerStatus) (int, error) { return s.WriteTo(w) }

// OpenTrees opens every logical tree against db.
func OpenTrees(db *DB) (*Trees, error) {
	agents, err := NewTree(db, "agents", Wire[state.Agent]("Agent", schemaVersion, agentEncode, state.ReadAgent))
	if err != nil {
		return nil, err
	}
	envs, err := NewTree(db, "envs", Wire[state.Environment]("Environment", schemaVersion, envEncode, state.ReadEnvironment))
	if err != nil {
		return nil, err
	}
	storage, err := NewTree(db, "storage", Wire[state.StorageInfo]("StorageInfo", schemaVersion, storageEncode, state.ReadStorageInfo))
	if err != nil {
		return nil, err
	}
	txIndex, err := NewTree(db, "tx_index", Wire[uint64]("TxIndex", schemaVersion, putUint64, getUint64))
	if err != nil {
		return nil, err
	}
	txStatus, err := NewTree(db, "tx_status", Wire[state.TrackerStatus]("TrackerStatus", schemaVersion, trackerStatusEncode, state.ReadTrackerStatus))
	if err != nil {
		return nil, err
	}
	txAttempts, err := NewTree(db, "tx_attempts", Wire[uint32]("TxAttempts", schemaVersion, putUint32Value, getUint32Value))
	if err != nil {
		return nil, err
	}
	txAuths, err := NewTree(db, "tx_auths", Wire[[]byte]("TxAuths", schemaVersion, putByteSlice, getByteSlice))
	if err != nil {
		return nil, err
	}
	txBlobs, err := NewTree(db, "tx_blobs", Wire[[]byte]("TxBlobs", schemaVersion, putByteSlice, getByteSlice))
	if err != nil {
		return nil, err
	}

	return &Trees{
		Agents:     agents,
		Envs:       envs,
		Storage:    storage,
		TxIndex:    txIndex,
		TxStatus:   txStatus,
		TxAttempts: txAttempts,
		TxAuths:    txAuths,
		TxBlobs:    txBlobs,
	}, nil
}

// TxKey renders the (env, cannon, tx) triple used to key every tx_* tree,
// as a sortable byte string so ScanPrefix(EnvCannonPrefix(env, cannon))
// recovers a cannon's full tracker, ordered by transaction id (insertion
// order is kept in the tx_index tree).
func TxKey(k state.TrackerKey) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s", k.Env.String(), k.Cannon.String(), string(k.Tx)))
}

// EnvCannonPrefix is the shared key prefix for every tx belonging to one
// cannon, for ScanPrefix/DeletePrefix.
func EnvCannonPrefix(env ids.EnvId, cannon ids.CannonId) []byte {
	return []byte(fmt.Sprintf("%s/%s/", env.String(), cannon.String()))
}

// EnvPrefix is the shared key prefix for every tx in one environment.
func EnvPrefix(env ids.EnvId) []byte {
	return []byte(env.String() + "/")
}

// AgentKey renders the byte key an agent record is stored under.
func AgentKey(id ids.AgentId) []byte { return []byte(id.String()) }

// EnvKey renders the byte key an environment record is stored under.
func EnvKey(id ids.EnvId) []byte { return []byte(id.String()) }

// StorageKey renders the byte key a storage descriptor is stored under.
func StorageKey(id ids.StorageId) []byte { return []byte(id.String()) }
