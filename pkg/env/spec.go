package env

import (
	"fmt"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/state"
)

// StorageDoc is a "snops/storage/v1" document: the binary/genesis/ledger
// descriptor and its checkpoint retention policy. Genesis/account
// generation fields from the source schema (StorageGeneration,
// GenesisBalances, GenesisCommissions) are out of scope here — see
// DESIGN.md.
type StorageDoc struct {
	ID        string `yaml:"id"`
	Network   string `yaml:"network"`
	Retention string `yaml:"retention"`
}

// ToStorageInfo converts the parsed document to its runtime form.
func (d StorageDoc) ToStorageInfo() (state.StorageInfo, error) {
	id, err := ids.NewStorageId(d.ID)
	if err != nil {
		return state.StorageInfo{}, fmt.Errorf("env: storage id: %w", err)
	}
	network, err := ids.ParseNetworkId(d.Network)
	if err != nil {
		return state.StorageInfo{}, fmt.Errorf("env: storage %s: %w", d.ID, err)
	}
	retention, err := state.ParseRetentionPolicy(d.Retention)
	if err != nil {
		return state.StorageInfo{}, fmt.Errorf("env: storage %s: %w", d.ID, err)
	}
	return state.StorageInfo{ID: id, Network: network, Retention: retention, Version: 1}, nil
}

// ExternalDoc addresses a node the controller does not supervise, by
// whichever of its bft/node/rest endpoints it advertises.
type ExternalDoc struct {
	BFT  string `yaml:"bft"`
	Node string `yaml:"node"`
	Rest string `yaml:"rest"`
}

// NodeReplicaDoc is one node slot in a "snops/nodes/v1" document. Setting
// Replicas > 1 expands it into that many node keys at assignment time;
// setting External marks the slot as unmanaged (never assigned from the
// pool).
type NodeReplicaDoc struct {
	Type           string            `yaml:"type"`
	Key            string            `yaml:"key"`
	Replicas       uint16            `yaml:"replicas"`
	Online         bool              `yaml:"online"`
	Height         string            `yaml:"height"`
	Peers          string            `yaml:"peers"`
	Validators     string            `yaml:"validators"`
	PrivateKey     string            `yaml:"key_source"`
	Labels         []string          `yaml:"labels"`
	Mode           string            `yaml:"mode"`
	BinaryOverride string            `yaml:"binary"`
	EnvVars        map[string]string `yaml:"env"`
	External       *ExternalDoc      `yaml:"external"`
}

// NodesDocument is a "snops/nodes/v1" document's body: the list of node
// slots to assign and project against the pool.
type NodesDocument struct {
	Nodes []NodeReplicaDoc `yaml:"nodes"`
}

// CannonSinkDoc is one broadcast destination in a "snops/cannon/v1"
// document: a file append path, a set of node targets, or both.
type CannonSinkDoc struct {
	File    string `yaml:"file"`
	Targets string `yaml:"targets"`
}

// ComputePolicyDoc selects which agents may serve as compute for a
// cannon's execute stage.
type ComputePolicyDoc struct {
	AnyCompute bool     `yaml:"any_compute"`
	Labels     []string `yaml:"labels"`
}

// CannonDoc is a "snops/cannon/v1" document: authorize source, query
// target, sinks, compute selection, and timeout/attempt policy.
type CannonDoc struct {
	ID                string            `yaml:"id"`
	Authorize         string            `yaml:"authorize"` // "listen" | "realtime" | "playback:<path>"
	Query             string            `yaml:"query"`     // "local" | a node targets pattern
	Sinks             []CannonSinkDoc   `yaml:"sinks"`
	Compute           ComputePolicyDoc  `yaml:"compute"`
	AuthorizeTimeout  int64             `yaml:"authorize_timeout"`
	BroadcastTimeout  int64             `yaml:"broadcast_timeout"`
	AuthorizeAttempts uint32            `yaml:"authorize_attempts"`
	BroadcastAttempts uint32            `yaml:"broadcast_attempts"`
}
