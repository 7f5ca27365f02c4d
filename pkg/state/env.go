package state

import (
	"fmt"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/nodekey"
	"github.com/cuemby/snops/pkg/wire"
)

// ExternalNode describes a node the controller knows about but does not
// supervise: reachable via whichever of bft/node/rest addresses it
// advertises.
type ExternalNode struct {
	BFT  *string
	Node *string
	Rest *string
}

func (n ExternalNode) WriteTo(w *wire.Writer) (int, error) {
	total := 0
	for _, f := range []*string{n.BFT, n.Node, n.Rest} {
		m, err := wire.PutOption(w, f, putString)
		total += m
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func ReadExternalNode(r *wire.Reader) (ExternalNode, error) {
	bft, err := wire.GetOption(r, getString)
	if err != nil {
		return ExternalNode{}, err
	}
	node, err := wire.GetOption(r, getString)
	if err != nil {
		return ExternalNode{}, err
	}
	rest, err := wire.GetOption(r, getString)
	if err != nil {
		return ExternalNode{}, err
	}
	return ExternalNode{BFT: bft, Node: node, Rest: rest}, nil
}

// EnvNodeStateKind discriminates EnvNodeState variants.
type EnvNodeStateKind uint8

const (
	EnvNodeInternal EnvNodeStateKind = iota
	EnvNodeExternal
)

// EnvNodeState is the controller's view of one node slot in an
// environment: either internal (assigned to a pool agent) or external
// (addressed directly, never assigned).
type EnvNodeState struct {
	Kind     EnvNodeStateKind
	External ExternalNode // set iff Kind == EnvNodeExternal
}

func (s EnvNodeState) WriteTo(w *wire.Writer) (int, error) {
	n, err := w.PutUint8(uint8(s.Kind))
	if err != nil {
		return n, err
	}
	if s.Kind != EnvNodeExternal {
		return n, nil
	}
	m, err := s.External.WriteTo(w)
	return n + m, err
}

func ReadEnvNodeState(r *wire.Reader) (EnvNodeState, error) {
	kind, err := r.GetUint8()
	if err != nil {
		return EnvNodeState{}, err
	}
	if kind > uint8(EnvNodeExternal) {
		return EnvNodeState{}, fmt.Errorf("state: invalid EnvNodeState discriminant %d", kind)
	}
	if EnvNodeStateKind(kind) != EnvNodeExternal {
		return EnvNodeState{Kind: EnvNodeStateKind(kind)}, nil
	}
	ext, err := ReadExternalNode(r)
	if err != nil {
		return EnvNodeState{}, err
	}
	return EnvNodeState{Kind: EnvNodeStateKind(kind), External: ext}, nil
}

// EnvPeerKind discriminates EnvPeer variants.
type EnvPeerKind uint8

const (
	EnvPeerInternal EnvPeerKind = iota
	EnvPeerExternal
)

// EnvPeer is the assignment side of the node_map bimap: the concrete agent
// (or external address) bound to a NodeKey.
type EnvPeer struct {
	Kind    EnvPeerKind
	AgentID ids.AgentId  // set iff Kind == EnvPeerInternal
	Node    ExternalNode // set iff Kind == EnvPeerExternal
}

func (p EnvPeer) WriteTo(w *wire.Writer) (int, error) {
	n, err := w.PutUint8(uint8(p.Kind))
	if err != nil {
		return n, err
	}
	var m int
	if p.Kind == EnvPeerInternal {
		m, err = p.AgentID.WriteTo(w)
	} else {
		m, err = p.Node.WriteTo(w)
	}
	return n + m, err
}

func ReadEnvPeer(r *wire.Reader) (EnvPeer, error) {
	kind, err := r.GetUint8()
	if err != nil {
		return EnvPeer{}, err
	}
	if kind > uint8(EnvPeerExternal) {
		return EnvPeer{}, fmt.Errorf("state: invalid EnvPeer discriminant %d", kind)
	}
	if EnvPeerKind(kind) == EnvPeerInternal {
		id, err := ids.ReadAgentId(r)
		if err != nil {
			return EnvPeer{}, err
		}
		return EnvPeer{Kind: EnvPeerInternal, AgentID: id}, nil
	}
	node, err := ReadExternalNode(r)
	if err != nil {
		return EnvPeer{}, err
	}
	return EnvPeer{Kind: EnvPeerExternal, Node: node}, nil
}

// StorageInfo describes a storage descriptor: binary, genesis block, and
// ledger archive, plus its checkpoint retention policy (stored, not
// evaluated).
type StorageInfo struct {
	ID        ids.StorageId
	Network   ids.NetworkId
	Retention RetentionPolicy
	Version   uint32
}

func (s StorageInfo) WriteTo(w *wire.Writer) (int, error) {
	total := 0
	n, err := s.ID.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = s.Network.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = s.Retention.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.PutUint32(s.Version)
	total += n
	return total, err
}

func ReadStorageInfo(r *wire.Reader) (StorageInfo, error) {
	id, err := ids.ReadStorageId(r)
	if err != nil {
		return StorageInfo{}, err
	}
	network, err := ids.ReadNetworkId(r)
	if err != nil {
		return StorageInfo{}, err
	}
	retention, err := ReadRetentionPolicy(r)
	if err != nil {
		return StorageInfo{}, err
	}
	version, err := r.GetUint32()
	if err != nil {
		return StorageInfo{}, err
	}
	return StorageInfo{ID: id, Network: network, Retention: retention, Version: version}, nil
}

// EnvInfo is the bundle an agent fetches and persists when entering a
// Node(env, _) state: everything it needs to locate storage without
// repeated controller round-trips.
type EnvInfo struct {
	Env        ids.EnvId
	Storage    StorageInfo
	NetworkID  ids.NetworkId
	NodeStates map[string]EnvNodeState // keyed by NodeKey.String()
}

func (i EnvInfo) WriteTo(w *wire.Writer) (int, error) {
	total := 0
	n, err := i.Env.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = i.Storage.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = i.NetworkID.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = wire.PutMap(w, i.NodeStates, putString, func(w *wire.Writer, s EnvNodeState) (int, error) { return s.WriteTo(w) })
	total += n
	return total, err
}

func ReadEnvInfo(r *wire.Reader) (EnvInfo, error) {
	env, err := ids.ReadEnvId(r)
	if err != nil {
		return EnvInfo{}, err
	}
	storage, err := ReadStorageInfo(r)
	if err != nil {
		return EnvInfo{}, err
	}
	network, err := ids.ReadNetworkId(r)
	if err != nil {
		return EnvInfo{}, err
	}
	nodeStates, err := wire.GetMap(r, getString, ReadEnvNodeState)
	if err != nil {
		return EnvInfo{}, err
	}
	return EnvInfo{Env: env, Storage: storage, NetworkID: network, NodeStates: nodeStates}, nil
}

// Environment is the controller's full in-memory record for one
// environment: the node map (NodeKey -> EnvPeer bimap), node states, and
// configured cannons. update_agent_states reads/writes this under the
// envs tree.
type Environment struct {
	ID        ids.EnvId
	Info      EnvInfo
	NodeMap   map[string]EnvPeer // NodeKey.String() -> assignment
	NodeKeys  []nodekey.NodeKey  // preserves node_states insertion order
	CannonIDs []ids.CannonId
}

func (e Environment) WriteTo(w *wire.Writer) (int, error) {
	total := 0
	n, err := e.ID.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = e.Info.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = wire.PutMap(w, e.NodeMap, putString, func(w *wire.Writer, p EnvPeer) (int, error) { return p.WriteTo(w) })
	total += n
	if err != nil {
		return total, err
	}
	n, err = wire.PutSlice(w, e.NodeKeys, func(w *wire.Writer, k nodekey.NodeKey) (int, error) { return k.WriteTo(w) })
	total += n
	if err != nil {
		return total, err
	}
	n, err = wire.PutSlice(w, e.CannonIDs, func(w *wire.Writer, id ids.CannonId) (int, error) { return id.WriteTo(w) })
	total += n
	return total, err
}

func ReadEnvironment(r *wire.Reader) (Environment, error) {
	id, err := ids.ReadEnvId(r)
	if err != nil {
		return Environment{}, err
	}
	info, err := ReadEnvInfo(r)
	if err != nil {
		return Environment{}, err
	}
	nodeMap, err := wire.GetMap(r, getString, ReadEnvPeer)
	if err != nil {
		return Environment{}, err
	}
	nodeKeys, err := wire.GetSlice(r, nodekey.ReadNodeKey)
	if err != nil {
		return Environment{}, err
	}
	cannonIDs, err := wire.GetSlice(r, ids.ReadCannonId)
	if err != nil {
		return Environment{}, err
	}
	return Environment{ID: id, Info: info, NodeMap: nodeMap, NodeKeys: nodeKeys, CannonIDs: cannonIDs}, nil
}
