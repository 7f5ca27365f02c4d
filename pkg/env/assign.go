package env

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/nodekey"
	"github.com/cuemby/snops/pkg/pool"
	"github.com/cuemby/snops/pkg/state"
)

// BuildResult is the full projection of a parsed nodes document: the
// environment's node map plus the per-agent NodeState each assigned agent
// should receive, ready for UpdateAgentStates.
type BuildResult struct {
	Env    *state.Environment
	States map[ids.AgentId]state.NodeState
}

// Build expands replicas, assigns each internal node slot to a pool agent,
// and resolves peer/validator lists and height retention against prior.
// prior may be nil (fresh environment).
func Build(envID ids.EnvId, doc *NodesDocument, p *pool.Pool, prior *state.Environment) (*BuildResult, error) {
	keys, slotByKey, err := expandDocument(doc)
	if err != nil {
		return nil, err
	}

	nodeMap, err := assignNodeMap(keys, slotByKey, p)
	if err != nil {
		return nil, err
	}

	env := &state.Environment{ID: envID, NodeMap: nodeMap, NodeKeys: keys}

	states, err := resolveStates(envID, keys, slotByKey, nodeMap, p, prior)
	if err != nil {
		return nil, err
	}

	return &BuildResult{Env: env, States: states}, nil
}

// expandDocument walks every node slot, expanding Replicas > 1 into
// numbered keys, and returns the flattened, sorted key list plus the
// originating doc for each key.
func expandDocument(doc *NodesDocument) ([]nodekey.NodeKey, map[string]NodeReplicaDoc, error) {
	slotByKey := make(map[string]NodeReplicaDoc)
	var keys []nodekey.NodeKey

	for _, slot := range doc.Nodes {
		expanded, err := expandReplicas(slot)
		if err != nil {
			return nil, nil, err
		}
		for _, k := range expanded {
			if _, dup := slotByKey[k.String()]; dup {
				return nil, nil, fmt.Errorf("env: duplicate node key %s", k.String())
			}
			slotByKey[k.String()] = slot
			keys = append(keys, k)
		}
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys, slotByKey, nil
}

// expandReplicas turns one node slot into one or more NodeKeys. A
// Replicas value of 0 or 1 is a single, unsuffixed key; higher values
// expand into "<type>/<key><index>" for index in [0, Replicas).
func expandReplicas(slot NodeReplicaDoc) ([]nodekey.NodeKey, error) {
	n := slot.Replicas
	if n == 0 {
		n = 1
	}
	if n == 1 {
		keyStr := slot.Type
		if slot.Key != "" {
			keyStr += "/" + slot.Key
		}
		key, err := nodekey.Parse(keyStr)
		if err != nil {
			return nil, fmt.Errorf("env: invalid node key %q: %w", keyStr, err)
		}
		return []nodekey.NodeKey{key}, nil
	}

	keys := make([]nodekey.NodeKey, 0, n)
	for i := uint16(0); i < n; i++ {
		id := slot.Key + strconv.Itoa(int(i))
		keyStr := fmt.Sprintf("%s/%s", slot.Type, id)
		key, err := nodekey.Parse(keyStr)
		if err != nil {
			return nil, fmt.Errorf("env: invalid replica key %q: %w", keyStr, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// assignNodeMap binds each internal slot to the first available pool
// agent matching its mode/label/local-pk requirements, in key order, so
// assignment is deterministic for a fixed pool snapshot. External slots
// are recorded directly without consulting the pool.
func assignNodeMap(keys []nodekey.NodeKey, slotByKey map[string]NodeReplicaDoc, p *pool.Pool) (map[string]state.EnvPeer, error) {
	nodeMap := make(map[string]state.EnvPeer, len(keys))
	used := make(map[ids.AgentId]bool)

	for _, k := range keys {
		slot := slotByKey[k.String()]
		if slot.External != nil {
			nodeMap[k.String()] = state.EnvPeer{Kind: state.EnvPeerExternal, Node: toExternalNode(*slot.External)}
			continue
		}

		mode, err := parseMode(slot.Mode, k.Ty)
		if err != nil {
			return nil, fmt.Errorf("env: node %s: %w", k.String(), err)
		}
		query := p.QueryMask(mode, slot.Labels, slot.PrivateKey == "local")

		var chosen *state.Agent
		for _, candidate := range p.FilterSorted(query) {
			if used[candidate.ID] {
				continue
			}
			chosen = candidate
			break
		}
		if chosen == nil {
			return nil, fmt.Errorf("env: no available agent for node %s", k.String())
		}
		used[chosen.ID] = true
		nodeMap[k.String()] = state.EnvPeer{Kind: state.EnvPeerInternal, AgentID: chosen.ID}
	}

	return nodeMap, nil
}

// resolveStates builds the NodeState each internally-assigned agent
// should receive: height retention against prior, and peer/validator
// lists resolved against the freshly built node map.
func resolveStates(envID ids.EnvId, keys []nodekey.NodeKey, slotByKey map[string]NodeReplicaDoc, nodeMap map[string]state.EnvPeer, p *pool.Pool, prior *state.Environment) (map[ids.AgentId]state.NodeState, error) {
	states := make(map[ids.AgentId]state.NodeState, len(keys))

	for _, k := range keys {
		slot := slotByKey[k.String()]
		if slot.External != nil {
			continue
		}
		peer := nodeMap[k.String()]

		heightSel := slot.Height
		if heightSel == "" {
			heightSel = "top"
		}
		heightReq, err := state.ParseHeightRequest(heightSel)
		if err != nil {
			return nil, fmt.Errorf("env: node %s: %w", k.String(), err)
		}
		height := resolveHeight(priorNodeState(prior, p, envID, k, peer.AgentID), heightReq)

		peersTargets, err := nodekey.ParseTargets(slot.Peers)
		if err != nil {
			return nil, fmt.Errorf("env: node %s: invalid peers: %w", k.String(), err)
		}
		validatorsTargets, err := nodekey.ParseTargets(slot.Validators)
		if err != nil {
			return nil, fmt.Errorf("env: node %s: invalid validators: %w", k.String(), err)
		}

		peers := resolvePeerList(p, nodeMap, keys, k, peersTargets, func(pc state.PortConfig) uint16 { return pc.Node }, func(n state.ExternalNode) *string { return n.Node })
		validators := resolvePeerList(p, nodeMap, keys, k, validatorsTargets, func(pc state.PortConfig) uint16 { return pc.BFT }, func(n state.ExternalNode) *string { return n.BFT })

		states[peer.AgentID] = state.NodeState{
			Key:            k,
			Online:         slot.Online,
			Height:         height,
			Peers:          peers,
			Validators:     validators,
			PrivateKey:     parsePrivateKeySource(slot.PrivateKey),
			EnvVars:        slot.EnvVars,
			BinaryOverride: ptrOrNil(slot.BinaryOverride),
		}
	}

	return states, nil
}

// priorNodeState returns the NodeState the same NodeKey resolved to
// before, only when prior still maps that key to the same agent and that
// agent's current persisted state is still bound to this environment.
// Re-assigning a key to a different agent, or moving an agent to a
// different environment, forfeits height retention.
func priorNodeState(prior *state.Environment, p *pool.Pool, envID ids.EnvId, k nodekey.NodeKey, assignedAgent ids.AgentId) *state.NodeState {
	if prior == nil {
		return nil
	}
	priorPeer, ok := prior.NodeMap[k.String()]
	if !ok || priorPeer.Kind != state.EnvPeerInternal || priorPeer.AgentID != assignedAgent {
		return nil
	}
	agent, ok := p.Lookup(assignedAgent)
	if !ok || agent.State.Kind != state.StateNode || agent.State.Env != envID {
		return nil
	}
	return &agent.State.Node
}

// resolveHeight implements the height-retention generation bump rule:
// when the freshly computed HeightRequest is identical to the node's
// prior request, the prior generation counter carries over unchanged;
// any other change (including first assignment) starts or bumps it.
func resolveHeight(prior *state.NodeState, desired state.HeightRequest) state.HeightGeneration {
	if prior != nil && prior.Height.Request == desired {
		return prior.Height
	}
	gen := uint64(1)
	if prior != nil {
		gen = prior.Height.Generation + 1
	}
	return state.HeightGeneration{Generation: gen, Request: desired}
}

// resolvePeerList resolves targets against every other key in the
// environment, in key order, translating each match's node_map entry
// into an AgentPeer via portOf/addrOf (which port/address field a peer
// vs. a validator list draws from).
func resolvePeerList(p *pool.Pool, nodeMap map[string]state.EnvPeer, keys []nodekey.NodeKey, self nodekey.NodeKey, targets nodekey.Targets, portOf func(state.PortConfig) uint16, addrOf func(state.ExternalNode) *string) []state.AgentPeer {
	var out []state.AgentPeer
	for _, k := range keys {
		if k == self || !targets.Matches(k) {
			continue
		}
		peer, ok := nodeMap[k.String()]
		if !ok {
			continue
		}
		switch peer.Kind {
		case state.EnvPeerInternal:
			agent, ok := p.Lookup(peer.AgentID)
			if !ok {
				continue
			}
			out = append(out, state.InternalPeer(peer.AgentID, portOf(agent.Ports)))
		case state.EnvPeerExternal:
			addrStr := addrOf(peer.Node)
			if addrStr == nil {
				continue
			}
			addr, err := net.ResolveTCPAddr("tcp", *addrStr)
			if err != nil {
				continue
			}
			out = append(out, state.ExternalPeer(addr))
		}
	}
	return out
}

func toExternalNode(d ExternalDoc) state.ExternalNode {
	return state.ExternalNode{BFT: ptrOrNil(d.BFT), Node: ptrOrNil(d.Node), Rest: ptrOrNil(d.Rest)}
}

func parsePrivateKeySource(s string) state.PrivateKeySource {
	switch s {
	case "", "generated":
		return state.PrivateKeySource{Kind: state.KeyGenerated}
	case "local":
		return state.PrivateKeySource{Kind: state.KeyLocal}
	default:
		return state.PrivateKeySource{Kind: state.KeyLiteral, Literal: s}
	}
}

// parseMode reads a comma-separated mode list ("validator,compute"); an
// empty string falls back to the single mode bit matching the node's own
// type, so a plain "type: validator" slot without an explicit mode still
// queries the pool for validator-capable agents.
func parseMode(s string, ty nodekey.NodeType) (state.AgentMode, error) {
	if s == "" {
		return modeForType(ty), nil
	}
	var mode state.AgentMode
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		switch part {
		case "validator":
			mode |= state.ModeValidator
		case "prover":
			mode |= state.ModeProver
		case "client":
			mode |= state.ModeClient
		case "compute":
			mode |= state.ModeCompute
		default:
			return 0, fmt.Errorf("invalid mode %q", part)
		}
	}
	return mode, nil
}

func modeForType(ty nodekey.NodeType) state.AgentMode {
	switch ty {
	case nodekey.Validator:
		return state.ModeValidator
	case nodekey.Prover:
		return state.ModeProver
	case nodekey.Client:
		return state.ModeClient
	default:
		return 0
	}
}

// NodeStates derives the NodeKey -> EnvNodeState view from env's node map,
// for EnvInfo assembly: agents only need to know whether a peer is
// internal or how to reach it externally, never the controller's
// assignment bookkeeping.
func NodeStates(env *state.Environment) map[string]state.EnvNodeState {
	out := make(map[string]state.EnvNodeState, len(env.NodeKeys))
	for _, k := range env.NodeKeys {
		peer := env.NodeMap[k.String()]
		switch peer.Kind {
		case state.EnvPeerExternal:
			out[k.String()] = state.EnvNodeState{Kind: state.EnvNodeExternal, External: peer.Node}
		default:
			out[k.String()] = state.EnvNodeState{Kind: state.EnvNodeInternal}
		}
	}
	return out
}

// BuildEnvInfo assembles the EnvInfo bundle an agent persists on entering
// a Node(env, _) state, from a built environment and its storage
// descriptor.
func BuildEnvInfo(env *state.Environment, storage state.StorageInfo) state.EnvInfo {
	return state.EnvInfo{
		Env:        env.ID,
		Storage:    storage,
		NetworkID:  storage.Network,
		NodeStates: NodeStates(env),
	}
}

func ptrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
