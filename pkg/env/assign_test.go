package env

import (
	"testing"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/nodekey"
	"github.com/cuemby/snops/pkg/pool"
	"github.com/cuemby/snops/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAgent(t *testing.T, id string, mode state.AgentMode, node, bft uint16) *state.Agent {
	t.Helper()
	agentID, err := ids.NewAgentId(id)
	require.NoError(t, err)
	return &state.Agent{
		ID:    agentID,
		Flags: state.AgentFlags{Mode: mode},
		Ports: state.PortConfig{Node: node, BFT: bft},
	}
}

func TestBuildAssignsValidatorsDeterministically(t *testing.T) {
	p := pool.New()
	p.Insert(mustAgent(t, "v-a", state.ModeValidator, 4130, 5000))
	p.Insert(mustAgent(t, "v-b", state.ModeValidator, 4130, 5000))

	doc := &NodesDocument{Nodes: []NodeReplicaDoc{
		{Type: "validator", Key: "0", Replicas: 2},
	}}

	envID, err := ids.NewEnvId("env-1")
	require.NoError(t, err)

	result, err := Build(envID, doc, p, nil)
	require.NoError(t, err)
	assert.Len(t, result.Env.NodeKeys, 2)

	keyA, err := nodekey.Parse("validator/00")
	require.NoError(t, err)
	keyB, err := nodekey.Parse("validator/01")
	require.NoError(t, err)

	assert.Equal(t, "v-a", result.Env.NodeMap[keyA.String()].AgentID.String())
	assert.Equal(t, "v-b", result.Env.NodeMap[keyB.String()].AgentID.String())
}

func TestBuildFailsWhenPoolExhausted(t *testing.T) {
	p := pool.New()
	p.Insert(mustAgent(t, "v-a", state.ModeValidator, 4130, 5000))

	doc := &NodesDocument{Nodes: []NodeReplicaDoc{
		{Type: "validator", Key: "0", Replicas: 2},
	}}
	envID, err := ids.NewEnvId("env-1")
	require.NoError(t, err)

	_, err = Build(envID, doc, p, nil)
	require.Error(t, err)
}

func TestBuildRejectsDuplicateKeys(t *testing.T) {
	p := pool.New()
	p.Insert(mustAgent(t, "v-a", state.ModeValidator, 4130, 5000))
	p.Insert(mustAgent(t, "v-b", state.ModeValidator, 4130, 5000))

	doc := &NodesDocument{Nodes: []NodeReplicaDoc{
		{Type: "validator", Key: "dup"},
		{Type: "validator", Key: "dup"},
	}}
	envID, err := ids.NewEnvId("env-1")
	require.NoError(t, err)

	_, err = Build(envID, doc, p, nil)
	require.Error(t, err)
}

func TestBuildResolvesPeersAndValidators(t *testing.T) {
	p := pool.New()
	p.Insert(mustAgent(t, "v-a", state.ModeValidator, 4130, 5000))
	p.Insert(mustAgent(t, "v-b", state.ModeValidator, 4130, 5000))
	p.Insert(mustAgent(t, "c-a", state.ModeClient, 4130, 5000))

	doc := &NodesDocument{Nodes: []NodeReplicaDoc{
		{Type: "validator", Key: "a", Validators: "validator/any", Peers: "validator/any,client/any"},
		{Type: "validator", Key: "b", Validators: "validator/any", Peers: "validator/any,client/any"},
		{Type: "client", Key: "a", Peers: "validator/any"},
	}}
	envID, err := ids.NewEnvId("env-1")
	require.NoError(t, err)

	result, err := Build(envID, doc, p, nil)
	require.NoError(t, err)

	vaKey, _ := nodekey.Parse("validator/a")
	vaPeer := result.Env.NodeMap[vaKey.String()]
	ns := result.States[vaPeer.AgentID]

	// validator/a sees validator/b as both peer and validator, and the
	// one client as a peer only.
	assert.Len(t, ns.Validators, 1)
	assert.Len(t, ns.Peers, 2)
	for _, v := range ns.Validators {
		assert.Equal(t, uint16(5000), v.Port)
	}
	for _, peer := range ns.Peers {
		assert.Equal(t, uint16(4130), peer.Port)
	}
}

func TestBuildExternalNodeNeverAssignedFromPool(t *testing.T) {
	p := pool.New()
	doc := &NodesDocument{Nodes: []NodeReplicaDoc{
		{Type: "validator", Key: "ext", External: &ExternalDoc{Node: "203.0.113.5:4130", BFT: "203.0.113.5:5000"}},
	}}
	envID, err := ids.NewEnvId("env-1")
	require.NoError(t, err)

	result, err := Build(envID, doc, p, nil)
	require.NoError(t, err)

	key, _ := nodekey.Parse("validator/ext")
	peer := result.Env.NodeMap[key.String()]
	assert.Equal(t, state.EnvPeerExternal, peer.Kind)
	require.NotNil(t, peer.Node.Node)
	assert.Equal(t, "203.0.113.5:4130", *peer.Node.Node)
	assert.Empty(t, result.States) // external nodes never get a pushed NodeState
}

func TestResolveHeightPreservesGenerationForSameRequest(t *testing.T) {
	prior := &state.NodeState{Height: state.HeightGeneration{Generation: 7, Request: state.Top()}}
	got := resolveHeight(prior, state.Top())
	assert.Equal(t, uint64(7), got.Generation)
}

func TestResolveHeightBumpsGenerationOnChange(t *testing.T) {
	prior := &state.NodeState{Height: state.HeightGeneration{Generation: 7, Request: state.Top()}}
	got := resolveHeight(prior, state.Absolute(100))
	assert.Equal(t, uint64(8), got.Generation)
	assert.Equal(t, uint32(100), got.Request.Absolute)
}

func TestResolveHeightStartsAtOneWithNoPrior(t *testing.T) {
	got := resolveHeight(nil, state.Top())
	assert.Equal(t, uint64(1), got.Generation)
}

func TestBuildRetainsHeightGenerationForSameAgent(t *testing.T) {
	p := pool.New()
	agent := mustAgent(t, "v-a", state.ModeValidator, 4130, 5000)
	envID, err := ids.NewEnvId("env-1")
	require.NoError(t, err)

	key, err := nodekey.Parse("validator/a")
	require.NoError(t, err)

	agent.State = state.Node(envID, state.NodeState{
		Key:    key,
		Height: state.HeightGeneration{Generation: 3, Request: state.Top()},
	})
	p.Insert(agent)

	prior := &state.Environment{
		ID:       envID,
		NodeKeys: []nodekey.NodeKey{key},
		NodeMap:  map[string]state.EnvPeer{key.String(): {Kind: state.EnvPeerInternal, AgentID: agent.ID}},
	}

	doc := &NodesDocument{Nodes: []NodeReplicaDoc{{Type: "validator", Key: "a", Height: "top"}}}

	result, err := Build(envID, doc, p, prior)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), result.States[agent.ID].Height.Generation)
}
