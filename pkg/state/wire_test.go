package state

import (
	"bytes"
	"testing"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/nodekey"
	"github.com/cuemby/snops/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentWireRoundTrip(t *testing.T) {
	agentID, err := ids.NewAgentId("agent-1")
	require.NoError(t, err)
	envID, err := ids.NewEnvId("env-1")
	require.NoError(t, err)
	key, err := nodekey.Parse("validator/0")
	require.NoError(t, err)
	override := "snarkos-custom"

	a := Agent{
		ID:     agentID,
		Claims: AgentClaims{ID: agentID, Nonce: 7},
		Flags:  AgentFlags{Mode: ModeValidator | ModeCompute, Labels: []string{"gpu", "east"}, LocalPK: true},
		Ports:  PortConfig{Node: 4130, BFT: 5000, Rest: 3030, Metrics: 9000},
		Addrs:  AgentAddrs{},
		State: Node(envID, NodeState{
			Key:            key,
			Online:         true,
			Height:         HeightGeneration{Request: Top()},
			Peers:          []AgentPeer{InternalPeer(agentID, 4130)},
			PrivateKey:     PrivateKeySource{Kind: KeyGenerated},
			EnvVars:        map[string]string{"RUST_LOG": "info"},
			BinaryOverride: &override,
		}),
		LastSeen: 1234567890,
	}

	var buf bytes.Buffer
	_, err = a.WriteTo(wire.NewWriter(&buf))
	require.NoError(t, err)

	got, err := ReadAgent(wire.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, a.Claims, got.Claims)
	assert.Equal(t, a.Flags, got.Flags)
	assert.Equal(t, a.Ports, got.Ports)
	assert.Equal(t, a.State, got.State)
	assert.Equal(t, a.LastSeen, got.LastSeen)
}

func TestEnvironmentWireRoundTrip(t *testing.T) {
	envID, err := ids.NewEnvId("env-1")
	require.NoError(t, err)
	storageID, err := ids.NewStorageId("storage-1")
	require.NoError(t, err)
	agentID, err := ids.NewAgentId("agent-1")
	require.NoError(t, err)
	cannonID, err := ids.NewCannonId("cannon-1")
	require.NoError(t, err)
	key, err := nodekey.Parse("validator/0")
	require.NoError(t, err)
	retention, err := ParseRetentionPolicy("4h:1h,8h:4h")
	require.NoError(t, err)

	storage := StorageInfo{ID: storageID, Network: 0, Retention: retention, Version: 3}
	env := Environment{
		ID: envID,
		Info: EnvInfo{
			Env:       envID,
			Storage:   storage,
			NetworkID: 0,
			NodeStates: map[string]EnvNodeState{
				key.String(): {Kind: EnvNodeInternal},
			},
		},
		NodeMap: map[string]EnvPeer{
			key.String(): {Kind: EnvPeerInternal, AgentID: agentID},
		},
		NodeKeys:  []nodekey.NodeKey{key},
		CannonIDs: []ids.CannonId{cannonID},
	}

	var buf bytes.Buffer
	_, err = env.WriteTo(wire.NewWriter(&buf))
	require.NoError(t, err)

	got, err := ReadEnvironment(wire.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestStorageInfoWireRoundTrip(t *testing.T) {
	storageID, err := ids.NewStorageId("storage-1")
	require.NoError(t, err)
	retention, err := ParseRetentionPolicy("1D:1h")
	require.NoError(t, err)

	s := StorageInfo{ID: storageID, Network: 1, Retention: retention, Version: 2}

	var buf bytes.Buffer
	_, err = s.WriteTo(wire.NewWriter(&buf))
	require.NoError(t, err)

	got, err := ReadStorageInfo(wire.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestTrackerEntryWireRoundTrip(t *testing.T) {
	height := uint32(42)
	cases := []TrackerEntry{
		{
			Index:         1,
			Authorization: []byte("auth-blob"),
			Transaction:   []byte("tx-blob"),
			Status:        Authorized(),
			Attempts:      0,
		},
		{
			Index:         2,
			Authorization: []byte("auth-blob-2"),
			Transaction:   []byte("tx-blob-2"),
			Status:        Broadcasted(1700000000, &height),
			Attempts:      3,
		},
	}

	for _, c := range cases {
		var buf bytes.Buffer
		_, err := c.WriteTo(wire.NewWriter(&buf))
		require.NoError(t, err)

		got, err := ReadTrackerEntry(wire.NewReader(&buf))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestTrackerStatusWireRoundTrip(t *testing.T) {
	height := uint32(9)
	cases := []TrackerStatus{
		Authorized(),
		Broadcasted(1600000000, nil),
		Broadcasted(1600000001, &height),
	}

	for _, c := range cases {
		var buf bytes.Buffer
		_, err := c.WriteTo(wire.NewWriter(&buf))
		require.NoError(t, err)

		got, err := ReadTrackerStatus(wire.NewReader(&buf))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestAgentCodecRejectsUnknownVersion(t *testing.T) {
	agentID, err := ids.NewAgentId("agent-1")
	require.NoError(t, err)
	a := Agent{ID: agentID, Claims: AgentClaims{ID: agentID}, State: Inventory()}

	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	_, err = w.PutUint8(2)
	require.NoError(t, err)
	_, err = a.WriteTo(w)
	require.NoError(t, err)

	r := wire.NewReader(&buf)
	version, err := r.GetUint8()
	require.NoError(t, err)
	err = wire.CheckHeader("Agent", version, 1)
	require.Error(t, err)

	var unsupported *wire.UnsupportedHeaderError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "Agent", unsupported.Type)
	assert.Equal(t, uint8(1), unsupported.Expected)
	assert.Equal(t, uint8(2), unsupported.Got)
}
