package env

import (
	"testing"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/pool"
	"github.com/cuemby/snops/pkg/state"
	"github.com/cuemby/snops/pkg/store"
	"github.com/cuemby/snops/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAgentsTree(t *testing.T) *store.Tree[state.Agent] {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	tree, err := store.NewTree(db, "agents", store.Wire[state.Agent]("Agent", 1, func(w *wire.Writer, a state.Agent) (int, error) { return a.WriteTo(w) }, state.ReadAgent))
	require.NoError(t, err)
	return tree
}

func TestUpdateAgentStatesPersistsAndUpdatesPool(t *testing.T) {
	agents := openAgentsTree(t)
	p := pool.New()
	a := mustAgent(t, "v-a", state.ModeValidator, 4130, 5000)
	p.Insert(a)

	envID, err := ids.NewEnvId("env-1")
	require.NoError(t, err)

	update := AgentUpdate{AgentID: a.ID, State: state.Node(envID, state.NodeState{})}
	require.NoError(t, UpdateAgentStates(agents, p, []AgentUpdate{update}))

	inPool, ok := p.Lookup(a.ID)
	require.True(t, ok)
	assert.False(t, inPool.State.IsInventory())

	persisted, ok, err := agents.Restore(store.AgentKey(a.ID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, envID, persisted.State.Env)
}

func TestUpdateAgentStatesSkipsRPCForDisconnectedAgents(t *testing.T) {
	agents := openAgentsTree(t)
	p := pool.New()
	a := mustAgent(t, "v-a", state.ModeValidator, 4130, 5000)
	p.Insert(a) // TransportHandle left nil: disconnected

	update := AgentUpdate{AgentID: a.ID, State: state.Inventory()}
	assert.NotPanics(t, func() {
		require.NoError(t, UpdateAgentStates(agents, p, []AgentUpdate{update}))
	})
}

func TestUpdateAgentStatesRejectsUnknownAgent(t *testing.T) {
	agents := openAgentsTree(t)
	p := pool.New()
	ghostID, err := ids.NewAgentId("ghost")
	require.NoError(t, err)

	err = UpdateAgentStates(agents, p, []AgentUpdate{{AgentID: ghostID, State: state.Inventory()}})
	require.Error(t, err)
}
