package cannon

import (
	"testing"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/pool"
	"github.com/cuemby/snops/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeQueueFIFOOrder(t *testing.T) {
	q := newComputeQueue()
	keyA := mustKey(t, "env-1", "main", "a")
	keyB := mustKey(t, "env-1", "main", "b")
	q.PushBack(computeJob{Key: keyA})
	q.PushBack(computeJob{Key: keyB})

	first, ok := q.PopFront()
	require.True(t, ok)
	assert.Equal(t, keyA, first.Key)

	second, ok := q.PopFront()
	require.True(t, ok)
	assert.Equal(t, keyB, second.Key)

	_, ok = q.PopFront()
	assert.False(t, ok)
}

func TestComputeQueuePushFrontReQueuesAhead(t *testing.T) {
	q := newComputeQueue()
	keyA := mustKey(t, "env-1", "main", "a")
	keyB := mustKey(t, "env-1", "main", "b")
	q.PushBack(computeJob{Key: keyA})
	q.PushFront(computeJob{Key: keyB})

	first, ok := q.PopFront()
	require.True(t, ok)
	assert.Equal(t, keyB, first.Key)
}

func TestComputePickerSkipsDisconnectedAgents(t *testing.T) {
	p := pool.New()
	offline := mustComputeAgent(t, "compute-a")
	online := mustComputeAgent(t, "compute-b")
	online.TransportHandle = struct{}{}
	p.Insert(offline)
	p.Insert(online)

	picker := newComputePicker()
	agent, ok := picker.Pick(p, state.ComputePolicy{AnyCompute: true})
	require.True(t, ok)
	assert.Equal(t, "compute-b", agent.ID.String())
}

func TestComputePickerRoundRobins(t *testing.T) {
	p := pool.New()
	for _, name := range []string{"compute-a", "compute-b"} {
		a := mustComputeAgent(t, name)
		a.TransportHandle = struct{}{}
		p.Insert(a)
	}

	picker := newComputePicker()
	first, ok := picker.Pick(p, state.ComputePolicy{AnyCompute: true})
	require.True(t, ok)
	second, ok := picker.Pick(p, state.ComputePolicy{AnyCompute: true})
	require.True(t, ok)
	assert.NotEqual(t, first.ID.String(), second.ID.String())
}

func mustComputeAgent(t *testing.T, id string) *state.Agent {
	t.Helper()
	agentID, err := ids.NewAgentId(id)
	require.NoError(t, err)
	return &state.Agent{ID: agentID, Flags: state.AgentFlags{Mode: state.ModeCompute}}
}
