package events

import (
	"testing"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/nodekey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterParseFormatRoundTrip(t *testing.T) {
	const src = "all-of(env-is(default), node-target-is(validator/any))"
	f, err := ParseFilter(src)
	require.NoError(t, err)
	assert.Equal(t, src, f.String())
}

func TestFilterMatchesEvent(t *testing.T) {
	f, err := ParseFilter("all-of(env-is(default), node-target-is(validator/any))")
	require.NoError(t, err)

	env := ids.DefaultEnvId
	key, err := nodekey.Parse("validator/0")
	require.NoError(t, err)

	e := New(KindNodeStatus, "online").WithEnv(env).WithNodeKey(key)
	assert.True(t, f.Matches(e))

	other, err := nodekey.Parse("client/0")
	require.NoError(t, err)
	e2 := New(KindNodeStatus, "online").WithEnv(env).WithNodeKey(other)
	assert.False(t, f.Matches(e2))
}

func TestFilterNotAndOneOf(t *testing.T) {
	f, err := ParseFilter("not(has-agent)")
	require.NoError(t, err)
	assert.True(t, f.Matches(New(KindReconcileComplete, "")))

	agentID, err := ids.NewAgentId("agent-1")
	require.NoError(t, err)
	assert.False(t, f.Matches(New(KindReconcileComplete, "").WithAgent(agentID)))

	oneOf, err := ParseFilter("one-of(has-agent, has-env)")
	require.NoError(t, err)
	assert.True(t, oneOf.Matches(New(KindReconcileComplete, "").WithAgent(agentID)))
	assert.False(t, oneOf.Matches(New(KindReconcileComplete, "").WithAgent(agentID).WithEnv(ids.DefaultEnvId)))
}

func TestUnfilteredMatchesEverything(t *testing.T) {
	assert.True(t, Unfiltered().Matches(New(KindAgentConnected, "")))
}
