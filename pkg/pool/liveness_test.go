package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLivenessSweepDemotesStaleAgents(t *testing.T) {
	p := New()
	stale := mustAgent(t, "stale-1", 0, nil, false)
	stale.TransportHandle = "fake-handle"
	stale.LastSeen = time.Now().Add(-time.Hour).Unix()

	fresh := mustAgent(t, "fresh-1", 0, nil, false)
	fresh.TransportHandle = "fake-handle"
	fresh.LastSeen = time.Now().Unix()

	p.Insert(stale)
	p.Insert(fresh)

	sweeper := NewLivenessSweeper(p, 5*time.Second)
	sweeper.sweep()

	staleAfter, ok := p.Lookup(stale.ID)
	require.True(t, ok)
	assert.False(t, staleAfter.Connected())

	freshAfter, ok := p.Lookup(fresh.ID)
	require.True(t, ok)
	assert.True(t, freshAfter.Connected())
}

func TestLivenessSweepIgnoresAlreadyDisconnected(t *testing.T) {
	p := New()
	a := mustAgent(t, "disconnected-1", 0, nil, false)
	a.LastSeen = time.Now().Add(-time.Hour).Unix()
	p.Insert(a)

	sweeper := NewLivenessSweeper(p, 5*time.Second)
	assert.NotPanics(t, func() { sweeper.sweep() })
}

func TestLivenessSweeperStartStop(t *testing.T) {
	p := New()
	sweeper := NewLivenessSweeper(p, time.Minute)
	require.NoError(t, sweeper.Start())
	sweeper.Stop()
}
