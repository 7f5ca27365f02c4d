package transfer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorStartProgressEnd(t *testing.T) {
	m := NewMonitor()
	id := NextID()

	m.Start(id, "downloading genesis.block", 1000)
	tr, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateActive, tr.State)
	assert.Equal(t, uint64(1000), tr.Total)
	assert.Equal(t, uint64(0), tr.Current)

	m.Progress(id, 500)
	tr, _ = m.Get(id)
	assert.Equal(t, uint64(500), tr.Current)

	m.End(id, "")
	tr, _ = m.Get(id)
	assert.Equal(t, StateEnded, tr.State)
	assert.Empty(t, tr.Interruption)
}

func TestMonitorIgnoresUnknownID(t *testing.T) {
	m := NewMonitor()
	unknown := NextID()

	m.Progress(unknown, 10)
	m.End(unknown, "boom")

	_, ok := m.Get(unknown)
	assert.False(t, ok)
}

func TestMonitorDuplicateStartIgnored(t *testing.T) {
	m := NewMonitor()
	id := NextID()

	m.Start(id, "first", 100)
	m.Start(id, "second", 200)

	tr, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, "first", tr.Description)
	assert.Equal(t, uint64(100), tr.Total)
}

func TestMonitorProgressAfterEndIgnored(t *testing.T) {
	m := NewMonitor()
	id := NextID()
	m.Start(id, "", 100)
	m.End(id, "interrupted")

	m.Progress(id, 50)

	tr, _ := m.Get(id)
	assert.Equal(t, StateEnded, tr.State)
	assert.Equal(t, uint64(0), tr.Current)
}

func TestMonitorActiveFiltersEnded(t *testing.T) {
	m := NewMonitor()
	a, b := NextID(), NextID()
	m.Start(a, "a", 10)
	m.Start(b, "b", 10)
	m.End(b, "")

	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, a, active[0].ID)
}

func TestMonitorConcurrentAccess(t *testing.T) {
	m := NewMonitor()
	id := NextID()
	m.Start(id, "", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.Progress(id, uint64(n))
		}(i)
	}
	wg.Wait()

	tr, ok := m.Get(id)
	require.True(t, ok)
	assert.LessOrEqual(t, tr.Current, uint64(99))
}

func TestNextIDIsUnique(t *testing.T) {
	seen := make(map[ID]bool)
	for i := 0; i < 50; i++ {
		id := NextID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
