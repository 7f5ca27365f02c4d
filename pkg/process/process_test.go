package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidStoreSaveLoadClear(t *testing.T) {
	s := NewPidStore(t.TempDir())

	_, ok := s.Load()
	assert.False(t, ok)

	require.NoError(t, s.Save(4242))
	pid, ok := s.Load()
	require.True(t, ok)
	assert.Equal(t, 4242, pid)

	require.NoError(t, s.Clear())
	_, ok = s.Load()
	assert.False(t, ok)
}

func TestSupervisorSpawnRejectsSecondChild(t *testing.T) {
	sup := NewSupervisor(t.TempDir())

	require.NoError(t, sup.Spawn(Command{Path: "sleep", Args: []string{"5"}}))
	assert.True(t, sup.IsRunning())

	err := sup.Spawn(Command{Path: "sleep", Args: []string{"5"}})
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.GracefulShutdown(ctx))
	assert.False(t, sup.IsRunning())
}

func TestSupervisorGracefulShutdownIsIdempotent(t *testing.T) {
	sup := NewSupervisor(t.TempDir())
	require.NoError(t, sup.Spawn(Command{Path: "sleep", Args: []string{"5"}}))

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		_ = sup.GracefulShutdown(ctx)
		close(done)
	}()
	// Concurrent call must not send a second SIGINT or panic; it should
	// simply observe the same shutdown in progress.
	_ = sup.GracefulShutdown(ctx)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("graceful shutdown never completed")
	}
	assert.False(t, sup.IsRunning())
}

func TestSupervisorGracefulShutdownEscalatesOnCtxCancel(t *testing.T) {
	sup := NewSupervisor(t.TempDir())
	// A process that ignores SIGINT forces the ctx-cancel escalation path.
	require.NoError(t, sup.Spawn(Command{Path: "sh", Args: []string{"-c", "trap '' INT; sleep 30"}}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	require.NoError(t, sup.GracefulShutdown(ctx))
	assert.Less(t, time.Since(start), ShutdownDeadline)
	assert.False(t, sup.IsRunning())
}

func TestStepShutdownNonBlocking(t *testing.T) {
	sup := NewSupervisor(t.TempDir())
	require.NoError(t, sup.Spawn(Command{Path: "sleep", Args: []string{"5"}}))

	exited := sup.StepShutdown()
	assert.False(t, exited)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.GracefulShutdown(ctx))

	assert.True(t, sup.StepShutdown())
}

func TestCommandEqual(t *testing.T) {
	a := Command{Path: "/bin/node", Args: []string{"--port", "4000"}, Env: []string{"FOO=1"}}
	b := Command{Path: "/bin/node", Args: []string{"--port", "4000"}, Env: []string{"FOO=1"}}
	c := Command{Path: "/bin/node", Args: []string{"--port", "4001"}, Env: []string{"FOO=1"}}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
