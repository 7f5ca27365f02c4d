package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/snops/pkg/nodekey"
	"github.com/cuemby/snops/pkg/process"
	"github.com/cuemby/snops/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sleepCommand(binary string, node state.NodeState, key nodekey.NodeKey) process.Command {
	return process.Command{Path: "sleep", Args: []string{"5"}}
}

func TestProcessReconcilerSpawnsWhenOffline(t *testing.T) {
	sup := process.NewSupervisor(t.TempDir())
	r := &ProcessReconciler{Supervisor: sup, Binary: "sleep", Build: sleepCommand}

	status, err := r.Reconcile(context.Background(), state.NodeState{Online: true})
	require.NoError(t, err)
	assert.NotNil(t, status.Inner)
	assert.True(t, sup.IsRunning())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.GracefulShutdown(ctx))
}

func TestProcessReconcilerNoopWhenAlreadyRunningSameCommand(t *testing.T) {
	sup := process.NewSupervisor(t.TempDir())
	r := &ProcessReconciler{Supervisor: sup, Binary: "sleep", Build: sleepCommand}

	_, err := r.Reconcile(context.Background(), state.NodeState{Online: true})
	require.NoError(t, err)

	_, err = r.Reconcile(context.Background(), state.NodeState{Online: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.GracefulShutdown(ctx))
}

func TestProcessReconcilerSkipsWhenOfflineDesired(t *testing.T) {
	sup := process.NewSupervisor(t.TempDir())
	r := &ProcessReconciler{Supervisor: sup, Binary: "sleep", Build: sleepCommand}

	_, err := r.Reconcile(context.Background(), state.NodeState{Online: false})
	require.NoError(t, err)
	assert.False(t, sup.IsRunning())
}

func TestEndProcessReconcilerRequeuesUntilExited(t *testing.T) {
	sup := process.NewSupervisor(t.TempDir())
	require.NoError(t, sup.Spawn(process.Command{Path: "sleep", Args: []string{"5"}}))

	end := &EndProcessReconciler{Supervisor: sup}
	status, err := end.Reconcile(context.Background())
	require.NoError(t, err)
	require.True(t, status.IsRequeue())
	require.Len(t, status.Conditions, 1)
	assert.Equal(t, "pending_shutdown", status.Conditions[0].Name)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.GracefulShutdown(ctx))

	status, err = end.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, status.IsRequeue())
}

func TestEndProcessReconcilerNoopWhenNotRunning(t *testing.T) {
	sup := process.NewSupervisor(t.TempDir())
	end := &EndProcessReconciler{Supervisor: sup}

	status, err := end.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, status.IsRequeue())
}
