package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/snops/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNode struct {
	mu    sync.Mutex
	calls []state.NodeState
	delay time.Duration
	count int32
}

func (n *recordingNode) Reconcile(ctx context.Context, desired state.NodeState, opts Options) (Status[struct{}], error) {
	atomic.AddInt32(&n.count, 1)
	if n.delay > 0 {
		select {
		case <-time.After(n.delay):
		case <-ctx.Done():
		}
	}
	n.mu.Lock()
	n.calls = append(n.calls, desired)
	n.mu.Unlock()
	return With(struct{}{}).RequeueIn(50 * time.Millisecond), nil
}

func (n *recordingNode) callCount() int32 { return atomic.LoadInt32(&n.count) }

func TestOptionsUnionIsMonotonic(t *testing.T) {
	a := Options{RefetchInfo: true}
	b := Options{ForceShutdown: true}
	merged := a.Union(b)
	assert.True(t, merged.RefetchInfo)
	assert.True(t, merged.ForceShutdown)
	assert.False(t, merged.ClearLastHeight)
}

func TestDriverAssignBumpsGeneration(t *testing.T) {
	d := NewDriver(&recordingNode{})
	assert.EqualValues(t, 0, d.currentGeneration())
	d.Assign(state.NodeState{}, Options{})
	assert.EqualValues(t, 1, d.currentGeneration())
	d.Assign(state.NodeState{}, Options{})
	assert.EqualValues(t, 2, d.currentGeneration())
}

func TestDriverCoalescesRapidAssigns(t *testing.T) {
	node := &recordingNode{}
	d := NewDriver(node)

	key1 := state.NodeState{}
	key2 := state.NodeState{Online: true}
	d.Assign(key1, Options{RefetchInfo: true})
	d.Assign(key2, Options{ForceShutdown: true})

	// Both Assigns landed before any Reconcile ran; the driver should
	// observe only the latest desired state with both options merged.
	gen, desired, opts := d.snapshot()
	assert.EqualValues(t, 2, gen)
	assert.True(t, desired.Online)
	assert.True(t, opts.RefetchInfo)
	assert.True(t, opts.ForceShutdown)
}

func TestDriverRunStopsOnCancel(t *testing.T) {
	node := &recordingNode{}
	d := NewDriver(node)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Assign(state.NodeState{}, Options{})
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop after ctx cancel")
	}
	require.GreaterOrEqual(t, node.callCount(), int32(1))
}

func TestDriverStop(t *testing.T) {
	d := NewDriver(&recordingNode{})
	go d.Run(context.Background())
	d.Assign(state.NodeState{}, Options{})
	time.Sleep(10 * time.Millisecond)
	d.Stop()
}
