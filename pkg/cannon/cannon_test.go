package cannon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/pool"
	"github.com/cuemby/snops/pkg/rpcmux"
	"github.com/cuemby/snops/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeTransport connects two Muxes in-process without a real socket,
// mirroring pkg/nodeproxy's test transport.
type pipeTransport struct {
	out chan rpcmux.MuxMessage
	in  chan rpcmux.MuxMessage
}

func newPipe() (a, b rpcmux.Transport) {
	c1 := make(chan rpcmux.MuxMessage, 16)
	c2 := make(chan rpcmux.MuxMessage, 16)
	return &pipeTransport{out: c1, in: c2}, &pipeTransport{out: c2, in: c1}
}

func (p *pipeTransport) Send(m rpcmux.MuxMessage) error {
	p.out <- m
	return nil
}

func (p *pipeTransport) Recv() (rpcmux.MuxMessage, error) {
	return <-p.in, nil
}

func testCannonConfig() state.CannonConfig {
	cannonID, _ := ids.NewCannonId("main")
	return state.CannonConfig{
		ID:                cannonID,
		Authorize:         state.AuthorizeSource{Kind: state.AuthorizeListen},
		Query:             state.QueryTarget{Kind: state.QueryLocal},
		Compute:           state.ComputePolicy{AnyCompute: true},
		AuthorizeTimeout:  5,
		BroadcastTimeout:  5,
		AuthorizeAttempts: 3,
		BroadcastAttempts: 3,
	}
}

func newTestCannon(t *testing.T, p *pool.Pool, dial DialFunc) (*Cannon, *Tracker) {
	t.Helper()
	tracker := openTracker(t)
	envID, err := ids.NewEnvId("env-1")
	require.NoError(t, err)
	network, err := ids.ParseNetworkId("testnet")
	require.NoError(t, err)
	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	c, err := New(testCannonConfig().ID, envID, network, testCannonConfig(), tracker, p, bus, dial, 0)
	require.NoError(t, err)
	return c, tracker
}

func TestCannonSubmitPersistsAndQueues(t *testing.T) {
	c, tracker := newTestCannon(t, pool.New(), func(ids.AgentId) (*rpcmux.Mux, bool) { return nil, false })

	tx, err := c.Submit([]byte(`{"auth":true}`))
	require.NoError(t, err)

	entry, ok, err := tracker.Load(state.TrackerKey{Env: c.env, Cannon: c.id, Tx: tx})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.TrackerAuthorized, entry.Status.Kind)
	assert.Equal(t, uint64(0), entry.Index)

	assert.Equal(t, 1, c.queue.Len())
}

func TestCannonSubmitIndicesIncreaseMonotonically(t *testing.T) {
	c, _ := newTestCannon(t, pool.New(), func(ids.AgentId) (*rpcmux.Mux, bool) { return nil, false })

	tx1, err := c.Submit([]byte(`{}`))
	require.NoError(t, err)
	tx2, err := c.Submit([]byte(`{}`))
	require.NoError(t, err)

	e1, _, err := c.tracker.Load(state.TrackerKey{Env: c.env, Cannon: c.id, Tx: tx1})
	require.NoError(t, err)
	e2, _, err := c.tracker.Load(state.TrackerKey{Env: c.env, Cannon: c.id, Tx: tx2})
	require.NoError(t, err)
	assert.Less(t, e1.Index, e2.Index)
}

func TestCannonResumeRequeuesAuthorizedAndExecuting(t *testing.T) {
	tracker := openTracker(t)
	envID, err := ids.NewEnvId("env-1")
	require.NoError(t, err)
	cfg := testCannonConfig()

	authorizedKey := state.TrackerKey{Env: envID, Cannon: cfg.ID, Tx: "tx-authorized"}
	executingKey := state.TrackerKey{Env: envID, Cannon: cfg.ID, Tx: "tx-executing"}
	require.NoError(t, tracker.Write(authorizedKey, 0, []byte(`{}`)))
	require.NoError(t, tracker.Write(executingKey, 1, []byte(`{}`)))
	require.NoError(t, tracker.WriteStatus(executingKey, state.Executing(1)))

	network, _ := ids.ParseNetworkId("testnet")
	bus := events.NewBus()
	bus.Start()
	defer bus.Stop()

	c, err := New(cfg.ID, envID, network, cfg, tracker, pool.New(), bus, func(ids.AgentId) (*rpcmux.Mux, bool) { return nil, false }, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, c.queue.Len())

	entry, ok, err := tracker.Load(executingKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.TrackerAuthorized, entry.Status.Kind)
}

func TestCannonDispatchExecuteSucceeds(t *testing.T) {
	a, b := newPipe()
	computeMux := rpcmux.New(a)
	controllerMux := rpcmux.New(b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go computeMux.Run(ctx)
	go controllerMux.Run(ctx)

	rpcmux.RegisterJSON(computeMux.Parent(), rpcmux.MethodExecuteAuthorization,
		func(ctx context.Context, req rpcmux.ExecuteAuthorizationRequest) (rpcmux.ExecuteAuthorizationResponse, error) {
			return rpcmux.ExecuteAuthorizationResponse{TransactionJSON: `{"tx":"done"}`}, nil
		})

	p := pool.New()
	computeID, err := ids.NewAgentId("compute-a")
	require.NoError(t, err)
	agent := &state.Agent{ID: computeID, Flags: state.AgentFlags{Mode: state.ModeCompute}, TransportHandle: controllerMux}
	p.Insert(agent)

	c, tracker := newTestCannon(t, p, func(id ids.AgentId) (*rpcmux.Mux, bool) {
		a, ok := p.Lookup(id)
		if !ok {
			return nil, false
		}
		m, ok := a.TransportHandle.(*rpcmux.Mux)
		return m, ok
	})

	tx, err := c.Submit([]byte(`{"auth":true}`))
	require.NoError(t, err)
	job, ok := c.queue.PopFront()
	require.True(t, ok)

	c.dispatchExecute(ctx, job, agent)

	key := state.TrackerKey{Env: c.env, Cannon: c.id, Tx: tx}
	entry, ok, err := tracker.Load(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.TrackerUnsent, entry.Status.Kind)
	assert.Equal(t, `{"tx":"done"}`, string(entry.Transaction))
}

func TestRequeueOrFailDisconnectDoesNotChargeAttempt(t *testing.T) {
	c, tracker := newTestCannon(t, pool.New(), func(ids.AgentId) (*rpcmux.Mux, bool) { return nil, false })
	tx, err := c.Submit([]byte(`{}`))
	require.NoError(t, err)
	key := state.TrackerKey{Env: c.env, Cannon: c.id, Tx: tx}
	job, ok := c.queue.PopFront()
	require.True(t, ok)

	c.requeueOrFail(job, true)

	attempts, err := tracker.GetAttempts(key)
	require.NoError(t, err)
	assert.Zero(t, attempts)
	assert.Equal(t, 1, c.queue.Len())
}

func TestRequeueOrFailExhaustsAttempts(t *testing.T) {
	c, tracker := newTestCannon(t, pool.New(), func(ids.AgentId) (*rpcmux.Mux, bool) { return nil, false })
	tx, err := c.Submit([]byte(`{}`))
	require.NoError(t, err)
	key := state.TrackerKey{Env: c.env, Cannon: c.id, Tx: tx}
	job, ok := c.queue.PopFront()
	require.True(t, ok)

	for i := 0; i < int(c.cfg.AuthorizeAttempts); i++ {
		c.requeueOrFail(job, false)
		job, ok = c.queue.PopFront()
		if !ok {
			break
		}
	}

	attempts, err := tracker.GetAttempts(key)
	require.NoError(t, err)
	assert.Equal(t, c.cfg.AuthorizeAttempts, attempts)
	assert.Equal(t, 0, c.queue.Len())
}

func TestDispatchBroadcastFileSinkMarksBroadcasted(t *testing.T) {
	dir := t.TempDir()
	sinkPath := filepath.Join(dir, "out.jsonl")

	c, tracker := newTestCannon(t, pool.New(), func(ids.AgentId) (*rpcmux.Mux, bool) { return nil, false })
	c.cfg.Sinks = []state.CannonSink{state.FileSink(sinkPath)}

	key := state.TrackerKey{Env: c.env, Cannon: c.id, Tx: "tx-1"}
	require.NoError(t, tracker.Write(key, 0, []byte(`{}`)))
	require.NoError(t, tracker.WriteTx(key, []byte(`{"tx":"payload"}`)))
	require.NoError(t, tracker.WriteStatus(key, state.Unsent()))

	c.dispatchBroadcast(context.Background(), key)

	entry, ok, err := tracker.Load(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.TrackerBroadcasted, entry.Status.Kind)

	data, err := os.ReadFile(sinkPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tx":"payload"`)
}
