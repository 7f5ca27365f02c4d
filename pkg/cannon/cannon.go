package cannon

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/pool"
	"github.com/cuemby/snops/pkg/rpcmux"
	"github.com/cuemby/snops/pkg/state"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// pollInterval governs how often the execute/broadcast/timeout loops check
// for work when there is nothing to wake them immediately.
const pollInterval = 500 * time.Millisecond

// Cannon drives one environment's transaction pipeline: authorize (accept
// or replay authorizations), execute (dispatch to a compute agent), and
// broadcast (file and/or node sinks), all gated by the durable Tracker so a
// restart resumes mid-flight work instead of losing it. Grounded on
// original_source/crates/controlplane/src/cannon/tracker.rs's
// TransactionTracker and spec.md §4.10.
type Cannon struct {
	id      ids.CannonId
	env     ids.EnvId
	network ids.NetworkId
	cfg     state.CannonConfig

	tracker *Tracker
	pool    *pool.Pool
	bus     *events.Bus
	dial    func(ids.AgentId) (*rpcmux.Mux, bool)
	logger  zerolog.Logger

	queue     *computeQueue
	picker    *computePicker
	broadcast *rate.Limiter

	nextIndex atomic.Uint64

	mu   sync.RWMutex
	envs []*state.Environment // this cannon's own environment, wrapped in a slice for MatchingAgents

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// DialFunc resolves an agent id to its live transport mux, used to place
// RPCs against compute and broadcast targets; the controller supplies this
// bound to its pool's live TransportHandle bookkeeping.
type DialFunc func(ids.AgentId) (*rpcmux.Mux, bool)

// New constructs a Cannon for one environment's cannon document. broadcastRate
// of 0 disables pacing (burst-unlimited); a positive value caps sustained
// broadcast dispatch to that many transactions per second.
func New(id ids.CannonId, env ids.EnvId, network ids.NetworkId, cfg state.CannonConfig, tracker *Tracker, p *pool.Pool, bus *events.Bus, dial DialFunc, broadcastRate float64) (*Cannon, error) {
	pending, err := tracker.ScanPending(env, id)
	if err != nil {
		return nil, fmt.Errorf("cannon: resume %s: %w", id, err)
	}
	var maxIndex uint64
	for _, key := range pending {
		entry, ok, err := tracker.Load(key)
		if err != nil {
			return nil, err
		}
		if ok && entry.Index >= maxIndex {
			maxIndex = entry.Index + 1
		}
	}

	limit := rate.Inf
	if broadcastRate > 0 {
		limit = rate.Limit(broadcastRate)
	}

	c := &Cannon{
		id:        id,
		env:       env,
		network:   network,
		cfg:       cfg,
		tracker:   tracker,
		pool:      p,
		bus:       bus,
		dial:      dial,
		logger:    log.WithCannon(id.String()),
		queue:     newComputeQueue(),
		picker:    newComputePicker(),
		broadcast: rate.NewLimiter(limit, 1),
		stopCh:    make(chan struct{}),
	}
	c.nextIndex.Store(maxIndex)

	// Requeue everything that was Authorized (waiting for a compute slot)
	// or Executing (in-flight when the controller last stopped) so the
	// execute loop picks them back up.
	for _, key := range pending {
		entry, ok, err := tracker.Load(key)
		if err != nil || !ok {
			continue
		}
		switch entry.Status.Kind {
		case state.TrackerAuthorized:
			c.queue.PushBack(computeJob{Key: key, Auth: entry.Authorization})
		case state.TrackerExecuting:
			if err := tracker.WriteStatus(key, state.Authorized()); err != nil {
				return nil, err
			}
			c.queue.PushBack(computeJob{Key: key, Auth: entry.Authorization})
		}
	}

	return c, nil
}

// SetEnvironment updates the environment record this cannon resolves node
// sink targets and node query targets against; called whenever the
// controller reconciles env.NodeMap so broadcast dispatch sees current
// assignments.
func (c *Cannon) SetEnvironment(env *state.Environment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = []*state.Environment{env}
}

func (c *Cannon) environment() []*state.Environment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.envs
}

// Submit inserts a freshly received authorization into the tracker and
// queues it for execution; used by the Listen authorize source and by
// Realtime, which — absent a dedicated authorization-generation RPC in the
// agent-facing surface — behaves identically to Listen (see DESIGN.md).
func (c *Cannon) Submit(authJSON []byte) (ids.TransactionId, error) {
	tx := ids.TransactionId(uuid.New().String())
	key := state.TrackerKey{Env: c.env, Cannon: c.id, Tx: tx}
	index := c.nextIndex.Add(1) - 1

	if err := c.tracker.Write(key, index, authJSON); err != nil {
		return "", err
	}
	c.queue.PushBack(computeJob{Key: key, Auth: authJSON})
	c.bus.Publish(events.New(events.KindTransactionAuthorized, "authorization received").
		WithEnv(c.env).WithCannon(c.id).WithTransaction(tx))
	return tx, nil
}

// Run starts the background authorize/execute/broadcast loops; it returns
// immediately, spawning goroutines that run until Stop is called.
func (c *Cannon) Run(ctx context.Context) {
	if c.cfg.Authorize.Kind == state.AuthorizePlayback {
		c.wg.Add(1)
		go c.playbackLoop(ctx, c.cfg.Authorize.PlaybackFile)
	}
	c.wg.Add(1)
	go c.executeLoop(ctx)
	c.wg.Add(1)
	go c.broadcastLoop(ctx)
	c.wg.Add(1)
	go c.timeoutSweepLoop(ctx)
}

// Stop halts every background loop and waits for them to exit.
func (c *Cannon) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// playbackLoop feeds pre-recorded authorizations from a JSON-lines file into
// Submit once at startup, pacing nothing further — the execute stage's own
// compute dispatch is the natural throttle.
func (c *Cannon) playbackLoop(ctx context.Context, path string) {
	defer c.wg.Done()
	f, err := os.Open(path)
	if err != nil {
		c.logger.Error().Err(err).Str("path", path).Msg("cannon: open playback file")
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if _, err := c.Submit(append([]byte(nil), line...)); err != nil {
			c.logger.Error().Err(err).Msg("cannon: submit playback entry")
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Error().Err(err).Msg("cannon: read playback file")
	}
}

// executeLoop pulls authorized jobs off the compute queue and dispatches
// them to an available compute agent, advancing Authorized -> Executing ->
// Unsent on success.
func (c *Cannon) executeLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		job, ok := c.queue.PopFront()
		if !ok {
			if !sleep(ctx, c.stopCh, pollInterval) {
				return
			}
			continue
		}

		agent, ok := c.picker.Pick(c.pool, c.cfg.Compute)
		if !ok {
			c.queue.PushFront(job)
			if !sleep(ctx, c.stopCh, pollInterval) {
				return
			}
			continue
		}

		c.dispatchExecute(ctx, job, agent)
	}
}

func (c *Cannon) dispatchExecute(ctx context.Context, job computeJob, agent *state.Agent) {
	now := time.Now().Unix()
	if err := c.tracker.WriteStatus(job.Key, state.Executing(now)); err != nil {
		c.logger.Error().Err(err).Msg("cannon: mark executing")
		c.queue.PushFront(job)
		return
	}
	c.bus.Publish(events.New(events.KindTransactionExecuting, "dispatched to compute agent").
		WithEnv(c.env).WithCannon(c.id).WithTransaction(job.Key.Tx).WithAgent(agent.ID))

	mux, ok := c.dial(agent.ID)
	if !ok {
		c.requeueOrFail(job, true)
		return
	}

	queryAddr, err := c.queryAddrFor(agent)
	if err != nil {
		c.logger.Error().Err(err).Msg("cannon: resolve query target")
		c.requeueOrFail(job, false)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.AuthorizeTimeout)*time.Second)
	resp, err := rpcmux.CallJSON[rpcmux.ExecuteAuthorizationRequest, rpcmux.ExecuteAuthorizationResponse](
		cctx, mux.Parent(), rpcmux.MethodExecuteAuthorization, rpcmux.ExecuteAuthorizationRequest{
			Env:       c.env,
			Network:   c.network,
			QueryAddr: queryAddr,
			AuthJSON:  string(job.Auth),
		})
	cancel()
	if err != nil {
		disconnected := !agent.Connected()
		c.requeueOrFail(job, disconnected)
		return
	}

	if err := c.tracker.WriteTx(job.Key, []byte(resp.TransactionJSON)); err != nil {
		c.logger.Error().Err(err).Msg("cannon: persist transaction blob")
		c.requeueOrFail(job, false)
		return
	}
	if err := c.tracker.WriteStatus(job.Key, state.Unsent()); err != nil {
		c.logger.Error().Err(err).Msg("cannon: mark unsent")
		return
	}
	_ = c.tracker.ClearAttempts(job.Key)
	c.bus.Publish(events.New(events.KindTransactionUnsent, "execution complete").
		WithEnv(c.env).WithCannon(c.id).WithTransaction(job.Key.Tx))
}

// requeueOrFail handles an execute dispatch failure. A disconnect re-queues
// the job to the head without charging an attempt, since the pipe broke
// before the agent could meaningfully fail the call; any other failure
// counts against authorize_attempts and regresses status back to
// Authorized so the next cycle (or a restart's ScanPending replay) retries
// it, up to the configured bound.
func (c *Cannon) requeueOrFail(job computeJob, disconnected bool) {
	if disconnected {
		if err := c.tracker.WriteStatus(job.Key, state.Authorized()); err != nil {
			c.logger.Error().Err(err).Msg("cannon: regress status after disconnect")
		}
		c.queue.PushFront(job)
		return
	}

	attempts, err := c.tracker.IncAttempts(job.Key)
	if err != nil {
		c.logger.Error().Err(err).Msg("cannon: increment attempts")
	}
	if err := c.tracker.WriteStatus(job.Key, state.Authorized()); err != nil {
		c.logger.Error().Err(err).Msg("cannon: regress status")
	}
	if attempts >= c.cfg.AuthorizeAttempts {
		c.logger.Warn().Str("tx", string(job.Key.Tx)).Uint32("attempts", attempts).
			Msg("cannon: execute attempts exhausted, leaving authorized for manual intervention")
		return
	}
	c.queue.PushBack(job)
}

// queryAddrFor resolves the address the compute agent should query against
// for ledger state, per the cannon's configured QueryTarget. QueryLocal asks
// the compute agent to query its own node, so no address is needed; QueryNode
// names the target node's rest address directly.
func (c *Cannon) queryAddrFor(agent *state.Agent) (string, error) {
	switch c.cfg.Query.Kind {
	case state.QueryLocal:
		return "", nil
	case state.QueryNode:
		for _, a := range c.pool.FilterSorted(c.pool.QueryMask(0, nil, false)) {
			if a.State.IsInventory() || a.State.Env != c.env {
				continue
			}
			if !c.cfg.Query.Targets.Matches(a.State.Node.Key) {
				continue
			}
			return restAddr(a), nil
		}
		return "", fmt.Errorf("cannon: no node matches query target %s", c.cfg.Query.Targets)
	default:
		return "", fmt.Errorf("cannon: unknown query target kind %d", c.cfg.Query.Kind)
	}
}

// restAddr renders the host:port a node's REST surface is reachable at from
// another agent: its external address if advertised, else its first
// reported internal address.
func restAddr(a *state.Agent) string {
	if a.Addrs.External != nil {
		return fmt.Sprintf("%s:%d", a.Addrs.External.IP, a.Ports.Rest)
	}
	if len(a.Addrs.Internal) > 0 {
		return fmt.Sprintf("%s:%d", a.Addrs.Internal[0], a.Ports.Rest)
	}
	return fmt.Sprintf("127.0.0.1:%d", a.Ports.Rest)
}

// broadcastLoop polls for Unsent entries and dispatches them to every
// configured sink.
func (c *Cannon) broadcastLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		keys, err := c.tracker.ScanPending(c.env, c.id, state.TrackerUnsent)
		if err != nil {
			c.logger.Error().Err(err).Msg("cannon: scan unsent")
			if !sleep(ctx, c.stopCh, pollInterval) {
				return
			}
			continue
		}
		if len(keys) == 0 {
			if !sleep(ctx, c.stopCh, pollInterval) {
				return
			}
			continue
		}

		for _, key := range keys {
			if err := c.broadcast.Wait(ctx); err != nil {
				return
			}
			c.dispatchBroadcast(ctx, key)
		}
	}
}

func (c *Cannon) dispatchBroadcast(ctx context.Context, key state.TrackerKey) {
	entry, ok, err := c.tracker.Load(key)
	if err != nil || !ok || entry.Status.Kind != state.TrackerUnsent {
		return
	}

	var lastErr error
	for _, sink := range c.cfg.Sinks {
		switch sink.Kind {
		case state.SinkFile:
			if err := appendSinkFile(sink.Path, entry.Transaction); err != nil {
				lastErr = err
				c.logger.Error().Err(err).Str("path", sink.Path).Msg("cannon: write file sink")
			}
		case state.SinkNode:
			if err := c.dispatchNodeSink(ctx, sink, entry); err != nil {
				lastErr = err
				c.logger.Error().Err(err).Msg("cannon: dispatch node sink")
			}
		}
	}

	if lastErr != nil {
		attempts, aerr := c.tracker.IncAttempts(key)
		if aerr != nil {
			c.logger.Error().Err(aerr).Msg("cannon: increment broadcast attempts")
		}
		if attempts >= c.cfg.BroadcastAttempts {
			c.logger.Warn().Str("tx", string(key.Tx)).Msg("cannon: broadcast attempts exhausted")
		}
		return
	}

	since := time.Now().Unix()
	if err := c.tracker.WriteStatus(key, state.Broadcasted(since, nil)); err != nil {
		c.logger.Error().Err(err).Msg("cannon: mark broadcasted")
		return
	}
	_ = c.tracker.ClearAttempts(key)
	c.bus.Publish(events.New(events.KindTransactionBroadcasted, "broadcast complete").
		WithEnv(c.env).WithCannon(c.id).WithTransaction(key.Tx))
}

func (c *Cannon) dispatchNodeSink(ctx context.Context, sink state.CannonSink, entry state.TrackerEntry) error {
	targets := c.pool.MatchingAgents(c.environment(), sink.Targets)
	if len(targets) == 0 {
		return fmt.Errorf("cannon: no agent matches broadcast targets %s", sink.Targets)
	}
	agentID := targets[0]
	mux, ok := c.dial(agentID)
	if !ok {
		return fmt.Errorf("cannon: broadcast target %s not connected", agentID)
	}
	cctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.BroadcastTimeout)*time.Second)
	defer cancel()
	_, err := rpcmux.CallJSON[rpcmux.BroadcastTxRequest, rpcmux.Empty](cctx, mux.Parent(), rpcmux.MethodBroadcastTx,
		rpcmux.BroadcastTxRequest{TransactionJSON: string(entry.Transaction)})
	return err
}

func appendSinkFile(path string, tx []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("cannon: open sink file %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(tx, '\n')); err != nil {
		return fmt.Errorf("cannon: write sink file %s: %w", path, err)
	}
	return nil
}

// timeoutSweepLoop regresses Executing entries that have sat past
// authorize_timeout back to Authorized (requeuing for another attempt),
// reclaiming work orphaned by a controller restart mid-dispatch.
func (c *Cannon) timeoutSweepLoop(ctx context.Context) {
	defer c.wg.Done()
	const sweepInterval = 5 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(sweepInterval):
		}

		keys, err := c.tracker.ScanPending(c.env, c.id, state.TrackerExecuting)
		if err != nil {
			c.logger.Error().Err(err).Msg("cannon: scan executing for timeout sweep")
			continue
		}
		now := time.Now().Unix()
		for _, key := range keys {
			entry, ok, err := c.tracker.Load(key)
			if err != nil || !ok {
				continue
			}
			if now-entry.Status.Since < c.cfg.AuthorizeTimeout {
				continue
			}
			c.requeueOrFail(computeJob{Key: key, Auth: entry.Authorization}, false)
		}
	}
}

func sleep(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
