package env

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/pool"
	"github.com/cuemby/snops/pkg/rpcmux"
	"github.com/cuemby/snops/pkg/state"
	"github.com/cuemby/snops/pkg/store"
)

// dispatchTimeout bounds how long a single set_agent_state RPC may take
// before the dispatch goroutine gives up on that agent.
const dispatchTimeout = 10 * time.Second

// AgentUpdate pairs an agent with the state it should move to and the
// EnvInfo bundle to carry alongside it (nil when the agent is returning
// to Inventory).
type AgentUpdate struct {
	AgentID ids.AgentId
	State   state.AgentState
	EnvInfo *state.EnvInfo
}

// UpdateAgentStates persists every update to the agents tree and the
// pool's in-memory records first, then dispatches set_agent_state RPCs to
// each currently-connected agent concurrently. Persistence happens before
// any RPC so a controller crash mid-dispatch loses no state. An agent that
// is disconnected at dispatch time is not sent the state when it
// reconnects: the handshake pushes no state.
func UpdateAgentStates(agents *store.Tree[state.Agent], p *pool.Pool, updates []AgentUpdate) error {
	for _, u := range updates {
		a, ok := p.Lookup(u.AgentID)
		if !ok {
			return fmt.Errorf("env: update agent state: unknown agent %s", u.AgentID.String())
		}
		a.State = u.State
		if err := agents.Save(store.AgentKey(u.AgentID), *a); err != nil {
			return fmt.Errorf("env: persist agent state for %s: %w", u.AgentID.String(), err)
		}
	}

	var wg sync.WaitGroup
	for _, u := range updates {
		a, ok := p.Lookup(u.AgentID)
		if !ok || !a.Connected() {
			continue
		}
		mux, ok := a.TransportHandle.(*rpcmux.Mux)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(agentID ids.AgentId, mux *rpcmux.Mux, u AgentUpdate) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			defer cancel()

			req := rpcmux.SetAgentStateRequest{State: u.State, EnvInfo: u.EnvInfo}
			if _, err := rpcmux.CallJSON[rpcmux.SetAgentStateRequest, rpcmux.Empty](ctx, mux.Parent(), rpcmux.MethodSetAgentState, req); err != nil {
				log.WithAgent(agentID.String()).Warn().Err(err).Msg("env: set_agent_state dispatch failed")
			}
		}(u.AgentID, mux, u)
	}
	wg.Wait()

	return nil
}
