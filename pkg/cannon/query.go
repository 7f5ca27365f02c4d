package cannon

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/rpcmux"
	"github.com/cuemby/snops/pkg/state"
)

// queryTimeout bounds every proxied call the query service places against a
// node agent.
const queryTimeout = 5 * time.Second

// QueryServer is the cannon's local ledger query HTTP surface. Nothing in
// this module constructs or serves it: NewQueryServer has no caller, and
// queryAddrFor resolves a Local query source to no address, so compute
// agents are not pointed at it. Requests it receives are proxied to
// whichever node agent the cannon's QueryTarget resolves to over the same
// snarkos_get RPC pkg/nodeproxy answers node-introspection calls with,
// since the controller has no direct network line to a node's REST port.
// Grounded on original_source/crates/snot/src/cannon/source.rs's
// LocalQueryService (a forwarding service in front of one ledger), adapted
// to proxy through the agent RPC tunnel rather than dialing 127.0.0.1
// directly — this module has no controller-local node process to talk to.
type QueryServer struct {
	cannon *Cannon
	mx     *http.ServeMux
}

// NewQueryServer builds the HTTP handler for one cannon's query surface.
func NewQueryServer(c *Cannon) *QueryServer {
	q := &QueryServer{cannon: c, mx: http.NewServeMux()}
	q.mx.HandleFunc("/stateRoot", q.handleGet("/stateRoot"))
	q.mx.HandleFunc("/block/height/latest", q.handleGet("/block/height/latest"))
	q.mx.HandleFunc("/block/hash/latest", q.handleGet("/block/hash/latest"))
	q.mx.HandleFunc("/block", q.handleBlock)
	q.mx.HandleFunc("/transaction/broadcast", q.handleBroadcast)
	return q
}

func (q *QueryServer) Handler() http.Handler { return q.mx }

func (q *QueryServer) handleGet(route string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q.proxyGet(w, r, route)
	}
}

func (q *QueryServer) handleBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	height := r.URL.Query().Get("height")
	if height == "" {
		http.Error(w, "missing height query parameter", http.StatusBadRequest)
		return
	}
	q.proxyGet(w, r, "/block/"+height)
}

func (q *QueryServer) proxyGet(w http.ResponseWriter, r *http.Request, route string) {
	agentID, mux, ok := q.cannon.pickQueryNode()
	if !ok {
		http.Error(w, "no node available to serve this query", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	resp, err := rpcmux.CallJSON[rpcmux.SnarkosGetRequest, rpcmux.SnarkosGetResponse](ctx, mux.Parent(), rpcmux.MethodSnarkosGet,
		rpcmux.SnarkosGetRequest{Route: route})
	if err != nil {
		log.Logger.Warn().Err(err).Str("agent", agentID.String()).Str("route", route).Msg("cannon: query proxy failed")
		http.Error(w, "upstream query failed", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, resp.Body)
}

func (q *QueryServer) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed reading body", http.StatusBadRequest)
		return
	}

	agentID, mux, ok := q.cannon.pickQueryNode()
	if !ok {
		http.Error(w, "no node available to broadcast to", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	_, err = rpcmux.CallJSON[rpcmux.BroadcastTxRequest, rpcmux.Empty](ctx, mux.Parent(), rpcmux.MethodBroadcastTx,
		rpcmux.BroadcastTxRequest{TransactionJSON: string(body)})
	if err != nil {
		log.Logger.Warn().Err(err).Str("agent", agentID.String()).Msg("cannon: broadcast proxy failed")
		http.Error(w, "upstream broadcast failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pickQueryNode resolves the query service's target node: the first
// connected internal node matching the cannon's QueryTarget (QueryNode), or
// any connected internal node in the cannon's own environment (QueryLocal —
// no single node is distinguished, so any node's view of the shared ledger
// answers equally).
func (c *Cannon) pickQueryNode() (id ids.AgentId, mux *rpcmux.Mux, ok bool) {
	envs := c.environment()
	if len(envs) == 0 {
		return ids.AgentId{}, nil, false
	}
	env := envs[0]

	for _, key := range env.NodeKeys {
		if c.cfg.Query.Kind == state.QueryNode && !c.cfg.Query.Targets.Matches(key) {
			continue
		}
		peer, ok := env.NodeMap[key.String()]
		if !ok || peer.Kind != state.EnvPeerInternal {
			continue
		}
		agent, ok := c.pool.Lookup(peer.AgentID)
		if !ok || !agent.Connected() {
			continue
		}
		m, ok := agent.TransportHandle.(*rpcmux.Mux)
		if !ok {
			continue
		}
		return agent.ID, m, true
	}
	return ids.AgentId{}, nil, false
}
