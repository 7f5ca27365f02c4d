package api

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/snops/pkg/apierr"
	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/rpcmux"
	"github.com/cuemby/snops/pkg/state"
	"github.com/cuemby/snops/pkg/store"
	"github.com/gorilla/websocket"
)

// addrsFetchTimeout bounds the get_addrs call the controller makes right
// after a handshake to learn an agent's ports and reachable addresses.
const addrsFetchTimeout = 10 * time.Second

// serverWSTransport adapts a *websocket.Conn to rpcmux.Transport on the
// controller side, mirroring pkg/transport's agent-side wsTransport.
type serverWSTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *serverWSTransport) Send(m rpcmux.MuxMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(m)
}

func (t *serverWSTransport) Recv() (rpcmux.MuxMessage, error) {
	var m rpcmux.MuxMessage
	err := t.conn.ReadJSON(&m)
	return m, err
}

// handleAgentWS upgrades GET /agent?id=&mode=&labels=&local_pk= to the
// agent<->controller RPC mux, per the URL shape the agent derives (§6):
// {ws|wss}://host/agent?mode=...&id=...&labels=...&local_pk=true. The
// controller-facing methods (handshake, resolve_addrs, get_env_info,
// post_agent_status, post_block_status, post_node_status) are registered
// on this mux's Child endpoint, since the agent calls all of them against
// its own Child — see pkg/rpcmux/services.go's direction convention.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("api: agent websocket upgrade failed")
		return
	}
	defer conn.Close()

	agentMux := rpcmux.New(&serverWSTransport{conn: conn})
	query := r.URL.Query()

	var agentID ids.AgentId
	rpcmux.RegisterJSON(agentMux.Child(), rpcmux.MethodHandshake,
		func(ctx context.Context, req rpcmux.HandshakeRequest) (rpcmux.HandshakeResponse, error) {
			resp, id, err := s.handshakeAgent(agentMux, query, req)
			agentID = id
			return resp, err
		})
	rpcmux.RegisterJSON(agentMux.Child(), rpcmux.MethodResolveAddrs,
		func(ctx context.Context, req rpcmux.ResolveAddrsRequest) (rpcmux.ResolveAddrsResponse, error) {
			return s.resolveAddrs(agentID, req)
		})
	rpcmux.RegisterJSON(agentMux.Child(), rpcmux.MethodGetEnvInfo,
		func(ctx context.Context, req rpcmux.GetEnvInfoRequest) (rpcmux.GetEnvInfoResponse, error) {
			return s.getEnvInfo(req)
		})
	rpcmux.RegisterJSON(agentMux.Child(), rpcmux.MethodPostAgentStatus,
		func(ctx context.Context, req rpcmux.PostAgentStatusRequest) (rpcmux.Empty, error) {
			return rpcmux.Empty{}, s.postAgentStatus(agentID, req)
		})
	rpcmux.RegisterJSON(agentMux.Child(), rpcmux.MethodPostBlockStatus,
		func(ctx context.Context, req rpcmux.PostBlockStatusRequest) (rpcmux.Empty, error) {
			s.bus.Publish(events.New(events.KindBlockStatus, "block produced").WithAgent(agentID))
			return rpcmux.Empty{}, nil
		})
	rpcmux.RegisterJSON(agentMux.Child(), rpcmux.MethodPostNodeStatus,
		func(ctx context.Context, req rpcmux.PostNodeStatusRequest) (rpcmux.Empty, error) {
			s.bus.Publish(events.New(events.KindNodeStatus, req.Status.Detail).WithAgent(agentID))
			return rpcmux.Empty{}, nil
		})

	if err := agentMux.Run(r.Context()); err != nil {
		log.WithAgent(agentID.String()).Debug().Err(err).Msg("api: agent connection closed")
	}
	if !agentID.IsZero() {
		s.demoteAgent(agentID, agentMux)
	}
}

// handshakeAgent resolves the connecting agent's identity (resuming a
// prior session when the handshake carries a still-valid JWT, otherwise
// minting a fresh record from the query string) and records the
// connection as live.
func (s *Server) handshakeAgent(agentMux *rpcmux.Mux, query url.Values, req rpcmux.HandshakeRequest) (rpcmux.HandshakeResponse, ids.AgentId, error) {
	var agentID ids.AgentId
	resumed := false
	if req.JWT != "" {
		if id, err := s.pool.VerifyToken(s.issuer, req.JWT); err == nil {
			agentID = id
			resumed = true
		}
	}

	if !resumed {
		idParam := query.Get("id")
		if idParam == "" {
			return rpcmux.HandshakeResponse{}, ids.AgentId{}, apierr.New(apierr.KindSchema, "api.missing-agent-id", "handshake requires ?id= on first connect")
		}
		parsed, err := ids.NewAgentId(idParam)
		if err != nil {
			return rpcmux.HandshakeResponse{}, ids.AgentId{}, apierr.Wrap(apierr.KindSchema, "api.bad-agent-id", err)
		}
		agentID = parsed
	}

	a, existing := s.pool.Lookup(agentID)
	if !existing {
		a = &state.Agent{ID: agentID, Claims: state.AgentClaims{ID: agentID}, State: state.Inventory()}
	}
	if !resumed {
		mode, labels, localPK := parseHandshakeQuery(query)
		a.Flags = state.AgentFlags{Mode: mode, Labels: labels, LocalPK: localPK}
	}
	if req.State.Kind == state.StateNode {
		// The agent reconnected already bound to a node; trust its
		// self-report until the next env build overwrites it.
		a.State = req.State
	}
	a.LastSeen = time.Now().Unix()
	a.TransportHandle = agentMux
	s.pool.Insert(a)
	if err := s.trees.Agents.Save(store.AgentKey(agentID), *a); err != nil {
		log.Logger.Warn().Err(err).Str("agent", agentID.String()).Msg("api: persist agent record failed")
	}

	var token string
	if !resumed {
		issued, err := s.issuer.Issue(a.Claims)
		if err != nil {
			return rpcmux.HandshakeResponse{}, agentID, err
		}
		token = issued
	}

	s.bus.Publish(events.New(events.KindAgentConnected, "agent connected").WithAgent(agentID))
	go s.fetchAddrs(agentID, agentMux)
	return rpcmux.HandshakeResponse{JWT: token}, agentID, nil
}

func parseHandshakeQuery(q url.Values) (mode state.AgentMode, labels []string, localPK bool) {
	for _, part := range strings.Split(q.Get("mode"), ",") {
		switch strings.TrimSpace(part) {
		case "validator":
			mode |= state.ModeValidator
		case "prover":
			mode |= state.ModeProver
		case "client":
			mode |= state.ModeClient
		case "compute":
			mode |= state.ModeCompute
		}
	}
	if raw := q.Get("labels"); raw != "" {
		labels = strings.Split(raw, ",")
	}
	localPK, _ = strconv.ParseBool(q.Get("local_pk"))
	return mode, labels, localPK
}

// fetchAddrs asks the freshly connected agent for its listening ports and
// addresses (get_addrs rides the Parent endpoint: it's an agent-facing
// method the controller calls) and persists the answer.
func (s *Server) fetchAddrs(id ids.AgentId, agentMux *rpcmux.Mux) {
	ctx, cancel := context.WithTimeout(context.Background(), addrsFetchTimeout)
	defer cancel()
	resp, err := rpcmux.CallJSON[rpcmux.Empty, rpcmux.GetAddrsResponse](ctx, agentMux.Parent(), rpcmux.MethodGetAddrs, rpcmux.Empty{})
	if err != nil {
		log.Logger.Warn().Err(err).Str("agent", id.String()).Msg("api: get_addrs failed")
		return
	}

	a, ok := s.pool.Lookup(id)
	if !ok {
		return
	}
	a.Ports = resp.Ports
	a.Addrs = parseAddrs(resp)
	if err := s.trees.Agents.Save(store.AgentKey(id), *a); err != nil {
		log.Logger.Warn().Err(err).Str("agent", id.String()).Msg("api: persist agent addrs failed")
	}
}

func parseAddrs(resp rpcmux.GetAddrsResponse) state.AgentAddrs {
	var addrs state.AgentAddrs
	for _, s := range resp.Internals {
		if ip := net.ParseIP(s); ip != nil {
			addrs.Internal = append(addrs.Internal, ip)
		}
	}
	if resp.External != "" {
		if tcpAddr, err := net.ResolveTCPAddr("tcp", resp.External); err == nil {
			addrs.External = tcpAddr
		}
	}
	return addrs
}

// demoteAgent clears TransportHandle once a connection ends, unless a
// newer connection has already replaced it.
func (s *Server) demoteAgent(id ids.AgentId, agentMux *rpcmux.Mux) {
	a, ok := s.pool.Lookup(id)
	if !ok {
		return
	}
	if m, ok := a.TransportHandle.(*rpcmux.Mux); !ok || m != agentMux {
		return
	}
	a.TransportHandle = nil
	s.bus.Publish(events.New(events.KindAgentDisconnected, "agent disconnected").WithAgent(id))
}

// resolveAddrs implements the address-resolution rule (§8 Address
// resolution correctness): the requester is omitted; when every known
// agent is internal-only the peer's first internal address is used;
// otherwise the peer's external address is used unless it matches the
// requester's own external address, in which case the peer's first
// internal address is preferred. Grounded bit-for-bit on
// original_source/crates/snops/src/server/rpc.rs's resolve_addrs.
func (s *Server) resolveAddrs(requester ids.AgentId, req rpcmux.ResolveAddrsRequest) (rpcmux.ResolveAddrsResponse, error) {
	src, ok := s.pool.Lookup(requester)
	if !ok {
		return rpcmux.ResolveAddrsResponse{}, apierr.UnknownAgent(requester.String())
	}

	allInternal := true
	for _, a := range s.pool.List() {
		if a.Addrs.External != nil {
			allInternal = false
			break
		}
	}

	out := make(map[string]string, len(req.Peers))
	for _, peerID := range req.Peers {
		if peerID == requester {
			continue
		}
		peer, ok := s.pool.Lookup(peerID)
		if !ok {
			continue
		}

		if allInternal {
			if len(peer.Addrs.Internal) > 0 {
				out[peerID.String()] = peer.Addrs.Internal[0].String()
			}
			continue
		}

		switch {
		case src.Addrs.External != nil && peer.Addrs.External != nil &&
			src.Addrs.External.IP.Equal(peer.Addrs.External.IP) && len(peer.Addrs.Internal) > 0:
			out[peerID.String()] = peer.Addrs.Internal[0].String()
		case peer.Addrs.External != nil:
			out[peerID.String()] = peer.Addrs.External.IP.String()
		}
	}

	return rpcmux.ResolveAddrsResponse{Addrs: out}, nil
}

func (s *Server) getEnvInfo(req rpcmux.GetEnvInfoRequest) (rpcmux.GetEnvInfoResponse, error) {
	env, ok, err := s.trees.Envs.Restore(store.EnvKey(req.Env))
	if err != nil {
		return rpcmux.GetEnvInfoResponse{}, apierr.Internal("api", err)
	}
	if !ok {
		return rpcmux.GetEnvInfoResponse{}, nil
	}
	info := env.Info
	return rpcmux.GetEnvInfoResponse{Info: &info}, nil
}

func (s *Server) postAgentStatus(id ids.AgentId, req rpcmux.PostAgentStatusRequest) error {
	a, ok := s.pool.Lookup(id)
	if !ok {
		return apierr.UnknownAgent(id.String())
	}
	a.LastSeen = time.Now().Unix()
	return nil
}
