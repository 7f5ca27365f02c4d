// Package nodeproxy implements the agent-side handlers for the
// controller's node-introspection RPCs: a raw REST GET passthrough plus a
// few typed conveniences (find_transaction, get_snarkos_block_lite,
// set_log_level) layered over the node's local REST API.
// Supplemented feature (SPEC_FULL §3): the original embeds this as an
// in-process tarpc service talking directly to the node binary's rocksdb
// block store (original_source/crates/aot/src/runner/rpc/node.rs); since
// this module supervises the node as an external process rather than
// embedding it, every query here goes out over the node's own REST port
// instead (original_source/crates/agent/src/rpc/agent.rs shows the
// equivalent agent-side RPC server shape this is grounded on).
package nodeproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/snops/pkg/apierr"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/rpcmux"
)

// Proxy answers the controller's node-introspection RPCs by querying the
// node's local REST API at RestAddr (e.g. "http://127.0.0.1:3030").
type Proxy struct {
	RestAddr string
	Client   *http.Client

	logLevel func(verbosity uint8) error
}

func New(restAddr string, setLogLevel func(verbosity uint8) error) *Proxy {
	return &Proxy{RestAddr: restAddr, Client: http.DefaultClient, logLevel: setLogLevel}
}

// Register installs this proxy's handlers on mux's Parent endpoint, where
// the controller's node-introspection calls land.
func (p *Proxy) Register(mux *rpcmux.Mux) {
	rpcmux.RegisterJSON(mux.Parent(), rpcmux.MethodSnarkosGet, p.handleSnarkosGet)
	rpcmux.RegisterJSON(mux.Parent(), rpcmux.MethodFindTransaction, p.handleFindTransaction)
	rpcmux.RegisterJSON(mux.Parent(), rpcmux.MethodGetSnarkosBlockLite, p.handleGetSnarkosBlockLite)
	rpcmux.RegisterJSON(mux.Parent(), rpcmux.MethodSetLogLevel, p.handleSetLogLevel)
}

func (p *Proxy) get(ctx context.Context, route string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.RestAddr+route, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindSchema, "nodeproxy.bad-route", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, apierr.Offline("nodeproxy", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransientNetwork, "nodeproxy.read-failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apierr.New(apierr.KindNotFound, "nodeproxy.node-error", fmt.Sprintf("node returned %d for %s", resp.StatusCode, route))
	}
	return body, nil
}

func (p *Proxy) handleSnarkosGet(ctx context.Context, req rpcmux.SnarkosGetRequest) (rpcmux.SnarkosGetResponse, error) {
	body, err := p.get(ctx, req.Route)
	if err != nil {
		return rpcmux.SnarkosGetResponse{}, err
	}
	return rpcmux.SnarkosGetResponse{Body: string(body)}, nil
}

func (p *Proxy) handleFindTransaction(ctx context.Context, req rpcmux.FindTransactionRequest) (rpcmux.FindTransactionResponse, error) {
	body, err := p.get(ctx, "/transaction/"+req.TransactionID)
	if err != nil {
		if apiErr, ok := err.(*apierr.Error); ok && apiErr.Kind == apierr.KindNotFound {
			return rpcmux.FindTransactionResponse{Found: false}, nil
		}
		return rpcmux.FindTransactionResponse{}, err
	}
	return rpcmux.FindTransactionResponse{Found: true, Status: string(body)}, nil
}

func (p *Proxy) handleGetSnarkosBlockLite(ctx context.Context, req rpcmux.GetSnarkosBlockLiteRequest) (rpcmux.GetSnarkosBlockLiteResponse, error) {
	body, err := p.get(ctx, fmt.Sprintf("/block/%d", req.Height))
	if err != nil {
		return rpcmux.GetSnarkosBlockLiteResponse{}, err
	}
	var lite struct {
		BlockHash string `json:"block_hash"`
		Height    uint32 `json:"height"`
	}
	if err := json.Unmarshal(body, &lite); err != nil {
		return rpcmux.GetSnarkosBlockLiteResponse{}, apierr.Wrap(apierr.KindSchema, "nodeproxy.bad-block-json", err)
	}
	return rpcmux.GetSnarkosBlockLiteResponse{BlockHash: lite.BlockHash, Height: lite.Height}, nil
}

func (p *Proxy) handleSetLogLevel(ctx context.Context, req rpcmux.SetLogLevelRequest) (rpcmux.Empty, error) {
	var verbosity uint8
	if _, err := fmt.Sscanf(req.Level, "%d", &verbosity); err != nil {
		return rpcmux.Empty{}, apierr.New(apierr.KindSchema, "nodeproxy.bad-log-level", "level must be a verbosity integer")
	}
	if p.logLevel == nil {
		log.Logger.Warn().Msg("nodeproxy: set_log_level called but no handler configured")
		return rpcmux.Empty{}, nil
	}
	if err := p.logLevel(verbosity); err != nil {
		return rpcmux.Empty{}, apierr.Wrap(apierr.KindInternal, "nodeproxy.set-log-level-failed", err)
	}
	return rpcmux.Empty{}, nil
}

// BlockInfo is what the supervised node process reports on every block it
// produces or imports, grounded on original_source's SnarkOSBlockInfo.
type BlockInfo struct {
	Height       uint32 `json:"height"`
	StateRoot    string `json:"state_root"`
	BlockHash    string `json:"block_hash"`
	PreviousHash string `json:"previous_hash"`
	Timestamp    int64  `json:"block_timestamp"`
}

// NodeStatusReport is what the node process reports whenever its own
// online/sync status changes.
type NodeStatusReport struct {
	Online bool   `json:"online"`
	Detail string `json:"detail,omitempty"`
}

// CallbackServer is the agent-local HTTP listener the supervised node
// process calls back into to report block and status updates, mirroring
// original_source/crates/agent/src/rpc/agent.rs's AgentNodeRpcServer
// (post_block_info/post_status) but over a plain local HTTP surface rather
// than an in-process tarpc service, since the node here is an external
// process rather than an embedded library.
type CallbackServer struct {
	mux *rpcmux.Mux
	mx  *http.ServeMux
}

// NewCallbackServer builds a CallbackServer that forwards reports to the
// controller over mux's Child-initiated endpoint.
func NewCallbackServer(mux *rpcmux.Mux) *CallbackServer {
	cs := &CallbackServer{mux: mux, mx: http.NewServeMux()}
	cs.mx.HandleFunc("/block_info", cs.handleBlockInfo)
	cs.mx.HandleFunc("/status", cs.handleStatus)
	return cs
}

// Start serves the callback surface on addr until the process exits or the
// listener errors; callers typically run this in its own goroutine.
func (cs *CallbackServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      cs.mx,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

func (cs *CallbackServer) handleBlockInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var info BlockInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	req := rpcmux.PostBlockStatusRequest{
		Height:    info.Height,
		Timestamp: info.Timestamp,
		StateRoot: info.StateRoot,
		BlockHash: info.BlockHash,
		PrevHash:  info.PreviousHash,
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if _, err := rpcmux.CallJSON[rpcmux.PostBlockStatusRequest, rpcmux.Empty](ctx, cs.mux.Child(), rpcmux.MethodPostBlockStatus, req); err != nil {
		// The controller may be briefly disconnected between reconnects;
		// the node keeps producing blocks regardless, so this is logged
		// and dropped rather than surfaced to the node as a failure.
		log.Logger.Debug().Err(err).Msg("nodeproxy: post_block_status dropped, controller unreachable")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (cs *CallbackServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var report NodeStatusReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	req := rpcmux.PostNodeStatusRequest{Status: rpcmux.NodeStatus{Online: report.Online, Detail: report.Detail}}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if _, err := rpcmux.CallJSON[rpcmux.PostNodeStatusRequest, rpcmux.Empty](ctx, cs.mux.Child(), rpcmux.MethodPostNodeStatus, req); err != nil {
		log.Logger.Debug().Err(err).Msg("nodeproxy: post_node_status dropped, controller unreachable")
	}
	w.WriteHeader(http.StatusNoContent)
}
