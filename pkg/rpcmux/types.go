package rpcmux

import (
	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/state"
)

// HandshakeRequest is sent by an agent on (re)connect, carrying whatever
// session JWT it last stored and a self-reported state; the controller
// records a reported Node state over its own record. pkg/transport's
// client always reports Inventory, so the agent in this module never
// takes that path.
type HandshakeRequest struct {
	JWT     string           `json:"jwt,omitempty"`
	Loki    string           `json:"loki,omitempty"`
	State   state.AgentState `json:"state"`
	EnvInfo *state.EnvInfo   `json:"env_info,omitempty"`
}

// HandshakeResponse carries a freshly issued JWT when the controller wants
// to rotate the agent's session token (e.g. after a nonce bump).
type HandshakeResponse struct {
	JWT string `json:"jwt,omitempty"`
}

// GetAddrsResponse reports an agent's listening ports and known addresses.
type GetAddrsResponse struct {
	Ports     state.PortConfig `json:"ports"`
	External  string           `json:"external,omitempty"`
	Internals []string         `json:"internals,omitempty"`
}

// SetAgentStateRequest pushes a new desired state to an agent.
type SetAgentStateRequest struct {
	State   state.AgentState `json:"state"`
	EnvInfo *state.EnvInfo   `json:"env_info,omitempty"`
}

// BroadcastTxRequest asks an agent's local node to broadcast a raw
// transaction JSON blob.
type BroadcastTxRequest struct {
	TransactionJSON string `json:"transaction_json"`
}

// SnarkosGetRequest proxies a GET route through to the agent's local node
// REST surface (supplemented feature, SPEC_FULL §3).
type SnarkosGetRequest struct {
	Route string `json:"route"`
}

type SnarkosGetResponse struct {
	Body string `json:"body"`
}

// ExecuteAuthorizationRequest asks a compute agent to execute an
// authorization against a query target and return the resulting
// transaction JSON.
type ExecuteAuthorizationRequest struct {
	Env       ids.EnvId     `json:"env"`
	Network   ids.NetworkId `json:"network"`
	QueryAddr string        `json:"query_addr"`
	AuthJSON  string        `json:"auth_json"`
}

type ExecuteAuthorizationResponse struct {
	TransactionJSON string `json:"transaction_json"`
}

type GetMetricRequest struct {
	Metric string `json:"metric"` // e.g. "tps"
}

type GetMetricResponse struct {
	Value float64 `json:"value"`
}

type SetLogLevelRequest struct {
	Level string `json:"level"`
}

type FindTransactionRequest struct {
	TransactionID string `json:"transaction_id"`
}

type FindTransactionResponse struct {
	Found  bool   `json:"found"`
	Status string `json:"status,omitempty"`
}

type GetSnarkosBlockLiteRequest struct {
	Height uint32 `json:"height"`
}

type GetSnarkosBlockLiteResponse struct {
	BlockHash string `json:"block_hash"`
	Height    uint32 `json:"height"`
}

// AgentStatus is the self-reported snapshot returned by get_status; the
// agent in this module fills in only Online (supplemented status-snapshot
// endpoint, SPEC_FULL §3). post_agent_status carries PostAgentStatusRequest.
type AgentStatus struct {
	AgentID    ids.AgentId      `json:"agent_id"`
	State      state.AgentState `json:"state"`
	Online     bool             `json:"online"`
	Height     uint32           `json:"height,omitempty"`
	LastSeen   int64            `json:"last_seen"`
}

// ResolveAddrsRequest asks the controller to resolve a set of peer agent
// ids into addresses relative to the calling agent.
type ResolveAddrsRequest struct {
	Peers []ids.AgentId `json:"peers"`
}

type ResolveAddrsResponse struct {
	Addrs map[string]string `json:"addrs"` // AgentId -> resolved address
}

type GetEnvInfoRequest struct {
	Env ids.EnvId `json:"env"`
}

type GetEnvInfoResponse struct {
	Info *state.EnvInfo `json:"info,omitempty"`
}

// PostAgentStatusRequest is the body of post_agent_status. The controller
// only refreshes the agent's LastSeen from it (Online and Height are not
// read), and the agent in this module does not send it.
type PostAgentStatusRequest struct {
	Online bool   `json:"online"`
	Height uint32 `json:"height,omitempty"`
}

type PostBlockStatusRequest struct {
	Height     uint32 `json:"height"`
	Timestamp  int64  `json:"timestamp"`
	StateRoot  string `json:"state_root"`
	BlockHash  string `json:"block_hash"`
	PrevHash   string `json:"prev_hash"`
}

// NodeStatus is the node-process-level status an agent reports whenever
// its reconciler observes a transition (online/offline, last error).
type NodeStatus struct {
	Online bool   `json:"online"`
	Detail string `json:"detail,omitempty"`
}

type PostNodeStatusRequest struct {
	Status NodeStatus `json:"status"`
}
