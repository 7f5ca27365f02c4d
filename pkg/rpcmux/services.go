package rpcmux

import (
	"context"
	"encoding/json"
	"fmt"
)

// RegisterJSON installs a typed handler on e for method, marshaling through
// JSON like CallJSON does on the caller side.
func RegisterJSON[Req any, Resp any](e *endpoint, method string, fn func(ctx context.Context, req Req) (Resp, error)) {
	e.Register(method, func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("rpcmux: unmarshal %s request: %w", method, err)
			}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
}

// Method names for the agent-facing service surface (§4.3). Calls
// originate from the controller and are served by the agent, so they ride
// the Parent-initiated endpoint. The exception is handshake, which the
// agent sends on the Child endpoint when it connects and the controller
// serves.
const (
	MethodHandshake             = "handshake"
	MethodGetAddrs               = "get_addrs"
	MethodSetAgentState          = "set_agent_state"
	MethodBroadcastTx            = "broadcast_tx"
	MethodSnarkosGet             = "snarkos_get"
	MethodKill                   = "kill"
	MethodExecuteAuthorization   = "execute_authorization"
	MethodGetMetric              = "get_metric"
	MethodSetLogLevel            = "set_log_level"
	MethodFindTransaction        = "find_transaction"
	MethodGetSnarkosBlockLite    = "get_snarkos_block_lite"
	MethodGetStatus              = "get_status"
)

// Method names for the controller-facing service surface (§4.3). Calls
// originate from an agent and are served by the controller, so they ride
// the Child-initiated endpoint.
const (
	MethodResolveAddrs   = "resolve_addrs"
	MethodGetEnvInfo     = "get_env_info"
	MethodPostAgentStatus = "post_agent_status"
	MethodPostBlockStatus = "post_block_status"
	MethodPostNodeStatus  = "post_node_status"
)

// Empty is used where a call carries no meaningful request or response
// body (kill(), for instance).
type Empty struct{}
