package reconcile

import (
	"context"
	"sync"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/rpcmux"
	"github.com/cuemby/snops/pkg/state"
)

// AddressResolveReconciler resolves the internal AgentPeer entries in a
// node's peers/validators into addresses, caching results so a steady
// peer set costs one controller round trip instead of one per cycle.
// Grounded on
// original_source/crates/agent/src/reconcile/address.rs's
// AddressResolveReconciler: skip entirely once everything is cached,
// go offline-silent (not error) when disconnected, and only resolve the
// set actually missing from cache.
type AddressResolveReconciler struct {
	Endpoint *rpcmux.Mux

	mu       sync.RWMutex
	resolved map[ids.AgentId]string
}

func NewAddressResolveReconciler(endpoint *rpcmux.Mux) *AddressResolveReconciler {
	return &AddressResolveReconciler{Endpoint: endpoint, resolved: make(map[ids.AgentId]string)}
}

func (r *AddressResolveReconciler) cachedAddr(id ids.AgentId) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.resolved[id]
	return addr, ok
}

// Reconcile resolves any internal peer addresses not yet cached for node.
// It never returns an error for a disconnected controller: resolution
// just waits for the next cycle, matching the source's "client offline"
// early-return.
func (r *AddressResolveReconciler) Reconcile(ctx context.Context, node state.NodeState) (Status[struct{}], error) {
	missing := map[ids.AgentId]struct{}{}
	for _, p := range append(append([]state.AgentPeer{}, node.Peers...), node.Validators...) {
		if p.Kind != state.PeerInternal {
			continue
		}
		if _, ok := r.cachedAddr(p.AgentID); !ok {
			missing[p.AgentID] = struct{}{}
		}
	}
	if len(missing) == 0 {
		return With(struct{}{}), nil
	}

	if r.Endpoint == nil {
		log.Logger.Warn().Int("count", len(missing)).Msg("reconcile: addresses need resolving but controller is disconnected")
		return With(struct{}{}).WithCondition(PendingConnection()), nil
	}

	peers := make([]ids.AgentId, 0, len(missing))
	for id := range missing {
		peers = append(peers, id)
	}

	resp, err := rpcmux.CallJSON[rpcmux.ResolveAddrsRequest, rpcmux.ResolveAddrsResponse](
		ctx, r.Endpoint.Child(), rpcmux.MethodResolveAddrs, rpcmux.ResolveAddrsRequest{Peers: peers},
	)
	if err != nil {
		return Empty[struct{}](), err
	}

	r.mu.Lock()
	for idStr, addr := range resp.Addrs {
		id, err := ids.NewAgentId(idStr)
		if err != nil {
			continue
		}
		r.resolved[id] = addr
	}
	r.mu.Unlock()

	return With(struct{}{}), nil
}

// Resolve returns the cached address for an internal peer, if known.
func (r *AddressResolveReconciler) Resolve(id ids.AgentId) (string, bool) {
	return r.cachedAddr(id)
}
