package reconcile

import (
	"context"
	"fmt"

	"github.com/cuemby/snops/pkg/apierr"
	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/rpcmux"
	"github.com/cuemby/snops/pkg/state"
)

// EnvInfoResult wraps the cached EnvInfo with a Changed flag so downstream
// stages (storage, checkpoint selection) know whether to treat this cycle
// as a fresh environment assignment rather than a no-op refresh.
type EnvInfoResult struct {
	Info    state.EnvInfo
	Changed bool
}

// EnvInfoReconciler keeps the agent's cached EnvInfo in sync with the
// controller: it fetches get_env_info on first entry into a Node(env, _)
// state or on an explicit RefetchInfo request, reporting whether the
// storage id/version/network actually diverged from what was cached.
// Grounded on original_source/crates/agent/src/reconcile/state.rs's
// EnvState.changed change-detection, generalized from a single DataFormat
// struct comparison into a reconciler stage.
type EnvInfoReconciler struct {
	Endpoint *rpcmux.Mux
	Cached   *state.EnvInfo
}

func (r *EnvInfoReconciler) changed(info state.EnvInfo) bool {
	if r.Cached == nil {
		return true
	}
	return r.Cached.Storage.Version != info.Storage.Version ||
		r.Cached.Storage.ID != info.Storage.ID ||
		r.Cached.NetworkID != info.NetworkID
}

// Reconcile fetches fresh EnvInfo when needed and updates the cache.
func (r *EnvInfoReconciler) Reconcile(ctx context.Context, env ids.EnvId, opts Options) (Status[EnvInfoResult], error) {
	if r.Cached != nil && !opts.RefetchInfo {
		return With(EnvInfoResult{Info: *r.Cached}), nil
	}
	if r.Endpoint == nil {
		return Empty[EnvInfoResult](), apierr.Offline("reconcile.env_info", fmt.Errorf("no connection to controller"))
	}

	info, err := rpcmux.CallJSON[rpcmux.GetEnvInfoRequest, state.EnvInfo](
		ctx, r.Endpoint.Child(), rpcmux.MethodGetEnvInfo, rpcmux.GetEnvInfoRequest{Env: env},
	)
	if err != nil {
		return Empty[EnvInfoResult](), apierr.Wrap(apierr.KindTransientNetwork, "reconcile.env_info.fetch-failed", err)
	}

	changed := r.changed(info)
	r.Cached = &info
	return With(EnvInfoResult{Info: info, Changed: changed}), nil
}
