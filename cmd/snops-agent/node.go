package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/snops/pkg/apierr"
	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/nodekey"
	"github.com/cuemby/snops/pkg/process"
	"github.com/cuemby/snops/pkg/reconcile"
	"github.com/cuemby/snops/pkg/state"
)

// newSnarkosCommandBuilder closes a reconcile.CommandBuilder over the
// agent's fixed port block and storage directory, so ProcessReconciler
// stays agnostic to any one blockchain's CLI surface while this agent
// binds it to snarkOS's. Grounded on
// original_source/crates/agent/src/net.rs's node command construction.
func newSnarkosCommandBuilder(ports state.PortConfig, storageDir, localPrivateKeyFile string) reconcile.CommandBuilder {
	return func(binary string, node state.NodeState, key nodekey.NodeKey) process.Command {
		args := []string{"run", "--type", key.Ty.String()}

		args = append(args,
			"--node", fmt.Sprintf(":%d", ports.Node),
			"--bft", fmt.Sprintf(":%d", ports.BFT),
			"--rest", fmt.Sprintf(":%d", ports.Rest),
			"--metrics", fmt.Sprintf(":%d", ports.Metrics),
		)

		switch node.PrivateKey.Kind {
		case state.KeyLiteral:
			args = append(args, "--private-key", node.PrivateKey.Literal)
		case state.KeyLocal:
			args = append(args, "--private-key-file", localPrivateKeyFile)
		case state.KeyGenerated:
			args = append(args, "--private-key", "random")
		}

		env := make([]string, 0, len(node.EnvVars))
		for k, v := range node.EnvVars {
			env = append(env, k+"="+v)
		}

		return process.Command{Path: binary, Args: args, Dir: storageDir, Env: env}
	}
}

// agentNode implements reconcile.Node for the single snarkOS process an
// agent supervises: address resolution, env info caching, storage
// materialization, process lifecycle, and end-of-life shutdown run in
// sequence each cycle, each stage's condition folded into the overall
// status returned to the driver, which records the conditions as metrics.
type agentNode struct {
	mu     sync.RWMutex
	envID  ids.EnvId
	online bool

	addrs    *reconcile.AddressResolveReconciler
	envInfo  *reconcile.EnvInfoReconciler
	storage  *reconcile.StorageReconciler
	process  *reconcile.ProcessReconciler
	endStage *reconcile.EndProcessReconciler

	binaryURL func(info state.EnvInfo) string
}

// setEnv records the environment a set_agent_state push bound this node
// to; read back by Reconcile on the next cycle via the Driver.
func (n *agentNode) setEnv(env ids.EnvId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.envID = env
}

func (n *agentNode) currentEnv() ids.EnvId {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.envID
}

// isOnline reports the node's last-observed online state, for get_status.
func (n *agentNode) isOnline() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.online
}

func (n *agentNode) Reconcile(ctx context.Context, desired state.NodeState, opts reconcile.Options) (reconcile.Status[struct{}], error) {
	n.mu.Lock()
	n.online = desired.Online
	n.mu.Unlock()

	if !desired.Online {
		status, err := n.endStage.Reconcile(ctx)
		return status, err
	}

	if addrStatus, err := n.addrs.Reconcile(ctx, desired); err != nil {
		return addrStatus, fmt.Errorf("agent: resolve addresses: %w", err)
	} else if addrStatus.IsRequeue() {
		return addrStatus, nil
	}

	envStatus, err := n.envInfo.Reconcile(ctx, n.currentEnv(), opts)
	if err != nil {
		return reconcile.Emptied[reconcile.EnvInfoResult, struct{}](envStatus), fmt.Errorf("agent: fetch env info: %w", err)
	}
	if envStatus.Inner == nil {
		return reconcile.Emptied[reconcile.EnvInfoResult, struct{}](envStatus).WithCondition(reconcile.PendingConnection()), nil
	}
	info := envStatus.Inner.Info

	files := []reconcile.StorageFile{
		{Name: "genesis.block", URL: n.binaryURL(info) + "/genesis.block"},
		{Name: "ledger.tar.gz", URL: n.binaryURL(info) + "/ledger.tar.gz"},
		{Name: "node", URL: n.binaryURL(info) + "/binaries/node"},
	}
	if storageStatus, err := n.storage.Reconcile(ctx, files); err != nil {
		return storageStatus, fmt.Errorf("agent: materialize storage: %w", err)
	}

	procStatus, err := n.process.Reconcile(ctx, desired)
	if err != nil {
		return procStatus, apierr.SpawnFailed(err)
	}
	return procStatus, nil
}

var _ reconcile.Node = (*agentNode)(nil)
