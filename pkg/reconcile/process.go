package reconcile

import (
	"context"
	"fmt"

	"github.com/cuemby/snops/pkg/nodekey"
	"github.com/cuemby/snops/pkg/process"
	"github.com/cuemby/snops/pkg/state"
)

// CommandBuilder turns a node's desired state into the concrete argv the
// node binary is launched with; swappable per network so this package
// stays agnostic to any one blockchain's CLI surface.
type CommandBuilder func(binary string, node state.NodeState, key nodekey.NodeKey) process.Command

// ProcessReconciler keeps the supervised child process in sync with the
// node's desired state: spawns it if absent, restarts it if the computed
// Command differs from what's running (binary override, key, or ports
// changed), and otherwise leaves a healthy child alone. Grounded on
// original_source/crates/agent/src/reconcile/process.rs's ProcessContext,
// generalized from one hardcoded launch command to a pluggable builder.
type ProcessReconciler struct {
	Supervisor *process.Supervisor
	Binary     string
	Build      CommandBuilder
}

// Reconcile ensures the supervised child matches the desired node state.
func (r *ProcessReconciler) Reconcile(ctx context.Context, node state.NodeState) (Status[struct{}], error) {
	if !node.Online {
		return With(struct{}{}), nil
	}

	binary := r.Binary
	if node.BinaryOverride != nil {
		binary = *node.BinaryOverride
	}
	want := r.Build(binary, node, node.Key)

	current, running := r.Supervisor.Current()
	if running {
		if current.Equal(want) {
			return With(struct{}{}), nil
		}
		// Desired command changed (binary override, ports, or key
		// rotated) — restart against the new command.
		if err := r.Supervisor.GracefulShutdown(ctx); err != nil {
			return Empty[struct{}](), fmt.Errorf("reconcile: process: shutdown for restart: %w", err)
		}
	}

	if err := r.Supervisor.Spawn(want); err != nil {
		return Empty[struct{}]().WithCondition(PendingProcess(want.Path)), err
	}
	return With(struct{}{}).WithCondition(PendingStartup()), nil
}
