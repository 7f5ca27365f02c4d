package reconcile

import (
	"context"
	"time"

	"github.com/cuemby/snops/pkg/process"
)

// endProcessRequeue is how often EndProcessReconciler reports back while
// waiting for the child to exit, matching the 1s interval the source
// requeues EndProcessReconciler at.
const endProcessRequeue = 1 * time.Second

// EndProcessReconciler drives a supervised child to a full stop across
// repeated non-blocking ticks instead of blocking the reconcile driver for
// up to process.ShutdownDeadline. Grounded on
// original_source/crates/agent/src/reconcile/process.rs's
// EndProcessReconciler::reconcile.
type EndProcessReconciler struct {
	Supervisor *process.Supervisor
}

// Reconcile returns a requeue-after-1s status with PendingShutdown set
// until the child has exited, at which point it returns a final status
// with no requeue.
func (r *EndProcessReconciler) Reconcile(ctx context.Context) (Status[struct{}], error) {
	if !r.Supervisor.IsRunning() {
		return With(struct{}{}), nil
	}

	if exited := r.Supervisor.StepShutdown(); exited {
		return With(struct{}{}), nil
	}

	return Empty[struct{}]().WithCondition(PendingShutdown()).RequeueIn(endProcessRequeue), nil
}
