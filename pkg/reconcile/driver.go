package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/metrics"
	"github.com/cuemby/snops/pkg/state"
)

// initialBackoff/maxBackoff bound the driver's retry delay after a failed
// cycle; it doubles on each consecutive failure and resets on success.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Node is the sub-reconciler pipeline bound to one node process; the
// driver calls it once per cycle and gates the result by generation.
type Node interface {
	// Reconcile runs one cycle against the current desired state and
	// accumulated Options, returning the next requeue delay (nil = the
	// driver retries after its current backoff, or sooner on a new Assign)
	// and the conditions observed.
	Reconcile(ctx context.Context, desired state.NodeState, opts Options) (Status[struct{}], error)
}

// Driver owns the generation-gating loop for one agent's node process:
// it coalesces rapid SetAgentState pushes into a single pending
// generation, discards the result of an in-flight cycle that a newer
// generation has superseded (the cycle is not cancelled; it runs to
// completion first), and applies exponential backoff on failures.
type Driver struct {
	node Node

	mu         sync.Mutex
	generation uint64
	desired    state.NodeState
	opts       Options

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDriver constructs a Driver around a Node pipeline.
func NewDriver(node Node) *Driver {
	return &Driver{
		node:   node,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Assign pushes a new desired NodeState and/or Options to the driver,
// bumping the generation so any in-flight older cycle is abandoned once it
// next checks in, and coalescing with any not-yet-started pending push.
func (d *Driver) Assign(desired state.NodeState, opts Options) {
	d.mu.Lock()
	d.generation++
	d.desired = desired
	d.opts = d.opts.Union(opts)
	d.mu.Unlock()

	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

func (d *Driver) currentGeneration() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation
}

func (d *Driver) snapshot() (uint64, state.NodeState, Options) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation, d.desired, d.opts
}

// Run drives reconcile cycles until ctx is cancelled or Stop is called.
// A cycle already in flight when a newer generation is Assign'd is left to
// finish, but its result is discarded (not counted as ok/error, options not
// cleared) once the generation check after it returns finds it stale.
func (d *Driver) Run(ctx context.Context) {
	defer close(d.doneCh)

	backoff := initialBackoff

	for {
		gen, desired, opts := d.snapshot()

		timer := metrics.NewTimer()
		status, err := d.node.Reconcile(ctx, desired, opts)
		timer.ObserveDuration(metrics.ReconciliationDuration)

		if d.currentGeneration() != gen {
			metrics.ReconciliationCyclesTotal.WithLabelValues("superseded").Inc()
			log.Logger.Debug().Uint64("generation", gen).Msg("reconcile: cycle superseded by newer generation")
		} else if err != nil {
			metrics.ReconciliationCyclesTotal.WithLabelValues("error").Inc()
			log.Logger.Warn().Err(err).Uint64("generation", gen).Msg("reconcile: cycle failed")
			backoff = minDuration(backoff*2, maxBackoff)
		} else {
			metrics.ReconciliationCyclesTotal.WithLabelValues("ok").Inc()
			backoff = initialBackoff
			d.clearOptionsIfApplied(gen, opts)
			d.recordConditions(status.Conditions)
		}

		wait := backoff
		if err == nil && status.RequeueAfter != nil {
			wait = *status.RequeueAfter
		}

		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-d.wakeCh:
			continue
		case <-time.After(wait):
			continue
		}
	}
}

// clearOptionsIfApplied resets the force/refetch/clear flags once a cycle
// at gen has successfully applied them, so they are not repeated forever;
// it no-ops if a newer Assign already replaced the pending options.
func (d *Driver) clearOptionsIfApplied(gen uint64, applied Options) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.generation != gen {
		return
	}
	if d.opts == applied {
		d.opts = Options{}
	}
}

func (d *Driver) recordConditions(conditions []Condition) {
	for _, c := range conditions {
		metrics.ReconcileConditionsGauge.WithLabelValues(c.Name).Set(1)
	}
}

// Stop halts the driver loop and waits for Run to return.
func (d *Driver) Stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	<-d.doneCh
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
