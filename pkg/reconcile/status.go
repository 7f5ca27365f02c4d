// Package reconcile drives an agent's node process toward the state its
// controller last assigned it: a small tree of sub-reconcilers (env info,
// storage, checkpoint selection, address resolution, process lifecycle)
// run in sequence each tick, gated by a generation counter so the result
// of a cycle that a newer assignment has superseded is discarded (the
// cycle itself is not cancelled).
//
// Grounded on original_source/crates/agent/src/reconcile/{mod,state,
// address,checkpoint,process}.rs: Reconcile[T,E]/ReconcileStatus[T] port
// directly, conditions/requeue/scopes kept, async/await replaced by the
// teacher's goroutine-loop-with-stopCh idiom (pkg/scheduler/scheduler.go).
package reconcile

import (
	"time"
)

// Condition names one reason a reconcile cycle is still settling; the
// Driver records the conditions of a successful cycle as a metrics gauge.
type Condition struct {
	Name   string
	Detail string
}

func PendingTransfer(source string, id uint64) Condition {
	return Condition{Name: "pending_transfer", Detail: source}
}

func PendingProcess(process string) Condition {
	return Condition{Name: "pending_process", Detail: process}
}

func PendingConnection() Condition { return Condition{Name: "pending_connection"} }
func PendingShutdown() Condition   { return Condition{Name: "pending_shutdown"} }
func PendingStartup() Condition    { return Condition{Name: "pending_startup"} }

func MissingFile(path string) Condition {
	return Condition{Name: "missing_file", Detail: path}
}

func InterruptedTransfer(source string, reason string) Condition {
	return Condition{Name: "interrupted_transfer", Detail: source + ": " + reason}
}

// Options is the union-mergeable set of flags a reconcile driver carries
// into its next tick, set by an inbound SetAgentState RPC or a status
// change the driver itself observed.
type Options struct {
	RefetchInfo     bool
	ForceShutdown   bool
	ClearLastHeight bool
}

// Union combines two Options sets; a flag set by either side stays set, so
// repeated merges never lose a pending request.
func (o Options) Union(other Options) Options {
	return Options{
		RefetchInfo:     o.RefetchInfo || other.RefetchInfo,
		ForceShutdown:   o.ForceShutdown || other.ForceShutdown,
		ClearLastHeight: o.ClearLastHeight || other.ClearLastHeight,
	}
}

// Status is the outcome of one sub-reconciler's tick: an optional inner
// value (nil/zero means "no update needed"), an optional requeue delay
// (nil means the driver retries after its current backoff, or sooner on a
// new Assign), and the scopes/conditions accumulated along the way.
type Status[T any] struct {
	Inner       *T
	RequeueAfter *time.Duration
	Scopes      []string
	Conditions  []Condition
}

func Empty[T any]() Status[T] { return Status[T]{} }

func With[T any](v T) Status[T] { return Status[T]{Inner: &v} }

func (s Status[T]) IsRequeue() bool { return s.RequeueAfter != nil }

func (s Status[T]) RequeueIn(d time.Duration) Status[T] {
	s.RequeueAfter = &d
	return s
}

func (s Status[T]) WithScope(scope string) Status[T] {
	s.Scopes = append(s.Scopes, scope)
	return s
}

func (s Status[T]) WithCondition(c Condition) Status[T] {
	for _, existing := range s.Conditions {
		if existing == c {
			return s
		}
	}
	s.Conditions = append(s.Conditions, c)
	return s
}

// Emptied drops the inner value while preserving requeue/scopes/conditions,
// used when one stage's output type doesn't carry forward to the next.
func Emptied[T, U any](s Status[T]) Status[U] {
	return Status[U]{RequeueAfter: s.RequeueAfter, Scopes: s.Scopes, Conditions: s.Conditions}
}
