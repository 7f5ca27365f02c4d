// Package events implements the typed broadcast bus and composable filter
// grammar used to fan out reconcile/cannon/transport progress to
// subscribers, including the controller's websocket event feed.
package events

import (
	"time"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/nodekey"
)

// Kind names the event's semantic type, e.g. "reconcile.complete",
// "transaction.broadcasted". Kept as a plain string rather than an enum so
// new event kinds never require a codec change.
type Kind string

const (
	KindReconcileComplete Kind = "reconcile.complete"
	KindReconcileError    Kind = "reconcile.error"
	KindNodeStatus        Kind = "node.status"
	KindBlockStatus       Kind = "block.status"
	KindAgentConnected    Kind = "agent.connected"
	KindAgentDisconnected Kind = "agent.disconnected"
	KindTransactionAuthorized Kind = "transaction.authorized"
	KindTransactionExecuting  Kind = "transaction.executing"
	KindTransactionUnsent     Kind = "transaction.unsent"
	KindTransactionBroadcasted Kind = "transaction.broadcasted"
)

// Event is a single typed occurrence on the bus. The optional tag fields
// are the dimensions EventFilter predicates test against; a field left nil
// means "not applicable to this event", not "wildcard".
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Message   string

	Agent       *ids.AgentId
	Env         *ids.EnvId
	Transaction *ids.TransactionId
	Cannon      *ids.CannonId
	NodeKey     *nodekey.NodeKey
}

// New constructs an Event stamped with the current time.
func New(kind Kind, message string) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Message: message}
}

func (e Event) WithAgent(id ids.AgentId) Event { e.Agent = &id; return e }
func (e Event) WithEnv(id ids.EnvId) Event     { e.Env = &id; return e }
func (e Event) WithTransaction(id ids.TransactionId) Event {
	e.Transaction = &id
	return e
}
func (e Event) WithCannon(id ids.CannonId) Event { e.Cannon = &id; return e }
func (e Event) WithNodeKey(k nodekey.NodeKey) Event {
	e.NodeKey = &k
	return e
}
