package state

import (
	"fmt"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/nodekey"
	"github.com/cuemby/snops/pkg/wire"
)

// TrackerStatusKind discriminates the tracker entry's lifecycle stage.
type TrackerStatusKind uint8

const (
	TrackerAuthorized TrackerStatusKind = iota
	TrackerExecuting
	TrackerUnsent
	TrackerBroadcasted
)

// TrackerStatus is the tracker entry's current pipeline stage. Executing
// and Broadcasted carry a timestamp (unix seconds) marking when that stage
// was entered, used to detect timeouts; Broadcasted additionally carries
// the block height the transaction landed in, once known.
type TrackerStatus struct {
	Kind           TrackerStatusKind
	Since          int64
	BroadcastBlock *uint32
}

func Authorized() TrackerStatus { return TrackerStatus{Kind: TrackerAuthorized} }
func Executing(since int64) TrackerStatus {
	return TrackerStatus{Kind: TrackerExecuting, Since: since}
}
func Unsent() TrackerStatus { return TrackerStatus{Kind: TrackerUnsent} }
func Broadcasted(since int64, height *uint32) TrackerStatus {
	return TrackerStatus{Kind: TrackerBroadcasted, Since: since, BroadcastBlock: height}
}

func (s TrackerStatus) String() string {
	switch s.Kind {
	case TrackerAuthorized:
		return "authorized"
	case TrackerExecuting:
		return "executing"
	case TrackerUnsent:
		return "unsent"
	case TrackerBroadcasted:
		return "broadcasted"
	default:
		return "unknown"
	}
}

func putUint32(w *wire.Writer, v uint32) (int, error) { return w.PutUint32(v) }
func getUint32(r *wire.Reader) (uint32, error)         { return r.GetUint32() }

func (s TrackerStatus) WriteTo(w *wire.Writer) (int, error) {
	total := 0
	n, err := w.PutUint8(uint8(s.Kind))
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.PutInt64(s.Since)
	total += n
	if err != nil {
		return total, err
	}
	n, err = wire.PutOption(w, s.BroadcastBlock, putUint32)
	total += n
	return total, err
}

func ReadTrackerStatus(r *wire.Reader) (TrackerStatus, error) {
	kind, err := r.GetUint8()
	if err != nil {
		return TrackerStatus{}, err
	}
	if kind > uint8(TrackerBroadcasted) {
		return TrackerStatus{}, fmt.Errorf("state: invalid TrackerStatus discriminant %d", kind)
	}
	since, err := r.GetInt64()
	if err != nil {
		return TrackerStatus{}, err
	}
	block, err := wire.GetOption(r, getUint32)
	if err != nil {
		return TrackerStatus{}, err
	}
	return TrackerStatus{Kind: TrackerStatusKind(kind), Since: since, BroadcastBlock: block}, nil
}

// TrackerKey indexes the cannon tracker: (EnvId, CannonId, TransactionId).
type TrackerKey struct {
	Env    ids.EnvId
	Cannon ids.CannonId
	Tx     ids.TransactionId
}

// TrackerEntry is one transaction's durable record. Index preserves
// insertion order across the tracker so replay on startup proceeds in the
// original order; Authorization/Transaction hold opaque blobs produced by
// the authorize/execute stages.
type TrackerEntry struct {
	Index         uint64
	Authorization []byte
	Transaction   []byte
	Status        TrackerStatus
	Attempts      uint32
}

func (e TrackerEntry) WriteTo(w *wire.Writer) (int, error) {
	total := 0
	n, err := w.PutUint64(e.Index)
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.PutBytes(e.Authorization)
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.PutBytes(e.Transaction)
	total += n
	if err != nil {
		return total, err
	}
	n, err = e.Status.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.PutUint32(e.Attempts)
	total += n
	return total, err
}

func ReadTrackerEntry(r *wire.Reader) (TrackerEntry, error) {
	index, err := r.GetUint64()
	if err != nil {
		return TrackerEntry{}, err
	}
	auth, err := r.GetBytes()
	if err != nil {
		return TrackerEntry{}, err
	}
	tx, err := r.GetBytes()
	if err != nil {
		return TrackerEntry{}, err
	}
	status, err := ReadTrackerStatus(r)
	if err != nil {
		return TrackerEntry{}, err
	}
	attempts, err := r.GetUint32()
	if err != nil {
		return TrackerEntry{}, err
	}
	return TrackerEntry{Index: index, Authorization: auth, Transaction: tx, Status: status, Attempts: attempts}, nil
}

// AuthorizeSourceKind discriminates where a cannon's authorizations come
// from.
type AuthorizeSourceKind uint8

const (
	AuthorizeListen AuthorizeSourceKind = iota
	AuthorizePlayback
	AuthorizeRealtime
)

type AuthorizeSource struct {
	Kind         AuthorizeSourceKind
	PlaybackFile string // set iff Kind == AuthorizePlayback
}

// QueryTargetKind discriminates where the execute stage's query requests
// are sent.
type QueryTargetKind uint8

const (
	QueryLocal QueryTargetKind = iota
	QueryNode
)

type QueryTarget struct {
	Kind    QueryTargetKind
	Targets nodekey.Targets // set iff Kind == QueryNode
}

// CannonSinkKind discriminates a broadcast sink. Unifies the source's
// separate file_name/target persisted fields into one sum type (decided
// open question, see DESIGN.md): a sink is either a file append path or a
// node target set, never an ambiguous combination of optional fields.
type CannonSinkKind uint8

const (
	SinkFile CannonSinkKind = iota
	SinkNode
)

// CannonSink is one broadcast destination; a cannon's Sinks list may
// contain both a file sink and a node sink simultaneously (the source's
// "Sink and/or Node" contract), each represented as its own CannonSink
// value rather than optional fields on a shared struct.
type CannonSink struct {
	Kind    CannonSinkKind
	Path    string          // set iff Kind == SinkFile
	Targets nodekey.Targets // set iff Kind == SinkNode
}

func FileSink(path string) CannonSink { return CannonSink{Kind: SinkFile, Path: path} }
func NodeSink(targets nodekey.Targets) CannonSink {
	return CannonSink{Kind: SinkNode, Targets: targets}
}

// ComputePolicy selects which agents may serve as compute for a cannon's
// execute stage: any agent reporting ModeCompute, or a specific label set.
type ComputePolicy struct {
	AnyCompute bool
	Labels     []string
}

// CannonConfig is one cannon's static configuration, parsed from an
// environment spec's cannon documents.
type CannonConfig struct {
	ID                ids.CannonId
	Authorize         AuthorizeSource
	Query             QueryTarget
	Sinks             []CannonSink
	Compute           ComputePolicy
	AuthorizeTimeout  int64 // seconds
	BroadcastTimeout  int64 // seconds
	AuthorizeAttempts uint32
	BroadcastAttempts uint32
}
