// Package nodekey implements NodeKey, the canonical "type/id@namespace"
// identity of a node inside an environment, and NodeTargets, the wildcard
// pattern matcher used to designate sets of nodes in environment specs and
// cannon configuration.
package nodekey

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cuemby/snops/pkg/wire"
)

// NodeType is the node role component of a NodeKey.
type NodeType uint8

const (
	Client NodeType = iota
	Validator
	Prover
)

func (t NodeType) String() string {
	switch t {
	case Client:
		return "client"
	case Validator:
		return "validator"
	case Prover:
		return "prover"
	default:
		return "unknown"
	}
}

func parseNodeType(s string) (NodeType, bool) {
	switch s {
	case "client":
		return Client, true
	case "validator":
		return Validator, true
	case "prover":
		return Prover, true
	default:
		return 0, false
	}
}

// componentPattern accepts non-empty id and namespace components that are
// alphanumeric-with-separators; the grammar itself enforces structure via
// the surrounding '/' and '@' delimiters.
var componentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// NodeKey identifies a node within an environment: type, an optional id
// (elided local namespace), and an optional namespace for nodes belonging
// to a different environment than the one being addressed from.
type NodeKey struct {
	Ty        NodeType
	Id        string
	Namespace string // empty means "local" (the caller's own environment)
}

// Parse reads a NodeKey from its canonical textual form:
//
//	type
//	type/id
//	type@namespace
//	type/id@namespace
func Parse(s string) (NodeKey, error) {
	rest := s
	namespace := ""
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		namespace = rest[at+1:]
		rest = rest[:at]
		if namespace == "" || !componentPattern.MatchString(namespace) {
			return NodeKey{}, fmt.Errorf("nodekey: invalid namespace in %q", s)
		}
	}

	id := ""
	typePart := rest
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		typePart = rest[:slash]
		id = rest[slash+1:]
		if id == "" || !componentPattern.MatchString(id) {
			return NodeKey{}, fmt.Errorf("nodekey: invalid id in %q", s)
		}
	}

	ty, ok := parseNodeType(typePart)
	if !ok {
		return NodeKey{}, fmt.Errorf("nodekey: invalid type in %q", s)
	}

	return NodeKey{Ty: ty, Id: id, Namespace: namespace}, nil
}

// String renders the canonical textual form, eliding the id and namespace
// when empty.
func (k NodeKey) String() string {
	var b strings.Builder
	b.WriteString(k.Ty.String())
	if k.Id != "" {
		b.WriteByte('/')
		b.WriteString(k.Id)
	}
	if k.Namespace != "" {
		b.WriteByte('@')
		b.WriteString(k.Namespace)
	}
	return b.String()
}

func (k NodeKey) WriteTo(w *wire.Writer) (int, error) {
	total := 0
	n, err := w.PutUint8(uint8(k.Ty))
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.PutString(k.Id)
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.PutString(k.Namespace)
	total += n
	return total, err
}

func ReadNodeKey(r *wire.Reader) (NodeKey, error) {
	ty, err := r.GetUint8()
	if err != nil {
		return NodeKey{}, err
	}
	if ty > uint8(Prover) {
		return NodeKey{}, fmt.Errorf("nodekey: invalid NodeType discriminant %d", ty)
	}
	id, err := r.GetString()
	if err != nil {
		return NodeKey{}, err
	}
	namespace, err := r.GetString()
	if err != nil {
		return NodeKey{}, err
	}
	return NodeKey{Ty: NodeType(ty), Id: id, Namespace: namespace}, nil
}

// Compare provides the total order keys are sorted by: (type, id, namespace).
func (k NodeKey) Compare(other NodeKey) int {
	if k.Ty != other.Ty {
		if k.Ty < other.Ty {
			return -1
		}
		return 1
	}
	if k.Id != other.Id {
		if k.Id < other.Id {
			return -1
		}
		return 1
	}
	if k.Namespace != other.Namespace {
		if k.Namespace < other.Namespace {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether k sorts before other; convenience for sort.Slice.
func (k NodeKey) Less(other NodeKey) bool { return k.Compare(other) < 0 }

const wildcard = "any"

// IsWildcardId reports whether id designates "every id of this type".
func IsWildcardId(id string) bool { return id == wildcard }

// Target is a single pattern element: a node type plus optional wildcard
// id/namespace. An empty Id means "any" id ("validator/any" parses to it);
// an empty Namespace means the local namespace only, and "*" means every
// namespace (e.g. "client/foo@*").
type Target struct {
	Ty        NodeType
	Id        string // "" or "any" matches every id
	Namespace string // "" matches local; "*" matches every namespace
}

// ParseTarget reads a single target pattern, e.g. "validator/any",
// "client/foo@*", "prover".
func ParseTarget(s string) (Target, error) {
	rest := s
	namespace := ""
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		namespace = rest[at+1:]
		rest = rest[:at]
	}

	id := ""
	typePart := rest
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		typePart = rest[:slash]
		id = rest[slash+1:]
	}

	ty, ok := parseNodeType(typePart)
	if !ok {
		return Target{}, fmt.Errorf("nodekey: invalid type in target %q", s)
	}
	if id == wildcard {
		id = ""
	}
	return Target{Ty: ty, Id: id, Namespace: namespace}, nil
}

// Matches reports whether k satisfies this target pattern.
func (t Target) Matches(k NodeKey) bool {
	if t.Ty != k.Ty {
		return false
	}
	if t.Id != "" && t.Id != k.Id {
		return false
	}
	switch t.Namespace {
	case "":
		if k.Namespace != "" {
			return false
		}
	case "*":
		// matches any namespace including local
	default:
		if t.Namespace != k.Namespace {
			return false
		}
	}
	return true
}

func (t Target) String() string {
	var b strings.Builder
	b.WriteString(t.Ty.String())
	b.WriteByte('/')
	if t.Id == "" {
		b.WriteString(wildcard)
	} else {
		b.WriteString(t.Id)
	}
	if t.Namespace != "" {
		b.WriteByte('@')
		b.WriteString(t.Namespace)
	}
	return b.String()
}

// Targets is a union of Target patterns: a NodeKey matches if any member
// pattern matches. This is the set-algebra half of the NodeTargets
// contract (union only; spec examples never combine intersection/negation).
type Targets struct {
	members []Target
}

// NewTargets builds a Targets set from individual patterns.
func NewTargets(members ...Target) Targets {
	return Targets{members: members}
}

// ParseTargets reads a comma-separated list of target patterns.
func ParseTargets(s string) (Targets, error) {
	parts := strings.Split(s, ",")
	members := make([]Target, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		t, err := ParseTarget(p)
		if err != nil {
			return Targets{}, err
		}
		members = append(members, t)
	}
	return Targets{members: members}, nil
}

// Matches reports whether k satisfies any member pattern.
func (ts Targets) Matches(k NodeKey) bool {
	for _, t := range ts.members {
		if t.Matches(k) {
			return true
		}
	}
	return false
}

func (ts Targets) String() string {
	parts := make([]string, len(ts.members))
	for i, t := range ts.members {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}
