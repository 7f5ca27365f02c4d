package events

import (
	"fmt"
	"strings"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/nodekey"
)

// Filter is a boolean predicate over Event, composed from leaf predicates
// and combinators. Every Filter round-trips through its canonical textual
// form via String/ParseFilter.
type Filter interface {
	Matches(e Event) bool
	String() string
}

// --- combinators ---

type allOf struct{ members []Filter }
type anyOf struct{ members []Filter }
type oneOf struct{ members []Filter }
type not struct{ inner Filter }

func AllOf(members ...Filter) Filter { return allOf{members} }
func AnyOf(members ...Filter) Filter { return anyOf{members} }
func OneOf(members ...Filter) Filter { return oneOf{members} }
func Not(inner Filter) Filter        { return not{inner} }

func (f allOf) Matches(e Event) bool {
	for _, m := range f.members {
		if !m.Matches(e) {
			return false
		}
	}
	return true
}

func (f anyOf) Matches(e Event) bool {
	for _, m := range f.members {
		if m.Matches(e) {
			return true
		}
	}
	return false
}

func (f oneOf) Matches(e Event) bool {
	count := 0
	for _, m := range f.members {
		if m.Matches(e) {
			count++
		}
	}
	return count == 1
}

func (f not) Matches(e Event) bool { return !f.inner.Matches(e) }

func joinMembers(members []Filter) string {
	parts := make([]string, len(members))
	for i, m := range members {
		parts[i] = m.String()
	}
	return strings.Join(parts, ", ")
}

func (f allOf) String() string { return "all-of(" + joinMembers(f.members) + ")" }
func (f anyOf) String() string { return "any-of(" + joinMembers(f.members) + ")" }
func (f oneOf) String() string { return "one-of(" + joinMembers(f.members) + ")" }
func (f not) String() string   { return "not(" + f.inner.String() + ")" }

// --- leaf predicates ---

type unfiltered struct{}

func Unfiltered() Filter              { return unfiltered{} }
func (unfiltered) Matches(Event) bool { return true }
func (unfiltered) String() string     { return "unfiltered" }

type agentIs struct{ id ids.AgentId }

func AgentIs(id ids.AgentId) Filter { return agentIs{id} }
func (f agentIs) Matches(e Event) bool {
	return e.Agent != nil && *e.Agent == f.id
}
func (f agentIs) String() string { return "agent-is(" + f.id.String() + ")" }

type envIs struct{ id ids.EnvId }

func EnvIs(id ids.EnvId) Filter { return envIs{id} }
func (f envIs) Matches(e Event) bool {
	return e.Env != nil && *e.Env == f.id
}
func (f envIs) String() string { return "env-is(" + f.id.String() + ")" }

type transactionIs struct{ id ids.TransactionId }

func TransactionIs(id ids.TransactionId) Filter { return transactionIs{id} }
func (f transactionIs) Matches(e Event) bool {
	return e.Transaction != nil && *e.Transaction == f.id
}
func (f transactionIs) String() string { return "transaction-is(" + string(f.id) + ")" }

type cannonIs struct{ id ids.CannonId }

func CannonIs(id ids.CannonId) Filter { return cannonIs{id} }
func (f cannonIs) Matches(e Event) bool {
	return e.Cannon != nil && *e.Cannon == f.id
}
func (f cannonIs) String() string { return "cannon-is(" + f.id.String() + ")" }

type eventIs struct{ kind Kind }

func EventIs(kind Kind) Filter { return eventIs{kind} }
func (f eventIs) Matches(e Event) bool {
	return e.Kind == f.kind
}
func (f eventIs) String() string { return "event-is(" + string(f.kind) + ")" }

type nodeKeyIs struct{ key nodekey.NodeKey }

func NodeKeyIs(key nodekey.NodeKey) Filter { return nodeKeyIs{key} }
func (f nodeKeyIs) Matches(e Event) bool {
	return e.NodeKey != nil && e.NodeKey.Compare(f.key) == 0
}
func (f nodeKeyIs) String() string { return "node-key-is(" + f.key.String() + ")" }

type nodeTargetIs struct{ targets nodekey.Targets }

func NodeTargetIs(targets nodekey.Targets) Filter { return nodeTargetIs{targets} }
func (f nodeTargetIs) Matches(e Event) bool {
	return e.NodeKey != nil && f.targets.Matches(*e.NodeKey)
}
func (f nodeTargetIs) String() string { return "node-target-is(" + f.targets.String() + ")" }

type hasAgent struct{}

func HasAgent() Filter                { return hasAgent{} }
func (hasAgent) Matches(e Event) bool { return e.Agent != nil }
func (hasAgent) String() string       { return "has-agent" }

type hasEnv struct{}

func HasEnv() Filter                { return hasEnv{} }
func (hasEnv) Matches(e Event) bool { return e.Env != nil }
func (hasEnv) String() string       { return "has-env" }

type hasTransaction struct{}

func HasTransaction() Filter                { return hasTransaction{} }
func (hasTransaction) Matches(e Event) bool { return e.Transaction != nil }
func (hasTransaction) String() string       { return "has-transaction" }

type hasCannon struct{}

func HasCannon() Filter                { return hasCannon{} }
func (hasCannon) Matches(e Event) bool { return e.Cannon != nil }
func (hasCannon) String() string       { return "has-cannon" }

type hasNodeKey struct{}

func HasNodeKey() Filter                { return hasNodeKey{} }
func (hasNodeKey) Matches(e Event) bool { return e.NodeKey != nil }
func (hasNodeKey) String() string       { return "has-node-key" }

// --- parser ---

// ParseFilter reads the canonical textual grammar, e.g.
// "all-of(env-is(default), node-target-is(validator/any))".
func ParseFilter(s string) (Filter, error) {
	p := &filterParser{input: s}
	f, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("events: unexpected trailing input at %d in %q", p.pos, s)
	}
	return f, nil
}

type filterParser struct {
	input string
	pos   int
}

func (p *filterParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *filterParser) parseIdent() string {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == '(' || c == ')' || c == ',' || c == ' ' || c == '\t' {
			break
		}
		p.pos++
	}
	return p.input[start:p.pos]
}

func (p *filterParser) parseArgList() ([]Filter, error) {
	var args []Filter
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == ')' {
		p.pos++
		return args, nil
	}
	for {
		f, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		args = append(args, f)
		p.skipSpace()
		if p.pos >= len(p.input) {
			return nil, fmt.Errorf("events: unterminated argument list")
		}
		switch p.input[p.pos] {
		case ',':
			p.pos++
			p.skipSpace()
		case ')':
			p.pos++
			return args, nil
		default:
			return nil, fmt.Errorf("events: expected ',' or ')' at %d", p.pos)
		}
	}
}

func (p *filterParser) parseFilter() (Filter, error) {
	p.skipSpace()
	name := p.parseIdent()
	if name == "" {
		return nil, fmt.Errorf("events: expected filter name at %d", p.pos)
	}
	p.skipSpace()
	hasArgs := p.pos < len(p.input) && p.input[p.pos] == '('
	var args []Filter
	var arg string
	if hasArgs {
		p.pos++
		switch name {
		case "agent-is", "env-is", "transaction-is", "cannon-is", "event-is", "node-key-is", "node-target-is":
			p.skipSpace()
			arg = p.parseIdent()
			p.skipSpace()
			if p.pos >= len(p.input) || p.input[p.pos] != ')' {
				return nil, fmt.Errorf("events: expected ')' closing %s at %d", name, p.pos)
			}
			p.pos++
		default:
			var err error
			args, err = p.parseArgList()
			if err != nil {
				return nil, err
			}
		}
	}

	switch name {
	case "unfiltered":
		return Unfiltered(), nil
	case "has-agent":
		return HasAgent(), nil
	case "has-env":
		return HasEnv(), nil
	case "has-transaction":
		return HasTransaction(), nil
	case "has-cannon":
		return HasCannon(), nil
	case "has-node-key":
		return HasNodeKey(), nil
	case "all-of":
		return AllOf(args...), nil
	case "any-of":
		return AnyOf(args...), nil
	case "one-of":
		return OneOf(args...), nil
	case "not":
		if len(args) != 1 {
			return nil, fmt.Errorf("events: not() takes exactly one argument")
		}
		return Not(args[0]), nil
	case "agent-is":
		id, err := ids.NewAgentId(arg)
		if err != nil {
			return nil, err
		}
		return AgentIs(id), nil
	case "env-is":
		id, err := ids.NewEnvId(arg)
		if err != nil {
			return nil, err
		}
		return EnvIs(id), nil
	case "transaction-is":
		return TransactionIs(ids.TransactionId(arg)), nil
	case "cannon-is":
		id, err := ids.NewCannonId(arg)
		if err != nil {
			return nil, err
		}
		return CannonIs(id), nil
	case "event-is":
		return EventIs(Kind(arg)), nil
	case "node-key-is":
		key, err := nodekey.Parse(arg)
		if err != nil {
			return nil, err
		}
		return NodeKeyIs(key), nil
	case "node-target-is":
		targets, err := nodekey.ParseTargets(arg)
		if err != nil {
			return nil, err
		}
		return NodeTargetIs(targets), nil
	default:
		return nil, fmt.Errorf("events: unknown filter %q", name)
	}
}
