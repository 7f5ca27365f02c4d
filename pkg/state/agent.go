package state

import (
	"fmt"
	"net"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/nodekey"
	"github.com/cuemby/snops/pkg/wire"
)

// AgentPeerKind discriminates AgentPeer variants.
type AgentPeerKind uint8

const (
	PeerInternal AgentPeerKind = iota
	PeerExternal
)

// AgentPeer is one peer/validator address as seen from a specific agent:
// either another agent on the internal network (resolved by id+port at
// reconcile time) or a bare external socket address.
type AgentPeer struct {
	Kind     AgentPeerKind
	AgentID  ids.AgentId // set iff Kind == PeerInternal
	Port     uint16      // set iff Kind == PeerInternal
	External *net.TCPAddr
}

func InternalPeer(agentID ids.AgentId, port uint16) AgentPeer {
	return AgentPeer{Kind: PeerInternal, AgentID: agentID, Port: port}
}

func ExternalPeer(addr *net.TCPAddr) AgentPeer {
	return AgentPeer{Kind: PeerExternal, External: addr}
}

func (p AgentPeer) WriteTo(w *wire.Writer) (int, error) {
	n, err := w.PutUint8(uint8(p.Kind))
	if err != nil {
		return n, err
	}
	switch p.Kind {
	case PeerInternal:
		m, err := w.PutString(p.AgentID.String())
		n += m
		if err != nil {
			return n, err
		}
		m, err = w.PutUint16(p.Port)
		return n + m, err
	case PeerExternal:
		m, err := w.PutSocketAddr(p.External)
		return n + m, err
	default:
		return n, fmt.Errorf("state: invalid AgentPeer kind %d", p.Kind)
	}
}

func ReadAgentPeer(r *wire.Reader) (AgentPeer, error) {
	kind, err := r.GetUint8()
	if err != nil {
		return AgentPeer{}, err
	}
	switch AgentPeerKind(kind) {
	case PeerInternal:
		idStr, err := r.GetString()
		if err != nil {
			return AgentPeer{}, err
		}
		agentID, err := ids.NewAgentId(idStr)
		if err != nil {
			return AgentPeer{}, err
		}
		port, err := r.GetUint16()
		if err != nil {
			return AgentPeer{}, err
		}
		return InternalPeer(agentID, port), nil
	case PeerExternal:
		addr, err := r.GetSocketAddr()
		if err != nil {
			return AgentPeer{}, err
		}
		return ExternalPeer(addr), nil
	default:
		return AgentPeer{}, fmt.Errorf("state: invalid AgentPeer discriminant %d", kind)
	}
}

// PortConfig lists the TCP ports an agent's node process listens on.
type PortConfig struct {
	Node    uint16
	BFT     uint16
	Rest    uint16
	Metrics uint16
}

func (p PortConfig) WriteTo(w *wire.Writer) (int, error) {
	total := 0
	for _, v := range [4]uint16{p.Node, p.BFT, p.Rest, p.Metrics} {
		n, err := w.PutUint16(v)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func ReadPortConfig(r *wire.Reader) (PortConfig, error) {
	var p PortConfig
	var err error
	if p.Node, err = r.GetUint16(); err != nil {
		return PortConfig{}, err
	}
	if p.BFT, err = r.GetUint16(); err != nil {
		return PortConfig{}, err
	}
	if p.Rest, err = r.GetUint16(); err != nil {
		return PortConfig{}, err
	}
	if p.Metrics, err = r.GetUint16(); err != nil {
		return PortConfig{}, err
	}
	return p, nil
}

// PrivateKeySource describes where a node's validator/prover private key
// comes from: generated locally, or taken from the agent's configured
// local key (--private-key-file), or an explicit literal.
type PrivateKeySourceKind uint8

const (
	KeyGenerated PrivateKeySourceKind = iota
	KeyLocal
	KeyLiteral
)

type PrivateKeySource struct {
	Kind    PrivateKeySourceKind
	Literal string // set iff Kind == KeyLiteral
}

func (s PrivateKeySource) WriteTo(w *wire.Writer) (int, error) {
	n, err := w.PutUint8(uint8(s.Kind))
	if err != nil {
		return n, err
	}
	if s.Kind != KeyLiteral {
		return n, nil
	}
	m, err := w.PutString(s.Literal)
	return n + m, err
}

func ReadPrivateKeySource(r *wire.Reader) (PrivateKeySource, error) {
	kind, err := r.GetUint8()
	if err != nil {
		return PrivateKeySource{}, err
	}
	if kind > uint8(KeyLiteral) {
		return PrivateKeySource{}, fmt.Errorf("state: invalid PrivateKeySource discriminant %d", kind)
	}
	if PrivateKeySourceKind(kind) != KeyLiteral {
		return PrivateKeySource{Kind: PrivateKeySourceKind(kind)}, nil
	}
	literal, err := r.GetString()
	if err != nil {
		return PrivateKeySource{}, err
	}
	return PrivateKeySource{Kind: KeyLiteral, Literal: literal}, nil
}

// NodeState is the desired state of the single node process an agent
// supervises.
type NodeState struct {
	Key            nodekey.NodeKey
	Online         bool
	Height         HeightGeneration
	Peers          []AgentPeer
	Validators     []AgentPeer
	PrivateKey     PrivateKeySource
	EnvVars        map[string]string
	BinaryOverride *string
}

func putString(w *wire.Writer, s string) (int, error) { return w.PutString(s) }
func getString(r *wire.Reader) (string, error)        { return r.GetString() }

func (s NodeState) WriteTo(w *wire.Writer) (int, error) {
	total := 0
	n, err := s.Key.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.PutBool(s.Online)
	total += n
	if err != nil {
		return total, err
	}
	n, err = s.Height.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = wire.PutSlice(w, s.Peers, func(w *wire.Writer, p AgentPeer) (int, error) { return p.WriteTo(w) })
	total += n
	if err != nil {
		return total, err
	}
	n, err = wire.PutSlice(w, s.Validators, func(w *wire.Writer, p AgentPeer) (int, error) { return p.WriteTo(w) })
	total += n
	if err != nil {
		return total, err
	}
	n, err = s.PrivateKey.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = wire.PutMap(w, s.EnvVars, putString, putString)
	total += n
	if err != nil {
		return total, err
	}
	n, err = wire.PutOption(w, s.BinaryOverride, putString)
	total += n
	return total, err
}

func ReadNodeState(r *wire.Reader) (NodeState, error) {
	var s NodeState
	var err error
	if s.Key, err = nodekey.ReadNodeKey(r); err != nil {
		return NodeState{}, err
	}
	if s.Online, err = r.GetBool(); err != nil {
		return NodeState{}, err
	}
	if s.Height, err = ReadHeightGeneration(r); err != nil {
		return NodeState{}, err
	}
	if s.Peers, err = wire.GetSlice(r, ReadAgentPeer); err != nil {
		return NodeState{}, err
	}
	if s.Validators, err = wire.GetSlice(r, ReadAgentPeer); err != nil {
		return NodeState{}, err
	}
	if s.PrivateKey, err = ReadPrivateKeySource(r); err != nil {
		return NodeState{}, err
	}
	if s.EnvVars, err = wire.GetMap(r, getString, getString); err != nil {
		return NodeState{}, err
	}
	if s.BinaryOverride, err = wire.GetOption(r, getString); err != nil {
		return NodeState{}, err
	}
	return s, nil
}

// AgentStateKind discriminates AgentState variants.
type AgentStateKind uint8

const (
	StateInventory AgentStateKind = iota
	StateNode
)

// AgentState is the sum type the controller assigns to an agent: either the
// agent is idle and may serve as compute, or it is bound to a node inside a
// specific environment.
type AgentState struct {
	Kind AgentStateKind
	Env  ids.EnvId // set iff Kind == StateNode
	Node NodeState // set iff Kind == StateNode
}

func Inventory() AgentState { return AgentState{Kind: StateInventory} }

func Node(env ids.EnvId, node NodeState) AgentState {
	return AgentState{Kind: StateNode, Env: env, Node: node}
}

func (s AgentState) IsInventory() bool { return s.Kind == StateInventory }

func (s AgentState) WriteTo(w *wire.Writer) (int, error) {
	n, err := w.PutUint8(uint8(s.Kind))
	if err != nil {
		return n, err
	}
	if s.Kind != StateNode {
		return n, nil
	}
	m, err := s.Env.WriteTo(w)
	n += m
	if err != nil {
		return n, err
	}
	m, err = s.Node.WriteTo(w)
	return n + m, err
}

func ReadAgentState(r *wire.Reader) (AgentState, error) {
	kind, err := r.GetUint8()
	if err != nil {
		return AgentState{}, err
	}
	if kind > uint8(StateNode) {
		return AgentState{}, fmt.Errorf("state: invalid AgentState discriminant %d", kind)
	}
	if AgentStateKind(kind) != StateNode {
		return Inventory(), nil
	}
	env, err := ids.ReadEnvId(r)
	if err != nil {
		return AgentState{}, err
	}
	node, err := ReadNodeState(r)
	if err != nil {
		return AgentState{}, err
	}
	return Node(env, node), nil
}

// AgentMode is a bitmask of roles an agent may serve, used by the pool's
// label/mode filter.
type AgentMode uint8

const (
	ModeValidator AgentMode = 1 << iota
	ModeProver
	ModeClient
	ModeCompute
)

// AgentFlags are the agent's self-reported capabilities, set at handshake
// and immutable for the session's lifetime.
type AgentFlags struct {
	Mode    AgentMode
	Labels  []string
	LocalPK bool
}

func (f AgentFlags) WriteTo(w *wire.Writer) (int, error) {
	total := 0
	n, err := w.PutUint8(uint8(f.Mode))
	total += n
	if err != nil {
		return total, err
	}
	n, err = wire.PutSlice(w, f.Labels, putString)
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.PutBool(f.LocalPK)
	total += n
	return total, err
}

func ReadAgentFlags(r *wire.Reader) (AgentFlags, error) {
	var f AgentFlags
	mode, err := r.GetUint8()
	if err != nil {
		return AgentFlags{}, err
	}
	f.Mode = AgentMode(mode)
	if f.Labels, err = wire.GetSlice(r, getString); err != nil {
		return AgentFlags{}, err
	}
	if f.LocalPK, err = r.GetBool(); err != nil {
		return AgentFlags{}, err
	}
	return f, nil
}

// AgentClaims is the payload embedded in an agent's session JWT.
type AgentClaims struct {
	ID    ids.AgentId
	Nonce uint64
}

func (c AgentClaims) WriteTo(w *wire.Writer) (int, error) {
	n, err := c.ID.WriteTo(w)
	if err != nil {
		return n, err
	}
	m, err := w.PutUint64(c.Nonce)
	return n + m, err
}

func ReadAgentClaims(r *wire.Reader) (AgentClaims, error) {
	id, err := ids.ReadAgentId(r)
	if err != nil {
		return AgentClaims{}, err
	}
	nonce, err := r.GetUint64()
	if err != nil {
		return AgentClaims{}, err
	}
	return AgentClaims{ID: id, Nonce: nonce}, nil
}

// AgentAddrs holds the addresses an agent is reachable at: the internal
// (LAN) addresses it self-reported, and an optional external address.
type AgentAddrs struct {
	Internal []net.IP
	External *net.TCPAddr
}

func putIP(w *wire.Writer, ip net.IP) (int, error) { return w.PutIP(ip) }
func getIP(r *wire.Reader) (net.IP, error)         { return r.GetIP() }

func putSocketAddr(w *wire.Writer, addr net.TCPAddr) (int, error) { return w.PutSocketAddr(&addr) }
func getSocketAddr(r *wire.Reader) (net.TCPAddr, error) {
	addr, err := r.GetSocketAddr()
	if err != nil {
		return net.TCPAddr{}, err
	}
	return *addr, nil
}

func (a AgentAddrs) WriteTo(w *wire.Writer) (int, error) {
	n, err := wire.PutSlice(w, a.Internal, putIP)
	if err != nil {
		return n, err
	}
	m, err := wire.PutOption(w, a.External, putSocketAddr)
	return n + m, err
}

func ReadAgentAddrs(r *wire.Reader) (AgentAddrs, error) {
	var a AgentAddrs
	var err error
	if a.Internal, err = wire.GetSlice(r, getIP); err != nil {
		return AgentAddrs{}, err
	}
	if a.External, err = wire.GetOption(r, getSocketAddr); err != nil {
		return AgentAddrs{}, err
	}
	return a, nil
}

// Agent is the controller-side record of one agent in the pool. The
// controller exclusively owns and mutates this record; TransportHandle is a
// caller-supplied token representing the live connection (nil when
// disconnected) and is never persisted.
type Agent struct {
	ID       ids.AgentId
	Claims   AgentClaims
	Flags    AgentFlags
	Ports    PortConfig
	Addrs    AgentAddrs
	State    AgentState
	LastSeen int64 // unix seconds

	TransportHandle any `json:"-"`
}

// Connected reports whether the agent currently has a live transport.
func (a *Agent) Connected() bool { return a.TransportHandle != nil }

func (a Agent) WriteTo(w *wire.Writer) (int, error) {
	total := 0
	n, err := a.ID.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = a.Claims.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = a.Flags.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = a.Ports.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = a.Addrs.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = a.State.WriteTo(w)
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.PutInt64(a.LastSeen)
	total += n
	return total, err
}

func ReadAgent(r *wire.Reader) (Agent, error) {
	var a Agent
	var err error
	if a.ID, err = ids.ReadAgentId(r); err != nil {
		return Agent{}, err
	}
	if a.Claims, err = ReadAgentClaims(r); err != nil {
		return Agent{}, err
	}
	if a.Flags, err = ReadAgentFlags(r); err != nil {
		return Agent{}, err
	}
	if a.Ports, err = ReadPortConfig(r); err != nil {
		return Agent{}, err
	}
	if a.Addrs, err = ReadAgentAddrs(r); err != nil {
		return Agent{}, err
	}
	if a.State, err = ReadAgentState(r); err != nil {
		return Agent{}, err
	}
	if a.LastSeen, err = r.GetInt64(); err != nil {
		return Agent{}, err
	}
	return a, nil
}
