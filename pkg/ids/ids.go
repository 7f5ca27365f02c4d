// Package ids defines the short interned identifier types shared by the
// store, wire codec, and every higher-level package: AgentId, EnvId,
// StorageId, CannonId, and the generic InternedId they are built from.
package ids

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"sync"

	"github.com/cuemby/snops/pkg/wire"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Valid reports whether s matches the interned identifier grammar:
// one leading alphanumeric followed by up to 63 alphanumeric/./_/- bytes.
func Valid(s string) bool {
	return idPattern.MatchString(s)
}

// interner gives every distinct valid identifier string a single shared
// backing string, so equal ids compare cheaply and never duplicate storage.
// Mirrors the process-wide string interner the source keeps for this exact
// purpose (a lasso-style rodeo), reduced here to the stdlib equivalent.
type interner struct {
	mu     sync.RWMutex
	values map[string]string
}

var global = &interner{values: make(map[string]string)}

func (n *interner) intern(s string) string {
	n.mu.RLock()
	if v, ok := n.values[s]; ok {
		n.mu.RUnlock()
		return v
	}
	n.mu.RUnlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	if v, ok := n.values[s]; ok {
		return v
	}
	n.values[s] = s
	return s
}

// InternedId is a validated, interned short identifier. The zero value is
// not a valid id; construct with New or MustNew.
type InternedId struct {
	s string
}

// New validates and interns s, returning an error if it does not match the
// identifier grammar.
func New(s string) (InternedId, error) {
	if !Valid(s) {
		return InternedId{}, fmt.Errorf("ids: invalid identifier %q", s)
	}
	return InternedId{s: global.intern(s)}, nil
}

// MustNew is New but panics on invalid input; intended for literals known
// to be valid at compile time (e.g. "default").
func MustNew(s string) InternedId {
	id, err := New(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Random generates a fresh 16-character lowercase-alphanumeric id.
func Random() InternedId {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, 16)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			panic(err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return InternedId{s: global.intern(string(buf))}
}

func (id InternedId) String() string { return id.s }

// IsZero reports whether id is the unconstructed zero value.
func (id InternedId) IsZero() bool { return id.s == "" }

func (id InternedId) MarshalText() ([]byte, error) {
	return []byte(id.s), nil
}

func (id *InternedId) UnmarshalText(b []byte) error {
	parsed, err := New(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// WriteTo writes the interned string as a length-prefixed byte string.
// Embedders (AgentId, EnvId, ...) inherit this via promotion.
func (id InternedId) WriteTo(w *wire.Writer) (int, error) {
	return w.PutString(id.s)
}

// ReadInternedId reads a string written by WriteTo and validates it against
// the identifier grammar.
func ReadInternedId(r *wire.Reader) (InternedId, error) {
	s, err := r.GetString()
	if err != nil {
		return InternedId{}, err
	}
	return New(s)
}

// AgentId identifies an agent within the controller's pool.
type AgentId struct{ InternedId }

func NewAgentId(s string) (AgentId, error) {
	id, err := New(s)
	return AgentId{id}, err
}

// ReadAgentId reads an AgentId written by (AgentId).WriteTo.
func ReadAgentId(r *wire.Reader) (AgentId, error) {
	id, err := ReadInternedId(r)
	return AgentId{id}, err
}

// EnvId identifies an environment. "default" is the conventional name for
// the sole environment in single-env deployments.
type EnvId struct{ InternedId }

func NewEnvId(s string) (EnvId, error) {
	id, err := New(s)
	return EnvId{id}, err
}

// ReadEnvId reads an EnvId written by (EnvId).WriteTo.
func ReadEnvId(r *wire.Reader) (EnvId, error) {
	id, err := ReadInternedId(r)
	return EnvId{id}, err
}

var DefaultEnvId = EnvId{MustNew("default")}

// StorageId identifies a storage descriptor (binary + genesis + ledger).
type StorageId struct{ InternedId }

func NewStorageId(s string) (StorageId, error) {
	id, err := New(s)
	return StorageId{id}, err
}

// ReadStorageId reads a StorageId written by (StorageId).WriteTo.
func ReadStorageId(r *wire.Reader) (StorageId, error) {
	id, err := ReadInternedId(r)
	return StorageId{id}, err
}

// CannonId identifies a cannon pipeline within an environment.
type CannonId struct{ InternedId }

func NewCannonId(s string) (CannonId, error) {
	id, err := New(s)
	return CannonId{id}, err
}

// ReadCannonId reads a CannonId written by (CannonId).WriteTo.
func ReadCannonId(r *wire.Reader) (CannonId, error) {
	id, err := ReadInternedId(r)
	return CannonId{id}, err
}

// TransactionId is an opaque identifier (the cannon assigns a UUID on submission); it is not
// subject to the interned-id grammar.
type TransactionId string

func (id TransactionId) WriteTo(w *wire.Writer) (int, error) {
	return w.PutString(string(id))
}

func ReadTransactionId(r *wire.Reader) (TransactionId, error) {
	s, err := r.GetString()
	return TransactionId(s), err
}

// NetworkId enumerates the supported blockchain networks. All
// network-specific behavior lives outside this module; here it is an
// opaque discriminant carried through state and wire payloads.
type NetworkId uint8

const (
	NetworkMainnet NetworkId = iota
	NetworkTestnet
	NetworkCanary
)

func (n NetworkId) String() string {
	switch n {
	case NetworkMainnet:
		return "mainnet"
	case NetworkTestnet:
		return "testnet"
	case NetworkCanary:
		return "canary"
	default:
		return fmt.Sprintf("network(%d)", uint8(n))
	}
}

func ParseNetworkId(s string) (NetworkId, error) {
	switch s {
	case "mainnet":
		return NetworkMainnet, nil
	case "testnet":
		return NetworkTestnet, nil
	case "canary":
		return NetworkCanary, nil
	default:
		return 0, fmt.Errorf("ids: unknown network %q", s)
	}
}

func (n NetworkId) WriteTo(w *wire.Writer) (int, error) {
	return w.PutUint8(uint8(n))
}

func ReadNetworkId(r *wire.Reader) (NetworkId, error) {
	v, err := r.GetUint8()
	if err != nil {
		return 0, err
	}
	if v > uint8(NetworkCanary) {
		return 0, fmt.Errorf("ids: invalid NetworkId discriminant %d", v)
	}
	return NetworkId(v), nil
}
