// Package pool implements the controller's agent pool: insert/lookup/
// remove, label/mode bitmask filtering, session JWT issuance keyed by a
// bumpable nonce, and a liveness view demoted by a periodic sweep.
// Grounded on the teacher's node-membership bookkeeping in
// pkg/manager/manager.go (map-plus-RWMutex CRUD) and
// original_source/crates/controlplane/src/state/agent_flags.rs for the
// bitmask filter shape.
package pool

import (
	"sort"
	"sync"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/nodekey"
	"github.com/cuemby/snops/pkg/state"
)

// Pool is the controller's in-memory index of every agent it has ever seen
// handshake; pkg/store persists the same records, Pool is the live view
// reconcilers, the API, and cannon dispatch query against.
type Pool struct {
	mu     sync.RWMutex
	agents map[ids.AgentId]*state.Agent
	labels *LabelSet
}

func New() *Pool {
	return &Pool{agents: make(map[ids.AgentId]*state.Agent), labels: NewLabelSet()}
}

// Insert adds or replaces the record for a.ID.
func (p *Pool) Insert(a *state.Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents[a.ID] = a
}

// Lookup returns the agent record for id, if present.
func (p *Pool) Lookup(id ids.AgentId) (*state.Agent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.agents[id]
	return a, ok
}

// Remove deletes id from the pool, returning the removed record if present.
func (p *Pool) Remove(id ids.AgentId) (*state.Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	if ok {
		delete(p.agents, id)
	}
	return a, ok
}

// List returns every agent currently in the pool, in no particular order.
func (p *Pool) List() []*state.Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*state.Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a)
	}
	return out
}

// Len reports the current pool size.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.agents)
}

// QueryMask builds a filter mask from a mode bitmask, required labels, and
// whether a local private key is required.
func (p *Pool) QueryMask(mode state.AgentMode, labels []string, requireLocalPK bool) Mask {
	var m Mask
	setModeBits(&m, mode)
	if requireLocalPK {
		m.set(uint(bitLocalPK))
	}
	for _, l := range labels {
		m.set(p.labels.bit(l))
	}
	return m
}

func setModeBits(m *Mask, mode state.AgentMode) {
	if mode&state.ModeValidator != 0 {
		m.set(uint(bitValidator))
	}
	if mode&state.ModeProver != 0 {
		m.set(uint(bitProver))
	}
	if mode&state.ModeClient != 0 {
		m.set(uint(bitClient))
	}
	if mode&state.ModeCompute != 0 {
		m.set(uint(bitCompute))
	}
}

func (p *Pool) agentMask(a *state.Agent) Mask {
	var m Mask
	setModeBits(&m, a.Flags.Mode)
	if a.Flags.LocalPK {
		m.set(uint(bitLocalPK))
	}
	for _, l := range a.Flags.Labels {
		m.set(p.labels.bit(l))
	}
	return m
}

// Filter returns every agent whose mode/label/local-pk mask is a superset
// of query, in O(n·words) time (n agents, words = len(query.words)).
func (p *Pool) Filter(query Mask) []*state.Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*state.Agent
	for _, a := range p.agents {
		if p.agentMask(a).Contains(query) {
			out = append(out, a)
		}
	}
	return out
}

// FilterSorted is Filter with results ordered by agent id, giving
// assignment code (pkg/env) a deterministic pick order independent of Go's
// randomized map iteration.
func (p *Pool) FilterSorted(query Mask) []*state.Agent {
	out := p.Filter(query)
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// MatchingAgents returns the agents satisfying targets that are assigned to
// a matching internal node in any of envs, deduplicated.
func (p *Pool) MatchingAgents(envs []*state.Environment, targets nodekey.Targets) []ids.AgentId {
	seen := make(map[ids.AgentId]bool)
	var out []ids.AgentId
	for _, env := range envs {
		for _, key := range env.NodeKeys {
			if !targets.Matches(key) {
				continue
			}
			peer, ok := env.NodeMap[key.String()]
			if !ok || peer.Kind != state.EnvPeerInternal {
				continue
			}
			if seen[peer.AgentID] {
				continue
			}
			seen[peer.AgentID] = true
			out = append(out, peer.AgentID)
		}
	}
	return out
}
