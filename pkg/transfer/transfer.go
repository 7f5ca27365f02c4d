// Package transfer tracks the progress of file transfers an agent runs
// (storage downloads, checkpoint restores) so a reconciler or the status
// endpoint can observe them without coupling to the downloader itself.
// Grounded on original_source/crates/snops-agent/src/transfers.rs, ported
// from an mpsc-fed DashMap to the teacher's mutex-guarded map idiom
// (pkg/worker/worker.go, pkg/scheduler/scheduler.go).
package transfer

import (
	"sync"
	"sync/atomic"
)

// ID identifies one transfer for the lifetime of the agent process.
type ID uint64

var idCounter uint64

// NextID returns a fresh, process-unique transfer ID.
func NextID() ID {
	return ID(atomic.AddUint64(&idCounter, 1))
}

// State is Active while bytes are still moving, Ended once the transfer
// completes or is interrupted.
type State int

const (
	StateActive State = iota
	StateEnded
)

// Transfer is a point-in-time snapshot of one tracked transfer.
type Transfer struct {
	ID           ID
	Description  string
	Total        uint64
	Current      uint64
	State        State
	Interruption string // non-empty iff State == StateEnded and it was not a clean finish
}

// Monitor is a concurrent registry of in-flight transfers. Progress and End
// messages for an unknown or already-ended transfer are dropped silently,
// matching the original's DashMap entry-API semantics: a late or duplicate
// message from a transfer nobody is tracking anymore is not an error.
type Monitor struct {
	mu        sync.RWMutex
	transfers map[ID]*Transfer
}

func NewMonitor() *Monitor {
	return &Monitor{transfers: make(map[ID]*Transfer)}
}

// Start registers a new transfer. A duplicate Start for an already-known ID
// is ignored, as in the original.
func (m *Monitor) Start(id ID, description string, totalBytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transfers[id]; exists {
		return
	}
	m.transfers[id] = &Transfer{
		ID:          id,
		Description: description,
		Total:       totalBytes,
		State:       StateActive,
	}
}

// Progress updates the current byte count of an active, known transfer.
func (m *Monitor) Progress(id ID, currentBytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok || t.State != StateActive {
		return
	}
	t.Current = currentBytes
}

// End marks a known transfer ended, with an optional interruption reason
// (empty for a clean finish).
func (m *Monitor) End(id ID, interruption string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return
	}
	t.State = StateEnded
	t.Interruption = interruption
}

// Get returns a snapshot of one transfer.
func (m *Monitor) Get(id ID) (Transfer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	return *t, true
}

// List returns a snapshot of every tracked transfer, active or ended.
func (m *Monitor) List() []Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		out = append(out, *t)
	}
	return out
}

// Active returns a snapshot of only the transfers still in progress.
func (m *Monitor) Active() []Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		if t.State == StateActive {
			out = append(out, *t)
		}
	}
	return out
}

// Forget removes a transfer's record, e.g. once a reconciler has observed
// its terminal state and no longer needs it tracked.
func (m *Monitor) Forget(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transfers, id)
}
