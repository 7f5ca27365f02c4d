package cannon

import (
	"sync"

	"github.com/cuemby/snops/pkg/pool"
	"github.com/cuemby/snops/pkg/state"
)

// computeJob is one execute-stage unit of work awaiting a compute agent.
type computeJob struct {
	Key  state.TrackerKey
	Auth []byte
}

// computeQueue is an in-process FIFO of execute-stage work, separate from
// the durable tracker: PopFront hands the oldest job to the next available
// compute agent, and PushFront re-queues a job whose agent disconnected
// mid-flight so it is retried ahead of newer work rather than lost or sent
// to the back of the line.
type computeQueue struct {
	mu    sync.Mutex
	items []computeJob
}

func newComputeQueue() *computeQueue { return &computeQueue{} }

func (q *computeQueue) PushBack(job computeJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, job)
}

func (q *computeQueue) PushFront(job computeJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]computeJob{job}, q.items...)
}

func (q *computeQueue) PopFront() (computeJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return computeJob{}, false
	}
	job := q.items[0]
	q.items = q.items[1:]
	return job, true
}

func (q *computeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// computePicker round-robins across the pool's connected compute-eligible
// agents, so consecutive jobs spread across the fleet instead of piling
// onto whichever agent sorts first.
type computePicker struct {
	mu     sync.Mutex
	cursor int
}

func newComputePicker() *computePicker { return &computePicker{} }

// Pick returns the next connected agent satisfying policy, or false if none
// is currently available.
func (cp *computePicker) Pick(p *pool.Pool, policy state.ComputePolicy) (*state.Agent, bool) {
	mode := state.AgentMode(0)
	var labels []string
	if policy.AnyCompute {
		mode = state.ModeCompute
	} else {
		labels = policy.Labels
	}
	candidates := p.FilterSorted(p.QueryMask(mode, labels, false))

	var connected []*state.Agent
	for _, a := range candidates {
		if a.Connected() {
			connected = append(connected, a)
		}
	}
	if len(connected) == 0 {
		return nil, false
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.cursor = (cp.cursor + 1) % len(connected)
	return connected[cp.cursor], true
}
