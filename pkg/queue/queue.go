// Package queue implements the Queue Manager: a priority heap of queued
// jobs with aging, an id index, and the per-GPU running set, together with
// the multi-GPU allocation algorithm.
package queue

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/gpusched/gpusched/pkg/job"
)

// DefaultAgingFactor is the per-second reduction applied to a queued job's
// priority while it waits, making older jobs progressively more urgent.
const DefaultAgingFactor = 0.01

// Manager owns the in-memory job index, the priority heap, and the
// per-GPU running map. All operations are serialized by a single mutex:
// public methods lock; internal helpers assume it is already held and
// never lock again, so no public method may call another public method.
type Manager struct {
	mu          sync.Mutex
	agingFactor float64

	byID    map[string]*job.Job
	heap    entryHeap
	running map[int][]*job.Job
}

// NewManager constructs an empty Queue Manager using the given aging
// factor (priority units subtracted per second of queue wait).
func NewManager(agingFactor float64) *Manager {
	if agingFactor <= 0 {
		agingFactor = DefaultAgingFactor
	}

	return &Manager{
		agingFactor: agingFactor,
		byID:        make(map[string]*job.Job),
		running:     make(map[int][]*job.Job),
	}
}

// entry is one heap slot: a Job plus its effective priority as of the last
// rebuild, so heap.Less never recomputes aging mid-comparison.
type entry struct {
	j         *job.Job
	effective float64
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, k int) bool {
	a, b := h[i], h[k]
	if a.effective != b.effective {
		return a.effective < b.effective
	}

	if a.j.CreatedAt != b.j.CreatedAt {
		return a.j.CreatedAt < b.j.CreatedAt
	}

	return a.j.ID < b.j.ID
}

func (h entryHeap) Swap(i, k int) { h[i], h[k] = h[k], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return item
}

// effectivePriority computes priority − (now − createdAt) × agingFactor.
func (m *Manager) effectivePriority(j *job.Job, now time.Time) float64 {
	waited := now.Unix() - j.CreatedAt
	if waited < 0 {
		waited = 0
	}

	return float64(j.Priority) - float64(waited)*m.agingFactor
}

// rebuild recomputes effective priority for every currently Queued job and
// re-heapifies. Must be called with mu held.
func (m *Manager) rebuild() {
	now := time.Now()

	entries := make(entryHeap, 0, len(m.byID))
	for _, j := range m.byID {
		if j.Status != job.Queued {
			continue
		}

		entries = append(entries, &entry{j: j, effective: m.effectivePriority(j, now)})
	}

	heap.Init(&entries)
	m.heap = entries
}

// Add inserts a newly submitted job into the index and heap.
func (m *Manager) Add(j *job.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID[j.ID] = j
	if j.Status == job.Queued {
		heap.Push(&m.heap, &entry{j: j, effective: m.effectivePriority(j, time.Now())})
	}
}

// Remove deletes a job from the index, heap, and running sets entirely
// (used once a job reaches a terminal state and is no longer tracked).
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(id)
}

func (m *Manager) removeLocked(id string) {
	delete(m.byID, id)

	for g, js := range m.running {
		m.running[g] = removeByID(js, id)
	}

	m.rebuild()
}

func removeByID(js []*job.Job, id string) []*job.Job {
	out := js[:0]

	for _, j := range js {
		if j.ID != id {
			out = append(out, j)
		}
	}

	return out
}

// Release removes j from every device running list, leaving the job index
// entry intact (used on completion, before a terminal-state removal, or on
// preemption before requeue).
func (m *Manager) Release(j *job.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for g, js := range m.running {
		m.running[g] = removeByID(js, j.ID)
	}
}

// Requeue refreshes createdAt to now and pushes j back onto the heap. The
// caller is responsible for having already transitioned j's status to
// Queued via the state machine.
func (m *Manager) Requeue(j *job.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j.CreatedAt = time.Now().Unix()
	heap.Push(&m.heap, &entry{j: j, effective: m.effectivePriority(j, time.Now())})
}

// MarkRunning appends j to the running list of each device in gpus. The
// caller has already transitioned j's status via the state machine.
func (m *Manager) MarkRunning(j *job.Job, gpus []int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range gpus {
		m.running[g] = append(m.running[g], j)
	}
}

// GetRunningJobs returns a flat, deduplicated snapshot of every job present
// in any device's running list.
func (m *Manager) GetRunningJobs() []*job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	out := make([]*job.Job, 0)

	for _, js := range m.running {
		for _, j := range js {
			if seen[j.ID] {
				continue
			}

			seen[j.ID] = true
			out = append(out, j)
		}
	}

	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })

	return out
}

// GetRunningOnGpu returns a shallow copy of the running list for device g.
func (m *Manager) GetRunningOnGpu(g int) []*job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	js := m.running[g]
	out := make([]*job.Job, len(js))
	copy(out, js)

	return out
}

// PeekHighestPriorityQueued returns the queued job with the lowest
// effective priority without removing it, or nil if the queue is empty.
func (m *Manager) PeekHighestPriorityQueued() *job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rebuild()

	if len(m.heap) == 0 {
		return nil
	}

	return m.heap[0].j
}

// GetQueuedJobs returns a priority-ordered snapshot of all Queued jobs.
func (m *Manager) GetQueuedJobs() []*job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rebuild()

	out := make([]*job.Job, len(m.heap))
	ordered := make(entryHeap, len(m.heap))
	copy(ordered, m.heap)
	sort.Sort(ordered)

	for i, e := range ordered {
		out[i] = e.j
	}

	return out
}

// Get returns the job with the given id, if tracked.
func (m *Manager) Get(id string) (*job.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.byID[id]

	return j, ok
}

// freeGpus computes which of allGpuIndices are free: empty, or occupied
// only by non-exclusive jobs. Must be called with mu held.
func (m *Manager) freeGpus(allGpuIndices []int, requireEmpty bool) []int {
	free := make([]int, 0, len(allGpuIndices))

	for _, g := range allGpuIndices {
		js := m.running[g]
		if len(js) == 0 {
			free = append(free, g)

			continue
		}

		if requireEmpty {
			continue
		}

		allNonExclusive := true

		for _, j := range js {
			if j.Exclusive {
				allNonExclusive = false

				break
			}
		}

		if allNonExclusive {
			free = append(free, g)
		}
	}

	return free
}

// Allocation is the result of a successful FindAndAssign call.
type Allocation struct {
	Job  *job.Job
	Gpus []int
}

// FindAndAssign runs the allocation algorithm against allGpuIndices: pop
// candidates in priority order, skip any no longer Queued, select the
// first whose requiredGpus fits the free-device count, assign it the first
// requiredGpus free devices, and append it to each device's running list.
//
// It does not transition the job's status — that remains the Scheduler
// Core's responsibility via the state machine.
func (m *Manager) FindAndAssign(allGpuIndices []int) (*Allocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rebuild()

	if len(m.heap) == 0 {
		return nil, false
	}

	// Exclusive candidates require an empty device; non-exclusive
	// candidates may join a device hosting only non-exclusive jobs. We
	// don't know which kind the winning candidate is until we pop, so
	// compute both free sets and pick as each candidate is examined.
	freeAny := m.freeGpus(allGpuIndices, false)
	freeEmpty := m.freeGpus(allGpuIndices, true)

	if len(freeAny) == 0 {
		return nil, false
	}

	var popped []*entry

	defer func() {
		for _, e := range popped {
			heap.Push(&m.heap, e)
		}
	}()

	for m.heap.Len() > 0 {
		e := heap.Pop(&m.heap).(*entry)
		popped = append(popped, e)

		j := e.j
		if j.Status != job.Queued {
			continue
		}

		candidates := freeAny
		if j.Exclusive {
			candidates = freeEmpty
		}

		if j.RequiredGpus > len(candidates) {
			continue
		}

		chosen := make([]int, j.RequiredGpus)
		copy(chosen, candidates[:j.RequiredGpus])

		// Winning candidate: drop it from popped so the deferred
		// restock doesn't put it back, then commit.
		popped = popped[:len(popped)-1]

		for _, g := range chosen {
			m.running[g] = append(m.running[g], j)
		}

		return &Allocation{Job: j, Gpus: chosen}, true
	}

	return nil, false
}
