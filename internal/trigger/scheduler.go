package trigger

import (
	"container/heap"
	"sync"
	"time"
)

// fireRequest is one pending fire, ordered into the scheduler's min-heap by
// priority (CRITICAL=0 most urgent), ties broken by arrival order.
type fireRequest struct {
	triggerID string
	priority  Priority
	seq       int64
	submit    func() // invoked when the scheduler admits this fire
}

type fireHeap []*fireRequest

func (h fireHeap) Len() int { return len(h) }
func (h fireHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h fireHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *fireHeap) Push(x interface{}) { *h = append(*h, x.(*fireRequest)) }
func (h *fireHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PriorityScheduler admits trigger fires onto a bounded worker pool, most
// urgent first, respecting a global concurrent-plan ceiling. The scheduler
// only decides admission order and never preempts an in-flight fire;
// preemption happens only through the ConflictResolver's preempt policy on
// a shared resource lock.
type PriorityScheduler struct {
	mu           sync.Mutex
	heap         fireHeap
	seq          int64
	maxConcurrent int
	inFlight     int
	notify       chan struct{}
	stop         chan struct{}

	// runningByTrigger tracks which triggers currently have a plan running,
	// so a new fire for a trigger already running is rejected outright.
	runningByTrigger map[string]bool
}

func NewPriorityScheduler(maxConcurrent int) *PriorityScheduler {
	s := &PriorityScheduler{
		maxConcurrent:    maxConcurrent,
		notify:           make(chan struct{}, 1),
		stop:             make(chan struct{}),
		runningByTrigger: make(map[string]bool),
	}
	heap.Init(&s.heap)
	return s
}

// Submit enqueues a fire request. Returns false (fire rejected) if the
// trigger already has a plan running.
func (s *PriorityScheduler) Submit(triggerID string, priority Priority, submit func()) bool {
	s.mu.Lock()
	if s.runningByTrigger[triggerID] {
		s.mu.Unlock()
		return false
	}
	s.seq++
	heap.Push(&s.heap, &fireRequest{triggerID: triggerID, priority: priority, seq: s.seq, submit: submit})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// MarkStarted/MarkFinished track per-trigger running state for the
// reject-on-already-running policy. inFlight itself is reserved by drain
// at admission time, not here, since submit runs on its own goroutine and
// may call MarkStarted an arbitrary delay after being admitted.
func (s *PriorityScheduler) MarkStarted(triggerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningByTrigger[triggerID] = true
}

func (s *PriorityScheduler) MarkFinished(triggerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runningByTrigger, triggerID)
	s.inFlight--
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Run drains the heap, admitting fires up to maxConcurrent, most urgent
// first.
func (s *PriorityScheduler) Run() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.notify:
			s.drain()
		}
	}
}

// drain admits fires up to maxConcurrent. Each admitted fire's submit
// runs on its own goroutine: submit typically blocks on lock acquisition
// and the plan's full execution, and running it inline here would
// serialise every fire through this loop regardless of maxConcurrent.
func (s *PriorityScheduler) drain() {
	for {
		s.mu.Lock()
		if s.inFlight >= s.maxConcurrent || s.heap.Len() == 0 {
			s.mu.Unlock()
			return
		}
		req := heap.Pop(&s.heap).(*fireRequest)
		s.inFlight++
		s.mu.Unlock()
		go req.submit()
	}
}

func (s *PriorityScheduler) Stop() {
	close(s.stop)
}

// ConflictResolver is the in-memory resource_lock -> plan_id map.
type ConflictResolver struct {
	mu    sync.Mutex
	locks map[string]string // resource_lock -> plan_id
}

func NewConflictResolver() *ConflictResolver {
	return &ConflictResolver{locks: make(map[string]string)}
}

// Acquire attempts to take lock for planID under policy. queue blocks (up
// to a 60s timeout) for the lock to free; preempt invokes preemptFn to
// cancel the holder and then takes the lock; reject returns false
// immediately if held.
func (r *ConflictResolver) Acquire(lock, planID string, policy ConflictPolicy, preemptFn func(holderPlanID string)) bool {
	if lock == "" {
		return true
	}

	switch policy {
	case ConflictReject:
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, held := r.locks[lock]; held {
			return false
		}
		r.locks[lock] = planID
		return true

	case ConflictPreempt:
		r.mu.Lock()
		holder, held := r.locks[lock]
		if held {
			r.mu.Unlock()
			preemptFn(holder) // caller waits for the preempted plan's rollback to finish before returning
			r.mu.Lock()
		}
		r.locks[lock] = planID
		r.mu.Unlock()
		return true

	case ConflictQueue:
		deadline := time.Now().Add(60 * time.Second)
		for {
			r.mu.Lock()
			if _, held := r.locks[lock]; !held {
				r.locks[lock] = planID
				r.mu.Unlock()
				return true
			}
			r.mu.Unlock()
			if time.Now().After(deadline) {
				return false
			}
			time.Sleep(100 * time.Millisecond)
		}

	default:
		return false
	}
}

func (r *ConflictResolver) Release(lock, planID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks[lock] == planID {
		delete(r.locks, lock)
	}
}
