package trigger

import (
	"sync"
	"testing"
	"time"
)

func TestSchedulerRejectsDuplicateInFlightTrigger(t *testing.T) {
	s := NewPriorityScheduler(2)
	ok := s.Submit("t1", PriorityNormal, func() {})
	if !ok {
		t.Fatal("first submit should succeed")
	}
	s.MarkStarted("t1")

	ok = s.Submit("t1", PriorityNormal, func() {})
	if ok {
		t.Fatal("submit for an already-running trigger should be rejected")
	}
}

func TestSchedulerAdmitsMostUrgentFirst(t *testing.T) {
	s := NewPriorityScheduler(1)
	go s.Run()
	defer s.Stop()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 3)

	submit := func(id string, p Priority) {
		s.Submit(id, p, func() {
			s.MarkStarted(id)
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			s.MarkFinished(id)
			done <- struct{}{}
		})
	}

	// Block the single worker slot first so all three queue up together.
	blocker := make(chan struct{})
	s.Submit("blocker", PriorityNormal, func() {
		s.MarkStarted("blocker")
		<-blocker
		s.MarkFinished("blocker")
		done <- struct{}{}
	})
	time.Sleep(20 * time.Millisecond)

	submit("low", PriorityLow)
	submit("critical", PriorityCritical)
	submit("normal", PriorityNormal)
	time.Sleep(20 * time.Millisecond)

	close(blocker)
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for scheduled fires to complete")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("order = %v, want 3 entries", order)
	}
	if order[0] != "critical" {
		t.Errorf("order = %v, want critical admitted first", order)
	}
}

func TestConflictResolverRejectPolicy(t *testing.T) {
	r := NewConflictResolver()
	if !r.Acquire("lockA", "plan1", ConflictReject, nil) {
		t.Fatal("first acquire should succeed")
	}
	if r.Acquire("lockA", "plan2", ConflictReject, nil) {
		t.Fatal("second acquire under reject policy should fail while held")
	}
	r.Release("lockA", "plan1")
	if !r.Acquire("lockA", "plan2", ConflictReject, nil) {
		t.Fatal("acquire should succeed after release")
	}
}

func TestConflictResolverPreemptPolicyInvokesCallback(t *testing.T) {
	r := NewConflictResolver()
	r.Acquire("lockA", "plan1", ConflictReject, nil)

	var preempted string
	ok := r.Acquire("lockA", "plan2", ConflictPreempt, func(holder string) {
		preempted = holder
	})
	if !ok {
		t.Fatal("preempt acquire should always succeed")
	}
	if preempted != "plan1" {
		t.Errorf("preempted holder = %q, want plan1", preempted)
	}
}

func TestConflictResolverQueuePolicyWaitsForRelease(t *testing.T) {
	r := NewConflictResolver()
	r.Acquire("lockA", "plan1", ConflictReject, nil)

	acquired := make(chan bool, 1)
	go func() {
		acquired <- r.Acquire("lockA", "plan2", ConflictQueue, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	r.Release("lockA", "plan1")

	select {
	case ok := <-acquired:
		if !ok {
			t.Fatal("queued acquire should succeed once the lock is released")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued acquire")
	}
}

func TestConflictResolverEmptyLockAlwaysAcquires(t *testing.T) {
	r := NewConflictResolver()
	if !r.Acquire("", "plan1", ConflictReject, nil) {
		t.Fatal("an empty lock name should never block")
	}
}
