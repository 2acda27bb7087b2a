package trigger

import (
	"testing"
	"time"
)

func TestCompositeOrFiresOnFirstObservation(t *testing.T) {
	tr := NewCompositeTracker(CompositeCondition{Op: CompositeOr, SubTriggerIDs: []string{"a", "b"}})
	if !tr.Observe("a", time.Now()) {
		t.Fatal("OR composite should fire on the first sub-trigger observation")
	}
}

func TestCompositeAndFiresOnlyAfterAllSubTriggersWithinTimeout(t *testing.T) {
	tr := NewCompositeTracker(CompositeCondition{Op: CompositeAnd, SubTriggerIDs: []string{"a", "b"}, TimeoutSeconds: 60})
	now := time.Now()
	if tr.Observe("a", now) {
		t.Fatal("AND composite should not fire after only one of two sub-triggers")
	}
	if !tr.Observe("b", now.Add(time.Second)) {
		t.Fatal("AND composite should fire once all sub-triggers have observed within the timeout")
	}
}

func TestCompositeAndDropsStaleMatchOutsideTimeout(t *testing.T) {
	tr := NewCompositeTracker(CompositeCondition{Op: CompositeAnd, SubTriggerIDs: []string{"a", "b"}, TimeoutSeconds: 5})
	now := time.Now()
	tr.Observe("a", now)
	if tr.Observe("b", now.Add(time.Hour)) {
		t.Fatal("AND composite should not fire when sub-trigger observations fall outside the timeout window")
	}
}

func TestCompositeSeqRequiresExactOrder(t *testing.T) {
	tr := NewCompositeTracker(CompositeCondition{Op: CompositeSeq, SubTriggerIDs: []string{"a", "b", "c"}})
	now := time.Now()
	if tr.Observe("b", now) {
		t.Fatal("SEQ composite should not fire when the first observation is out of order")
	}
	if tr.Observe("a", now) {
		t.Fatal("SEQ composite should not fire after only the first step")
	}
	if tr.Observe("b", now) {
		t.Fatal("SEQ composite should not fire after only two of three steps")
	}
	if !tr.Observe("c", now) {
		t.Fatal("SEQ composite should fire once the full sequence completes in order")
	}
}

func TestCompositeSeqResetsOnMismatch(t *testing.T) {
	tr := NewCompositeTracker(CompositeCondition{Op: CompositeSeq, SubTriggerIDs: []string{"a", "b"}})
	now := time.Now()
	tr.Observe("a", now)
	tr.Observe("c", now) // mismatch, resets seqPos
	if tr.Observe("b", now) {
		t.Fatal("SEQ composite should have reset after the mismatched observation")
	}
}

func TestCompositeWindowFiresAtCount(t *testing.T) {
	tr := NewCompositeTracker(CompositeCondition{Op: CompositeWindow, WindowSeconds: 60, WindowCount: 3})
	now := time.Now()
	if tr.Observe("a", now) {
		t.Fatal("WINDOW composite should not fire before reaching window_count")
	}
	if tr.Observe("a", now.Add(time.Second)) {
		t.Fatal("WINDOW composite should not fire before reaching window_count")
	}
	if !tr.Observe("a", now.Add(2*time.Second)) {
		t.Fatal("WINDOW composite should fire once window_count observations land within the window")
	}
}

func TestCompositeWindowDropsObservationsOutsideWindow(t *testing.T) {
	tr := NewCompositeTracker(CompositeCondition{Op: CompositeWindow, WindowSeconds: 5, WindowCount: 2})
	now := time.Now()
	tr.Observe("a", now)
	if tr.Observe("a", now.Add(time.Hour)) {
		t.Fatal("WINDOW composite should not count an observation outside the sliding window toward the prior one")
	}
}

func TestCompositeNotFiresWhenAllSubTriggersSilent(t *testing.T) {
	tr := NewCompositeTracker(CompositeCondition{Op: CompositeNot, SubTriggerIDs: []string{"a"}, SilenceSeconds: 10})
	now := time.Now()
	tr.Observe("a", now)
	if tr.CheckSilence(now.Add(2 * time.Second)) {
		t.Fatal("NOT composite should not fire before the silence window elapses")
	}
	if !tr.CheckSilence(now.Add(20 * time.Second)) {
		t.Fatal("NOT composite should fire once every sub-trigger has been silent long enough")
	}
}

func TestCompositeNotTreatsNeverFiredAsSilent(t *testing.T) {
	tr := NewCompositeTracker(CompositeCondition{Op: CompositeNot, SubTriggerIDs: []string{"a", "b"}, SilenceSeconds: 10})
	if !tr.CheckSilence(time.Now()) {
		t.Fatal("NOT composite should treat a sub-trigger that has never fired as silent")
	}
}
