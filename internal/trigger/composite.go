package trigger

import (
	"sync"
	"time"
)

// CompositeTracker holds a composite trigger's partial match state. The
// daemon feeds it every sub-trigger fire; it decides when the composite
// itself should fire.
type CompositeTracker struct {
	mu   sync.Mutex
	cond CompositeCondition

	fired    map[string]time.Time // sub-trigger id -> last fire time, for AND/SEQ
	lastFire map[string]time.Time // sub-trigger id -> last fire time, for NOT's silence check
	seqPos   int                  // for SEQ: how far through cond.SubTriggerIDs we are
	window   []time.Time          // for WINDOW: fire timestamps within the sliding window
}

func NewCompositeTracker(cond CompositeCondition) *CompositeTracker {
	return &CompositeTracker{
		cond:     cond,
		fired:    make(map[string]time.Time),
		lastFire: make(map[string]time.Time),
	}
}

// Observe records a sub-trigger fire and returns true if the composite
// condition is now satisfied (and resets internal state so it re-arms for
// the next occurrence).
func (t *CompositeTracker) Observe(subTriggerID string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastFire[subTriggerID] = at

	switch t.cond.Op {
	case CompositeOr:
		return true

	case CompositeAnd:
		t.fired[subTriggerID] = at
		if len(t.fired) < len(t.cond.SubTriggerIDs) {
			return false
		}
		var earliest, latest time.Time
		for _, ts := range t.fired {
			if earliest.IsZero() || ts.Before(earliest) {
				earliest = ts
			}
			if ts.After(latest) {
				latest = ts
			}
		}
		if latest.Sub(earliest) > time.Duration(t.cond.TimeoutSeconds)*time.Second {
			// stale match outside the timeout window; keep only this observation and keep waiting
			t.fired = map[string]time.Time{subTriggerID: at}
			return false
		}
		t.fired = make(map[string]time.Time)
		return true

	case CompositeSeq:
		expected := t.cond.SubTriggerIDs[t.seqPos]
		if subTriggerID != expected {
			t.seqPos = 0
			return false
		}
		t.seqPos++
		if t.seqPos < len(t.cond.SubTriggerIDs) {
			return false
		}
		t.seqPos = 0
		return true

	case CompositeWindow:
		cutoff := at.Add(-time.Duration(t.cond.WindowSeconds) * time.Second)
		filtered := t.window[:0]
		for _, ts := range t.window {
			if ts.After(cutoff) {
				filtered = append(filtered, ts)
			}
		}
		t.window = append(filtered, at)
		if len(t.window) >= t.cond.WindowCount {
			t.window = nil
			return true
		}
		return false

	default:
		return false
	}
}

// CheckSilence evaluates a NOT composite: fires when every sub-trigger has
// been silent for SilenceSeconds. Called periodically by the daemon's
// health loop, not from Observe (NOT fires on the ABSENCE of an event).
func (t *CompositeTracker) CheckSilence(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cond.Op != CompositeNot {
		return false
	}
	for _, id := range t.cond.SubTriggerIDs {
		last, ok := t.lastFire[id]
		if !ok {
			continue // never fired yet; treat as silent from daemon start
		}
		if now.Sub(last) < time.Duration(t.cond.SilenceSeconds)*time.Second {
			return false
		}
	}
	return true
}
