// Package eventbus implements the typed, causally-linked event envelope and
// the topic-pattern pub/sub backing the audit trail and trigger
// observability.
package eventbus

import (
	"sync"
	"time"
)

// Priority mirrors the trigger priority scale; events inherit it from their
// originating session where applicable.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// UniversalEvent is the immutable envelope every component emits through
// the bus. Causal linkage: caused_by is set once at construction (via
// SpawnChild); causes is appended to exactly once, by the parent, when a
// child is spawned.
type UniversalEvent struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Topic         string                 `json:"topic"`
	Timestamp     time.Time              `json:"timestamp"`
	Source        string                 `json:"source"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	CausedBy      string                 `json:"caused_by,omitempty"`
	Causes        []string               `json:"causes,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Priority      Priority               `json:"priority"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`

	mu sync.Mutex
}

// SpawnChild creates a new event caused by e, and records the child's id in
// e.Causes. idFn generates the child's id (supplied by the caller, so this
// file has no id-generation dependency of its own).
func (e *UniversalEvent) SpawnChild(idFn func() string, eventType, topic string, payload map[string]interface{}) *UniversalEvent {
	child := &UniversalEvent{
		ID:            idFn(),
		Type:          eventType,
		Topic:         topic,
		Timestamp:     time.Now(),
		Source:        e.Source,
		Payload:       payload,
		CausedBy:      e.ID,
		SessionID:     e.SessionID,
		CorrelationID: e.CorrelationID,
		Priority:      e.Priority,
	}
	e.mu.Lock()
	e.Causes = append(e.Causes, child.ID)
	e.mu.Unlock()
	return child
}
