package eventbus

import "sync"

// SessionContext carries the fields that every event emitted during a
// plan's execution must acquire: the plan's session/correlation ids and,
// when the plan was launched by a trigger, the trigger chain it belongs to.
type SessionContext struct {
	PlanID            string
	SessionID         string
	CorrelationID     string
	TriggerChainDepth int
}

// SessionContextPropagator binds plan_id -> SessionContext at submission
// and unbinds at plan termination, so any event emitted mid-execution can
// be stamped with the owning session's fields without threading context
// through every call site.
type SessionContextPropagator struct {
	mu       sync.RWMutex
	sessions map[string]SessionContext
}

func NewSessionContextPropagator() *SessionContextPropagator {
	return &SessionContextPropagator{sessions: make(map[string]SessionContext)}
}

func (p *SessionContextPropagator) Bind(planID string, sc SessionContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[planID] = sc
}

func (p *SessionContextPropagator) Unbind(planID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, planID)
}

func (p *SessionContextPropagator) Lookup(planID string) (SessionContext, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sc, ok := p.sessions[planID]
	return sc, ok
}

// Stamp applies the bound session's fields to evt, if planID is bound.
func (p *SessionContextPropagator) Stamp(evt *UniversalEvent, planID string) {
	sc, ok := p.Lookup(planID)
	if !ok {
		return
	}
	evt.SessionID = sc.SessionID
	evt.CorrelationID = sc.CorrelationID
}
