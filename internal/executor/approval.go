package executor

import (
	"sync"

	ierr "github.com/imld/daemon/internal/errors"
)

// ApprovalDecisionKind is one of the five replies an approval gate accepts.
type ApprovalDecisionKind string

const (
	ApprovalApprove             ApprovalDecisionKind = "approve"
	ApprovalReject              ApprovalDecisionKind = "reject"
	ApprovalApproveWithChanges  ApprovalDecisionKind = "approve_with_changes"
	ApprovalChoose              ApprovalDecisionKind = "choose"
	ApprovalDefer               ApprovalDecisionKind = "defer"
)

// ApprovalDecision is the caller's resolution of an outstanding approval
// gate, delivered through the HTTP API's /approve endpoint.
type ApprovalDecision struct {
	Kind          ApprovalDecisionKind
	ChangedParams map[string]interface{} // for approve_with_changes
	ChosenOption  int                     // for choose
}

type approvalKey struct {
	planID   string
	actionID string
}

// ApprovalGate is the bounded queue of outstanding approvals the spec
// describes: a suspended-task pattern translated into a plain map of
// buffered channels keyed by (plan_id, action_id), resolved by an external
// HTTP call rather than a language-level promise.
type ApprovalGate struct {
	mu      sync.Mutex
	pending map[approvalKey]chan ApprovalDecision
}

func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{pending: make(map[approvalKey]chan ApprovalDecision)}
}

// Open registers a new outstanding approval and returns the channel the
// executor should block on. Returns ErrApprovalPending if one already
// exists for this (plan_id, action_id).
func (g *ApprovalGate) Open(planID, actionID string) (<-chan ApprovalDecision, error) {
	key := approvalKey{planID, actionID}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.pending[key]; exists {
		return nil, ierr.New("approval.Open", ierr.KindInternal, actionID, "approval already pending", ierr.ErrApprovalPending)
	}
	ch := make(chan ApprovalDecision, 1)
	g.pending[key] = ch
	return ch, nil
}

// Resolve delivers decision to the waiting executor and removes the entry.
func (g *ApprovalGate) Resolve(planID, actionID string, decision ApprovalDecision) error {
	key := approvalKey{planID, actionID}
	g.mu.Lock()
	ch, ok := g.pending[key]
	if ok {
		delete(g.pending, key)
	}
	g.mu.Unlock()
	if !ok {
		return ierr.New("approval.Resolve", ierr.KindInternal, actionID, "no outstanding approval", ierr.ErrNoSuchApproval)
	}
	ch <- decision
	return nil
}

// Cancel drops a pending approval without resolving it (used when the plan
// is cancelled while an action is WAITING on approval).
func (g *ApprovalGate) Cancel(planID, actionID string) {
	key := approvalKey{planID, actionID}
	g.mu.Lock()
	delete(g.pending, key)
	g.mu.Unlock()
}
