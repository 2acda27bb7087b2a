package iml

import "time"

// ActionResult is the per-action runtime record: its state, timing, and
// the (sanitised) result or error the module returned.
type ActionResult struct {
	State     ActionState            `json:"state"`
	StartedAt *time.Time             `json:"started_at,omitempty"`
	EndedAt   *time.Time             `json:"ended_at,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Attempts  int                    `json:"attempts,omitempty"`
}

// RejectionDetails is the structured diagnosis surfaced when a plan is
// refused before (or during) execution by one of the admission gates.
type RejectionDetails struct {
	Source              string   `json:"source"` // scanner_pipeline | intent_verifier | permission_guard | rate_limiter
	Verdict              string   `json:"verdict"`
	RiskScore            float64  `json:"risk_score"`
	ThreatTypes          []string `json:"threat_types,omitempty"`
	ScannerFindings      []string `json:"scanner_findings,omitempty"`
	Recommendations      []string `json:"recommendations,omitempty"`
	ClarificationNeeded  bool     `json:"clarification_needed,omitempty"`
}

// ExecutionState is the per-plan runtime record, persisted across restarts.
type ExecutionState struct {
	PlanID           string                   `json:"plan_id"`
	Status           PlanStatus               `json:"status"`
	Actions          map[string]*ActionResult `json:"actions"`
	StartedAt        *time.Time               `json:"started_at,omitempty"`
	EndedAt          *time.Time               `json:"ended_at,omitempty"`
	RejectionDetails *RejectionDetails        `json:"rejection_details,omitempty"`
}

// NewExecutionState returns a QUEUED state with a PENDING slot for every
// action in the plan.
func NewExecutionState(p *Plan) *ExecutionState {
	actions := make(map[string]*ActionResult, len(p.Actions))
	for _, a := range p.Actions {
		actions[a.ID] = &ActionResult{State: ActionPending}
	}
	return &ExecutionState{
		PlanID:  p.PlanID,
		Status:  PlanQueued,
		Actions: actions,
	}
}

// IsTerminal reports whether s is a terminal plan status.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanSucceeded, PlanFailed, PlanCancelled, PlanRejected:
		return true
	default:
		return false
	}
}
