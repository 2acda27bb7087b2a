// Package iml implements the IML v2 plan and action entity schema: parsing,
// normalisation, and the structural types shared by the validator, the
// scheduler, and the executor.
package iml

import (
	"bytes"
	"encoding/json"
	"time"

	ierr "github.com/imld/daemon/internal/errors"
)

// PlanMode distinguishes plans authored directly from those produced by a
// separate compilation phase (which must attach a CompilerTrace).
type PlanMode string

const (
	PlanModeDirect   PlanMode = "direct"
	PlanModeCompiled PlanMode = "compiled"
)

// ActionState is the per-action lifecycle state. Terminal states are
// COMPLETED, FAILED, SKIPPED, ROLLED_BACK; once terminal an action never
// transitions again.
type ActionState string

const (
	ActionPending    ActionState = "PENDING"
	ActionWaiting    ActionState = "WAITING"
	ActionRunning    ActionState = "RUNNING"
	ActionCompleted  ActionState = "COMPLETED"
	ActionFailed     ActionState = "FAILED"
	ActionSkipped    ActionState = "SKIPPED"
	ActionRolledBack ActionState = "ROLLED_BACK"
)

// IsTerminal reports whether s is one of the action's terminal states.
func (s ActionState) IsTerminal() bool {
	switch s {
	case ActionCompleted, ActionFailed, ActionSkipped, ActionRolledBack:
		return true
	default:
		return false
	}
}

// PlanStatus is the aggregate per-plan execution status.
type PlanStatus string

const (
	PlanQueued    PlanStatus = "QUEUED"
	PlanRunning   PlanStatus = "RUNNING"
	PlanSucceeded PlanStatus = "SUCCEEDED"
	PlanFailed    PlanStatus = "FAILED"
	PlanCancelled PlanStatus = "CANCELLED"
	PlanRejected  PlanStatus = "REJECTED"
)

// OnFailure controls cascade behaviour when an action terminates FAILED.
type OnFailure string

const (
	OnFailureAbort    OnFailure = "abort"
	OnFailureContinue OnFailure = "continue"
)

// Retry is an action's retry policy.
type Retry struct {
	MaxAttempts     int     `json:"max_attempts"`
	BackoffSeconds  float64 `json:"backoff_seconds"`
}

// Approval carries the prompt shown to the human/operator gating an action.
type Approval struct {
	Prompt               string   `json:"prompt"`
	ClarificationOptions []string `json:"clarification_options,omitempty"`
}

// Perception controls before/after capture hints for an action.
type Perception struct {
	CaptureBefore bool `json:"capture_before"`
	CaptureAfter  bool `json:"capture_after"`
}

// MemoryRefs names the per-session KV keys an action reads and the key it
// writes its result under, if any.
type MemoryRefs struct {
	ReadKeys []string `json:"read_keys,omitempty"`
	WriteKey string   `json:"write_key,omitempty"`
}

// Rollback is a structurally valid action body used as a compensation step;
// it does not participate in the main DAG.
type Rollback struct {
	Module string                 `json:"module"`
	Action string                 `json:"action"`
	Params map[string]interface{} `json:"params"`
}

// Action is a single unit of work dispatched to a module.
type Action struct {
	ID               string                 `json:"id"`
	Module           string                 `json:"module"`
	Action           string                 `json:"action"`
	Params           map[string]interface{} `json:"params"`
	DependsOn        []string               `json:"depends_on,omitempty"`
	TargetNode       string                 `json:"target_node,omitempty"`
	Retry            *Retry                 `json:"retry,omitempty"`
	RequiresApproval bool                   `json:"requires_approval,omitempty"`
	Approval         *Approval              `json:"approval,omitempty"`
	Perception       *Perception            `json:"perception,omitempty"`
	Memory           *MemoryRefs            `json:"memory,omitempty"`
	Rollback         *Rollback              `json:"rollback,omitempty"`
	OnFailure        OnFailure              `json:"on_failure,omitempty"`

	// State is runtime-only: never part of the wire format the LLM submits,
	// populated as the action moves through the executor.
	State ActionState `json:"-"`
}

// EffectiveTargetNode returns TargetNode, defaulting to "local".
func (a *Action) EffectiveTargetNode() string {
	if a.TargetNode == "" {
		return "local"
	}
	return a.TargetNode
}

// EffectiveOnFailure returns OnFailure, defaulting to "abort".
func (a *Action) EffectiveOnFailure() OnFailure {
	if a.OnFailure == "" {
		return OnFailureAbort
	}
	return a.OnFailure
}

// CompilerPhase is one named phase of a compiled plan's trace.
type CompilerPhase struct {
	Name    string `json:"name"`
	Detail  string `json:"detail,omitempty"`
}

// CompilerTrace records the four phases a `plan_mode=compiled` plan must
// have passed through before submission.
type CompilerTrace struct {
	Phases []CompilerPhase `json:"phases"`
}

// Plan is an immutable (once submitted) DAG of actions sharing a
// transaction-like outcome.
type Plan struct {
	PlanID          string          `json:"plan_id"`
	ProtocolVersion string          `json:"protocol_version"`
	Description     string          `json:"description,omitempty"`
	PlanMode        PlanMode        `json:"plan_mode"`
	Actions         []*Action       `json:"actions"`
	SessionID       string          `json:"session_id,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	SubmittedAt     time.Time       `json:"submitted_at,omitempty"`
	CompilerTrace   *CompilerTrace  `json:"compiler_trace,omitempty"`
	RollbackOnFail  bool            `json:"rollback_on_failure,omitempty"`

	// TriggerChainDepth propagates through session context when a plan was
	// launched by a trigger; zero for LLM-submitted plans.
	TriggerChainDepth int `json:"-"`
}

// ActionByID returns the action with the given id, or nil.
func (p *Plan) ActionByID(id string) *Action {
	for _, a := range p.Actions {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Parse decodes raw JSON into a Plan, rejecting unknown fields and type
// mismatches with a SchemaError. It does not perform graph validation — see
// Validate (validate.go) for that.
func Parse(data []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, ierr.New("iml.Parse", ierr.KindSchema, "", err.Error(), err)
	}
	for _, a := range p.Actions {
		if a.State == "" {
			a.State = ActionPending
		}
	}
	return &p, nil
}
