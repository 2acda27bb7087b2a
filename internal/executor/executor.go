// Package executor implements the plan executor: wave-based dispatch over
// a dag.Graph, per-action retry/backoff, cascade failure, approval
// gating, rollback sweep, output sanitisation, and cancellation. It is the
// nucleus every other component (trigger daemon, HTTP API, group
// executor) submits plans through.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imld/daemon/internal/backoff"
	"github.com/imld/daemon/internal/dag"
	ierr "github.com/imld/daemon/internal/errors"
	"github.com/imld/daemon/internal/eventbus"
	"github.com/imld/daemon/internal/iml"
	"github.com/imld/daemon/internal/logging"
	"github.com/imld/daemon/internal/permission"
	"github.com/imld/daemon/internal/registry"
	"github.com/imld/daemon/internal/sanitize"
	"github.com/imld/daemon/internal/security"
	"github.com/imld/daemon/internal/store"
	"github.com/imld/daemon/internal/template"
)

// SessionMemory is the per-session KV store backing {{memory.*}}. A single
// session's store is never shared across plan_ids from different sessions.
type SessionMemory struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewSessionMemory() *SessionMemory {
	return &SessionMemory{data: make(map[string]string)}
}

func (m *SessionMemory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *SessionMemory) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// Config bundles the executor's collaborators and defaults.
type Config struct {
	Registry       *registry.Registry
	Store          *store.Store
	Bus            eventbus.Bus
	Logger         logging.Logger
	PermissionGuard *permission.Guard
	Profile        permission.Profile
	SecurityPipeline *security.Pipeline
	DefaultRetryBase time.Duration
	DefaultRetryMax  time.Duration
	MaxOutputBytes   int
	ResourceLimits   map[string]int // module_id -> max concurrent dispatches
}

// Executor runs plans to completion (or cancellation), one plan per call to
// Submit on its own goroutine, so many plans may run concurrently —
// concurrency across plans is the Group Executor's concern, not this
// package's.
type Executor struct {
	cfg       Config
	sanitizer *sanitize.Sanitizer
	approvals *ApprovalGate

	mu          sync.Mutex
	cancels     map[string]context.CancelFunc
	done        map[string]chan struct{} // closed once run() has persisted the plan's terminal state
	moduleSlots map[string]chan struct{} // module_id -> buffered semaphore
}

func New(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	if cfg.DefaultRetryBase == 0 {
		cfg.DefaultRetryBase = time.Second
	}
	if cfg.DefaultRetryMax == 0 {
		cfg.DefaultRetryMax = 30 * time.Second
	}
	e := &Executor{
		cfg:         cfg,
		sanitizer:   sanitize.New(cfg.MaxOutputBytes),
		approvals:   NewApprovalGate(),
		cancels:     make(map[string]context.CancelFunc),
		done:        make(map[string]chan struct{}),
		moduleSlots: make(map[string]chan struct{}),
	}
	for module, limit := range cfg.ResourceLimits {
		if limit > 0 {
			e.moduleSlots[module] = make(chan struct{}, limit)
		}
	}
	return e
}

func (e *Executor) Approvals() *ApprovalGate { return e.approvals }

// Load returns the persisted execution state for planID, for callers
// (HTTP API, group executor) that need the authoritative current state
// rather than the snapshot returned by Submit.
func (e *Executor) Load(planID string) (*iml.ExecutionState, error) {
	return e.cfg.Store.LoadPlan(planID)
}

// Submit runs the admission pipeline (security scanners, then the
// plan-level permission check) and, if admitted, launches execution in a
// background goroutine. Returns the persisted, possibly-rejected state
// immediately; callers poll GET /plans/{id} for progress.
func (e *Executor) Submit(ctx context.Context, plan *iml.Plan, mem *SessionMemory) (*iml.ExecutionState, error) {
	state := iml.NewExecutionState(plan)

	if e.cfg.SecurityPipeline != nil {
		agg, err := e.cfg.SecurityPipeline.Run(ctx, plan)
		if err != nil {
			return nil, err
		}
		if agg.Verdict == security.Reject {
			state.Status = iml.PlanRejected
			state.RejectionDetails = rejectionFromSecurity(agg)
			_ = e.cfg.Store.SavePlan(state)
			return state, nil
		}
		if agg.Verdict == security.Warn {
			e.cfg.Logger.Warn("plan admitted with warnings", map[string]interface{}{"plan_id": plan.PlanID, "risk_score": agg.RiskScore})
		}
	}

	if e.cfg.PermissionGuard != nil {
		for _, a := range plan.Actions {
			if err := e.cfg.PermissionGuard.Check(e.cfg.Profile, a.Module, a.Action, a.Params, primaryPath(a.Params)); err != nil {
				state.Status = iml.PlanRejected
				state.RejectionDetails = &iml.RejectionDetails{Source: "permission_guard", Verdict: "REJECT", Recommendations: []string{err.Error()}}
				_ = e.cfg.Store.SavePlan(state)
				return state, nil
			}
		}
	}

	now := time.Now()
	state.Status = iml.PlanRunning
	state.StartedAt = &now
	if err := e.cfg.Store.SavePlan(state); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan struct{})
	e.mu.Lock()
	e.cancels[plan.PlanID] = cancel
	e.done[plan.PlanID] = doneCh
	e.mu.Unlock()

	if mem == nil {
		mem = NewSessionMemory()
	}

	go e.run(runCtx, plan, state, mem, doneCh)

	return state, nil
}

// Cancel transitions a running plan to CANCELLED, signalling RUNNING
// actions to stop and skipping WAITING ones, then blocks until the run
// goroutine has actually observed cancellation, stopped dispatching, and
// persisted the terminal state (including any rollback sweep) — callers
// such as the trigger scheduler's preempt path rely on Cancel not
// returning until the preempted plan can no longer be RUNNING.
func (e *Executor) Cancel(planID string) {
	e.mu.Lock()
	cancel, ok := e.cancels[planID]
	doneCh := e.done[planID]
	e.mu.Unlock()
	if !ok {
		return
	}
	cancel()
	if doneCh != nil {
		<-doneCh
	}
}

func (e *Executor) run(ctx context.Context, plan *iml.Plan, state *iml.ExecutionState, mem *SessionMemory, doneCh chan struct{}) {
	defer func() {
		e.mu.Lock()
		delete(e.cancels, plan.PlanID)
		delete(e.done, plan.PlanID)
		e.mu.Unlock()
		close(doneCh)
	}()

	g := dag.Build(plan)
	resolver := &template.Resolver{Strict: false}

	var wg sync.WaitGroup
	var mu sync.Mutex // guards state + g transitions together

	failed := false
	cancelled := false

	for !g.IsComplete() {
		select {
		case <-ctx.Done():
			e.skipRemaining(g, state)
			cancelled = true
		default:
		}
		if cancelled {
			break
		}

		ready := g.ReadyNodes()
		if len(ready) == 0 {
			// nothing ready but not complete: everything in flight. Wait for a
			// running action to finish.
			time.Sleep(20 * time.Millisecond)
			continue
		}

		for _, id := range ready {
			action := plan.ActionByID(id)
			if action == nil {
				continue
			}
			mu.Lock()
			state.Actions[id].State = iml.ActionWaiting
			mu.Unlock()
			g.MarkRunning(id)

			wg.Add(1)
			go func(a *iml.Action) {
				defer wg.Done()
				outcome := e.runAction(ctx, plan, a, state, &mu, resolver, mem)
				mu.Lock()
				switch outcome {
				case outcomeCompleted:
					g.MarkCompleted(a.ID)
				case outcomeFailed:
					cascade := a.EffectiveOnFailure() == iml.OnFailureAbort
					g.MarkFailed(a.ID, cascade)
					if cascade {
						failed = true
					}
				case outcomeCancelled:
					g.MarkSkipped(a.ID)
				}
				mu.Unlock()
			}(action)
		}
		wg.Wait()
	}

	wg.Wait()

	mu.Lock()
	now := time.Now()
	state.EndedAt = &now
	switch {
	case cancelled || ctx.Err() != nil:
		state.Status = iml.PlanCancelled
	case failed:
		state.Status = iml.PlanFailed
	default:
		state.Status = e.finalStatus(state)
	}
	mu.Unlock()
	_ = e.cfg.Store.SavePlan(state)

	if state.Status == iml.PlanFailed && plan.RollbackOnFail {
		e.rollback(context.Background(), plan, state)
	}

	e.publish(ctx, plan, "plan.completed", map[string]interface{}{"plan_id": plan.PlanID, "status": string(state.Status)})
}

func (e *Executor) finalStatus(state *iml.ExecutionState) iml.PlanStatus {
	for _, res := range state.Actions {
		if res.State == iml.ActionFailed {
			return iml.PlanFailed
		}
	}
	return iml.PlanSucceeded
}

func (e *Executor) skipRemaining(g *dag.Graph, state *iml.ExecutionState) {
	for id, res := range state.Actions {
		if !res.State.IsTerminal() {
			res.State = iml.ActionSkipped
			g.MarkSkipped(id)
		}
	}
}

type actionOutcome int

const (
	outcomeCompleted actionOutcome = iota
	outcomeFailed
	outcomeCancelled
)

// runAction resolves templates, re-checks permission, waits for approval
// if required, then dispatches through the registry with retry/backoff.
func (e *Executor) runAction(ctx context.Context, plan *iml.Plan, a *iml.Action, state *iml.ExecutionState, mu *sync.Mutex, resolver *template.Resolver, mem *SessionMemory) actionOutcome {
	select {
	case <-ctx.Done():
		mu.Lock()
		state.Actions[a.ID].State = iml.ActionSkipped
		mu.Unlock()
		return outcomeCancelled
	default:
	}

	resolved, err := resolver.Resolve(plan.PlanID, a.ID, a.Params, e.resultLookup(state), mem)
	if err != nil {
		return e.failAction(state, mu, a.ID, err)
	}

	if e.cfg.PermissionGuard != nil {
		if err := e.cfg.PermissionGuard.Check(e.cfg.Profile, a.Module, a.Action, resolved, primaryPath(resolved)); err != nil {
			return e.failAction(state, mu, a.ID, err)
		}
	}

	if a.RequiresApproval {
		decision, err := e.awaitApproval(ctx, plan.PlanID, a)
		if err != nil {
			return e.failAction(state, mu, a.ID, err)
		}
		switch decision.Kind {
		case ApprovalReject:
			return e.failAction(state, mu, a.ID, ierr.New("executor.Approve", ierr.KindPermissionDenied, a.ID, "rejected by approver", nil))
		case ApprovalDefer:
			mu.Lock()
			state.Actions[a.ID].State = iml.ActionSkipped
			mu.Unlock()
			return outcomeCancelled
		case ApprovalApproveWithChanges:
			if decision.ChangedParams != nil {
				resolved = decision.ChangedParams
			}
		}
	}

	mu.Lock()
	now := time.Now()
	state.Actions[a.ID].State = iml.ActionRunning
	state.Actions[a.ID].StartedAt = &now
	mu.Unlock()
	_ = e.cfg.Store.SaveAction(plan.PlanID, a.ID, state.Actions[a.ID])
	e.publish(ctx, plan, "action.started", map[string]interface{}{"plan_id": plan.PlanID, "action_id": a.ID})

	release := e.acquireModuleSlot(ctx, a.Module)
	defer release()

	maxAttempts := 1
	base := e.cfg.DefaultRetryBase
	max := e.cfg.DefaultRetryMax
	if a.Retry != nil {
		if a.Retry.MaxAttempts > 0 {
			maxAttempts = a.Retry.MaxAttempts
		}
		if a.Retry.BackoffSeconds > 0 {
			base = time.Duration(a.Retry.BackoffSeconds * float64(time.Second))
		}
	}

	var result map[string]interface{}
	var dispatchErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			mu.Lock()
			state.Actions[a.ID].State = iml.ActionSkipped
			mu.Unlock()
			return outcomeCancelled
		default:
		}

		result, dispatchErr = e.cfg.Registry.Dispatch(ctx, a.Module, a.Action, resolved)
		mu.Lock()
		state.Actions[a.ID].Attempts = attempt
		mu.Unlock()
		if dispatchErr == nil {
			break
		}
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				mu.Lock()
				state.Actions[a.ID].State = iml.ActionSkipped
				mu.Unlock()
				return outcomeCancelled
			case <-time.After(backoff.Delay(attempt, base, max)):
			}
		}
	}

	if dispatchErr != nil {
		return e.failAction(state, mu, a.ID, dispatchErr)
	}

	mu.Lock()
	endedAt := time.Now()
	state.Actions[a.ID].State = iml.ActionCompleted
	state.Actions[a.ID].EndedAt = &endedAt
	state.Actions[a.ID].Result = e.sanitizeResult(result)
	mu.Unlock()
	_ = e.cfg.Store.SaveAction(plan.PlanID, a.ID, state.Actions[a.ID])
	e.publish(ctx, plan, "action.completed", map[string]interface{}{"plan_id": plan.PlanID, "action_id": a.ID})

	return outcomeCompleted
}

func (e *Executor) sanitizeResult(result map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(result))
	for k, v := range result {
		if s, ok := v.(string); ok {
			out[k] = e.sanitizer.Sanitize(s)
		} else {
			out[k] = v
		}
	}
	return out
}

func (e *Executor) failAction(state *iml.ExecutionState, mu *sync.Mutex, actionID string, err error) actionOutcome {
	mu.Lock()
	now := time.Now()
	state.Actions[actionID].State = iml.ActionFailed
	state.Actions[actionID].EndedAt = &now
	state.Actions[actionID].Error = err.Error()
	mu.Unlock()
	_ = e.cfg.Store.SaveAction(state.PlanID, actionID, state.Actions[actionID])
	return outcomeFailed
}

func (e *Executor) awaitApproval(ctx context.Context, planID string, a *iml.Action) (ApprovalDecision, error) {
	ch, err := e.approvals.Open(planID, a.ID)
	if err != nil {
		return ApprovalDecision{}, err
	}
	select {
	case <-ctx.Done():
		e.approvals.Cancel(planID, a.ID)
		return ApprovalDecision{}, ierr.ErrCancelled
	case decision := <-ch:
		return decision, nil
	}
}

func (e *Executor) acquireModuleSlot(ctx context.Context, module string) func() {
	slot, ok := e.moduleSlots[module]
	if !ok {
		return func() {}
	}
	select {
	case slot <- struct{}{}:
		return func() { <-slot }
	case <-ctx.Done():
		return func() {}
	}
}

func (e *Executor) resultLookup(state *iml.ExecutionState) template.ResultLookup {
	return func(actionID string) (*iml.ActionResult, bool) {
		res, ok := state.Actions[actionID]
		return res, ok
	}
}

// rollback walks COMPLETED actions in reverse topological order,
// dispatching each one's compensation body through the same registry
// dispatch path. Rollback failures are recorded but never trigger a
// recursive rollback of the rollback itself.
func (e *Executor) rollback(ctx context.Context, plan *iml.Plan, state *iml.ExecutionState) {
	g := dag.Build(plan)
	order := g.TopologicalOrder()

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		res := state.Actions[id]
		if res == nil || res.State != iml.ActionCompleted {
			continue
		}
		a := plan.ActionByID(id)
		if a == nil || a.Rollback == nil {
			continue
		}
		_, err := e.cfg.Registry.Dispatch(ctx, a.Rollback.Module, a.Rollback.Action, a.Rollback.Params)
		if err != nil {
			res.Error = "rollback failed: " + err.Error()
			e.cfg.Logger.Warn("rollback action failed", map[string]interface{}{"plan_id": plan.PlanID, "action_id": id, "error": err.Error()})
			continue
		}
		res.State = iml.ActionRolledBack
		_ = e.cfg.Store.SaveAction(plan.PlanID, id, res)
	}
	_ = e.cfg.Store.SavePlan(state)
}

func (e *Executor) publish(ctx context.Context, plan *iml.Plan, eventType string, payload map[string]interface{}) {
	if e.cfg.Bus == nil {
		return
	}
	_ = e.cfg.Bus.Publish(ctx, &eventbus.UniversalEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Topic:     "plans/" + plan.PlanID + "/" + eventType,
		Timestamp: time.Now(),
		Source:    "executor",
		Payload:   payload,
		SessionID: plan.SessionID,
	})
}

func rejectionFromSecurity(agg security.AggregateResult) *iml.RejectionDetails {
	details := &iml.RejectionDetails{
		Source:    "scanner_pipeline",
		Verdict:   string(agg.Verdict),
		RiskScore: agg.RiskScore,
	}
	for _, f := range agg.Findings {
		details.ScannerFindings = append(details.ScannerFindings, f.Scanner+": "+f.Description)
		if f.ThreatType != "" {
			details.ThreatTypes = append(details.ThreatTypes, f.ThreatType)
		}
	}
	return details
}

// primaryPath extracts the conventional "path" param used by the sandbox
// check, if present.
func primaryPath(params map[string]interface{}) string {
	if v, ok := params["path"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
