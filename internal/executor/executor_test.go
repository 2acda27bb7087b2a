package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/imld/daemon/internal/iml"
	"github.com/imld/daemon/internal/registry"
	"github.com/imld/daemon/internal/store"
	"github.com/imld/daemon/pkg/module"
)

func newTestExecutor(t *testing.T) (*Executor, *registry.Registry) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "imld.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	exec := New(Config{Registry: reg, Store: st})
	return exec, reg
}

func registerEcho(t *testing.T, reg *registry.Registry) {
	t.Helper()
	reg.Register(&module.Module{
		ModuleID: "echo",
		Actions:  []module.ActionSpec{{Name: "say"}},
		Handlers: map[string]module.Handler{
			"say": func(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
				return map[string]interface{}{"said": params["text"]}, nil
			},
		},
	})
}

func waitTerminal(t *testing.T, exec *Executor, planID string) *iml.ExecutionState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		state, err := exec.Load(planID)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if state != nil && state.Status.IsTerminal() {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("plan %s did not reach a terminal state in time", planID)
	return nil
}

func TestSubmitRunsSingleActionToCompletion(t *testing.T) {
	exec, reg := newTestExecutor(t)
	registerEcho(t, reg)

	plan := &iml.Plan{
		PlanID: "p1",
		Actions: []*iml.Action{
			{ID: "a1", Module: "echo", Action: "say", Params: map[string]interface{}{"text": "hi"}},
		},
	}

	state, err := exec.Submit(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if state.Status != iml.PlanRunning {
		t.Fatalf("Status immediately after Submit = %q, want RUNNING", state.Status)
	}

	final := waitTerminal(t, exec, "p1")
	if final.Status != iml.PlanSucceeded {
		t.Fatalf("final Status = %q, want SUCCEEDED", final.Status)
	}
	if final.Actions["a1"].Result["said"] != "hi" {
		t.Errorf("result said = %v, want hi", final.Actions["a1"].Result["said"])
	}
}

func TestSubmitRunsDependentActionsInOrder(t *testing.T) {
	exec, reg := newTestExecutor(t)
	registerEcho(t, reg)

	plan := &iml.Plan{
		PlanID: "p2",
		Actions: []*iml.Action{
			{ID: "a1", Module: "echo", Action: "say", Params: map[string]interface{}{"text": "first"}},
			{ID: "a2", Module: "echo", Action: "say", DependsOn: []string{"a1"},
				Params: map[string]interface{}{"text": "{{result.a1.said}}-second"}},
		},
	}

	if _, err := exec.Submit(context.Background(), plan, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitTerminal(t, exec, "p2")
	if final.Status != iml.PlanSucceeded {
		t.Fatalf("final Status = %q, want SUCCEEDED", final.Status)
	}
	if final.Actions["a2"].Result["said"] != "first-second" {
		t.Errorf("a2 result said = %v, want first-second (templated from a1)", final.Actions["a2"].Result["said"])
	}
}

func TestSubmitFailsActionPropagatesToFailedPlan(t *testing.T) {
	exec, reg := newTestExecutor(t)
	reg.Register(&module.Module{
		ModuleID: "boom",
		Actions:  []module.ActionSpec{{Name: "explode"}},
		Handlers: map[string]module.Handler{
			"explode": func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
				return nil, context.DeadlineExceeded
			},
		},
	})

	plan := &iml.Plan{
		PlanID: "p3",
		Actions: []*iml.Action{
			{ID: "a1", Module: "boom", Action: "explode"},
		},
	}

	if _, err := exec.Submit(context.Background(), plan, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitTerminal(t, exec, "p3")
	if final.Status != iml.PlanFailed {
		t.Fatalf("final Status = %q, want FAILED", final.Status)
	}
	if final.Actions["a1"].State != iml.ActionFailed {
		t.Errorf("a1 State = %q, want FAILED", final.Actions["a1"].State)
	}
}

func TestSubmitCascadesSkipToDependentsOnAbortFailure(t *testing.T) {
	exec, reg := newTestExecutor(t)
	reg.Register(&module.Module{
		ModuleID: "boom",
		Actions:  []module.ActionSpec{{Name: "explode"}},
		Handlers: map[string]module.Handler{
			"explode": func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
				return nil, context.DeadlineExceeded
			},
		},
	})
	registerEcho(t, reg)

	plan := &iml.Plan{
		PlanID: "p4",
		Actions: []*iml.Action{
			{ID: "a1", Module: "boom", Action: "explode", OnFailure: iml.OnFailureAbort},
			{ID: "a2", Module: "echo", Action: "say", DependsOn: []string{"a1"}, Params: map[string]interface{}{"text": "never"}},
		},
	}

	if _, err := exec.Submit(context.Background(), plan, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitTerminal(t, exec, "p4")
	if final.Status != iml.PlanFailed {
		t.Fatalf("final Status = %q, want FAILED", final.Status)
	}
	if final.Actions["a2"].State != iml.ActionSkipped {
		t.Errorf("a2 State = %q, want SKIPPED (cascaded from a1's abort failure)", final.Actions["a2"].State)
	}
}

func TestSubmitRunsDependentAfterContinuePolicyFailure(t *testing.T) {
	// Regression: on_failure=continue must not strand a2 pending forever —
	// it should still run (and complete) after a1 fails.
	exec, reg := newTestExecutor(t)
	reg.Register(&module.Module{
		ModuleID: "boom",
		Actions:  []module.ActionSpec{{Name: "explode"}},
		Handlers: map[string]module.Handler{
			"explode": func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
				return nil, context.DeadlineExceeded
			},
		},
	})
	registerEcho(t, reg)

	plan := &iml.Plan{
		PlanID: "p4b",
		Actions: []*iml.Action{
			{ID: "a1", Module: "boom", Action: "explode", OnFailure: iml.OnFailureContinue},
			{ID: "a2", Module: "echo", Action: "say", DependsOn: []string{"a1"}, Params: map[string]interface{}{"text": "still runs"}},
		},
	}

	if _, err := exec.Submit(context.Background(), plan, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitTerminal(t, exec, "p4b")
	if final.Actions["a1"].State != iml.ActionFailed {
		t.Errorf("a1 State = %q, want FAILED", final.Actions["a1"].State)
	}
	if final.Actions["a2"].State != iml.ActionCompleted {
		t.Fatalf("a2 State = %q, want COMPLETED (continue-policy failure must not block its dependent)", final.Actions["a2"].State)
	}
	if final.Actions["a2"].Result["said"] != "still runs" {
		t.Errorf("a2 result said = %v, want %q", final.Actions["a2"].Result["said"], "still runs")
	}
}

func TestSubmitRetriesUpToMaxAttemptsThenFails(t *testing.T) {
	exec, reg := newTestExecutor(t)
	attempts := 0
	reg.Register(&module.Module{
		ModuleID: "flaky",
		Actions:  []module.ActionSpec{{Name: "try"}},
		Handlers: map[string]module.Handler{
			"try": func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
				attempts++
				return nil, context.DeadlineExceeded
			},
		},
	})

	plan := &iml.Plan{
		PlanID: "p5",
		Actions: []*iml.Action{
			{ID: "a1", Module: "flaky", Action: "try", Retry: &iml.Retry{MaxAttempts: 3, BackoffSeconds: 0.01}},
		},
	}

	if _, err := exec.Submit(context.Background(), plan, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, exec, "p5")

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestCancelStopsRunningPlan(t *testing.T) {
	exec, reg := newTestExecutor(t)
	release := make(chan struct{})
	reg.Register(&module.Module{
		ModuleID: "slow",
		Actions:  []module.ActionSpec{{Name: "wait"}},
		Handlers: map[string]module.Handler{
			"wait": func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
				select {
				case <-release:
					return map[string]interface{}{}, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
	})

	plan := &iml.Plan{
		PlanID: "p6",
		Actions: []*iml.Action{
			{ID: "a1", Module: "slow", Action: "wait"},
		},
	}

	if _, err := exec.Submit(context.Background(), plan, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	exec.Cancel("p6")
	close(release)

	final := waitTerminal(t, exec, "p6")
	if final.Status != iml.PlanCancelled {
		t.Errorf("final Status = %q, want CANCELLED", final.Status)
	}
}

func TestSubmitWaitsForApprovalBeforeDispatch(t *testing.T) {
	exec, reg := newTestExecutor(t)
	registerEcho(t, reg)

	plan := &iml.Plan{
		PlanID: "p7",
		Actions: []*iml.Action{
			{ID: "a1", Module: "echo", Action: "say", RequiresApproval: true, Params: map[string]interface{}{"text": "gated"}},
		},
	}

	if _, err := exec.Submit(context.Background(), plan, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	state, err := exec.Load("p7")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state.Status.IsTerminal() {
		t.Fatal("plan should still be awaiting approval, not terminal")
	}

	if err := exec.Approvals().Resolve("p7", "a1", ApprovalDecision{Kind: ApprovalApprove}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	final := waitTerminal(t, exec, "p7")
	if final.Status != iml.PlanSucceeded {
		t.Fatalf("final Status = %q, want SUCCEEDED", final.Status)
	}
}
