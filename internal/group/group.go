// Package group implements the plan group executor: fan-out over N plans
// bounded by a global concurrency ceiling plus per-module semaphores, the
// module slots shared with the single-plan executor so a group run and an
// individually-submitted plan contend for the same resource_limits.
package group

import (
	"context"
	"sync"
	"time"

	"github.com/imld/daemon/internal/executor"
	"github.com/imld/daemon/internal/iml"
)

// Status is the fan-out's aggregate outcome.
type Status string

const (
	AllSucceeded Status = "all_succeeded"
	Partial      Status = "partial"
	AllFailed    Status = "all_failed"
)

// Result is one plan's outcome within a group run.
type Result struct {
	PlanID string
	State  *iml.ExecutionState
	Err    error
}

// AggregateResult is returned once every plan in the group has reached a
// terminal state.
type AggregateResult struct {
	Status   Status
	Results  []Result
	Duration time.Duration
}

// Executor fans a batch of plans out across a global semaphore, delegating
// each individual plan's execution to the wrapped *executor.Executor.
type Executor struct {
	exec         *executor.Executor
	maxConcurrent int
}

func New(exec *executor.Executor, maxConcurrent int) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Executor{exec: exec, maxConcurrent: maxConcurrent}
}

// Run submits every plan, bounded by the global semaphore, and blocks
// until all have reached a terminal plan status.
func (g *Executor) Run(ctx context.Context, plans []*iml.Plan) AggregateResult {
	started := time.Now()
	global := make(chan struct{}, g.maxConcurrent)

	results := make([]Result, len(plans))
	var wg sync.WaitGroup

	for i, plan := range plans {
		wg.Add(1)
		go func(i int, plan *iml.Plan) {
			defer wg.Done()

			select {
			case global <- struct{}{}:
			case <-ctx.Done():
				results[i] = Result{PlanID: plan.PlanID, Err: ctx.Err()}
				return
			}
			defer func() { <-global }()

			state, err := g.exec.Submit(ctx, plan, executor.NewSessionMemory())
			if err != nil {
				results[i] = Result{PlanID: plan.PlanID, Err: err}
				return
			}
			final := g.awaitTerminal(ctx, plan.PlanID, state)
			results[i] = Result{PlanID: plan.PlanID, State: final}
		}(i, plan)
	}
	wg.Wait()

	return AggregateResult{
		Status:   aggregateStatus(results),
		Results:  results,
		Duration: time.Since(started),
	}
}

// awaitTerminal polls the executor's store-backed state until the plan
// reaches a terminal status. The executor owns the authoritative state;
// this is a simple wait, not a second source of truth.
func (g *Executor) awaitTerminal(ctx context.Context, planID string, state *iml.ExecutionState) *iml.ExecutionState {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if state.Status.IsTerminal() {
			return state
		}
		select {
		case <-ctx.Done():
			return state
		case <-ticker.C:
			if loaded, err := g.exec.Load(planID); err == nil && loaded != nil {
				state = loaded
			}
		}
	}
}

func aggregateStatus(results []Result) Status {
	succeeded, failed := 0, 0
	for _, r := range results {
		if r.Err != nil || r.State == nil {
			failed++
			continue
		}
		switch r.State.Status {
		case iml.PlanSucceeded:
			succeeded++
		default:
			failed++
		}
	}
	switch {
	case failed == 0:
		return AllSucceeded
	case succeeded == 0:
		return AllFailed
	default:
		return Partial
	}
}
