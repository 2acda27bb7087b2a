package dag

import (
	"reflect"
	"testing"

	"github.com/imld/daemon/internal/iml"
)

func linearPlan() *iml.Plan {
	return &iml.Plan{Actions: []*iml.Action{
		{ID: "a1"},
		{ID: "a2", DependsOn: []string{"a1"}},
		{ID: "a3", DependsOn: []string{"a1"}},
		{ID: "a4", DependsOn: []string{"a2", "a3"}},
	}}
}

func TestReadyNodesInitiallyOnlyRoots(t *testing.T) {
	g := Build(linearPlan())
	ready := g.ReadyNodes()
	if !reflect.DeepEqual(ready, []string{"a1"}) {
		t.Fatalf("ReadyNodes() = %v, want [a1]", ready)
	}
}

func TestReadyNodesAfterCompletion(t *testing.T) {
	g := Build(linearPlan())
	g.MarkCompleted("a1")
	ready := g.ReadyNodes()
	if !reflect.DeepEqual(ready, []string{"a2", "a3"}) {
		t.Fatalf("ReadyNodes() = %v, want [a2 a3]", ready)
	}
}

func TestMarkFailedCascadesSkip(t *testing.T) {
	g := Build(linearPlan())
	g.MarkFailed("a1", true)
	if !g.IsComplete() {
		// a2/a3/a4 should all have cascaded to skipped, a1 failed: all terminal.
		t.Fatalf("expected graph complete after cascading failure")
	}
}

func TestMarkFailedWithoutCascadeLeavesDependentsEligible(t *testing.T) {
	// on_failure=continue: a1 fails but a2/a3 (which depend only on a1)
	// must still become ready, since a "continue" failure satisfies its
	// dependents rather than blocking them forever.
	g := Build(linearPlan())
	g.MarkFailed("a1", false)
	ready := g.ReadyNodes()
	if !reflect.DeepEqual(ready, []string{"a2", "a3"}) {
		t.Fatalf("ReadyNodes() = %v, want [a2 a3] (continue-policy failure should not block dependents)", ready)
	}

	g.MarkCompleted("a2")
	g.MarkCompleted("a3")
	if !reflect.DeepEqual(g.ReadyNodes(), []string{"a4"}) {
		t.Fatalf("ReadyNodes() = %v, want [a4] once a2/a3 complete", g.ReadyNodes())
	}
	g.MarkCompleted("a4")
	if !g.IsComplete() {
		t.Fatal("expected graph complete once every node reaches a terminal status")
	}
}

func TestTopologicalOrderRespectsDependencies(t *testing.T) {
	g := Build(linearPlan())
	order := g.TopologicalOrder()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["a1"] > pos["a2"] || pos["a1"] > pos["a3"] {
		t.Fatalf("a1 must precede a2/a3 in %v", order)
	}
	if pos["a2"] > pos["a4"] || pos["a3"] > pos["a4"] {
		t.Fatalf("a2/a3 must precede a4 in %v", order)
	}
}

func TestExecutionLevelsGroupsIntoWaves(t *testing.T) {
	g := Build(linearPlan())
	levels := g.ExecutionLevels()
	want := [][]string{{"a1"}, {"a2", "a3"}, {"a4"}}
	if !reflect.DeepEqual(levels, want) {
		t.Fatalf("ExecutionLevels() = %v, want %v", levels, want)
	}
}

func TestResetReturnsNodesToPending(t *testing.T) {
	g := Build(linearPlan())
	g.MarkCompleted("a1")
	g.Reset()
	ready := g.ReadyNodes()
	if !reflect.DeepEqual(ready, []string{"a1"}) {
		t.Fatalf("after Reset, ReadyNodes() = %v, want [a1]", ready)
	}
}
