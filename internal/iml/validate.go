package iml

import (
	"fmt"
	"strings"

	ierr "github.com/imld/daemon/internal/errors"
)

// nodeColor is used by the gray/black DFS cycle check, adapted from the
// teacher's workflow DAG validator: white (unvisited), gray (on the
// current DFS stack), black (fully explored).
type nodeColor int

const (
	white nodeColor = iota
	gray
	black
)

// ValidationError enumerates every structural violation found in a plan,
// rather than failing on the first one encountered.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plan validation failed: %s", strings.Join(e.Violations, "; "))
}

// Validate enforces the structural invariants named in the plan parser and
// validator design: dependency resolution, acyclicity (with a full cycle
// trace), template-reference ancestry, compiled-mode trace presence, and
// rollback-body structural validity.
func Validate(p *Plan) error {
	var violations []string

	byID := make(map[string]*Action, len(p.Actions))
	seen := make(map[string]bool, len(p.Actions))
	for _, a := range p.Actions {
		if seen[a.ID] {
			violations = append(violations, fmt.Sprintf("duplicate action id %q", a.ID))
			continue
		}
		seen[a.ID] = true
		byID[a.ID] = a
	}

	for _, a := range p.Actions {
		for _, dep := range a.DependsOn {
			if _, ok := byID[dep]; !ok {
				violations = append(violations, fmt.Sprintf("action %q depends_on unresolved action %q", a.ID, dep))
			}
		}
	}

	if cycle := findCycle(p.Actions, byID); cycle != nil {
		violations = append(violations, fmt.Sprintf("cyclic depends_on: %s", strings.Join(cycle, "→")))
	}

	for _, a := range p.Actions {
		for _, ref := range extractResultRefs(a.Params) {
			if ref == a.ID {
				violations = append(violations, fmt.Sprintf("action %q references its own result", a.ID))
				continue
			}
			if !isTransitiveDependency(a.ID, ref, byID) {
				violations = append(violations, fmt.Sprintf("action %q references result of %q, which is not a transitive dependency", a.ID, ref))
			}
		}
	}

	if p.PlanMode == PlanModeCompiled {
		if p.CompilerTrace == nil || len(p.CompilerTrace.Phases) == 0 {
			violations = append(violations, "plan_mode=compiled requires a non-empty compiler_trace")
		} else if len(p.CompilerTrace.Phases) != 4 {
			violations = append(violations, fmt.Sprintf("compiler_trace must name four phases, got %d", len(p.CompilerTrace.Phases)))
		}
	}

	for _, a := range p.Actions {
		if a.Rollback != nil {
			if a.Rollback.Module == "" || a.Rollback.Action == "" {
				violations = append(violations, fmt.Sprintf("action %q has a malformed rollback body", a.ID))
			}
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// findCycle runs gray/black DFS over the depends_on graph, returning the
// cycle path (as a sequence of action ids) if one exists, adapted from the
// teacher's hasCycleDFS/rebuildDependents approach but generalised to
// report the actual cycle rather than a boolean.
func findCycle(actions []*Action, byID map[string]*Action) []string {
	color := make(map[string]nodeColor, len(actions))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)

		a := byID[id]
		if a != nil {
			for _, dep := range a.DependsOn {
				if _, ok := byID[dep]; !ok {
					continue // unresolved ref already reported separately
				}
				switch color[dep] {
				case white:
					if cyc := visit(dep); cyc != nil {
						return cyc
					}
				case gray:
					// found the back-edge; slice path from dep's first occurrence
					for i, n := range path {
						if n == dep {
							return append(append([]string{}, path[i:]...), dep)
						}
					}
					return []string{dep, id, dep}
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, a := range actions {
		if color[a.ID] == white {
			if cyc := visit(a.ID); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// isTransitiveDependency reports whether target is reachable from start by
// following depends_on edges (BFS).
func isTransitiveDependency(start, target string, byID map[string]*Action) bool {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		a := byID[cur]
		if a == nil {
			continue
		}
		for _, dep := range a.DependsOn {
			if dep == target {
				return true
			}
			if !visited[dep] {
				visited[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return false
}

// ValidationErrorFrom wraps err (expected to be *ValidationError) into the
// structural DaemonError kind.
func ValidationErrorFrom(planID string, err error) error {
	if err == nil {
		return nil
	}
	return ierr.New("iml.Validate", ierr.KindValidation, planID, err.Error(), err)
}
