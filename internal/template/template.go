// Package template resolves the three IML sigils — {{result.*}},
// {{memory.*}}, {{env.*}} — against an action's params document immediately
// before dispatch.
package template

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	ierr "github.com/imld/daemon/internal/errors"
	"github.com/imld/daemon/internal/iml"
)

// sigilPattern matches a single {{...}} template reference.
var sigilPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-]+)\s*\}\}`)

// Memory is the per-session key-value store {{memory.<key>}} reads from.
type Memory interface {
	Get(key string) (string, bool)
}

// ResultLookup returns the recorded result of an action for
// {{result.<action_id>.<jsonpath>}}, or false if the action is unknown. The
// Resolver itself returns an error wrapping ErrPreconditionViolated when the
// referenced action is missing or not COMPLETED.
type ResultLookup func(actionID string) (*iml.ActionResult, bool)

// Resolver resolves templates within an action's params document.
type Resolver struct {
	Strict bool // when true, a missing memory key is an error rather than ""
}

// Resolve walks params recursively, substituting sigils. Whole-leaf
// substitution preserves the referent's native type; partial-leaf
// substitution does string concatenation.
func (r *Resolver) Resolve(planID, actionID string, params map[string]interface{}, results ResultLookup, mem Memory) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		resolved, err := r.resolveValue(planID, actionID, v, results, mem)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (r *Resolver) resolveValue(planID, actionID string, v interface{}, results ResultLookup, mem Memory) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return r.resolveString(planID, actionID, t, results, mem)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			resolved, err := r.resolveValue(planID, actionID, vv, results, mem)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			resolved, err := r.resolveValue(planID, actionID, vv, results, mem)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *Resolver) resolveString(planID, actionID, s string, results ResultLookup, mem Memory) (interface{}, error) {
	matches := sigilPattern.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s, nil
	}

	// Whole-leaf substitution: the entire string is exactly one sigil.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		ref := s[matches[0][2]:matches[0][3]]
		return r.lookup(planID, actionID, ref, results, mem)
	}

	// Partial-leaf: string concatenation.
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		ref := s[m[2]:m[3]]
		val, err := r.lookup(planID, actionID, ref, results, mem)
		if err != nil {
			return nil, err
		}
		b.WriteString(fmt.Sprintf("%v", val))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func (r *Resolver) lookup(planID, actionID, ref string, results ResultLookup, mem Memory) (interface{}, error) {
	switch {
	case strings.HasPrefix(ref, "result."):
		return r.lookupResult(planID, actionID, strings.TrimPrefix(ref, "result."), results)
	case strings.HasPrefix(ref, "memory."):
		key := strings.TrimPrefix(ref, "memory.")
		if mem != nil {
			if v, ok := mem.Get(key); ok {
				return v, nil
			}
		}
		if r.Strict {
			return nil, ierr.New("template.Resolve", ierr.KindTemplateResolution, actionID,
				fmt.Sprintf("memory key %q not found", key), nil)
		}
		return "", nil
	case strings.HasPrefix(ref, "env."):
		return os.Getenv(strings.TrimPrefix(ref, "env.")), nil
	default:
		return "{{" + ref + "}}", nil
	}
}

func (r *Resolver) lookupResult(planID, actionID, rest string, results ResultLookup) (interface{}, error) {
	parts := strings.SplitN(rest, ".", 2)
	refID := parts[0]
	path := ""
	if len(parts) == 2 {
		path = parts[1]
	}

	res, ok := results(refID)
	if !ok || res == nil || res.State != iml.ActionCompleted {
		return nil, ierr.New("template.Resolve", ierr.KindTemplateResolution, actionID,
			fmt.Sprintf("result reference %q is not COMPLETED", refID), ierr.ErrPreconditionViolated)
	}
	if path == "" {
		return res.Result, nil
	}
	return walkPath(res.Result, path)
}

// walkPath navigates a dotted path (with optional [index] segments) over a
// decoded JSON tree.
func walkPath(v interface{}, path string) (interface{}, error) {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		name, idx, hasIdx := splitIndex(seg)
		if name != "" {
			m, ok := cur.(map[string]interface{})
			if !ok {
				return nil, ierr.New("template.Resolve", ierr.KindTemplateResolution, "", fmt.Sprintf("cannot index %q into non-object", name), nil)
			}
			cur, ok = m[name]
			if !ok {
				return nil, ierr.New("template.Resolve", ierr.KindTemplateResolution, "", fmt.Sprintf("path segment %q not found", name), nil)
			}
		}
		if hasIdx {
			arr, ok := cur.([]interface{})
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, ierr.New("template.Resolve", ierr.KindTemplateResolution, "", fmt.Sprintf("index %d out of range", idx), nil)
			}
			cur = arr[idx]
		}
	}
	return cur, nil
}

var indexPattern = regexp.MustCompile(`^([a-zA-Z0-9_\-]*)\[(\d+)\]$`)

func splitIndex(seg string) (name string, idx int, hasIdx bool) {
	if m := indexPattern.FindStringSubmatch(seg); m != nil {
		var n int
		fmt.Sscanf(m[2], "%d", &n)
		return m[1], n, true
	}
	return seg, 0, false
}
