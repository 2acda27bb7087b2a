package iml

import "regexp"

// resultRefPattern matches {{result.<action_id>.<jsonpath>}} sigils. Used
// by the validator to check template-reference ancestry without actually
// resolving the reference (that's the template resolver's job, invoked
// later, right before dispatch).
var resultRefPattern = regexp.MustCompile(`\{\{\s*result\.([A-Za-z0-9_\-]+)(?:\.[^}]*)?\s*\}\}`)

// extractResultRefs walks a params tree (maps/slices/strings) and returns
// every distinct action id referenced via {{result.<id>...}}.
func extractResultRefs(v interface{}) []string {
	seen := map[string]bool{}
	var walk func(interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case string:
			for _, m := range resultRefPattern.FindAllStringSubmatch(t, -1) {
				seen[m[1]] = true
			}
		case map[string]interface{}:
			for _, vv := range t {
				walk(vv)
			}
		case []interface{}:
			for _, vv := range t {
				walk(vv)
			}
		}
	}
	walk(v)
	refs := make([]string, 0, len(seen))
	for id := range seen {
		refs = append(refs, id)
	}
	return refs
}
