package projection

import (
	"slices"
	"strconv"
	"strings"
)

// createHelperFunctions builds the helpers available to every expression.
// Names avoid expr builtins such as get, keys and lower.
func createHelperFunctions() map[string]any {
	funcs := make(map[string]any, 8)

	// Navigation over decoded JSON
	funcs["path"] = path
	funcs["hasPath"] = func(v any, p string) bool {
		_, ok := lookup(v, p)
		return ok
	}
	funcs["fields"] = fields
	funcs["pluck"] = pluck

	// String helpers
	funcs["containsFold"] = func(str, substr string) bool {
		return strings.Contains(strings.ToLower(str), strings.ToLower(substr))
	}
	funcs["hasPrefixFold"] = func(str, prefix string) bool {
		return strings.HasPrefix(strings.ToLower(str), strings.ToLower(prefix))
	}

	return funcs
}

// path resolves a dotted path such as "rows.0.name" against maps and
// slices. Missing segments yield nil.
func path(v any, p string) any {
	out, _ := lookup(v, p)
	return out
}

func lookup(v any, p string) (any, bool) {
	if p == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(p, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// fields returns the sorted keys of a JSON object, or nil for anything else.
func fields(v any) []string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// pluck collects p from every element of a JSON array.
func pluck(v any, p string) []any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]any, 0, len(list))
	for _, item := range list {
		out = append(out, path(item, p))
	}
	return out
}
