package playbook

import (
	"fmt"
	"regexp"
	"strings"
)

var templateVar = regexp.MustCompile(`\{\{\s*([\w.-]+)\s*\}\}`)

// Resolve substitutes template variables throughout a value. Strings
// carrying a single variable take the looked-up value with its type;
// variables embedded in longer strings are stringified. Maps and lists
// are resolved recursively. Variables that do not resolve are left
// as-is.
func Resolve(value any, scope map[string]any) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Resolve(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Resolve(item, scope)
		}
		return out
	default:
		return value
	}
}

func resolveString(s string, scope map[string]any) any {
	// A string that is exactly one variable keeps the resolved type.
	if m := templateVar.FindStringSubmatch(s); m != nil && m[0] == strings.TrimSpace(s) {
		if val, ok := lookupPath(scope, m[1]); ok {
			return val
		}
		return s
	}
	return templateVar.ReplaceAllStringFunc(s, func(match string) string {
		path := templateVar.FindStringSubmatch(match)[1]
		val, ok := lookupPath(scope, path)
		if !ok {
			return match
		}
		if val == nil {
			return ""
		}
		return fmt.Sprintf("%v", val)
	})
}

// lookupPath walks a dot path through nested maps. A missing key means
// the variable stays unresolved; traversing through a non-map resolves
// to nil.
func lookupPath(scope map[string]any, path string) (any, bool) {
	var current any = scope
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			// There is a value here but the path keeps going.
			return nil, true
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
