package playbook

import (
	"fmt"
	"strconv"
	"strings"
)

// Clause is one condition branch: if field op value holds, take branch.
type Clause struct {
	Field  string `json:"field"`
	Op     string `json:"op"`
	Value  any    `json:"value,omitempty"`
	Branch string `json:"branch"`
}

// Condition ops.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpContains = "contains"
	OpGt       = "gt"
	OpLt       = "lt"
	OpExists   = "exists"
)

// evalClauses returns the branch of the first clause that holds, or the
// default branch when none do.
func evalClauses(clauses []Clause, defaultBranch string, scope map[string]any) (string, error) {
	for _, c := range clauses {
		ok, err := evalClause(c, scope)
		if err != nil {
			return "", err
		}
		if ok {
			return c.Branch, nil
		}
	}
	return defaultBranch, nil
}

func evalClause(c Clause, scope map[string]any) (bool, error) {
	val, found := lookupPath(scope, c.Field)

	switch c.Op {
	case OpExists:
		return found && val != nil, nil
	case OpEq:
		return found && looseEqual(val, c.Value), nil
	case OpNeq:
		return !found || !looseEqual(val, c.Value), nil
	case OpContains:
		return found && contains(val, c.Value), nil
	case OpGt, OpLt:
		if !found {
			return false, nil
		}
		a, aok := asFloat(val)
		b, bok := asFloat(c.Value)
		if !aok || !bok {
			return false, nil
		}
		if c.Op == OpGt {
			return a > b, nil
		}
		return a < b, nil
	default:
		return false, fmt.Errorf("unknown condition op %q", c.Op)
	}
}

// looseEqual compares after numeric coercion so 5 and 5.0 match across
// JSON decodings.
func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, fmt.Sprintf("%v", needle))
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range h {
			if item == fmt.Sprintf("%v", needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
