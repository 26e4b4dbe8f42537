package sigma

import (
	"fmt"
	"sort"
	"strings"
)

// ConvertToLucene renders a rule's detection into a Lucene query
// string. Conversion is pure: the same rule always yields the same
// string, so callers may cache the result by rule id.
func ConvertToLucene(rule *Rule) (string, error) {
	cond, err := parseCondition(rule.Detection.Condition)
	if err != nil {
		return "", err
	}
	q, err := renderLucene(cond, rule.Detection)
	if err != nil {
		return "", err
	}
	return stripOuterParens(q), nil
}

// stripOuterParens removes grouping parens that enclose the whole
// query. A single-selection rule then renders to the bare field:value
// form the realtime lite matcher accepts; anything with inner grouping
// keeps it.
func stripOuterParens(s string) string {
	for len(s) >= 2 && s[0] == '(' && s[len(s)-1] == ')' {
		depth := 0
		for i := 0; i < len(s); i++ {
			switch s[i] {
			case '\\':
				i++
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 && i != len(s)-1 {
					return s
				}
			}
		}
		if depth != 0 {
			return s
		}
		s = s[1 : len(s)-1]
	}
	return s
}

func renderLucene(node condNode, det Detection) (string, error) {
	switch n := node.(type) {
	case nameNode:
		sel, ok := det.Selections[n.name]
		if !ok {
			return "", fmt.Errorf("condition references unknown selection %q", n.name)
		}
		return selectionToLucene(sel)
	case ofNode:
		names := make([]string, 0, len(det.Selections))
		for name := range det.Selections {
			if n.pattern == "them" || n.g.Match(name) {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			return "", fmt.Errorf("condition matches no selections: %q", n.pattern)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			q, err := selectionToLucene(det.Selections[name])
			if err != nil {
				return "", err
			}
			parts = append(parts, q)
		}
		op := " OR "
		if n.all {
			op = " AND "
		}
		return "(" + strings.Join(parts, op) + ")", nil
	case notNode:
		inner, err := renderLucene(n.inner, det)
		if err != nil {
			return "", err
		}
		return "(NOT " + inner + ")", nil
	case andNode:
		return renderLuceneBinary(n.left, n.right, " AND ", det)
	case orNode:
		return renderLuceneBinary(n.left, n.right, " OR ", det)
	}
	return "", fmt.Errorf("unknown condition node %T", node)
}

func renderLuceneBinary(left, right condNode, op string, det Detection) (string, error) {
	l, err := renderLucene(left, det)
	if err != nil {
		return "", err
	}
	r, err := renderLucene(right, det)
	if err != nil {
		return "", err
	}
	return "(" + l + op + r + ")", nil
}

// selectionToLucene renders a selection block: list items OR, map
// clauses AND. Fields are emitted in sorted order for determinism.
func selectionToLucene(sel any) (string, error) {
	switch s := sel.(type) {
	case []any:
		parts := make([]string, 0, len(s))
		for _, item := range s {
			block, ok := item.(map[string]any)
			if !ok {
				return "", fmt.Errorf("selection list item is not a field map")
			}
			q, err := blockToLucene(block)
			if err != nil {
				return "", err
			}
			parts = append(parts, q)
		}
		return "(" + strings.Join(parts, " OR ") + ")", nil
	case map[string]any:
		return blockToLucene(s)
	default:
		return "", fmt.Errorf("selection is neither map nor list")
	}
}

func blockToLucene(block map[string]any) (string, error) {
	specs := make([]string, 0, len(block))
	for spec := range block {
		specs = append(specs, spec)
	}
	sort.Strings(specs)

	clauses := make([]string, 0, len(specs))
	for _, spec := range specs {
		field, modifier, err := splitFieldSpec(spec)
		if err != nil {
			return "", err
		}
		clause, err := clauseToLucene(field, modifier, block[spec])
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	return "(" + strings.Join(clauses, " AND ") + ")", nil
}

func clauseToLucene(field, modifier string, pattern any) (string, error) {
	if pattern == nil {
		return "(NOT _exists_:" + field + ")", nil
	}
	if list, ok := pattern.([]any); ok {
		parts := make([]string, 0, len(list))
		for _, p := range list {
			parts = append(parts, patternToLucene(modifier, p))
		}
		return field + ":(" + strings.Join(parts, " OR ") + ")", nil
	}
	return field + ":" + patternToLucene(modifier, pattern), nil
}

func patternToLucene(modifier string, pattern any) string {
	v := stringify(pattern)
	switch modifier {
	case "re":
		return "/" + v + "/"
	case "contains":
		return "*" + escapeLucene(v) + "*"
	case "startswith":
		return escapeLucene(v) + "*"
	case "endswith":
		return "*" + escapeLucene(v)
	}
	return escapeLucene(v)
}

// escapeLucene escapes query syntax characters, preserving the `*`/`?`
// wildcards sigma patterns carry.
func escapeLucene(v string) string {
	var sb strings.Builder
	for _, r := range v {
		switch r {
		case '+', '-', '!', '(', ')', '{', '}', '[', ']', '^', '"', '~', ':', '\\', '/', '&', '|':
			sb.WriteByte('\\')
		case ' ':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
