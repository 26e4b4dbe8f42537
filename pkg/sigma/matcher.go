package sigma

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// Match is the outcome of evaluating one rule against one event.
type Match struct {
	Rule *Rule
	// Fields that triggered the winning selections: field name → event
	// value at match time.
	Fields map[string]any
}

// Matcher evaluates rules against events. It is safe for concurrent
// use; compiled patterns are cached.
type Matcher struct {
	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// NewMatcher creates a matcher with an empty pattern cache.
func NewMatcher() *Matcher {
	return &Matcher{cache: make(map[string]*regexp.Regexp)}
}

// EventMatches evaluates one rule. The returned field map holds the
// clauses of every selection that evaluated true.
func (m *Matcher) EventMatches(ev *models.NormalizedEvent, rule *Rule) (bool, map[string]any, error) {
	cond, err := parseCondition(rule.Detection.Condition)
	if err != nil {
		return false, nil, err
	}

	results := make(map[string]bool, len(rule.Detection.Selections))
	triggered := make(map[string]any)
	for name, sel := range rule.Detection.Selections {
		ok, fields, err := m.evalSelection(ev, sel)
		if err != nil {
			return false, nil, fmt.Errorf("selection %q: %w", name, err)
		}
		results[name] = ok
		if ok {
			for k, v := range fields {
				triggered[k] = v
			}
		}
	}

	matched, err := cond.eval(results)
	if err != nil {
		return false, nil, err
	}
	if !matched {
		return false, nil, nil
	}
	return true, triggered, nil
}

// evalSelection evaluates one selection block: a list is OR over its
// maps, a map is AND over its clauses.
func (m *Matcher) evalSelection(ev *models.NormalizedEvent, sel any) (bool, map[string]any, error) {
	switch s := sel.(type) {
	case []any:
		for _, item := range s {
			block, ok := item.(map[string]any)
			if !ok {
				return false, nil, fmt.Errorf("selection list item is not a field map")
			}
			matched, fields, err := m.evalBlock(ev, block)
			if err != nil {
				return false, nil, err
			}
			if matched {
				return true, fields, nil
			}
		}
		return false, nil, nil
	case map[string]any:
		return m.evalBlock(ev, s)
	default:
		return false, nil, fmt.Errorf("selection is neither map nor list")
	}
}

// evalBlock ANDs all field clauses of one map.
func (m *Matcher) evalBlock(ev *models.NormalizedEvent, block map[string]any) (bool, map[string]any, error) {
	fields := make(map[string]any, len(block))
	for spec, pattern := range block {
		field, modifier, err := splitFieldSpec(spec)
		if err != nil {
			return false, nil, err
		}
		value, present := ev.Field(field)

		matched, err := m.matchClause(value, present, pattern, modifier)
		if err != nil {
			return false, nil, fmt.Errorf("field %q: %w", spec, err)
		}
		if !matched {
			return false, nil, nil
		}
		fields[field] = value
	}
	return true, fields, nil
}

// splitFieldSpec separates "Field|modifier" into its parts.
func splitFieldSpec(spec string) (field, modifier string, err error) {
	parts := strings.Split(spec, "|")
	field = parts[0]
	if len(parts) == 1 {
		return field, "", nil
	}
	if len(parts) > 2 {
		return "", "", fmt.Errorf("chained modifiers not supported: %q", spec)
	}
	modifier = strings.ToLower(parts[1])
	switch modifier {
	case "contains", "startswith", "endswith", "re":
		return field, modifier, nil
	}
	return "", "", fmt.Errorf("unknown modifier %q", parts[1])
}

// matchClause evaluates one field clause. A nil pattern matches only an
// absent value; a list of patterns is OR.
func (m *Matcher) matchClause(value any, present bool, pattern any, modifier string) (bool, error) {
	if pattern == nil {
		return !present, nil
	}
	if !present {
		return false, nil
	}

	if list, ok := pattern.([]any); ok {
		for _, p := range list {
			matched, err := m.matchSingle(value, p, modifier)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
		return false, nil
	}
	return m.matchSingle(value, pattern, modifier)
}

// matchSingle compares one event value against one pattern. Multi-value
// event fields (category, type, tags) match when any element matches.
func (m *Matcher) matchSingle(value, pattern any, modifier string) (bool, error) {
	if ss, ok := value.([]string); ok {
		for _, s := range ss {
			matched, err := m.matchString(s, pattern, modifier)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
		return false, nil
	}
	return m.matchString(stringify(value), pattern, modifier)
}

func (m *Matcher) matchString(value string, pattern any, modifier string) (bool, error) {
	pat := stringify(pattern)

	if modifier == "re" {
		re, err := m.compile("(?i)" + pat)
		if err != nil {
			return false, fmt.Errorf("bad regex %q: %w", pat, err)
		}
		return re.MatchString(value), nil
	}

	// Matching is case-insensitive throughout; both sides lowercase.
	switch modifier {
	case "contains":
		pat = "*" + pat + "*"
	case "startswith":
		pat = pat + "*"
	case "endswith":
		pat = "*" + pat
	}

	if !strings.ContainsAny(pat, "*?") {
		return strings.EqualFold(value, pat), nil
	}
	re, err := m.compile(wildcardToRegexp(pat))
	if err != nil {
		return false, err
	}
	return re.MatchString(strings.ToLower(value)), nil
}

func (m *Matcher) compile(expr string) (*regexp.Regexp, error) {
	m.mu.RLock()
	re, ok := m.cache[expr]
	m.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[expr] = re
	m.mu.Unlock()
	return re, nil
}

// wildcardToRegexp translates a lowercased glob pattern (`*`, `?`) into
// an anchored regular expression.
func wildcardToRegexp(pattern string) string {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range strings.ToLower(pattern) {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return sb.String()
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
