package index

import (
	"errors"
	"fmt"
	"strings"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// ErrComplexQuery marks a query outside the lite subset. Callers on
// the real-time path defer such rules to batch evaluation.
var ErrComplexQuery = errors.New("query outside the field:value subset")

// LiteQuery is the limited query form evaluated inline: whitespace-
// separated `field:value` terms, all of which must hold (AND). A value
// may carry `*` wildcards. Matching is case-insensitive.
type LiteQuery struct {
	Terms []LiteTerm
}

// LiteTerm is one field:value condition.
type LiteTerm struct {
	Field string
	Value string
}

// ParseLiteQuery parses the lite subset. Boolean keywords, grouping,
// quoting, and bare words are rejected with ErrComplexQuery.
func ParseLiteQuery(query string) (*LiteQuery, error) {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty query", ErrComplexQuery)
	}

	q := &LiteQuery{Terms: make([]LiteTerm, 0, len(fields))}
	for _, tok := range fields {
		switch strings.ToUpper(tok) {
		case "AND":
			// Explicit AND is permitted noise; terms are AND anyway.
			continue
		case "OR", "NOT":
			return nil, fmt.Errorf("%w: %q", ErrComplexQuery, tok)
		}
		if strings.ContainsAny(tok, "()\"'") {
			return nil, fmt.Errorf("%w: %q", ErrComplexQuery, tok)
		}
		field, value, ok := strings.Cut(tok, ":")
		if !ok || field == "" || value == "" {
			return nil, fmt.Errorf("%w: %q", ErrComplexQuery, tok)
		}
		q.Terms = append(q.Terms, LiteTerm{Field: field, Value: strings.ToLower(value)})
	}
	if len(q.Terms) == 0 {
		return nil, fmt.Errorf("%w: no terms", ErrComplexQuery)
	}
	return q, nil
}

// Matches reports whether every term holds for the event.
func (q *LiteQuery) Matches(ev *models.NormalizedEvent) bool {
	for _, term := range q.Terms {
		if !term.matches(ev) {
			return false
		}
	}
	return true
}

func (t LiteTerm) matches(ev *models.NormalizedEvent) bool {
	value, ok := ev.Field(t.Field)
	if !ok {
		return false
	}
	if ss, isSlice := value.([]string); isSlice {
		for _, s := range ss {
			if liteValueMatch(s, t.Value) {
				return true
			}
		}
		return false
	}
	return liteValueMatch(fmt.Sprint(value), t.Value)
}

// liteValueMatch compares one lowercased pattern (with optional `*`
// wildcards) against a value.
func liteValueMatch(value, pattern string) bool {
	value = strings.ToLower(value)
	if !strings.Contains(pattern, "*") {
		return value == pattern
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	value = value[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(value, part)
		if idx < 0 {
			return false
		}
		value = value[idx+len(part):]
	}
	return strings.HasSuffix(value, parts[len(parts)-1])
}
