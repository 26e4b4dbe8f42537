package playbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conditionScope() map[string]any {
	return map[string]any{
		"input": map[string]any{
			"severity": float64(70),
			"host":     "ws-042.corp.local",
			"tags":     []any{"ransomware", "lateral"},
		},
		"steps": map[string]any{},
	}
}

func TestEvalClauseOps(t *testing.T) {
	scope := conditionScope()
	cases := []struct {
		name   string
		clause Clause
		want   bool
	}{
		{"eq match", Clause{Field: "input.severity", Op: OpEq, Value: 70}, true},
		{"eq across numeric types", Clause{Field: "input.severity", Op: OpEq, Value: float64(70)}, true},
		{"eq miss", Clause{Field: "input.severity", Op: OpEq, Value: 50}, false},
		{"neq", Clause{Field: "input.severity", Op: OpNeq, Value: 50}, true},
		{"neq on missing field", Clause{Field: "input.absent", Op: OpNeq, Value: 1}, true},
		{"gt", Clause{Field: "input.severity", Op: OpGt, Value: 50}, true},
		{"gt miss", Clause{Field: "input.severity", Op: OpGt, Value: 90}, false},
		{"lt", Clause{Field: "input.severity", Op: OpLt, Value: 90}, true},
		{"contains substring", Clause{Field: "input.host", Op: OpContains, Value: "corp"}, true},
		{"contains list member", Clause{Field: "input.tags", Op: OpContains, Value: "ransomware"}, true},
		{"contains miss", Clause{Field: "input.tags", Op: OpContains, Value: "phishing"}, false},
		{"exists", Clause{Field: "input.host", Op: OpExists}, true},
		{"exists miss", Clause{Field: "input.absent", Op: OpExists}, false},
		{"gt on non-numeric", Clause{Field: "input.host", Op: OpGt, Value: 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := evalClause(tc.clause, scope)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalClauseUnknownOp(t *testing.T) {
	_, err := evalClause(Clause{Field: "input.host", Op: "like"}, conditionScope())
	assert.Error(t, err)
}

func TestEvalClausesFirstMatchWins(t *testing.T) {
	clauses := []Clause{
		{Field: "input.severity", Op: OpGt, Value: 90, Branch: "page"},
		{Field: "input.severity", Op: OpGt, Value: 50, Branch: "ticket"},
		{Field: "input.severity", Op: OpGt, Value: 10, Branch: "log"},
	}
	branch, err := evalClauses(clauses, "noop", conditionScope())
	require.NoError(t, err)
	assert.Equal(t, "ticket", branch)
}

func TestEvalClausesDefaultBranch(t *testing.T) {
	clauses := []Clause{
		{Field: "input.severity", Op: OpGt, Value: 90, Branch: "page"},
	}
	branch, err := evalClauses(clauses, "noop", conditionScope())
	require.NoError(t, err)
	assert.Equal(t, "noop", branch)
}
