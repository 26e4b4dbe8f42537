package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bruteForceRuleYAML = `
id: brute-force-then-success
title: Repeated logon failures followed by a success
level: high
enabled: true
realtime: true
pattern_type: sequence
window: 5m
events:
  - id: failed
    query: event_action:logon_failed
  - id: success
    query: event_action:logon_success
join_on:
  - user.name
sequence_order:
  - failed
  - success
thresholds:
  - event: failed
    threshold: ">= 3"
mitre_tactics:
  - TA0006
mitre_techniques:
  - T1110
`

func mustCorrelationRule(t *testing.T, doc string) *Rule {
	t.Helper()
	rule, err := ParseRule([]byte(doc))
	require.NoError(t, err)
	return rule
}

func TestParseRule(t *testing.T) {
	rule := mustCorrelationRule(t, bruteForceRuleYAML)

	assert.Equal(t, "brute-force-then-success", rule.ID)
	assert.Equal(t, PatternSequence, rule.PatternType)
	assert.Equal(t, 5*time.Minute, rule.WindowDuration())
	require.Len(t, rule.Events, 2)
	assert.Equal(t, "event_action:logon_failed", rule.Events[0].Query)
	require.Len(t, rule.Thresholds, 1)
	assert.Equal(t, Threshold{Event: "failed", Op: ">=", Value: 3}, rule.Thresholds[0])
	assert.Equal(t, 70, rule.Severity())
}

func TestRuleThresholdDefaults(t *testing.T) {
	rule := mustCorrelationRule(t, bruteForceRuleYAML)

	// Declared threshold is returned as-is.
	assert.Equal(t, 3, rule.thresholdFor("failed").Value)

	// Events without one default to count >= 1.
	th := rule.thresholdFor("success")
	assert.Equal(t, ">=", th.Op)
	assert.Equal(t, 1, th.Value)
}

func TestRuleValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing id", "title: t\npattern_type: sequence\nwindow: 5m"},
		{"missing title", "id: x\npattern_type: sequence\nwindow: 5m"},
		{"bad window", "id: x\ntitle: t\npattern_type: aggregation\nwindow: 5minutes\nevents: [{id: a, query: 'q:1'}]\nthresholds: [{event: a, threshold: '>= 1'}]"},
		{"unknown pattern", "id: x\ntitle: t\npattern_type: drift\nwindow: 5m"},
		{"sequence without order", "id: x\ntitle: t\npattern_type: sequence\nwindow: 5m\nevents: [{id: a, query: 'q:1'}]\njoin_on: [user.name]"},
		{"sequence without join_on", "id: x\ntitle: t\npattern_type: sequence\nwindow: 5m\nevents: [{id: a, query: 'q:1'}]\nsequence_order: [a]"},
		{"order references unknown event", "id: x\ntitle: t\npattern_type: sequence\nwindow: 5m\nevents: [{id: a, query: 'q:1'}]\njoin_on: [user.name]\nsequence_order: [b]"},
		{"duplicate event ids", "id: x\ntitle: t\npattern_type: sequence\nwindow: 5m\nevents: [{id: a, query: 'q:1'}, {id: a, query: 'q:2'}]\njoin_on: [user.name]\nsequence_order: [a]"},
		{"threshold on unknown event", "id: x\ntitle: t\npattern_type: sequence\nwindow: 5m\nevents: [{id: a, query: 'q:1'}]\njoin_on: [user.name]\nsequence_order: [a]\nthresholds: [{event: b, threshold: '>= 1'}]"},
		{"temporal join with one event", "id: x\ntitle: t\npattern_type: temporal_join\nwindow: 5m\nevents: [{id: a, query: 'q:1'}]\njoin_on: [user.name]"},
		{"aggregation without threshold", "id: x\ntitle: t\npattern_type: aggregation\nwindow: 5m\nevents: [{id: a, query: 'q:1'}]"},
		{"spike without baseline", "id: x\ntitle: t\npattern_type: spike\nwindow: 1m\nspike_factor: 3\nevents: [{id: a, query: 'q:1'}]"},
		{"spike without factor", "id: x\ntitle: t\npattern_type: spike\nwindow: 1m\nbaseline_window: 1h\nevents: [{id: a, query: 'q:1'}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRule([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestRuleSeverityMapping(t *testing.T) {
	tests := []struct {
		level string
		want  int
	}{
		{"informational", 10},
		{"low", 30},
		{"medium", 50},
		{"high", 70},
		{"critical", 90},
		{"", 50},
	}
	for _, tt := range tests {
		r := &Rule{Level: tt.level}
		assert.Equal(t, tt.want, r.Severity(), "level %q", tt.level)
	}
}
