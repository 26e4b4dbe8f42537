package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-dfir/eleanor/pkg/sigma"
)

const sigmaRuleYAML = `
id: win-failed-logon
title: Failed logon
status: stable
level: medium
tags:
  - attack.credential_access
  - attack.t1110
logsource:
  product: windows
detection:
  selection:
    event_action: logon_failed
  condition: selection
`

const correlationRuleYAML = `
id: brute-force
title: Repeated logon failures
level: high
enabled: true
realtime: true
pattern_type: aggregation
window: 5m
events:
  - id: failed
    query: event_action:logon_failed
group_by:
  - user.name
thresholds:
  - event: failed
    threshold: ">= 5"
`

func writeRule(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestSyncSimpleRules(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "failed-logon.yml", sigmaRuleYAML)
	writeRule(t, dir, "notes.txt", "not a rule")

	store := NewMemoryRuleService()
	n, err := SyncSimpleRules(context.Background(), store, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rules, err := store.SimpleRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)

	rule := rules[0]
	assert.Equal(t, "win-failed-logon", rule.ID)
	assert.True(t, rule.Enabled)
	assert.Equal(t, "event_action:logon_failed", rule.Query)
	assert.Equal(t, []string{"credential_access"}, rule.MitreTactics)
	assert.Equal(t, []string{"T1110"}, rule.MitreTechniques)
}

func TestSyncSimpleRulesMissingDir(t *testing.T) {
	store := NewMemoryRuleService()
	n, err := SyncSimpleRules(context.Background(), store, "/does/not/exist", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncCorrelationRules(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "brute-force.yaml", correlationRuleYAML)
	writeRule(t, dir, "broken.yml", "pattern_type: [")

	store := NewMemoryRuleService()
	n, err := SyncCorrelationRules(context.Background(), store, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rules, err := store.CorrelationRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "brute-force", rules[0].ID)
}

func TestSimpleRuleFromSigmaDisablesDeprecated(t *testing.T) {
	rule, err := sigma.ParseRule([]byte(sigmaRuleYAML))
	require.NoError(t, err)
	rule.Status = "deprecated"

	simple, err := SimpleRuleFromSigma(rule)
	require.NoError(t, err)
	assert.False(t, simple.Enabled)
}

func TestMitreFromTags(t *testing.T) {
	tactics, techniques := mitreFromTags([]string{
		"attack.execution", "attack.t1059.001", "attack.T1027", "car.2013-05-009", "forensics",
	})
	assert.Equal(t, []string{"execution"}, tactics)
	assert.Equal(t, []string{"T1059.001", "T1027"}, techniques)
}
