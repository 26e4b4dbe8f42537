package correlation

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-dfir/eleanor/pkg/index"
)

func TestRealtimeEligible(t *testing.T) {
	rule := mustCorrelationRule(t, bruteForceRuleYAML)
	assert.True(t, RealtimeEligible(rule))

	notRealtime := mustCorrelationRule(t, bruteForceRuleYAML)
	notRealtime.Realtime = false
	assert.False(t, RealtimeEligible(notRealtime))

	complexQuery := mustCorrelationRule(t, bruteForceRuleYAML)
	complexQuery.Events[0].Query = "event_action:logon_failed OR event_action:lockout"
	assert.False(t, RealtimeEligible(complexQuery), "complex queries defer to batch")

	temporal := mustCorrelationRule(t, `
id: tj
title: Temporal
realtime: true
pattern_type: temporal_join
window: 5m
events:
  - {id: a, query: "event_action:x"}
  - {id: b, query: "event_action:y"}
join_on: [user.name]
`)
	assert.False(t, RealtimeEligible(temporal), "temporal joins are batch-only")
}

func TestRealtimeSequenceCompletes(t *testing.T) {
	rule := mustCorrelationRule(t, bruteForceRuleYAML)
	store := NewMemoryStateStore()
	engine := NewEngine(nil, store, slog.Default())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		match, err := engine.ProcessEvent(context.Background(), rule, authEvent("bob", "logon_failed", ts), ts)
		require.NoError(t, err)
		assert.Nil(t, match, "sequence incomplete after %d failures", i+1)
	}

	ts := base.Add(3 * time.Minute)
	match, err := engine.ProcessEvent(context.Background(), rule, authEvent("bob", "logon_success", ts), ts)
	require.NoError(t, err)

	require.NotNil(t, match)
	assert.Equal(t, "user.name:bob", match.EntityKey)
	assert.Equal(t, map[string]int{"failed": 3, "success": 1}, match.EventCounts)
	assert.Equal(t, base, match.WindowStart)
	assert.Equal(t, base.Add(5*time.Minute), match.WindowEnd)

	// The completed state is persisted and no longer active.
	st, err := store.GetActive(context.Background(), rule.ID, "user.name:bob", ts)
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Equal(t, 1, store.Len())
}

func TestRealtimeFirstWindowWins(t *testing.T) {
	rule := mustCorrelationRule(t, bruteForceRuleYAML)
	store := NewMemoryStateStore()
	engine := NewEngine(nil, store, slog.Default())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Two failures a minute apart land in the same window; the second
	// does not open an overlapping one.
	for i := 0; i < 2; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		_, err := engine.ProcessEvent(context.Background(), rule, authEvent("bob", "logon_failed", ts), ts)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.Len())

	st, err := store.GetActive(context.Background(), rule.ID, "user.name:bob", base.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, base, st.WindowStart)
	assert.Equal(t, 2, st.Counts["failed"])
}

func TestRealtimeWindowExpiryOpensNewWindow(t *testing.T) {
	rule := mustCorrelationRule(t, bruteForceRuleYAML)
	store := NewMemoryStateStore()
	engine := NewEngine(nil, store, slog.Default())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := engine.ProcessEvent(context.Background(), rule, authEvent("bob", "logon_failed", base), base)
	require.NoError(t, err)

	// Ten minutes later the first window has lapsed; a fresh failure
	// opens a new one rather than extending the old.
	later := base.Add(10 * time.Minute)
	_, err = engine.ProcessEvent(context.Background(), rule, authEvent("bob", "logon_failed", later), later)
	require.NoError(t, err)

	st, err := store.GetActive(context.Background(), rule.ID, "user.name:bob", later)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, later, st.WindowStart)
	assert.Equal(t, 1, st.Counts["failed"])
	assert.Equal(t, 2, store.Len())
}

func TestRealtimeExpiredWindowNeverEmits(t *testing.T) {
	rule := mustCorrelationRule(t, `
id: single-step
title: Single step sequence
realtime: true
pattern_type: sequence
window: 5m
events:
  - {id: hit, query: "event_action:logon_success"}
join_on: [user.name]
sequence_order: [hit]
`)
	store := NewMemoryStateStore()
	engine := NewEngine(nil, store, slog.Default())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// The event is old enough that its window closed before now.
	match, err := engine.ProcessEvent(context.Background(), rule,
		authEvent("bob", "logon_success", base.Add(-10*time.Minute)), base)
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestRealtimeIgnoresUnmatchedEvents(t *testing.T) {
	rule := mustCorrelationRule(t, bruteForceRuleYAML)
	store := NewMemoryStateStore()
	engine := NewEngine(nil, store, slog.Default())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	match, err := engine.ProcessEvent(context.Background(), rule, authEvent("bob", "password_changed", base), base)
	require.NoError(t, err)
	assert.Nil(t, match)
	assert.Equal(t, 0, store.Len())

	// Events missing the join field are skipped too.
	match, err = engine.ProcessEvent(context.Background(), rule, authEvent("", "logon_failed", base), base)
	require.NoError(t, err)
	assert.Nil(t, match)
	assert.Equal(t, 0, store.Len())
}

func TestRealtimeComplexQuerySurfaces(t *testing.T) {
	rule := mustCorrelationRule(t, bruteForceRuleYAML)
	rule.Events[0].Query = "event_action:logon_failed OR event_action:lockout"

	engine := NewEngine(nil, NewMemoryStateStore(), slog.Default())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := engine.ProcessEvent(context.Background(), rule, authEvent("bob", "logon_failed", base), base)
	require.Error(t, err)
	assert.ErrorIs(t, err, index.ErrComplexQuery)
}

func TestRealtimeAggregation(t *testing.T) {
	rule := mustCorrelationRule(t, `
id: burst
title: Burst of failures per address
realtime: true
pattern_type: aggregation
window: 5m
group_by: [source_ip]
events:
  - {id: failed, query: "event_action:logon_failed"}
thresholds:
  - {event: failed, threshold: ">= 3"}
`)
	store := NewMemoryStateStore()
	engine := NewEngine(nil, store, slog.Default())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var match *Match
	for i := 0; i < 3; i++ {
		ev := authEvent("bob", "logon_failed", base.Add(time.Duration(i)*time.Second))
		ev.SourceIP = "10.0.0.9"
		var err error
		match, err = engine.ProcessEvent(context.Background(), rule, ev, ev.Timestamp)
		require.NoError(t, err)
	}

	require.NotNil(t, match)
	assert.Equal(t, "source_ip:10.0.0.9", match.EntityKey)
	assert.Equal(t, 3, match.EventCounts["failed"])
}

func TestEngineCleanup(t *testing.T) {
	store := NewMemoryStateStore()
	engine := NewEngine(nil, store, slog.Default())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	states := []*State{
		{RuleID: "r", EntityKey: "a", Status: StatusActive, WindowStart: now.Add(-10 * time.Minute), WindowEnd: now.Add(-5 * time.Minute), UpdatedAt: now},
		{RuleID: "r", EntityKey: "b", Status: StatusActive, WindowStart: now, WindowEnd: now.Add(5 * time.Minute), UpdatedAt: now},
		{RuleID: "r", EntityKey: "c", Status: StatusCompleted, WindowStart: now.Add(-30 * time.Hour), WindowEnd: now.Add(-30 * time.Hour), UpdatedAt: now.Add(-25 * time.Hour)},
		{RuleID: "r", EntityKey: "d", Status: StatusCompleted, WindowStart: now.Add(-2 * time.Hour), WindowEnd: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-time.Hour)},
	}
	for _, st := range states {
		require.NoError(t, store.Upsert(context.Background(), st))
	}

	removed, err := engine.Cleanup(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, removed, "lapsed active and aged completed states go")
	assert.Equal(t, 2, store.Len())
}
