package correlation

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-dfir/eleanor/pkg/index"
	"github.com/eleanor-dfir/eleanor/pkg/models"
)

func authEvent(user, action string, ts time.Time) *models.NormalizedEvent {
	return &models.NormalizedEvent{
		Timestamp:   ts,
		EventAction: action,
		UserName:    user,
	}
}

func newBatchEngine(t *testing.T, events ...*models.NormalizedEvent) *Engine {
	t.Helper()
	idx := index.NewMemoryIndex()
	require.NoError(t, idx.Index(context.Background(), events...))
	return NewEngine(idx, NewMemoryStateStore(), slog.Default())
}

func TestBatchSequenceBruteForce(t *testing.T) {
	rule := mustCorrelationRule(t, bruteForceRuleYAML)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var events []*models.NormalizedEvent
	for i := 0; i < 5; i++ {
		events = append(events, authEvent("bob", "logon_failed", base.Add(time.Duration(i)*time.Minute)))
	}
	events = append(events, authEvent("bob", "logon_success", base.Add(4*time.Minute+30*time.Second)))

	engine := newBatchEngine(t, events...)
	matches, err := engine.EvaluateBatch(context.Background(), rule, base.Add(-time.Minute), base.Add(10*time.Minute))
	require.NoError(t, err)

	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, "user.name:bob", m.EntityKey)
	assert.Equal(t, map[string]int{"failed": 5, "success": 1}, m.EventCounts)
	assert.Equal(t, base, m.WindowStart)
	assert.Equal(t, base.Add(5*time.Minute), m.WindowEnd)
}

func TestBatchSequencePerEntity(t *testing.T) {
	rule := mustCorrelationRule(t, bruteForceRuleYAML)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var events []*models.NormalizedEvent
	for _, user := range []string{"bob", "carol"} {
		for i := 0; i < 3; i++ {
			events = append(events, authEvent(user, "logon_failed", base.Add(time.Duration(i)*time.Minute)))
		}
		events = append(events, authEvent(user, "logon_success", base.Add(3*time.Minute)))
	}
	// dave never succeeds.
	for i := 0; i < 4; i++ {
		events = append(events, authEvent("dave", "logon_failed", base.Add(time.Duration(i)*time.Minute)))
	}

	engine := newBatchEngine(t, events...)
	matches, err := engine.EvaluateBatch(context.Background(), rule, base.Add(-time.Minute), base.Add(10*time.Minute))
	require.NoError(t, err)

	require.Len(t, matches, 2)
	assert.Equal(t, "user.name:bob", matches[0].EntityKey)
	assert.Equal(t, "user.name:carol", matches[1].EntityKey)
}

func TestBatchSequenceRespectsWindow(t *testing.T) {
	rule := mustCorrelationRule(t, bruteForceRuleYAML)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Three failures and a success spread over 20 minutes: no single
	// 5-minute window holds three failures.
	events := []*models.NormalizedEvent{
		authEvent("bob", "logon_failed", base),
		authEvent("bob", "logon_failed", base.Add(7*time.Minute)),
		authEvent("bob", "logon_failed", base.Add(14*time.Minute)),
		authEvent("bob", "logon_success", base.Add(20*time.Minute)),
	}

	engine := newBatchEngine(t, events...)
	matches, err := engine.EvaluateBatch(context.Background(), rule, base.Add(-time.Minute), base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestBatchTemporalJoin(t *testing.T) {
	rule := mustCorrelationRule(t, `
id: exec-then-connect
title: Process start followed by outbound connection
pattern_type: temporal_join
window: 1m
lookback: 1h
events:
  - id: started
    query: event_action:process_started
  - id: connected
    query: event_action:connection_opened
join_on:
  - user.name
`)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	engine := newBatchEngine(t,
		authEvent("bob", "process_started", base),
		authEvent("bob", "connection_opened", base.Add(30*time.Second)),
		authEvent("bob", "connection_opened", base.Add(5*time.Minute)), // outside window
		authEvent("carol", "connection_opened", base.Add(10*time.Second)), // different entity
	)
	matches, err := engine.EvaluateBatch(context.Background(), rule, base.Add(-time.Hour), base.Add(10*time.Minute))
	require.NoError(t, err)

	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, "user.name:bob", m.EntityKey)
	assert.Equal(t, base, m.WindowStart)
	assert.Equal(t, base.Add(30*time.Second), m.WindowEnd)
	assert.Len(t, m.Events, 2)
}

func TestBatchAggregation(t *testing.T) {
	rule := mustCorrelationRule(t, `
id: failed-logon-burst
title: Many failed logons from one address
pattern_type: aggregation
window: 10m
group_by:
  - source_ip
events:
  - id: failed
    query: event_action:logon_failed
thresholds:
  - event: failed
    threshold: ">= 10"
`)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var events []*models.NormalizedEvent
	for i := 0; i < 12; i++ {
		ev := authEvent("bob", "logon_failed", base.Add(time.Duration(i)*time.Second))
		ev.SourceIP = "10.0.0.1"
		events = append(events, ev)
	}
	for i := 0; i < 5; i++ {
		ev := authEvent("bob", "logon_failed", base.Add(time.Duration(i)*time.Second))
		ev.SourceIP = "10.0.0.2"
		events = append(events, ev)
	}

	engine := newBatchEngine(t, events...)
	matches, err := engine.EvaluateBatch(context.Background(), rule, base.Add(-time.Hour), base.Add(10*time.Minute))
	require.NoError(t, err)

	require.Len(t, matches, 1)
	assert.Equal(t, "source_ip:10.0.0.1", matches[0].EntityKey)
	assert.Equal(t, 12, matches[0].EventCounts["failed"])
}

func TestBatchAggregationGlobal(t *testing.T) {
	rule := mustCorrelationRule(t, `
id: event-flood
title: Event flood
pattern_type: aggregation
window: 10m
events:
  - id: any
    query: event_action:logon_failed
thresholds:
  - event: any
    threshold: ">= 3"
`)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	engine := newBatchEngine(t,
		authEvent("a", "logon_failed", base),
		authEvent("b", "logon_failed", base.Add(time.Second)),
		authEvent("c", "logon_failed", base.Add(2*time.Second)),
	)
	matches, err := engine.EvaluateBatch(context.Background(), rule, base.Add(-time.Hour), base.Add(time.Minute))
	require.NoError(t, err)

	require.Len(t, matches, 1, "empty group_by yields at most one global match")
	assert.Equal(t, "", matches[0].EntityKey)
	assert.Equal(t, 3, matches[0].EventCounts["any"])
}

func TestBatchSpike(t *testing.T) {
	rule := mustCorrelationRule(t, `
id: traffic-spike
title: Event rate spike per host
pattern_type: spike
window: 1m
baseline_window: 1h
spike_factor: 3
group_by:
  - host.name
events:
  - id: traffic
    query: event_category:network
`)
	to := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	netEvent := func(host string, ts time.Time) *models.NormalizedEvent {
		return &models.NormalizedEvent{
			Timestamp:     ts,
			EventCategory: []string{"network"},
			HostName:      host,
		}
	}

	var events []*models.NormalizedEvent
	// 100 events for h1 in the last minute.
	for i := 0; i < 100; i++ {
		events = append(events, netEvent("h1", to.Add(-time.Minute).Add(time.Duration(i)*500*time.Millisecond)))
	}
	// 60 events for h1 in the prior hour.
	for i := 0; i < 60; i++ {
		events = append(events, netEvent("h1", to.Add(-time.Hour).Add(time.Duration(i)*58*time.Second)))
	}

	engine := newBatchEngine(t, events...)
	matches, err := engine.EvaluateBatch(context.Background(), rule, to.Add(-time.Hour), to)
	require.NoError(t, err)

	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, "host.name:h1", m.EntityKey)
	assert.Equal(t, 100, m.EventCounts["traffic"])
	assert.InDelta(t, 100.0, m.Ratio, 0.001, "baseline avg is 60/60 = 1.0")
	assert.Empty(t, m.Note)
}

func TestBatchSpikeNoBaseline(t *testing.T) {
	rule := mustCorrelationRule(t, `
id: new-talker
title: Activity with no history
pattern_type: spike
window: 1m
baseline_window: 1h
spike_factor: 3
group_by:
  - host.name
events:
  - id: traffic
    query: event_category:network
`)
	to := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	engine := newBatchEngine(t, &models.NormalizedEvent{
		Timestamp:     to.Add(-30 * time.Second),
		EventCategory: []string{"network"},
		HostName:      "h2",
	})
	matches, err := engine.EvaluateBatch(context.Background(), rule, to.Add(-time.Hour), to)
	require.NoError(t, err)

	require.Len(t, matches, 1)
	assert.True(t, math.IsInf(matches[0].Ratio, 1))
	assert.Equal(t, "no baseline", matches[0].Note)
}

func TestBatchSpikeBelowFactor(t *testing.T) {
	rule := mustCorrelationRule(t, `
id: quiet-host
title: Rate within normal range
pattern_type: spike
window: 1m
baseline_window: 1h
spike_factor: 3
events:
  - id: traffic
    query: event_category:network
`)
	to := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var events []*models.NormalizedEvent
	// 2 events now, 60 in the prior hour: ratio 2 < factor 3.
	for i := 0; i < 2; i++ {
		events = append(events, &models.NormalizedEvent{
			Timestamp:     to.Add(-time.Minute).Add(time.Duration(i) * time.Second),
			EventCategory: []string{"network"},
		})
	}
	for i := 0; i < 60; i++ {
		events = append(events, &models.NormalizedEvent{
			Timestamp:     to.Add(-time.Hour).Add(time.Duration(i) * 58 * time.Second),
			EventCategory: []string{"network"},
		})
	}

	engine := newBatchEngine(t, events...)
	matches, err := engine.EvaluateBatch(context.Background(), rule, to.Add(-time.Hour), to)
	require.NoError(t, err)
	assert.Empty(t, matches)
}
