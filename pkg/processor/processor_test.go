package processor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-dfir/eleanor/pkg/buffer"
	"github.com/eleanor-dfir/eleanor/pkg/correlation"
	"github.com/eleanor-dfir/eleanor/pkg/index"
	"github.com/eleanor-dfir/eleanor/pkg/models"
)

type stubRules struct {
	mu     sync.Mutex
	simple []*SimpleRule
	corr   []*correlation.Rule
	hits   map[string]int
}

func (s *stubRules) SimpleRules(context.Context) ([]*SimpleRule, error) { return s.simple, nil }

func (s *stubRules) CorrelationRules(context.Context) ([]*correlation.Rule, error) {
	return s.corr, nil
}

func (s *stubRules) IncrementHitCount(_ context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hits == nil {
		s.hits = make(map[string]int)
	}
	s.hits[ruleID]++
	return nil
}

func (s *stubRules) hitCount(ruleID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[ruleID]
}

type memAlerts struct {
	mu      sync.Mutex
	alerts  []*models.Alert
	failErr error
}

func (m *memAlerts) Create(_ context.Context, alert *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *memAlerts) all() []*models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Alert(nil), m.alerts...)
}

func newTestBuffer(t *testing.T) *buffer.RedisBuffer {
	t.Helper()
	mr := miniredis.RunT(t)
	buf := buffer.NewRedisBufferFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = buf.Close() })
	return buf
}

func newTestProcessor(t *testing.T, buf *buffer.RedisBuffer, rules *stubRules, alerts *memAlerts, idx index.SearchIndex) *Processor {
	t.Helper()
	engine := correlation.NewEngine(idx, correlation.NewMemoryStateStore(), slog.Default())
	return New(Config{PodID: "test", WorkerCount: 1, RetryMax: 2}, buf, rules, alerts, engine, idx, nil, slog.Default())
}

func eventMessage(t *testing.T, ev *models.NormalizedEvent) buffer.Message {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return buffer.Message{ID: "0-1", Stream: buffer.StreamEvents, Envelope: buffer.Envelope{EventData: data}}
}

func failedLogon(user string) *models.NormalizedEvent {
	return &models.NormalizedEvent{
		Timestamp:   time.Now().UTC(),
		SourceType:  "cef",
		EventAction: "logon_failed",
		UserName:    user,
	}
}

func simpleLogonRule() *SimpleRule {
	return &SimpleRule{
		ID:              "rt-1",
		Title:           "Failed logon observed",
		Level:           "high",
		Query:           "event_action:logon_failed",
		Enabled:         true,
		MitreTechniques: []string{"T1110"},
	}
}

func TestProcessMessageGeneratesAlert(t *testing.T) {
	buf := newTestBuffer(t)
	rules := &stubRules{simple: []*SimpleRule{simpleLogonRule()}}
	alerts := &memAlerts{}
	p := newTestProcessor(t, buf, rules, alerts, nil)

	err := p.processMessage(context.Background(), eventMessage(t, failedLogon("alice")))
	require.NoError(t, err)

	got := alerts.all()
	require.Len(t, got, 1)
	alert := got[0]
	assert.Equal(t, "rt-1", alert.RuleID)
	assert.Equal(t, "high", alert.Severity)
	assert.Equal(t, models.AlertStatusNew, alert.Status)
	assert.Equal(t, "Failed logon observed", alert.Title)
	assert.Equal(t, "alice", alert.RawEvent.UserName)
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, 1, rules.hitCount("rt-1"))

	// The alert also went out on the alerts stream.
	n, err := buf.Len(context.Background(), buffer.StreamAlerts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProcessMessageNoMatchNoAlert(t *testing.T) {
	buf := newTestBuffer(t)
	rules := &stubRules{simple: []*SimpleRule{simpleLogonRule()}}
	alerts := &memAlerts{}
	p := newTestProcessor(t, buf, rules, alerts, nil)

	ev := failedLogon("alice")
	ev.EventAction = "logon_success"
	require.NoError(t, p.processMessage(context.Background(), eventMessage(t, ev)))
	assert.Empty(t, alerts.all())
}

func TestRuleRouting(t *testing.T) {
	globs := newGlobCache()
	ev := failedLogon("alice") // source_type cef, index events-cef

	assert.True(t, globs.routes(nil, nil, ev), "empty routing accepts all")
	assert.True(t, globs.routes([]string{"events-*"}, nil, ev))
	assert.True(t, globs.routes([]string{"events-cef"}, []string{"cef"}, ev))
	assert.False(t, globs.routes([]string{"events-zeek*"}, nil, ev))
	assert.False(t, globs.routes(nil, []string{"zeek:conn"}, ev))
}

func TestEventIndexName(t *testing.T) {
	ev := &models.NormalizedEvent{SourceType: "zeek:conn"}
	assert.Equal(t, "events-zeek-conn", eventIndex(ev))
	assert.Equal(t, "events-unknown", eventIndex(&models.NormalizedEvent{}))
}

func TestDisabledAndUnsupportedRulesSkipped(t *testing.T) {
	buf := newTestBuffer(t)
	disabled := simpleLogonRule()
	disabled.Enabled = false
	complex := simpleLogonRule()
	complex.ID = "rt-2"
	complex.Query = "event_action:logon_failed OR event_action:lockout"

	rules := &stubRules{simple: []*SimpleRule{disabled, complex}}
	alerts := &memAlerts{}
	p := newTestProcessor(t, buf, rules, alerts, nil)

	require.NoError(t, p.processMessage(context.Background(), eventMessage(t, failedLogon("alice"))))
	assert.Empty(t, alerts.all(), "disabled and unsupported-query rules generate nothing")
}

func TestCorrelationRealtimeThroughProcessor(t *testing.T) {
	buf := newTestBuffer(t)
	rule, err := correlation.ParseRule([]byte(`
id: brute-force
title: Brute force then success
level: critical
enabled: true
realtime: true
pattern_type: sequence
window: 5m
events:
  - {id: failed, query: "event_action:logon_failed"}
  - {id: success, query: "event_action:logon_success"}
join_on: [user.name]
sequence_order: [failed, success]
thresholds:
  - {event: failed, threshold: ">= 3"}
`))
	require.NoError(t, err)

	rules := &stubRules{corr: []*correlation.Rule{rule}}
	alerts := &memAlerts{}
	p := newTestProcessor(t, buf, rules, alerts, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.processMessage(context.Background(), eventMessage(t, failedLogon("bob"))))
	}
	assert.Empty(t, alerts.all())

	success := failedLogon("bob")
	success.EventAction = "logon_success"
	require.NoError(t, p.processMessage(context.Background(), eventMessage(t, success)))

	got := alerts.all()
	require.Len(t, got, 1)
	assert.Equal(t, "brute-force", got[0].RuleID)
	assert.Equal(t, "critical", got[0].Severity)
	assert.Contains(t, got[0].Description, "user.name:bob")
}

func TestFailureBelowBudgetStaysPending(t *testing.T) {
	buf := newTestBuffer(t)
	ctx := context.Background()

	rules := &stubRules{simple: []*SimpleRule{simpleLogonRule()}}
	alerts := &memAlerts{failErr: errors.New("database down")}
	p := newTestProcessor(t, buf, rules, alerts, nil)

	require.NoError(t, buf.EnsureGroup(ctx, buffer.StreamEvents, p.cfg.Group))

	data, err := json.Marshal(failedLogon("alice"))
	require.NoError(t, err)
	_, err = buf.Publish(ctx, buffer.StreamEvents, data)
	require.NoError(t, err)

	msgs, err := buf.Consume(ctx, buffer.StreamEvents, p.cfg.Group, "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	p.processBatch(ctx, p.logger, msgs)

	pending, err := buf.PendingCount(ctx, buffer.StreamEvents, p.cfg.Group)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending, "below the retry budget the message stays pending")

	dlqLen, err := buf.Len(ctx, buffer.StreamEvents+buffer.DLQSuffix)
	require.NoError(t, err)
	assert.Equal(t, int64(0), dlqLen)
}

func TestRetryBudgetExhaustionMovesToDLQ(t *testing.T) {
	buf := newTestBuffer(t)
	ctx := context.Background()

	rules := &stubRules{simple: []*SimpleRule{simpleLogonRule()}}
	alerts := &memAlerts{failErr: errors.New("database down")}
	engine := correlation.NewEngine(nil, correlation.NewMemoryStateStore(), slog.Default())
	p := New(Config{PodID: "test", WorkerCount: 1, RetryMax: 1}, buf, rules, alerts, engine, nil, nil, slog.Default())

	require.NoError(t, buf.EnsureGroup(ctx, buffer.StreamEvents, p.cfg.Group))

	data, err := json.Marshal(failedLogon("alice"))
	require.NoError(t, err)
	_, err = buf.Publish(ctx, buffer.StreamEvents, data)
	require.NoError(t, err)

	msgs, err := buf.Consume(ctx, buffer.StreamEvents, p.cfg.Group, "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	p.processBatch(ctx, p.logger, msgs)

	dlqLen, err := buf.Len(ctx, buffer.StreamEvents+buffer.DLQSuffix)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlqLen)

	pending, err := buf.PendingCount(ctx, buffer.StreamEvents, p.cfg.Group)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending, "dead-lettered message is acked on the primary")
}

func TestBatchPassEmitsSpikeAlert(t *testing.T) {
	buf := newTestBuffer(t)
	idx := index.NewMemoryIndex()

	rule, err := correlation.ParseRule([]byte(`
id: traffic-spike
title: Traffic spike
enabled: true
pattern_type: spike
window: 1m
baseline_window: 1h
spike_factor: 3
group_by: [host.name]
events:
  - {id: traffic, query: "event_category:network"}
`))
	require.NoError(t, err)

	now := time.Now().UTC()
	var events []*models.NormalizedEvent
	for i := 0; i < 10; i++ {
		events = append(events, &models.NormalizedEvent{
			Timestamp:     now.Add(-30 * time.Second),
			EventCategory: []string{"network"},
			HostName:      "h1",
		})
	}
	require.NoError(t, idx.Index(context.Background(), events...))

	rules := &stubRules{corr: []*correlation.Rule{rule}}
	alerts := &memAlerts{}
	p := newTestProcessor(t, buf, rules, alerts, idx)

	require.NoError(t, p.runBatchPass(context.Background(), now))

	got := alerts.all()
	require.Len(t, got, 1)
	assert.Equal(t, "traffic-spike", got[0].RuleID)
	assert.Contains(t, got[0].Description, "host.name:h1")
}

func TestProcessorLifecycle(t *testing.T) {
	buf := newTestBuffer(t)
	rules := &stubRules{simple: []*SimpleRule{simpleLogonRule()}}
	alerts := &memAlerts{}
	p := newTestProcessor(t, buf, rules, alerts, nil)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Start(ctx), "duplicate Start is a no-op")

	data, err := json.Marshal(failedLogon("alice"))
	require.NoError(t, err)
	_, err = buf.Publish(ctx, buffer.StreamEvents, data)
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for len(alerts.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, alerts.all(), 1)

	p.Stop()
}
