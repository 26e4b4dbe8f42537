package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-dfir/eleanor/pkg/buffer"
	"github.com/eleanor-dfir/eleanor/pkg/models"
)

type fakeNotifier struct {
	mu     sync.Mutex
	name   string
	err    error
	alerts []*models.Alert
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Notify(_ context.Context, alert *models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return f.err
}

func (f *fakeNotifier) received() []*models.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Alert(nil), f.alerts...)
}

func newTestBuffer(t *testing.T) *buffer.RedisBuffer {
	t.Helper()
	mr := miniredis.RunT(t)
	buf := buffer.NewRedisBufferFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = buf.Close() })
	return buf
}

func publishAlert(t *testing.T, buf *buffer.RedisBuffer, alert *models.Alert) {
	t.Helper()
	data, err := json.Marshal(alert)
	require.NoError(t, err)
	_, err = buf.Publish(context.Background(), buffer.StreamAlerts, data)
	require.NoError(t, err)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, cond(), msg)
}

func TestDispatcherDeliversAlerts(t *testing.T) {
	buf := newTestBuffer(t)
	fake := &fakeNotifier{name: "fake"}
	d := NewDispatcher(DispatcherConfig{PodID: "test"}, buf, nil, fake)

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	publishAlert(t, buf, &models.Alert{ID: "alert-1", RuleID: "r1", Severity: "high", Title: "Test alert"})

	waitFor(t, func() bool { return len(fake.received()) == 1 }, "alert should reach the notifier")
	got := fake.received()[0]
	assert.Equal(t, "alert-1", got.ID)
	assert.Equal(t, "Test alert", got.Title)

	waitFor(t, func() bool {
		pending, err := buf.PendingCount(ctx, buffer.StreamAlerts, d.cfg.Group)
		return err == nil && pending == 0
	}, "delivered alert should be acked")
}

func TestDispatcherFansOutToAllNotifiers(t *testing.T) {
	buf := newTestBuffer(t)
	first := &fakeNotifier{name: "first"}
	second := &fakeNotifier{name: "second"}
	d := NewDispatcher(DispatcherConfig{PodID: "test"}, buf, nil, first, nil, second)

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	publishAlert(t, buf, &models.Alert{ID: "alert-1", RuleID: "r1", Severity: "low", Title: "t"})

	waitFor(t, func() bool {
		return len(first.received()) == 1 && len(second.received()) == 1
	}, "alert should fan out to every notifier")
}

func TestDispatcherFailOpen(t *testing.T) {
	buf := newTestBuffer(t)
	fake := &fakeNotifier{name: "broken", err: errors.New("slack is down")}
	d := NewDispatcher(DispatcherConfig{PodID: "test"}, buf, nil, fake)

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	publishAlert(t, buf, &models.Alert{ID: "alert-1", RuleID: "r1", Severity: "high", Title: "t"})

	waitFor(t, func() bool { return len(fake.received()) == 1 }, "alert should reach the notifier")

	// Delivery failure does not hold the message: the alert row is the
	// durable record, so the message is acked anyway.
	waitFor(t, func() bool {
		pending, err := buf.PendingCount(ctx, buffer.StreamAlerts, d.cfg.Group)
		return err == nil && pending == 0
	}, "failed delivery should still be acked")

	dlqLen, err := buf.Len(ctx, buffer.StreamAlerts+buffer.DLQSuffix)
	require.NoError(t, err)
	assert.Equal(t, int64(0), dlqLen)
}

func TestDispatcherDeadLettersUndecodablePayload(t *testing.T) {
	buf := newTestBuffer(t)
	fake := &fakeNotifier{name: "fake"}
	d := NewDispatcher(DispatcherConfig{PodID: "test"}, buf, nil, fake)

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	_, err := buf.Publish(ctx, buffer.StreamAlerts, []byte(`[1,2,3]`))
	require.NoError(t, err)

	waitFor(t, func() bool {
		n, lerr := buf.Len(ctx, buffer.StreamAlerts+buffer.DLQSuffix)
		return lerr == nil && n == 1
	}, "undecodable payload should land on the dead-letter stream")

	assert.Empty(t, fake.received(), "undecodable payload never reaches notifiers")

	waitFor(t, func() bool {
		pending, perr := buf.PendingCount(ctx, buffer.StreamAlerts, d.cfg.Group)
		return perr == nil && pending == 0
	}, "dead-lettered payload should be acked on the primary")
}

func TestDispatcherNoNotifiers(t *testing.T) {
	buf := newTestBuffer(t)
	d := NewDispatcher(DispatcherConfig{PodID: "test"}, buf, nil)

	require.NoError(t, d.Start(context.Background()))
	d.Stop()
}
