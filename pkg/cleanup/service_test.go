package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-dfir/eleanor/pkg/config"
	"github.com/eleanor-dfir/eleanor/pkg/correlation"
	"github.com/eleanor-dfir/eleanor/pkg/models"
	"github.com/eleanor-dfir/eleanor/pkg/playbook"
	"github.com/eleanor-dfir/eleanor/pkg/services"
)

var (
	_ AlertPruner     = (*services.AlertService)(nil)
	_ AlertPruner     = (*services.MemoryAlertService)(nil)
	_ StatePruner     = (*correlation.Engine)(nil)
	_ ApprovalExpirer = (*playbook.Engine)(nil)
)

func testRetention() *config.RetentionConfig {
	return &config.RetentionConfig{
		AlertRetentionDays: 90,
		CleanupInterval:    time.Hour,
	}
}

func testPlaybooks() *config.PlaybookConfig {
	return &config.PlaybookConfig{ApprovalSweepInterval: 10 * time.Millisecond}
}

func TestServicePrunesOldClosedAlerts(t *testing.T) {
	alerts := services.NewMemoryAlertService()
	ctx := context.Background()

	old := &models.Alert{
		RuleID: "r1", Title: "old", Status: models.AlertStatusClosed,
		CreatedAt: time.Now().UTC().AddDate(0, 0, -120),
	}
	recent := &models.Alert{
		RuleID: "r1", Title: "recent", Status: models.AlertStatusClosed,
		CreatedAt: time.Now().UTC().AddDate(0, 0, -5),
	}
	openOld := &models.Alert{
		RuleID: "r1", Title: "open", Status: models.AlertStatusNew,
		CreatedAt: time.Now().UTC().AddDate(0, 0, -120),
	}
	for _, a := range []*models.Alert{old, recent, openOld} {
		require.NoError(t, alerts.Create(ctx, a))
	}

	svc := NewService(testRetention(), testPlaybooks(), alerts, nil, nil)
	svc.runRetention(ctx)

	_, err := alerts.Get(ctx, old.ID)
	assert.ErrorIs(t, err, services.ErrNotFound)
	_, err = alerts.Get(ctx, recent.ID)
	assert.NoError(t, err)
	// Only closed alerts age out.
	_, err = alerts.Get(ctx, openOld.ID)
	assert.NoError(t, err)
}

type countingPruner struct {
	calls int
}

func (p *countingPruner) Cleanup(_ context.Context, _ time.Time) (int, error) {
	p.calls++
	return 1, nil
}

type countingExpirer struct {
	ch chan struct{}
}

func (e *countingExpirer) ExpireApprovals(_ context.Context, _ time.Time) (int, error) {
	select {
	case e.ch <- struct{}{}:
	default:
	}
	return 0, nil
}

func TestServiceLifecycle(t *testing.T) {
	state := &countingPruner{}
	expirer := &countingExpirer{ch: make(chan struct{}, 1)}

	svc := NewService(testRetention(), testPlaybooks(), nil, state, expirer)
	svc.Start(context.Background())

	// Both loops fire once on startup; the approval sweep keeps firing
	// on its short interval.
	select {
	case <-expirer.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("approval sweep never ran")
	}
	assert.GreaterOrEqual(t, state.calls, 1)

	// Start is idempotent while running.
	svc.Start(context.Background())
	svc.Stop()
}
