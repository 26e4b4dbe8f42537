// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleanor-dfir/eleanor/pkg/config"
)

// AlertPruner deletes closed alerts past retention.
type AlertPruner interface {
	DeleteOldClosed(ctx context.Context, olderThan time.Time) (int64, error)
}

// StatePruner removes stale correlation windows.
type StatePruner interface {
	Cleanup(ctx context.Context, now time.Time) (int, error)
}

// ApprovalExpirer denies playbook executions whose approval gate has
// timed out.
type ApprovalExpirer interface {
	ExpireApprovals(ctx context.Context, now time.Time) (int, error)
}

// Service periodically enforces retention policies:
//   - Deletes closed alerts past retention
//   - Removes stale correlation windows
//   - Expires overdue playbook approvals
//
// All operations are idempotent and safe to run from multiple pods.
// Approvals sweep on their own, much shorter, interval since an expired
// approval must deny its execution promptly.
type Service struct {
	retention *config.RetentionConfig
	playbooks *config.PlaybookConfig
	alerts    AlertPruner
	state     StatePruner
	approvals ApprovalExpirer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. Any pruner may be nil, in
// which case its loop is skipped.
func NewService(
	retention *config.RetentionConfig,
	playbooks *config.PlaybookConfig,
	alerts AlertPruner,
	state StatePruner,
	approvals ApprovalExpirer,
) *Service {
	return &Service{
		retention: retention,
		playbooks: playbooks,
		alerts:    alerts,
		state:     state,
		approvals: approvals,
	}
}

// Start launches the background cleanup loops.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"alert_retention_days", s.retention.AlertRetentionDays,
		"cleanup_interval", s.retention.CleanupInterval,
		"approval_sweep_interval", s.playbooks.ApprovalSweepInterval)
}

// Stop signals the cleanup loops to exit and waits for them to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runRetention(ctx)
	s.sweepApprovals(ctx)

	retentionTicker := time.NewTicker(s.retention.CleanupInterval)
	defer retentionTicker.Stop()
	approvalTicker := time.NewTicker(s.playbooks.ApprovalSweepInterval)
	defer approvalTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-retentionTicker.C:
			s.runRetention(ctx)
		case <-approvalTicker.C:
			s.sweepApprovals(ctx)
		}
	}
}

func (s *Service) runRetention(ctx context.Context) {
	s.pruneOldAlerts(ctx)
	s.pruneCorrelationState(ctx)
}

func (s *Service) pruneOldAlerts(ctx context.Context) {
	if s.alerts == nil {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retention.AlertRetentionDays)
	count, err := s.alerts.DeleteOldClosed(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: alert cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old closed alerts", "count", count)
	}
}

func (s *Service) pruneCorrelationState(ctx context.Context) {
	if s.state == nil {
		return
	}
	count, err := s.state.Cleanup(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("Retention: correlation state cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed stale correlation states", "count", count)
	}
}

func (s *Service) sweepApprovals(ctx context.Context) {
	if s.approvals == nil {
		return
	}
	count, err := s.approvals.ExpireApprovals(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("Approval sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Expired overdue approvals", "count", count)
	}
}
