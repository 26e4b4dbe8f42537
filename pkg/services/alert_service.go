package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// ListAlertsOptions filters and pages an alert listing.
type ListAlertsOptions struct {
	Status   models.AlertStatus
	Severity string
	RuleID   string
	Limit    int
	Offset   int
}

// AlertService persists alerts in PostgreSQL.
type AlertService struct {
	pool *pgxpool.Pool
}

// NewAlertService creates an alert service on an existing pool.
func NewAlertService(pool *pgxpool.Pool) *AlertService {
	return &AlertService{pool: pool}
}

func validateAlert(alert *models.Alert) error {
	if alert.RuleID == "" {
		return NewValidationError("rule_id", "is required")
	}
	if alert.Title == "" {
		return NewValidationError("title", "is required")
	}
	return nil
}

func prepareAlert(alert *models.Alert) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Status == "" {
		alert.Status = models.AlertStatusNew
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
}

// Create stores a new alert, filling in id, status, and created_at
// when absent.
func (s *AlertService) Create(ctx context.Context, alert *models.Alert) error {
	if err := validateAlert(alert); err != nil {
		return err
	}
	prepareAlert(alert)

	var rawEvent []byte
	if alert.RawEvent != nil {
		var err error
		rawEvent, err = json.Marshal(alert.RawEvent)
		if err != nil {
			return fmt.Errorf("failed to encode raw event: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (id, rule_id, severity, status, title, description, raw_event,
			mitre_tactics, mitre_techniques, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		alert.ID, alert.RuleID, alert.Severity, alert.Status, alert.Title, alert.Description,
		rawEvent, alert.MitreTactics, alert.MitreTechniques, alert.Tags, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// Get returns one alert by id.
func (s *AlertService) Get(ctx context.Context, id string) (*models.Alert, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, rule_id, severity, status, title, description, raw_event,
			mitre_tactics, mitre_techniques, tags, created_at
		FROM alerts WHERE id = $1`, id)
	return scanAlert(row)
}

// List returns alerts newest first, filtered by the options.
func (s *AlertService) List(ctx context.Context, opts ListAlertsOptions) ([]*models.Alert, error) {
	query := `
		SELECT id, rule_id, severity, status, title, description, raw_event,
			mitre_tactics, mitre_techniques, tags, created_at
		FROM alerts WHERE 1=1`
	args := []any{}
	if opts.Status != "" {
		args = append(args, opts.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if opts.Severity != "" {
		args = append(args, opts.Severity)
		query += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if opts.RuleID != "" {
		args = append(args, opts.RuleID)
		query += fmt.Sprintf(" AND rule_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []*models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

// UpdateStatus moves an alert through the triage workflow.
func (s *AlertService) UpdateStatus(ctx context.Context, id string, status models.AlertStatus) error {
	if !validAlertStatus(status) {
		return NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}
	tag, err := s.pool.Exec(ctx, `UPDATE alerts SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update alert status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	return nil
}

// DeleteOldClosed removes closed alerts created before the cutoff and
// returns how many were deleted.
func (s *AlertService) DeleteOldClosed(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM alerts WHERE status = $1 AND created_at < $2`,
		models.AlertStatusClosed, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func validAlertStatus(status models.AlertStatus) bool {
	switch status {
	case models.AlertStatusNew, models.AlertStatusAcknowledged,
		models.AlertStatusResolved, models.AlertStatusClosed:
		return true
	}
	return false
}

func scanAlert(row pgx.Row) (*models.Alert, error) {
	var alert models.Alert
	var rawEvent []byte
	err := row.Scan(&alert.ID, &alert.RuleID, &alert.Severity, &alert.Status, &alert.Title,
		&alert.Description, &rawEvent, &alert.MitreTactics, &alert.MitreTechniques,
		&alert.Tags, &alert.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: alert", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	if len(rawEvent) > 0 {
		if err := json.Unmarshal(rawEvent, &alert.RawEvent); err != nil {
			return nil, fmt.Errorf("failed to decode raw event: %w", err)
		}
	}
	return &alert, nil
}

// MemoryAlertService is an in-process alert store for tests and
// single-node use.
type MemoryAlertService struct {
	mu     sync.Mutex
	alerts map[string]*models.Alert
}

// NewMemoryAlertService creates an empty store.
func NewMemoryAlertService() *MemoryAlertService {
	return &MemoryAlertService{alerts: make(map[string]*models.Alert)}
}

func (s *MemoryAlertService) Create(_ context.Context, alert *models.Alert) error {
	if err := validateAlert(alert); err != nil {
		return err
	}
	prepareAlert(alert)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[alert.ID]; ok {
		return fmt.Errorf("%w: alert %s", ErrAlreadyExists, alert.ID)
	}
	clone := *alert
	s.alerts[alert.ID] = &clone
	return nil
}

func (s *MemoryAlertService) Get(_ context.Context, id string) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	clone := *alert
	return &clone, nil
}

func (s *MemoryAlertService) List(_ context.Context, opts ListAlertsOptions) ([]*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Alert
	for _, alert := range s.alerts {
		if opts.Status != "" && alert.Status != opts.Status {
			continue
		}
		if opts.Severity != "" && alert.Severity != opts.Severity {
			continue
		}
		if opts.RuleID != "" && alert.RuleID != opts.RuleID {
			continue
		}
		clone := *alert
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryAlertService) DeleteOldClosed(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, alert := range s.alerts {
		if alert.Status == models.AlertStatusClosed && alert.CreatedAt.Before(olderThan) {
			delete(s.alerts, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryAlertService) UpdateStatus(_ context.Context, id string, status models.AlertStatus) error {
	if !validAlertStatus(status) {
		return NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	alert.Status = status
	return nil
}
