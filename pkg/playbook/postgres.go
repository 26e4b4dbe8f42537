package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// PostgresStore persists playbooks, executions, and approvals in the
// playbooks, playbook_executions, and approvals tables. Document-shaped
// fields (steps, inputs, results) live in JSONB columns.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SavePlaybook(ctx context.Context, pb *models.Playbook) error {
	steps, err := json.Marshal(pb.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode playbook steps: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO playbooks (id, name, description, enabled, steps)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description,
			enabled = EXCLUDED.enabled, steps = EXCLUDED.steps`,
		pb.ID, pb.Name, pb.Description, pb.Enabled, steps)
	if err != nil {
		return fmt.Errorf("failed to save playbook: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPlaybook(ctx context.Context, id string) (*models.Playbook, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, description, enabled, steps FROM playbooks WHERE id = $1`, id)

	var pb models.Playbook
	var steps []byte
	err := row.Scan(&pb.ID, &pb.Name, &pb.Description, &pb.Enabled, &steps)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: playbook %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query playbook: %w", err)
	}
	if err := json.Unmarshal(steps, &pb.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode playbook steps: %w", err)
	}
	return &pb, nil
}

func (s *PostgresStore) SaveExecution(ctx context.Context, exec *models.PlaybookExecution) error {
	results, err := json.Marshal(exec.StepResults)
	if err != nil {
		return fmt.Errorf("failed to encode step results: %w", err)
	}
	input, err := json.Marshal(exec.Input)
	if err != nil {
		return fmt.Errorf("failed to encode execution input: %w", err)
	}
	output, err := json.Marshal(exec.Output)
	if err != nil {
		return fmt.Errorf("failed to encode execution output: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO playbook_executions
			(id, playbook_id, status, current_step_id, step_results, input, output,
			 tenant, started_at, completed_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, current_step_id = EXCLUDED.current_step_id,
			step_results = EXCLUDED.step_results, output = EXCLUDED.output,
			completed_at = EXCLUDED.completed_at, error = EXCLUDED.error`,
		exec.ID, exec.PlaybookID, exec.Status, exec.CurrentStepID, results, input, output,
		exec.Tenant, exec.StartedAt, nullableTime(exec.CompletedAt), exec.Error)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*models.PlaybookExecution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, playbook_id, status, current_step_id, step_results, input, output,
			tenant, started_at, completed_at, error
		FROM playbook_executions WHERE id = $1`, id)

	var exec models.PlaybookExecution
	var results, input, output []byte
	var completedAt *time.Time
	err := row.Scan(&exec.ID, &exec.PlaybookID, &exec.Status, &exec.CurrentStepID,
		&results, &input, &output, &exec.Tenant, &exec.StartedAt, &completedAt, &exec.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}
	if completedAt != nil {
		exec.CompletedAt = *completedAt
	}
	if err := decodeJSONColumn(results, &exec.StepResults); err != nil {
		return nil, fmt.Errorf("failed to decode step results: %w", err)
	}
	if err := decodeJSONColumn(input, &exec.Input); err != nil {
		return nil, fmt.Errorf("failed to decode execution input: %w", err)
	}
	if err := decodeJSONColumn(output, &exec.Output); err != nil {
		return nil, fmt.Errorf("failed to decode execution output: %w", err)
	}
	return &exec, nil
}

func (s *PostgresStore) SaveApproval(ctx context.Context, ap *models.Approval) error {
	approvalCtx, err := json.Marshal(ap.Context)
	if err != nil {
		return fmt.Errorf("failed to encode approval context: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO approvals
			(id, execution_id, step_id, status, required_approvers, decided_by, comment,
			 decided_at, expires_at, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, decided_by = EXCLUDED.decided_by,
			comment = EXCLUDED.comment, decided_at = EXCLUDED.decided_at`,
		ap.ID, ap.ExecutionID, ap.StepID, ap.Status, ap.RequiredApprovers, ap.DecidedBy,
		ap.Comment, nullableTime(ap.DecidedAt), ap.ExpiresAt, approvalCtx)
	if err != nil {
		return fmt.Errorf("failed to save approval: %w", err)
	}
	return nil
}

func (s *PostgresStore) PendingApproval(ctx context.Context, executionID string) (*models.Approval, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, execution_id, step_id, status, required_approvers, decided_by, comment,
			decided_at, expires_at, context
		FROM approvals WHERE execution_id = $1 AND status = $2
		ORDER BY expires_at LIMIT 1`, executionID, models.ApprovalPending)

	ap, err := scanApproval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no pending approval for execution %s", ErrNotFound, executionID)
	}
	return ap, err
}

func (s *PostgresStore) ExpiredApprovals(ctx context.Context, now time.Time) ([]*models.Approval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, step_id, status, required_approvers, decided_by, comment,
			decided_at, expires_at, context
		FROM approvals WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at`, models.ApprovalPending, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired approvals: %w", err)
	}
	defer rows.Close()

	var out []*models.Approval
	for rows.Next() {
		ap, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ap)
	}
	return out, rows.Err()
}

func scanApproval(row pgx.Row) (*models.Approval, error) {
	var ap models.Approval
	var approvalCtx []byte
	var decidedAt *time.Time
	err := row.Scan(&ap.ID, &ap.ExecutionID, &ap.StepID, &ap.Status, &ap.RequiredApprovers,
		&ap.DecidedBy, &ap.Comment, &decidedAt, &ap.ExpiresAt, &approvalCtx)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}
	if decidedAt != nil {
		ap.DecidedAt = *decidedAt
	}
	if len(approvalCtx) > 0 {
		if err := json.Unmarshal(approvalCtx, &ap.Context); err != nil {
			return nil, fmt.Errorf("failed to decode approval context: %w", err)
		}
	}
	return &ap, nil
}

func decodeJSONColumn(data []byte, target any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
