package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// PostgresRepository stores evidence rows and custody events in the
// evidence and custody_events tables. Mutations and their custody rows
// commit in one transaction.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a repository on an existing pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func insertCustody(ctx context.Context, tx pgx.Tx, ce *models.CustodyEvent) error {
	details, err := json.Marshal(ce.Details)
	if err != nil {
		return fmt.Errorf("failed to encode custody details: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO custody_events (id, evidence_id, action, actor_id, actor_name, ip, user_agent, details, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ce.ID, ce.EvidenceID, ce.Action, ce.ActorID, ce.ActorName, ce.IP, ce.UserAgent, details, ce.At)
	if err != nil {
		return fmt.Errorf("failed to insert custody event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Create(ctx context.Context, ev *models.Evidence, custody *models.CustodyEvent) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO evidence (id, case_id, storage_key, original_filename, size, sha256, sha1, md5,
				mime_type, evidence_type, source_host, description, status,
				uploaded_by, uploaded_at, collected_at, collected_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			ev.ID, ev.CaseID, ev.StorageKey, ev.OriginalFilename, ev.Size, ev.SHA256, ev.SHA1, ev.MD5,
			ev.MimeType, ev.EvidenceType, ev.SourceHost, ev.Description, ev.Status,
			ev.UploadedBy, ev.UploadedAt, ev.CollectedAt, ev.CollectedBy)
		if err != nil {
			return fmt.Errorf("failed to insert evidence: %w", err)
		}
		return insertCustody(ctx, tx, custody)
	})
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Evidence, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, case_id, storage_key, original_filename, size, sha256, sha1, md5,
			mime_type, evidence_type, source_host, description, status,
			uploaded_by, uploaded_at, collected_at, collected_by
		FROM evidence WHERE id = $1`, id)

	var ev models.Evidence
	err := row.Scan(&ev.ID, &ev.CaseID, &ev.StorageKey, &ev.OriginalFilename, &ev.Size,
		&ev.SHA256, &ev.SHA1, &ev.MD5, &ev.MimeType, &ev.EvidenceType, &ev.SourceHost,
		&ev.Description, &ev.Status, &ev.UploadedBy, &ev.UploadedAt, &ev.CollectedAt, &ev.CollectedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query evidence: %w", err)
	}
	return &ev, nil
}

func (r *PostgresRepository) SetStatus(ctx context.Context, id, status string, custody *models.CustodyEvent) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE evidence SET status = $2 WHERE id = $1`, id, status)
		if err != nil {
			return fmt.Errorf("failed to update evidence status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return insertCustody(ctx, tx, custody)
	})
}

func (r *PostgresRepository) UpdateMetadata(ctx context.Context, id string, fields map[string]string, custody *models.CustodyEvent) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		for field, value := range fields {
			switch field {
			case "description", "evidence_type", "source_host":
			default:
				return fmt.Errorf("metadata field %q is not editable", field)
			}
			tag, err := tx.Exec(ctx, `UPDATE evidence SET `+field+` = $2 WHERE id = $1`, id, value)
			if err != nil {
				return fmt.Errorf("failed to update evidence %s: %w", field, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
		}
		return insertCustody(ctx, tx, custody)
	})
}

func (r *PostgresRepository) AppendCustody(ctx context.Context, custody *models.CustodyEvent) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		return insertCustody(ctx, tx, custody)
	})
}

func (r *PostgresRepository) Custody(ctx context.Context, evidenceID string) ([]*models.CustodyEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, evidence_id, action, actor_id, actor_name, ip, user_agent, details, at
		FROM custody_events WHERE evidence_id = $1 ORDER BY at, id`, evidenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query custody events: %w", err)
	}
	defer rows.Close()

	var out []*models.CustodyEvent
	for rows.Next() {
		var ce models.CustodyEvent
		var details []byte
		if err := rows.Scan(&ce.ID, &ce.EvidenceID, &ce.Action, &ce.ActorID, &ce.ActorName,
			&ce.IP, &ce.UserAgent, &details, &ce.At); err != nil {
			return nil, fmt.Errorf("failed to scan custody event: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ce.Details); err != nil {
				return nil, fmt.Errorf("failed to decode custody details: %w", err)
			}
		}
		out = append(out, &ce)
	}
	return out, rows.Err()
}
