package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStateStore persists correlation windows in the
// correlation_state table. All operations are single short statements;
// the primary key (rule_id, entity_key, window_start) gives row-level
// isolation between concurrent workers.
type PostgresStateStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStateStore creates a store on an existing pool.
func NewPostgresStateStore(pool *pgxpool.Pool) *PostgresStateStore {
	return &PostgresStateStore{pool: pool}
}

// statePayload is the JSONB body holding the accumulating counters.
type statePayload struct {
	Counts     map[string]int `json:"counts"`
	MatchedIDs []string       `json:"matched_ids,omitempty"`
}

// GetActive returns the most recent open window for the entity.
func (s *PostgresStateStore) GetActive(ctx context.Context, ruleID, entityKey string, now time.Time) (*State, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT rule_id, entity_key, window_start, window_end, status, state, updated_at
		FROM correlation_state
		WHERE rule_id = $1 AND entity_key = $2 AND status = $3 AND window_end >= $4
		ORDER BY window_start DESC
		LIMIT 1`,
		ruleID, entityKey, StatusActive, now)

	var st State
	var payload []byte
	err := row.Scan(&st.RuleID, &st.EntityKey, &st.WindowStart, &st.WindowEnd, &st.Status, &payload, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query correlation state: %w", err)
	}

	var body statePayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("failed to decode correlation state payload: %w", err)
	}
	st.Counts = body.Counts
	if st.Counts == nil {
		st.Counts = make(map[string]int)
	}
	st.MatchedIDs = body.MatchedIDs
	return &st, nil
}

// Upsert inserts or replaces the state row.
func (s *PostgresStateStore) Upsert(ctx context.Context, state *State) error {
	payload, err := json.Marshal(statePayload{Counts: state.Counts, MatchedIDs: state.MatchedIDs})
	if err != nil {
		return fmt.Errorf("failed to encode correlation state payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO correlation_state (rule_id, entity_key, window_start, window_end, status, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (rule_id, entity_key, window_start)
		DO UPDATE SET window_end = $4, status = $5, state = $6, updated_at = $7`,
		state.RuleID, state.EntityKey, state.WindowStart, state.WindowEnd, state.Status, payload, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert correlation state: %w", err)
	}
	return nil
}

// Cleanup deletes stale windows and aged-out terminal states.
func (s *PostgresStateStore) Cleanup(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM correlation_state
		WHERE (status = $1 AND window_end < $2)
		   OR (status IN ($3, $4) AND updated_at < $5)`,
		StatusActive, now, StatusCompleted, StatusExpired, now.Add(-completedRetention))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up correlation state: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
