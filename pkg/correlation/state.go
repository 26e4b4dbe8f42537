package correlation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle phase of a correlation window.
type Status string

// Correlation state statuses.
const (
	StatusActive    Status = "active"
	StatusTriggered Status = "triggered"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// completedRetention is how long completed and expired states are kept
// before cleanup removes them.
const completedRetention = 24 * time.Hour

// State is one persisted correlation window for an entity. A rule has
// at most one active state per entity key at a time; the unique key is
// (rule_id, entity_key, window_start).
type State struct {
	RuleID      string         `json:"rule_id"`
	EntityKey   string         `json:"entity_key"`
	Counts      map[string]int `json:"counts"`
	MatchedIDs  []string       `json:"matched_ids,omitempty"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
	Status      Status         `json:"status"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// StateStore persists correlation windows. Implementations must make
// Upsert durable before returning so a processed message is only acked
// once its effect on state survives a crash.
type StateStore interface {
	// GetActive returns the open window for (ruleID, entityKey) whose
	// window_end is at or after now, or nil when none exists.
	GetActive(ctx context.Context, ruleID, entityKey string, now time.Time) (*State, error)

	// Upsert inserts or replaces the state identified by
	// (rule_id, entity_key, window_start).
	Upsert(ctx context.Context, state *State) error

	// Cleanup removes active states whose window has passed and
	// completed or expired states older than the retention period.
	// Returns the number of states removed.
	Cleanup(ctx context.Context, now time.Time) (int, error)
}

type stateKey struct {
	ruleID      string
	entityKey   string
	windowStart int64
}

// MemoryStateStore is an in-process StateStore for tests and
// single-node deployments.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[stateKey]*State
}

// NewMemoryStateStore creates an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[stateKey]*State)}
}

// GetActive returns the most recent open window for the entity.
func (m *MemoryStateStore) GetActive(_ context.Context, ruleID, entityKey string, now time.Time) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*State
	for _, st := range m.states {
		if st.RuleID == ruleID && st.EntityKey == entityKey && st.Status == StatusActive && !st.WindowEnd.Before(now) {
			candidates = append(candidates, st)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].WindowStart.After(candidates[j].WindowStart)
	})
	return copyState(candidates[0]), nil
}

// Upsert stores a copy of the state.
func (m *MemoryStateStore) Upsert(_ context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stateKey{state.RuleID, state.EntityKey, state.WindowStart.UnixNano()}
	m.states[key] = copyState(state)
	return nil
}

// Cleanup removes expired-active and aged-out terminal states.
func (m *MemoryStateStore) Cleanup(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, st := range m.states {
		stale := st.Status == StatusActive && st.WindowEnd.Before(now)
		aged := (st.Status == StatusCompleted || st.Status == StatusExpired) &&
			st.UpdatedAt.Before(now.Add(-completedRetention))
		if stale || aged {
			delete(m.states, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored states.
func (m *MemoryStateStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

func copyState(st *State) *State {
	out := *st
	out.Counts = make(map[string]int, len(st.Counts))
	for k, v := range st.Counts {
		out.Counts[k] = v
	}
	out.MatchedIDs = append([]string(nil), st.MatchedIDs...)
	return &out
}
