package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ StateStore = (*MemoryStateStore)(nil)
	_ StateStore = (*PostgresStateStore)(nil)
)

func TestMemoryStateStoreUpsert(t *testing.T) {
	store := NewMemoryStateStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	st := &State{
		RuleID:      "r1",
		EntityKey:   "user.name:bob",
		Counts:      map[string]int{"failed": 1},
		WindowStart: now,
		WindowEnd:   now.Add(5 * time.Minute),
		Status:      StatusActive,
		UpdatedAt:   now,
	}
	require.NoError(t, store.Upsert(context.Background(), st))

	// Mutating the caller's copy must not leak into the store.
	st.Counts["failed"] = 99

	got, err := store.GetActive(context.Background(), "r1", "user.name:bob", now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Counts["failed"])

	// Same window start replaces, it does not duplicate.
	got.Counts["failed"] = 2
	require.NoError(t, store.Upsert(context.Background(), got))
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStateStoreGetActiveFilters(t *testing.T) {
	store := NewMemoryStateStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Upsert(context.Background(), &State{
		RuleID: "r1", EntityKey: "k", Status: StatusCompleted,
		WindowStart: now.Add(-10 * time.Minute), WindowEnd: now.Add(time.Minute), UpdatedAt: now,
	}))
	require.NoError(t, store.Upsert(context.Background(), &State{
		RuleID: "r1", EntityKey: "k", Status: StatusActive,
		WindowStart: now.Add(-20 * time.Minute), WindowEnd: now.Add(-15 * time.Minute), UpdatedAt: now,
	}))

	// Completed states and lapsed windows are both invisible.
	got, err := store.GetActive(context.Background(), "r1", "k", now)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Upsert(context.Background(), &State{
		RuleID: "r1", EntityKey: "k", Status: StatusActive,
		WindowStart: now.Add(-2 * time.Minute), WindowEnd: now.Add(3 * time.Minute), UpdatedAt: now,
	}))
	got, err = store.GetActive(context.Background(), "r1", "k", now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, now.Add(-2*time.Minute), got.WindowStart)

	// Other rules and entities stay isolated.
	got, err = store.GetActive(context.Background(), "r2", "k", now)
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = store.GetActive(context.Background(), "r1", "other", now)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStateStoreCleanup(t *testing.T) {
	store := NewMemoryStateStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	states := []*State{
		{RuleID: "r", EntityKey: "lapsed", Status: StatusActive, WindowStart: now.Add(-time.Hour), WindowEnd: now.Add(-time.Minute), UpdatedAt: now},
		{RuleID: "r", EntityKey: "live", Status: StatusActive, WindowStart: now, WindowEnd: now.Add(time.Minute), UpdatedAt: now},
		{RuleID: "r", EntityKey: "old-done", Status: StatusCompleted, WindowStart: now.Add(-48 * time.Hour), WindowEnd: now.Add(-48 * time.Hour), UpdatedAt: now.Add(-25 * time.Hour)},
		{RuleID: "r", EntityKey: "fresh-done", Status: StatusCompleted, WindowStart: now.Add(-time.Hour), WindowEnd: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)},
		{RuleID: "r", EntityKey: "old-expired", Status: StatusExpired, WindowStart: now.Add(-48 * time.Hour), WindowEnd: now.Add(-48 * time.Hour), UpdatedAt: now.Add(-30 * time.Hour)},
	}
	for _, st := range states {
		require.NoError(t, store.Upsert(context.Background(), st))
	}

	removed, err := store.Cleanup(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 2, store.Len())

	got, err := store.GetActive(context.Background(), "r", "live", now)
	require.NoError(t, err)
	assert.NotNil(t, got)
}
