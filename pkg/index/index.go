// Package index defines the search-index boundary the batch correlation
// path queries, plus an in-memory implementation for tests and
// single-node deployments.
package index

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// SearchIndex is the boundary to the event search backend.
type SearchIndex interface {
	// Index makes events queryable.
	Index(ctx context.Context, events ...*models.NormalizedEvent) error

	// Query returns events matching the query string whose timestamp
	// falls within [from, to).
	Query(ctx context.Context, query string, from, to time.Time) ([]*models.NormalizedEvent, error)

	// Count is Query without materializing the events.
	Count(ctx context.Context, query string, from, to time.Time) (int, error)
}

// MemoryIndex is a process-local SearchIndex speaking the lite query
// language. Events are shared read-only with callers; nothing mutates
// them after Index.
type MemoryIndex struct {
	mu     sync.RWMutex
	events []*models.NormalizedEvent
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Index appends events.
func (m *MemoryIndex) Index(_ context.Context, events ...*models.NormalizedEvent) error {
	m.mu.Lock()
	m.events = append(m.events, events...)
	m.mu.Unlock()
	return nil
}

// Query evaluates a lite query over the stored events. Results come
// back in timestamp order.
func (m *MemoryIndex) Query(_ context.Context, query string, from, to time.Time) ([]*models.NormalizedEvent, error) {
	q, err := ParseLiteQuery(query)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.NormalizedEvent
	for _, ev := range m.events {
		if ev.Timestamp.Before(from) || !ev.Timestamp.Before(to) {
			continue
		}
		if q.Matches(ev) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Count returns the number of matching events.
func (m *MemoryIndex) Count(ctx context.Context, query string, from, to time.Time) (int, error) {
	events, err := m.Query(ctx, query, from, to)
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

// Len returns the number of indexed events.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
