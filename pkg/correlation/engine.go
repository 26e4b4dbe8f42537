package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/eleanor-dfir/eleanor/pkg/index"
	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// Match is one correlation hit. EventCounts holds per-event-id counts
// inside the matched window; Ratio and Note are only set by the spike
// pattern.
type Match struct {
	RuleID      string                    `json:"rule_id"`
	PatternType PatternType               `json:"pattern_type"`
	EntityKey   string                    `json:"entity_key"`
	WindowStart time.Time                 `json:"window_start"`
	WindowEnd   time.Time                 `json:"window_end"`
	EventCounts map[string]int            `json:"event_counts,omitempty"`
	Events      []*models.NormalizedEvent `json:"events,omitempty"`
	Ratio       float64                   `json:"ratio,omitempty"`
	Note        string                    `json:"note,omitempty"`
}

// Engine evaluates correlation rules. The batch path queries the
// search index; the real-time path folds single events into persisted
// window state.
type Engine struct {
	idx    index.SearchIndex
	store  StateStore
	logger *slog.Logger
}

// NewEngine creates an engine. The index may be nil when only the
// real-time path is used.
func NewEngine(idx index.SearchIndex, store StateStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		idx:    idx,
		store:  store,
		logger: logger.With("component", "correlation_engine"),
	}
}

// Cleanup removes stale correlation state. It runs automatically at
// the start of every batch evaluation; callers also drive it from a
// periodic timer.
func (e *Engine) Cleanup(ctx context.Context, now time.Time) (int, error) {
	removed, err := e.store.Cleanup(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up correlation state: %w", err)
	}
	if removed > 0 {
		e.logger.Debug("Removed stale correlation states", "removed", removed)
	}
	return removed, nil
}

// entityKey derives the stable per-entity identity from the rule's
// join_on fields, e.g. "user.name:bob". Events missing any join field
// have no entity key.
func entityKey(rule *Rule, ev *models.NormalizedEvent) (string, bool) {
	parts := make([]string, 0, len(rule.JoinOn))
	for _, field := range rule.JoinOn {
		value, ok := ev.Field(field)
		if !ok {
			return "", false
		}
		parts = append(parts, fmt.Sprintf("%s:%v", field, value))
	}
	return strings.Join(parts, ","), true
}

// groupKey derives the aggregation key from group_by fields. Missing
// fields contribute an empty component so partial groups stay stable.
func groupKey(fields []string, ev *models.NormalizedEvent) string {
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		value, ok := ev.Field(field)
		if !ok {
			value = ""
		}
		parts = append(parts, fmt.Sprintf("%s:%v", field, value))
	}
	return strings.Join(parts, ",")
}
