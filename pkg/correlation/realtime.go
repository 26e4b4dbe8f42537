package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eleanor-dfir/eleanor/pkg/index"
	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// RealtimeEligible reports whether a rule can run on the per-event
// path: it must be flagged realtime, use a stateful pattern, and every
// event query must fall inside the lite field:value subset. Rules that
// fail the query check are deferred to batch evaluation.
func RealtimeEligible(rule *Rule) bool {
	if !rule.Realtime {
		return false
	}
	if rule.PatternType != PatternSequence && rule.PatternType != PatternAggregation {
		return false
	}
	for _, def := range rule.Events {
		if _, err := index.ParseLiteQuery(def.Query); err != nil {
			return false
		}
	}
	return true
}

// ProcessEvent folds one event into the rule's window state. The state
// transition is persisted before any match is returned, so the caller
// may ack the triggering message once this returns. A nil match means
// the event did not complete a window.
func (e *Engine) ProcessEvent(ctx context.Context, rule *Rule, ev *models.NormalizedEvent, now time.Time) (*Match, error) {
	eventID, err := e.matchEventDef(rule, ev)
	if err != nil {
		return nil, err
	}
	if eventID == "" {
		return nil, nil
	}

	var key string
	if rule.PatternType == PatternAggregation {
		key = groupKey(rule.GroupBy, ev)
	} else {
		var ok bool
		if key, ok = entityKey(rule, ev); !ok {
			return nil, nil
		}
	}

	state, err := e.store.GetActive(ctx, rule.ID, key, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load correlation state: %w", err)
	}
	if state == nil {
		// First event for the entity opens the window. Overlapping
		// windows are not tracked; this one owns the entity until it
		// completes or expires.
		state = &State{
			RuleID:      rule.ID,
			EntityKey:   key,
			Counts:      make(map[string]int),
			WindowStart: ev.Timestamp,
			WindowEnd:   ev.Timestamp.Add(rule.WindowDuration()),
			Status:      StatusActive,
		}
	}

	state.Counts[eventID]++
	state.MatchedIDs = append(state.MatchedIDs, eventID)
	state.UpdatedAt = now

	var match *Match
	if e.windowComplete(rule, state) && !now.After(state.WindowEnd) {
		state.Status = StatusCompleted
		match = &Match{
			RuleID:      rule.ID,
			PatternType: rule.PatternType,
			EntityKey:   key,
			WindowStart: state.WindowStart,
			WindowEnd:   state.WindowEnd,
			EventCounts: state.Counts,
			Events:      []*models.NormalizedEvent{ev},
		}
	}

	if err := e.store.Upsert(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to persist correlation state: %w", err)
	}
	return match, nil
}

// matchEventDef returns the id of the first event definition the event
// satisfies, or empty when none do. Queries outside the lite subset
// surface ErrComplexQuery so the caller can defer the rule to batch.
func (e *Engine) matchEventDef(rule *Rule, ev *models.NormalizedEvent) (string, error) {
	for _, def := range rule.Events {
		q, err := index.ParseLiteQuery(def.Query)
		if err != nil {
			if errors.Is(err, index.ErrComplexQuery) {
				return "", fmt.Errorf("rule %s event %q: %w", rule.ID, def.ID, err)
			}
			return "", err
		}
		if q.Matches(ev) {
			return def.ID, nil
		}
	}
	return "", nil
}

func (e *Engine) windowComplete(rule *Rule, state *State) bool {
	switch rule.PatternType {
	case PatternSequence:
		return sequenceSatisfied(rule, state.Counts)
	case PatternAggregation:
		return rule.Thresholds[0].Satisfied(state.Counts[rule.Events[0].ID])
	default:
		return false
	}
}
