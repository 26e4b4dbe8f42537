package correlation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// EvaluateBatch runs a rule against the search index over [from, to)
// and returns every match. State is not consulted; each invocation
// re-examines the windows it finds.
func (e *Engine) EvaluateBatch(ctx context.Context, rule *Rule, from, to time.Time) ([]*Match, error) {
	if e.idx == nil {
		return nil, fmt.Errorf("batch evaluation requires a search index")
	}
	if _, err := e.Cleanup(ctx, to); err != nil {
		e.logger.Warn("Correlation state cleanup failed", "rule_id", rule.ID, "error", err)
	}

	switch rule.PatternType {
	case PatternSequence:
		return e.batchSequence(ctx, rule, from, to)
	case PatternTemporalJoin:
		return e.batchTemporalJoin(ctx, rule, from, to)
	case PatternAggregation:
		return e.batchAggregation(ctx, rule, from, to)
	case PatternSpike:
		return e.batchSpike(ctx, rule, to)
	default:
		return nil, fmt.Errorf("unknown pattern_type %q", rule.PatternType)
	}
}

// taggedEvent pairs an event with the event definition it satisfied.
type taggedEvent struct {
	id string
	ev *models.NormalizedEvent
}

// collectByEntity queries every event definition and buckets results
// by entity key, each bucket sorted by timestamp.
func (e *Engine) collectByEntity(ctx context.Context, rule *Rule, from, to time.Time) (map[string][]taggedEvent, error) {
	byEntity := make(map[string][]taggedEvent)
	for _, def := range rule.Events {
		events, err := e.idx.Query(ctx, def.Query, from, to)
		if err != nil {
			return nil, fmt.Errorf("query for event %q failed: %w", def.ID, err)
		}
		for _, ev := range events {
			key, ok := entityKey(rule, ev)
			if !ok {
				continue
			}
			byEntity[key] = append(byEntity[key], taggedEvent{id: def.ID, ev: ev})
		}
	}
	for _, bucket := range byEntity {
		sort.SliceStable(bucket, func(i, j int) bool {
			return bucket[i].ev.Timestamp.Before(bucket[j].ev.Timestamp)
		})
	}
	return byEntity, nil
}

// batchSequence scans each entity's timeline. A window opens at the
// first unconsumed event; when every id in sequence_order meets its
// threshold inside the window, a match is emitted and the scan resumes
// after the window end, so satisfied windows do not overlap.
func (e *Engine) batchSequence(ctx context.Context, rule *Rule, from, to time.Time) ([]*Match, error) {
	byEntity, err := e.collectByEntity(ctx, rule, from, to)
	if err != nil {
		return nil, err
	}

	var matches []*Match
	for _, key := range sortedKeys(byEntity) {
		timeline := byEntity[key]
		for i := 0; i < len(timeline); {
			windowStart := timeline[i].ev.Timestamp
			windowEnd := windowStart.Add(rule.WindowDuration())

			counts := make(map[string]int)
			var inWindow []*models.NormalizedEvent
			next := len(timeline)
			for j := i; j < len(timeline); j++ {
				if !timeline[j].ev.Timestamp.Before(windowEnd) {
					next = j
					break
				}
				counts[timeline[j].id]++
				inWindow = append(inWindow, timeline[j].ev)
			}

			if sequenceSatisfied(rule, counts) {
				matches = append(matches, &Match{
					RuleID:      rule.ID,
					PatternType: PatternSequence,
					EntityKey:   key,
					WindowStart: windowStart,
					WindowEnd:   windowEnd,
					EventCounts: counts,
					Events:      inWindow,
				})
				i = next
			} else {
				i++
			}
		}
	}
	return matches, nil
}

func sequenceSatisfied(rule *Rule, counts map[string]int) bool {
	for _, id := range rule.SequenceOrder {
		if !rule.thresholdFor(id).Satisfied(counts[id]) {
			return false
		}
	}
	return true
}

// batchTemporalJoin emits one match per (a, b) pair sharing an entity
// key with timestamps within the window of each other. The lookback,
// when set, bounds how far back the query reaches.
func (e *Engine) batchTemporalJoin(ctx context.Context, rule *Rule, from, to time.Time) ([]*Match, error) {
	if lb := rule.LookbackDuration(); lb > 0 {
		if bound := to.Add(-lb); bound.After(from) {
			from = bound
		}
	}
	byEntity, err := e.collectByEntity(ctx, rule, from, to)
	if err != nil {
		return nil, err
	}

	idA, idB := rule.Events[0].ID, rule.Events[1].ID
	window := rule.WindowDuration()

	var matches []*Match
	for _, key := range sortedKeys(byEntity) {
		var as, bs []*models.NormalizedEvent
		for _, te := range byEntity[key] {
			switch te.id {
			case idA:
				as = append(as, te.ev)
			case idB:
				bs = append(bs, te.ev)
			}
		}
		for _, a := range as {
			for _, b := range bs {
				gap := a.Timestamp.Sub(b.Timestamp)
				if gap < 0 {
					gap = -gap
				}
				if gap > window {
					continue
				}
				start, end := a.Timestamp, b.Timestamp
				if end.Before(start) {
					start, end = end, start
				}
				matches = append(matches, &Match{
					RuleID:      rule.ID,
					PatternType: PatternTemporalJoin,
					EntityKey:   key,
					WindowStart: start,
					WindowEnd:   end,
					EventCounts: map[string]int{idA: 1, idB: 1},
					Events:      []*models.NormalizedEvent{a, b},
				})
			}
		}
	}
	return matches, nil
}

// batchAggregation counts events per group inside [to-window, to) and
// emits one match per group meeting the threshold. An empty group_by
// produces at most one global match.
func (e *Engine) batchAggregation(ctx context.Context, rule *Rule, from, to time.Time) ([]*Match, error) {
	windowStart := to.Add(-rule.WindowDuration())
	if windowStart.Before(from) {
		windowStart = from
	}
	events, err := e.idx.Query(ctx, rule.Events[0].Query, windowStart, to)
	if err != nil {
		return nil, fmt.Errorf("aggregation query failed: %w", err)
	}

	groups := make(map[string][]*models.NormalizedEvent)
	for _, ev := range events {
		key := groupKey(rule.GroupBy, ev)
		groups[key] = append(groups[key], ev)
	}

	threshold := rule.Thresholds[0]
	var matches []*Match
	for _, key := range sortedKeys(groups) {
		bucket := groups[key]
		if !threshold.Satisfied(len(bucket)) {
			continue
		}
		matches = append(matches, &Match{
			RuleID:      rule.ID,
			PatternType: PatternAggregation,
			EntityKey:   key,
			WindowStart: windowStart,
			WindowEnd:   to,
			EventCounts: map[string]int{rule.Events[0].ID: len(bucket)},
			Events:      bucket,
		})
	}
	return matches, nil
}

// batchSpike compares the current window's event rate against the
// average rate over the baseline window. A zero baseline with current
// activity matches with an infinite ratio and a "no baseline" note.
func (e *Engine) batchSpike(ctx context.Context, rule *Rule, to time.Time) ([]*Match, error) {
	window := rule.WindowDuration()
	currentStart := to.Add(-window)
	baselineStart := to.Add(-rule.BaselineDuration())

	current, err := e.idx.Query(ctx, rule.Events[0].Query, currentStart, to)
	if err != nil {
		return nil, fmt.Errorf("spike current-window query failed: %w", err)
	}
	baseline, err := e.idx.Query(ctx, rule.Events[0].Query, baselineStart, currentStart)
	if err != nil {
		return nil, fmt.Errorf("spike baseline query failed: %w", err)
	}

	currentGroups := make(map[string][]*models.NormalizedEvent)
	for _, ev := range current {
		key := groupKey(rule.GroupBy, ev)
		currentGroups[key] = append(currentGroups[key], ev)
	}
	baselineCounts := make(map[string]int)
	for _, ev := range baseline {
		baselineCounts[groupKey(rule.GroupBy, ev)]++
	}

	// Number of current-sized windows the baseline period covers.
	buckets := rule.BaselineDuration().Seconds() / window.Seconds()

	var matches []*Match
	for _, key := range sortedKeys(currentGroups) {
		bucket := currentGroups[key]
		baselineAvg := float64(baselineCounts[key]) / buckets

		var ratio float64
		var note string
		switch {
		case baselineAvg > 0:
			ratio = float64(len(bucket)) / baselineAvg
			if ratio < rule.SpikeFactor {
				continue
			}
		case len(bucket) > 0:
			ratio = math.Inf(1)
			note = "no baseline"
		default:
			continue
		}

		matches = append(matches, &Match{
			RuleID:      rule.ID,
			PatternType: PatternSpike,
			EntityKey:   key,
			WindowStart: currentStart,
			WindowEnd:   to,
			EventCounts: map[string]int{rule.Events[0].ID: len(bucket)},
			Events:      bucket,
			Ratio:       ratio,
			Note:        note,
		})
	}
	return matches, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
