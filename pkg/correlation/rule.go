// Package correlation implements multi-event detection: rules describe
// sequences, temporal joins, aggregations, and spikes over normalized
// events, evaluated either in batch against a search index or
// incrementally per event with persisted window state.
package correlation

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// PatternType selects the correlation algorithm for a rule.
type PatternType string

// Supported pattern types.
const (
	PatternSequence     PatternType = "sequence"
	PatternTemporalJoin PatternType = "temporal_join"
	PatternAggregation  PatternType = "aggregation"
	PatternSpike        PatternType = "spike"
)

// EventDef names one event class a rule cares about and the query that
// selects it. In batch mode the query is passed to the search index; in
// real-time mode only the field:value subset is evaluated inline.
type EventDef struct {
	ID    string `yaml:"id" json:"id"`
	Query string `yaml:"query" json:"query"`
}

// Threshold is a count requirement on one event id. Event is empty for
// pattern types with a single implicit event (aggregation, spike).
type Threshold struct {
	Event string
	Op    string
	Value int
}

// thresholdDoc is the on-disk shape: the count requirement is written
// as a single string like ">= 5".
type thresholdDoc struct {
	Event     string `yaml:"event"`
	Threshold string `yaml:"threshold"`
}

// UnmarshalYAML parses the {event, threshold: ">= 5"} document form.
func (t *Threshold) UnmarshalYAML(value *yaml.Node) error {
	var doc thresholdDoc
	if err := value.Decode(&doc); err != nil {
		return err
	}
	op, n, err := ParseThreshold(doc.Threshold)
	if err != nil {
		return err
	}
	t.Event = doc.Event
	t.Op = op
	t.Value = n
	return nil
}

// MarshalYAML renders back to the document form.
func (t Threshold) MarshalYAML() (any, error) {
	return thresholdDoc{Event: t.Event, Threshold: fmt.Sprintf("%s %d", t.Op, t.Value)}, nil
}

// Satisfied reports whether a count meets the threshold.
func (t Threshold) Satisfied(count int) bool {
	switch t.Op {
	case ">=":
		return count >= t.Value
	case ">":
		return count > t.Value
	case "<=":
		return count <= t.Value
	case "<":
		return count < t.Value
	case "==":
		return count == t.Value
	default:
		return false
	}
}

// Rule is a correlation rule definition.
type Rule struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Level       string `yaml:"level,omitempty" json:"level,omitempty"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Realtime    bool   `yaml:"realtime" json:"realtime"`

	PatternType PatternType `yaml:"pattern_type" json:"pattern_type"`
	Window      string      `yaml:"window" json:"window"`

	Events        []EventDef  `yaml:"events,omitempty" json:"events,omitempty"`
	JoinOn        []string    `yaml:"join_on,omitempty" json:"join_on,omitempty"`
	SequenceOrder []string    `yaml:"sequence_order,omitempty" json:"sequence_order,omitempty"`
	Thresholds    []Threshold `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`

	Lookback       string   `yaml:"lookback,omitempty" json:"lookback,omitempty"`
	BaselineWindow string   `yaml:"baseline_window,omitempty" json:"baseline_window,omitempty"`
	SpikeFactor    float64  `yaml:"spike_factor,omitempty" json:"spike_factor,omitempty"`
	GroupBy        []string `yaml:"group_by,omitempty" json:"group_by,omitempty"`

	// Routing hints consumed by the real-time processor.
	Indices     []string `yaml:"indices,omitempty" json:"indices,omitempty"`
	DataSources []string `yaml:"data_sources,omitempty" json:"data_sources,omitempty"`

	MitreTactics    []string `yaml:"mitre_tactics,omitempty" json:"mitre_tactics,omitempty"`
	MitreTechniques []string `yaml:"mitre_techniques,omitempty" json:"mitre_techniques,omitempty"`
	Tags            []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	window   time.Duration
	lookback time.Duration
	baseline time.Duration
}

// ParseRule decodes and validates a YAML rule document.
func ParseRule(data []byte) (*Rule, error) {
	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to parse correlation rule: %w", err)
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return &rule, nil
}

// Validate checks structural requirements and parses the duration
// fields. It must be called before a rule is evaluated.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("correlation rule missing id")
	}
	if r.Title == "" {
		return fmt.Errorf("correlation rule %s missing title", r.ID)
	}

	var err error
	if r.window, err = ParseWindow(r.Window); err != nil {
		return fmt.Errorf("rule %s window: %w", r.ID, err)
	}
	if r.Lookback != "" {
		if r.lookback, err = ParseWindow(r.Lookback); err != nil {
			return fmt.Errorf("rule %s lookback: %w", r.ID, err)
		}
	}
	if r.BaselineWindow != "" {
		if r.baseline, err = ParseWindow(r.BaselineWindow); err != nil {
			return fmt.Errorf("rule %s baseline_window: %w", r.ID, err)
		}
	}

	eventIDs := make(map[string]bool, len(r.Events))
	for _, def := range r.Events {
		if def.ID == "" || def.Query == "" {
			return fmt.Errorf("rule %s: event definitions need id and query", r.ID)
		}
		if eventIDs[def.ID] {
			return fmt.Errorf("rule %s: duplicate event id %q", r.ID, def.ID)
		}
		eventIDs[def.ID] = true
	}
	for _, th := range r.Thresholds {
		if th.Event != "" && !eventIDs[th.Event] {
			return fmt.Errorf("rule %s: threshold references unknown event %q", r.ID, th.Event)
		}
	}

	switch r.PatternType {
	case PatternSequence:
		if len(r.Events) == 0 {
			return fmt.Errorf("rule %s: sequence needs at least one event definition", r.ID)
		}
		if len(r.SequenceOrder) == 0 {
			return fmt.Errorf("rule %s: sequence needs sequence_order", r.ID)
		}
		for _, id := range r.SequenceOrder {
			if !eventIDs[id] {
				return fmt.Errorf("rule %s: sequence_order references unknown event %q", r.ID, id)
			}
		}
		if len(r.JoinOn) == 0 {
			return fmt.Errorf("rule %s: sequence needs join_on", r.ID)
		}
	case PatternTemporalJoin:
		if len(r.Events) != 2 {
			return fmt.Errorf("rule %s: temporal_join needs exactly two event definitions, got %d", r.ID, len(r.Events))
		}
		if len(r.JoinOn) == 0 {
			return fmt.Errorf("rule %s: temporal_join needs join_on", r.ID)
		}
	case PatternAggregation:
		if len(r.Events) != 1 {
			return fmt.Errorf("rule %s: aggregation needs exactly one event definition", r.ID)
		}
		if len(r.Thresholds) != 1 {
			return fmt.Errorf("rule %s: aggregation needs exactly one threshold", r.ID)
		}
	case PatternSpike:
		if len(r.Events) != 1 {
			return fmt.Errorf("rule %s: spike needs exactly one event definition", r.ID)
		}
		if r.BaselineWindow == "" {
			return fmt.Errorf("rule %s: spike needs baseline_window", r.ID)
		}
		if r.SpikeFactor <= 0 {
			return fmt.Errorf("rule %s: spike needs a positive spike_factor", r.ID)
		}
	default:
		return fmt.Errorf("rule %s: unknown pattern_type %q", r.ID, r.PatternType)
	}
	return nil
}

// WindowDuration returns the parsed window. Validate must have
// succeeded first.
func (r *Rule) WindowDuration() time.Duration { return r.window }

// LookbackDuration returns the parsed lookback, zero when unset.
func (r *Rule) LookbackDuration() time.Duration { return r.lookback }

// BaselineDuration returns the parsed baseline window, zero when unset.
func (r *Rule) BaselineDuration() time.Duration { return r.baseline }

// thresholdFor returns the threshold bound to an event id, or the
// implicit count >= 1 when the rule declares none for it.
func (r *Rule) thresholdFor(eventID string) Threshold {
	for _, th := range r.Thresholds {
		if th.Event == eventID {
			return th
		}
	}
	return Threshold{Event: eventID, Op: ">=", Value: 1}
}

// Severity maps the rule level to the 0-100 event severity scale.
func (r *Rule) Severity() int {
	switch r.Level {
	case "informational":
		return 10
	case "low":
		return 30
	case "high":
		return 70
	case "critical":
		return 90
	default:
		return 50
	}
}
