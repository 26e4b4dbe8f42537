package processor

import (
	"context"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/eleanor-dfir/eleanor/pkg/correlation"
	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// SimpleRule is a real-time detection with a single inline query in
// the field:value subset. Rules whose queries are more complex belong
// in the Sigma engine or the batch correlation path.
type SimpleRule struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Level       string `json:"level,omitempty"`
	Query       string `json:"query"`
	Enabled     bool   `json:"enabled"`

	Indices     []string `json:"indices,omitempty"`
	DataSources []string `json:"data_sources,omitempty"`

	MitreTactics    []string `json:"mitre_tactics,omitempty"`
	MitreTechniques []string `json:"mitre_techniques,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// RuleSource supplies the enabled rule sets and records hits.
type RuleSource interface {
	SimpleRules(ctx context.Context) ([]*SimpleRule, error)
	CorrelationRules(ctx context.Context) ([]*correlation.Rule, error)
	IncrementHitCount(ctx context.Context, ruleID string) error
}

// AlertStore persists generated alerts.
type AlertStore interface {
	Create(ctx context.Context, alert *models.Alert) error
}

// eventIndex derives the logical index name an event belongs to, the
// identifier rule indices[] globs are matched against.
func eventIndex(ev *models.NormalizedEvent) string {
	st := ev.SourceType
	if st == "" {
		st = "unknown"
	}
	return "events-" + strings.ReplaceAll(st, ":", "-")
}

// globCache compiles and caches index glob patterns.
type globCache struct {
	mu    sync.Mutex
	globs map[string]glob.Glob
}

func newGlobCache() *globCache {
	return &globCache{globs: make(map[string]glob.Glob)}
}

func (c *globCache) match(pattern, s string) bool {
	c.mu.Lock()
	g, ok := c.globs[pattern]
	if !ok {
		var err error
		g, err = glob.Compile(pattern)
		if err != nil {
			c.mu.Unlock()
			return false
		}
		c.globs[pattern] = g
	}
	c.mu.Unlock()
	return g.Match(s)
}

// routes reports whether a rule's indices and data_sources accept the
// event. Empty indices match everything; data_sources, when set, must
// list the event's source module exactly.
func (c *globCache) routes(indices, dataSources []string, ev *models.NormalizedEvent) bool {
	if len(indices) > 0 {
		idx := eventIndex(ev)
		matched := false
		for _, pattern := range indices {
			if c.match(pattern, idx) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(dataSources) > 0 {
		found := false
		for _, ds := range dataSources {
			if ds == ev.SourceType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// severityLabel normalizes a rule level to an alert severity string.
func severityLabel(level string) string {
	switch level {
	case "informational", "low", "medium", "high", "critical":
		return level
	default:
		return "medium"
	}
}
