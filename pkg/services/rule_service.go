package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/eleanor-dfir/eleanor/pkg/correlation"
	"github.com/eleanor-dfir/eleanor/pkg/processor"
)

// RuleService persists detection rules: simple real-time rules in the
// sigma_rules table, correlation rules as their YAML documents in
// correlation_rules.
type RuleService struct {
	pool *pgxpool.Pool
}

// NewRuleService creates a rule service on an existing pool.
func NewRuleService(pool *pgxpool.Pool) *RuleService {
	return &RuleService{pool: pool}
}

// SaveSimpleRule upserts a simple detection rule.
func (s *RuleService) SaveSimpleRule(ctx context.Context, rule *processor.SimpleRule) error {
	if rule.ID == "" {
		return NewValidationError("id", "is required")
	}
	if rule.Title == "" {
		return NewValidationError("title", "is required")
	}
	if rule.Query == "" {
		return NewValidationError("query", "is required")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sigma_rules (id, title, description, level, query, enabled,
			indices, data_sources, mitre_tactics, mitre_techniques, tags, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, description = EXCLUDED.description,
			level = EXCLUDED.level, query = EXCLUDED.query, enabled = EXCLUDED.enabled,
			indices = EXCLUDED.indices, data_sources = EXCLUDED.data_sources,
			mitre_tactics = EXCLUDED.mitre_tactics, mitre_techniques = EXCLUDED.mitre_techniques,
			tags = EXCLUDED.tags, updated_at = EXCLUDED.updated_at`,
		rule.ID, rule.Title, rule.Description, rule.Level, rule.Query, rule.Enabled,
		rule.Indices, rule.DataSources, rule.MitreTactics, rule.MitreTechniques,
		rule.Tags, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

// SimpleRules returns every stored simple rule.
func (s *RuleService) SimpleRules(ctx context.Context) ([]*processor.SimpleRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, description, level, query, enabled,
			indices, data_sources, mitre_tactics, mitre_techniques, tags
		FROM sigma_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []*processor.SimpleRule
	for rows.Next() {
		var rule processor.SimpleRule
		if err := rows.Scan(&rule.ID, &rule.Title, &rule.Description, &rule.Level,
			&rule.Query, &rule.Enabled, &rule.Indices, &rule.DataSources,
			&rule.MitreTactics, &rule.MitreTechniques, &rule.Tags); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, &rule)
	}
	return out, rows.Err()
}

// SaveCorrelationRule validates and upserts a correlation rule, storing
// its YAML document form.
func (s *RuleService) SaveCorrelationRule(ctx context.Context, rule *correlation.Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	doc, err := yaml.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to encode correlation rule: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO correlation_rules (id, title, enabled, document, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, enabled = EXCLUDED.enabled,
			document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
		rule.ID, rule.Title, rule.Enabled, string(doc), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save correlation rule: %w", err)
	}
	return nil
}

// CorrelationRules returns every stored correlation rule, re-parsed and
// re-validated from its document.
func (s *RuleService) CorrelationRules(ctx context.Context) ([]*correlation.Rule, error) {
	rows, err := s.pool.Query(ctx, `SELECT document FROM correlation_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlation rules: %w", err)
	}
	defer rows.Close()

	var out []*correlation.Rule
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan correlation rule: %w", err)
		}
		rule, err := correlation.ParseRule([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// IncrementHitCount bumps the hit counter of whichever rule table holds
// the id.
func (s *RuleService) IncrementHitCount(ctx context.Context, ruleID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sigma_rules SET hit_count = hit_count + 1 WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to increment hit count: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	tag, err = s.pool.Exec(ctx,
		`UPDATE correlation_rules SET hit_count = hit_count + 1 WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to increment hit count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: rule %s", ErrNotFound, ruleID)
	}
	return nil
}

// MemoryRuleService is an in-process rule source for tests and
// single-node use.
type MemoryRuleService struct {
	mu          sync.Mutex
	simple      map[string]*processor.SimpleRule
	correlation map[string]*correlation.Rule
	hits        map[string]int
}

// NewMemoryRuleService creates an empty store.
func NewMemoryRuleService() *MemoryRuleService {
	return &MemoryRuleService{
		simple:      make(map[string]*processor.SimpleRule),
		correlation: make(map[string]*correlation.Rule),
		hits:        make(map[string]int),
	}
}

func (s *MemoryRuleService) SaveSimpleRule(_ context.Context, rule *processor.SimpleRule) error {
	if rule.ID == "" {
		return NewValidationError("id", "is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rule
	s.simple[rule.ID] = &clone
	return nil
}

func (s *MemoryRuleService) SimpleRules(_ context.Context) ([]*processor.SimpleRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*processor.SimpleRule, 0, len(s.simple))
	for _, rule := range s.simple {
		clone := *rule
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryRuleService) SaveCorrelationRule(_ context.Context, rule *correlation.Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.correlation[rule.ID] = rule
	return nil
}

func (s *MemoryRuleService) CorrelationRules(_ context.Context) ([]*correlation.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*correlation.Rule, 0, len(s.correlation))
	for _, rule := range s.correlation {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryRuleService) IncrementHitCount(_ context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.simple[ruleID]; !ok {
		if _, ok := s.correlation[ruleID]; !ok {
			return fmt.Errorf("%w: rule %s", ErrNotFound, ruleID)
		}
	}
	s.hits[ruleID]++
	return nil
}

// HitCount returns the recorded hits for a rule.
func (s *MemoryRuleService) HitCount(ruleID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[ruleID]
}
