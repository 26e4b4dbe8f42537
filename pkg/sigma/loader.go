package sigma

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// RuleSet holds loaded rules by id. Rules that later fail to evaluate
// are marked errored and excluded from Active until reloaded.
type RuleSet struct {
	mu      sync.RWMutex
	rules   map[string]*Rule
	errored map[string]error
}

// NewRuleSet creates an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{
		rules:   make(map[string]*Rule),
		errored: make(map[string]error),
	}
}

// Add inserts a rule. Duplicate ids are rejected.
func (s *RuleSet) Add(r *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; ok {
		return fmt.Errorf("duplicate sigma rule id %s", r.ID)
	}
	s.rules[r.ID] = r
	return nil
}

// Get returns a rule by id.
func (s *RuleSet) Get(id string) (*Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	return r, ok
}

// Len returns the number of loaded rules, errored included.
func (s *RuleSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// Active returns the evaluable rules in stable id order.
func (s *RuleSet) Active() []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Rule, 0, len(s.rules))
	for id, r := range s.rules {
		if _, bad := s.errored[id]; !bad {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkErrored excludes a rule from evaluation after a runtime failure.
// Other rules continue unaffected.
func (s *RuleSet) MarkErrored(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return
	}
	s.errored[id] = err
	slog.Warn("Sigma rule excluded after evaluation error", "rule_id", id, "error", err)
}

// Errored returns the ids of excluded rules and their errors.
func (s *RuleSet) Errored() map[string]error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]error, len(s.errored))
	for k, v := range s.errored {
		out[k] = v
	}
	return out
}

// LoadDir walks a directory tree of .yml/.yaml rule files into a rule
// set. Files that fail to parse are logged and skipped; a duplicate id
// fails the load.
func LoadDir(dir string) (*RuleSet, error) {
	set := NewRuleSet()
	skipped := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yml" && ext != ".yaml" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		rule, err := ParseRule(data)
		if err != nil {
			skipped++
			slog.Warn("Skipping unparsable sigma rule", "file", path, "error", err)
			return nil
		}
		if err := set.Add(rule); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Sigma rules loaded", "dir", dir, "rules", set.Len(), "skipped", skipped)
	return set, nil
}
