package services

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/eleanor-dfir/eleanor/pkg/correlation"
	"github.com/eleanor-dfir/eleanor/pkg/processor"
	"github.com/eleanor-dfir/eleanor/pkg/sigma"
)

// RuleStore is the subset of the rule service the directory sync needs.
type RuleStore interface {
	SaveSimpleRule(ctx context.Context, rule *processor.SimpleRule) error
	SaveCorrelationRule(ctx context.Context, rule *correlation.Rule) error
}

// SyncSimpleRules loads the sigma rule directory into the store,
// converting each rule's detection to the realtime query form. Rules
// whose condition cannot be rendered are logged and skipped so one bad
// file never blocks startup. A missing directory is not an error.
func SyncSimpleRules(ctx context.Context, store RuleStore, dir string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return 0, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Warn("Sigma rule directory does not exist, skipping", "dir", dir)
		return 0, nil
	}

	set, err := sigma.LoadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to load sigma rules: %w", err)
	}

	synced := 0
	for _, rule := range set.Active() {
		simple, err := SimpleRuleFromSigma(rule)
		if err != nil {
			logger.Warn("Skipping sigma rule with unconvertible condition",
				"rule_id", rule.ID, "error", err)
			continue
		}
		if err := store.SaveSimpleRule(ctx, simple); err != nil {
			return synced, fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
		}
		synced++
	}
	logger.Info("Synced sigma rules", "dir", dir, "count", synced)
	return synced, nil
}

// SyncCorrelationRules loads the correlation rule directory into the
// store. Parse failures are logged and skipped; a missing directory is
// not an error.
func SyncCorrelationRules(ctx context.Context, store RuleStore, dir string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return 0, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Warn("Correlation rule directory does not exist, skipping", "dir", dir)
		return 0, nil
	}

	synced := 0
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
		rule, err := correlation.ParseRule(data)
		if err != nil {
			logger.Warn("Skipping unparsable correlation rule", "file", path, "error", err)
			return nil
		}
		if err := store.SaveCorrelationRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
		}
		synced++
		return nil
	})
	if err != nil {
		return synced, err
	}
	logger.Info("Synced correlation rules", "dir", dir, "count", synced)
	return synced, nil
}

// SimpleRuleFromSigma converts a sigma rule into the realtime rule
// shape. The detection is rendered to a query string; MITRE tactics and
// techniques are pulled from `attack.*` tags by convention.
func SimpleRuleFromSigma(rule *sigma.Rule) (*processor.SimpleRule, error) {
	query, err := sigma.ConvertToLucene(rule)
	if err != nil {
		return nil, err
	}

	tactics, techniques := mitreFromTags(rule.Tags)
	enabled := !strings.EqualFold(rule.Status, "deprecated") &&
		!strings.EqualFold(rule.Status, "unsupported")

	return &processor.SimpleRule{
		ID:              rule.ID,
		Title:           rule.Title,
		Description:     rule.Description,
		Level:           rule.Level,
		Query:           query,
		Enabled:         enabled,
		Tags:            rule.Tags,
		MitreTactics:    tactics,
		MitreTechniques: techniques,
	}, nil
}

// mitreFromTags splits `attack.*` tags into tactics and techniques.
// Technique tags start with t followed by digits (attack.t1059.001);
// everything else under attack. is a tactic (attack.execution).
func mitreFromTags(tags []string) (tactics, techniques []string) {
	for _, tag := range tags {
		rest, ok := strings.CutPrefix(strings.ToLower(tag), "attack.")
		if !ok {
			continue
		}
		if isTechniqueTag(rest) {
			techniques = append(techniques, strings.ToUpper(rest))
			continue
		}
		tactics = append(tactics, rest)
	}
	return tactics, techniques
}

func isTechniqueTag(s string) bool {
	if len(s) < 2 || (s[0] != 't' && s[0] != 'T') {
		return false
	}
	for _, r := range s[1:] {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}
