// Package sigma loads and evaluates Sigma detection rules against
// normalized events.
package sigma

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Rule levels in ascending order of severity.
const (
	LevelInformational = "informational"
	LevelLow           = "low"
	LevelMedium        = "medium"
	LevelHigh          = "high"
	LevelCritical      = "critical"
)

// Rule is one parsed Sigma rule.
type Rule struct {
	ID             string    `yaml:"id"`
	Title          string    `yaml:"title"`
	Status         string    `yaml:"status,omitempty"`
	Description    string    `yaml:"description,omitempty"`
	Author         string    `yaml:"author,omitempty"`
	References     []string  `yaml:"references,omitempty"`
	Tags           []string  `yaml:"tags,omitempty"`
	LogSource      LogSource `yaml:"logsource"`
	Detection      Detection `yaml:"detection"`
	Fields         []string  `yaml:"fields,omitempty"`
	FalsePositives []string  `yaml:"falsepositives,omitempty"`
	Level          string    `yaml:"level,omitempty"`
}

// LogSource scopes a rule to a product/category/service.
type LogSource struct {
	Product  string `yaml:"product,omitempty"`
	Category string `yaml:"category,omitempty"`
	Service  string `yaml:"service,omitempty"`
}

// Detection is the named selections plus the condition expression over
// them. Each selection is either a field→pattern map (AND over clauses)
// or a list of such maps (OR over list items).
type Detection struct {
	Condition  string
	Selections map[string]any
}

// UnmarshalYAML splits the condition key out of the detection mapping.
func (d *Detection) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	cond, ok := raw["condition"].(string)
	if !ok {
		return fmt.Errorf("detection: missing or non-string condition")
	}
	delete(raw, "condition")
	if len(raw) == 0 {
		return fmt.Errorf("detection: no selections")
	}
	d.Condition = cond
	d.Selections = raw
	return nil
}

// MarshalYAML reassembles the detection mapping with its condition.
func (d Detection) MarshalYAML() (any, error) {
	out := make(map[string]any, len(d.Selections)+1)
	for k, v := range d.Selections {
		out[k] = v
	}
	out["condition"] = d.Condition
	return out, nil
}

// SelectionNames returns the selection block names.
func (d Detection) SelectionNames() []string {
	names := make([]string, 0, len(d.Selections))
	for name := range d.Selections {
		names = append(names, name)
	}
	return names
}

// ParseRule parses one YAML document into a validated rule.
func ParseRule(data []byte) (*Rule, error) {
	var r Rule
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing sigma rule: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks the structural requirements of a rule.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("sigma rule: missing id")
	}
	if r.Title == "" {
		return fmt.Errorf("sigma rule %s: missing title", r.ID)
	}
	if len(r.Detection.Selections) == 0 {
		return fmt.Errorf("sigma rule %s: detection has no selections", r.ID)
	}
	switch r.Level {
	case "", LevelInformational, LevelLow, LevelMedium, LevelHigh, LevelCritical:
	default:
		return fmt.Errorf("sigma rule %s: unknown level %q", r.ID, r.Level)
	}
	// Compile the condition now so a broken expression fails at load
	// time, not per event.
	if _, err := parseCondition(r.Detection.Condition); err != nil {
		return fmt.Errorf("sigma rule %s: %w", r.ID, err)
	}
	return nil
}

// ToYAML renders the rule back to YAML.
func (r *Rule) ToYAML() ([]byte, error) {
	return yaml.Marshal(r)
}

// Severity maps the rule level onto the 0–100 event severity scale.
func (r *Rule) Severity() int {
	switch r.Level {
	case LevelCritical:
		return 90
	case LevelHigh:
		return 70
	case LevelMedium:
		return 50
	case LevelLow:
		return 30
	case LevelInformational:
		return 10
	default:
		return 50
	}
}
