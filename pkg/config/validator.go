package config

import "fmt"

// Validator performs validation on loaded configuration
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll validates every configuration section and returns the
// first error found.
func (v *Validator) ValidateAll() error {
	if err := v.validateRedis(); err != nil {
		return err
	}
	if err := v.validateProcessor(); err != nil {
		return err
	}
	if err := v.validateEvidence(); err != nil {
		return err
	}
	if err := v.validatePlaybooks(); err != nil {
		return err
	}
	if err := v.validateRetention(); err != nil {
		return err
	}
	if err := v.validateNotifications(); err != nil {
		return err
	}
	return v.validateConnectors()
}

func (v *Validator) validateRedis() error {
	r := v.cfg.Redis
	if r.Addr == "" {
		return NewValidationError("redis", "", "addr", ErrMissingRequiredField)
	}
	if r.DB < 0 {
		return NewValidationError("redis", "", "db",
			fmt.Errorf("%w: must be >= 0, got %d", ErrInvalidValue, r.DB))
	}
	return nil
}

func (v *Validator) validateProcessor() error {
	p := v.cfg.Processor
	if p.WorkerCount <= 0 {
		return NewValidationError("processor", "", "worker_count",
			fmt.Errorf("%w: must be > 0, got %d", ErrInvalidValue, p.WorkerCount))
	}
	if p.BatchSize <= 0 {
		return NewValidationError("processor", "", "batch_size",
			fmt.Errorf("%w: must be > 0, got %d", ErrInvalidValue, p.BatchSize))
	}
	if p.RetryMax <= 0 {
		return NewValidationError("processor", "", "retry_max",
			fmt.Errorf("%w: must be > 0, got %d", ErrInvalidValue, p.RetryMax))
	}
	if p.Group == "" {
		return NewValidationError("processor", "", "group", ErrMissingRequiredField)
	}
	if p.BatchInterval < 0 {
		return NewValidationError("processor", "", "batch_interval",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateEvidence() error {
	if v.cfg.Evidence.Root == "" {
		return NewValidationError("evidence", "", "root", ErrMissingRequiredField)
	}
	return nil
}

func (v *Validator) validatePlaybooks() error {
	if v.cfg.Playbooks.ApprovalSweepInterval <= 0 {
		return NewValidationError("playbooks", "", "approval_sweep_interval",
			fmt.Errorf("%w: must be > 0", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateRetention() error {
	r := v.cfg.Retention
	if r.AlertRetentionDays <= 0 {
		return NewValidationError("retention", "", "alert_retention_days",
			fmt.Errorf("%w: must be > 0, got %d", ErrInvalidValue, r.AlertRetentionDays))
	}
	if r.CleanupInterval <= 0 {
		return NewValidationError("retention", "", "cleanup_interval",
			fmt.Errorf("%w: must be > 0", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateNotifications() error {
	n := v.cfg.Notifications
	if n.Group == "" {
		return NewValidationError("notifications", "", "group", ErrMissingRequiredField)
	}
	if n.Slack.Channel != "" && n.Slack.TokenEnv == "" {
		return NewValidationError("notifications", "slack", "token_env", ErrMissingRequiredField)
	}
	return nil
}

func (v *Validator) validateConnectors() error {
	seen := make(map[string]bool)
	for i := range v.cfg.Connectors {
		c := &v.cfg.Connectors[i]
		if c.Name == "" {
			return NewValidationError("connector", fmt.Sprintf("#%d", i), "name", ErrMissingRequiredField)
		}
		if seen[c.Name] {
			return NewValidationError("connector", c.Name, "name",
				fmt.Errorf("%w: duplicate connector name", ErrInvalidValue))
		}
		seen[c.Name] = true

		if c.SourceType == "" {
			return NewValidationError("connector", c.Name, "source_type", ErrMissingRequiredField)
		}

		switch c.Type {
		case ConnectorTypeStreaming:
			if c.QueueSize < 0 {
				return NewValidationError("connector", c.Name, "queue_size",
					fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
			}
		case ConnectorTypePolling:
			if c.WatchDir == "" {
				return NewValidationError("connector", c.Name, "watch_dir", ErrMissingRequiredField)
			}
			if c.PollInterval <= 0 {
				return NewValidationError("connector", c.Name, "poll_interval",
					fmt.Errorf("%w: must be > 0 for polling connectors", ErrInvalidValue))
			}
			if c.MaxBackoff < 0 || (c.MaxBackoff > 0 && c.MaxBackoff < c.PollInterval) {
				return NewValidationError("connector", c.Name, "max_backoff",
					fmt.Errorf("%w: must be >= poll_interval (%s)", ErrInvalidValue, c.PollInterval))
			}
		default:
			return NewValidationError("connector", c.Name, "type",
				fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidValue, c.Type,
					ConnectorTypeStreaming, ConnectorTypePolling))
		}
	}
	return nil
}
