package config

import "time"

// DefaultRedisConfig returns the built-in buffer defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:        "localhost:6379",
		PasswordEnv: "REDIS_PASSWORD",
		DB:          0,
	}
}

// DefaultProcessorConfig returns the built-in worker pool defaults.
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		PodID:            "eleanor",
		WorkerCount:      4,
		Group:            "processors",
		BatchSize:        10,
		RetryMax:         3,
		RecoveryInterval: 30 * time.Second,
		RecoveryMinIdle:  60 * time.Second,
		CleanupInterval:  60 * time.Second,
	}
}

// DefaultEvidenceConfig returns the built-in evidence store defaults.
func DefaultEvidenceConfig() *EvidenceConfig {
	return &EvidenceConfig{
		Root: "/var/lib/eleanor/evidence",
	}
}

// DefaultRulesConfig returns the built-in rule directory defaults.
func DefaultRulesConfig() *RulesConfig {
	return &RulesConfig{
		SimpleDir:      "rules/simple",
		CorrelationDir: "rules/correlation",
	}
}

// DefaultPlaybookConfig returns the built-in playbook defaults.
func DefaultPlaybookConfig() *PlaybookConfig {
	return &PlaybookConfig{
		ApprovalSweepInterval: 1 * time.Minute,
	}
}

// DefaultNotificationsConfig returns the built-in notification
// defaults. Slack stays disabled until a channel is configured.
func DefaultNotificationsConfig() *NotificationsConfig {
	return &NotificationsConfig{
		Group: "notifiers",
		Slack: SlackNotifierConfig{
			TokenEnv: "SLACK_BOT_TOKEN",
		},
	}
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		AlertRetentionDays: 90,
		CleanupInterval:    12 * time.Hour,
	}
}
