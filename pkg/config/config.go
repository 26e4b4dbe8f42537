package config

import "time"

// Config is the umbrella configuration object returned by Initialize()
// and used throughout the application. Every section is non-nil after a
// successful load.
type Config struct {
	configDir string // Configuration directory path (for reference)

	Redis         *RedisConfig
	Processor     *ProcessorConfig
	Evidence      *EvidenceConfig
	Rules         *RulesConfig
	Playbooks     *PlaybookConfig
	Retention     *RetentionConfig
	Notifications *NotificationsConfig
	Connectors    []ConnectorConfig
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// RedisConfig holds the event buffer connection settings. The password
// is resolved from the environment variable named by password_env so it
// never appears in the YAML file itself.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`

	// Password is resolved from PasswordEnv during load, never from YAML.
	Password string `yaml:"-"`
}

// ProcessorConfig controls the ingest worker pool.
type ProcessorConfig struct {
	// PodID identifies this replica in consumer names and claims.
	PodID string `yaml:"pod_id"`

	// WorkerCount is the number of consume loops per replica.
	WorkerCount int `yaml:"worker_count"`

	// Group is the consumer group shared by all replicas.
	Group string `yaml:"group"`

	// BatchSize is the maximum messages one consume call returns.
	BatchSize int64 `yaml:"batch_size"`

	// RetryMax is the delivery count after which a failing message is
	// moved to the DLQ.
	RetryMax int64 `yaml:"retry_max"`

	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	RecoveryMinIdle  time.Duration `yaml:"recovery_min_idle"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`

	// BatchInterval drives periodic batch correlation. Zero disables it.
	BatchInterval time.Duration `yaml:"batch_interval"`
}

// EvidenceConfig locates the content-addressed evidence store.
type EvidenceConfig struct {
	// Root is the directory holding objects, key records, and scratch
	// space. Created on startup if absent.
	Root string `yaml:"root"`
}

// RulesConfig locates the on-disk rule sets loaded at startup.
type RulesConfig struct {
	// SimpleDir holds one YAML file per simple detection rule.
	SimpleDir string `yaml:"simple_dir"`

	// CorrelationDir holds one YAML document per correlation rule.
	CorrelationDir string `yaml:"correlation_dir"`
}

// PlaybookConfig controls response automation behavior.
type PlaybookConfig struct {
	// ApprovalSweepInterval is how often pending approvals are checked
	// for expiry. Expired approvals deny their executions.
	ApprovalSweepInterval time.Duration `yaml:"approval_sweep_interval"`
}

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// AlertRetentionDays is how many days to keep closed alerts before
	// deleting them.
	AlertRetentionDays int `yaml:"alert_retention_days"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// NotificationsConfig controls alert fan-out to external channels.
type NotificationsConfig struct {
	// Group is the alerts-stream consumer group shared by all
	// dispatcher replicas.
	Group string `yaml:"group"`

	Slack SlackNotifierConfig `yaml:"slack"`
}

// SlackNotifierConfig configures Slack alert delivery. The bot token
// comes from the environment variable named by token_env; an empty
// channel leaves Slack disabled.
type SlackNotifierConfig struct {
	TokenEnv   string `yaml:"token_env"`
	Channel    string `yaml:"channel"`
	ConsoleURL string `yaml:"console_url"`

	// Token is resolved from TokenEnv during load, never from YAML.
	Token string `yaml:"-"`
}

// ConnectorType selects the ingestion model of a configured connector.
type ConnectorType string

const (
	ConnectorTypeStreaming ConnectorType = "streaming"
	ConnectorTypePolling   ConnectorType = "polling"
)

// ConnectorConfig declares one ingestion connector. Streaming
// connectors accept pushed events; polling connectors fetch on an
// interval.
type ConnectorConfig struct {
	Name       string        `yaml:"name"`
	Type       ConnectorType `yaml:"type"`
	SourceType string        `yaml:"source_type"`

	// QueueSize bounds a streaming connector's in-flight buffer.
	QueueSize int `yaml:"queue_size"`

	// WatchDir is the spool directory a polling connector ingests
	// files from.
	WatchDir string `yaml:"watch_dir"`

	// PollInterval and MaxBackoff apply to polling connectors only.
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`

	IncludePatterns []string `yaml:"include_patterns"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
}
