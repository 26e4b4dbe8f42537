package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "eleanor.yaml"), []byte(content), 0o644))
	return dir
}

func TestInitializeAppliesDefaults(t *testing.T) {
	dir := writeConfig(t, `
redis:
  addr: "redis.internal:6379"
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 4, cfg.Processor.WorkerCount)
	assert.Equal(t, "processors", cfg.Processor.Group)
	assert.Equal(t, int64(10), cfg.Processor.BatchSize)
	assert.Equal(t, "/var/lib/eleanor/evidence", cfg.Evidence.Root)
	assert.Equal(t, 1*time.Minute, cfg.Playbooks.ApprovalSweepInterval)
	assert.Equal(t, 90, cfg.Retention.AlertRetentionDays)
	assert.Equal(t, dir, cfg.ConfigDir())
}

func TestInitializeMergesOverDefaults(t *testing.T) {
	dir := writeConfig(t, `
processor:
  worker_count: 8
  batch_interval: 5m
retention:
  alert_retention_days: 30
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Processor.WorkerCount)
	assert.Equal(t, 5*time.Minute, cfg.Processor.BatchInterval)
	// Unset fields keep their defaults.
	assert.Equal(t, int64(3), cfg.Processor.RetryMax)
	assert.Equal(t, 30, cfg.Retention.AlertRetentionDays)
	assert.Equal(t, 12*time.Hour, cfg.Retention.CleanupInterval)
}

func TestInitializeResolvesRedisPassword(t *testing.T) {
	t.Setenv("ELEANOR_TEST_REDIS_PW", "s3cret$")
	dir := writeConfig(t, `
redis:
  addr: "localhost:6379"
  password_env: "ELEANOR_TEST_REDIS_PW"
  db: 2
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "s3cret$", cfg.Redis.Password)
	assert.Equal(t, 2, cfg.Redis.DB)
}

func TestInitializeExpandsEnvTemplates(t *testing.T) {
	t.Setenv("ELEANOR_TEST_EVIDENCE_ROOT", "/srv/evidence")
	dir := writeConfig(t, `
evidence:
  root: "{{.ELEANOR_TEST_EVIDENCE_ROOT}}"
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "/srv/evidence", cfg.Evidence.Root)
}

func TestInitializeResolvesSlackToken(t *testing.T) {
	t.Setenv("ELEANOR_TEST_SLACK_TOKEN", "xoxb-abc123")
	dir := writeConfig(t, `
notifications:
  slack:
    token_env: "ELEANOR_TEST_SLACK_TOKEN"
    channel: "C0INCIDENTS"
    console_url: "https://eleanor.internal"
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "notifiers", cfg.Notifications.Group)
	assert.Equal(t, "xoxb-abc123", cfg.Notifications.Slack.Token)
	assert.Equal(t, "C0INCIDENTS", cfg.Notifications.Slack.Channel)
	assert.Equal(t, "https://eleanor.internal", cfg.Notifications.Slack.ConsoleURL)
}

func TestInitializeSlackDisabledByDefault(t *testing.T) {
	dir := writeConfig(t, `
redis:
  addr: "localhost:6379"
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "SLACK_BOT_TOKEN", cfg.Notifications.Slack.TokenEnv)
	assert.Empty(t, cfg.Notifications.Slack.Channel)
}

func TestInitializeMissingFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "eleanor.yaml", loadErr.File)
}

func TestInitializeInvalidYAML(t *testing.T) {
	dir := writeConfig(t, "redis: [broken")
	_, err := Initialize(context.Background(), dir)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeValidatesConnectors(t *testing.T) {
	dir := writeConfig(t, `
connectors:
  - name: "edr"
    type: "polling"
    source_type: "edr:crowdstrike"
    watch_dir: "/var/spool/edr"
`)
	_, err := Initialize(context.Background(), dir)
	require.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "poll_interval")
}

func TestInitializeRejectsDuplicateConnectorNames(t *testing.T) {
	dir := writeConfig(t, `
connectors:
  - name: "syslog"
    type: "streaming"
    source_type: "network:syslog"
  - name: "syslog"
    type: "streaming"
    source_type: "network:syslog"
`)
	_, err := Initialize(context.Background(), dir)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestInitializeRejectsUnknownConnectorType(t *testing.T) {
	dir := writeConfig(t, `
connectors:
  - name: "edr"
    type: "webhook"
    source_type: "edr:crowdstrike"
`)
	_, err := Initialize(context.Background(), dir)
	require.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "type")
}

func TestConnectorConfigParsing(t *testing.T) {
	dir := writeConfig(t, `
connectors:
  - name: "fs-poll"
    type: "polling"
    source_type: "host:filesystem"
    watch_dir: "/var/spool/eleanor"
    poll_interval: 30s
    max_backoff: 5m
    include_patterns: ["*.evtx", "$MFT"]
  - name: "syslog"
    type: "streaming"
    source_type: "network:syslog"
    queue_size: 1024
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, cfg.Connectors, 2)

	poll := cfg.Connectors[0]
	assert.Equal(t, ConnectorTypePolling, poll.Type)
	assert.Equal(t, 30*time.Second, poll.PollInterval)
	assert.Equal(t, 5*time.Minute, poll.MaxBackoff)
	assert.Equal(t, []string{"*.evtx", "$MFT"}, poll.IncludePatterns)

	stream := cfg.Connectors[1]
	assert.Equal(t, ConnectorTypeStreaming, stream.Type)
	assert.Equal(t, 1024, stream.QueueSize)
}

func TestValidationErrorFormatting(t *testing.T) {
	err := NewValidationError("connector", "edr", "poll_interval", ErrInvalidValue)
	assert.Contains(t, err.Error(), "connector 'edr'")
	assert.Contains(t, err.Error(), "poll_interval")
	assert.ErrorIs(t, err, ErrInvalidValue)
}
