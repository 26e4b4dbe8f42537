package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

const (
	slackPostTimeout = 10 * time.Second

	// threadLookback bounds how far back the fingerprint search goes
	// for threading repeated alerts.
	threadLookback = 24 * time.Hour
)

// SlackConfig holds the parameters needed to construct a SlackNotifier.
type SlackConfig struct {
	Token      string
	Channel    string
	ConsoleURL string
}

// SlackNotifier posts alerts to a Slack channel. Repeated alerts for
// the same rule and entity thread under the first message instead of
// flooding the channel.
type SlackNotifier struct {
	api        *goslack.Client
	channelID  string
	consoleURL string
	logger     *slog.Logger
}

// NewSlackNotifier creates the notifier. Returns nil when Token or
// Channel is empty, disabling the channel.
func NewSlackNotifier(cfg SlackConfig) *SlackNotifier {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &SlackNotifier{
		api:        goslack.New(cfg.Token),
		channelID:  cfg.Channel,
		consoleURL: cfg.ConsoleURL,
		logger:     slog.Default().With("component", "slack_notifier"),
	}
}

// NewSlackNotifierWithAPIURL targets a custom API URL. Useful for
// testing with a mock server.
func NewSlackNotifierWithAPIURL(cfg SlackConfig, apiURL string) *SlackNotifier {
	return &SlackNotifier{
		api:        goslack.New(cfg.Token, goslack.OptionAPIURL(apiURL)),
		channelID:  cfg.Channel,
		consoleURL: cfg.ConsoleURL,
		logger:     slog.Default().With("component", "slack_notifier"),
	}
}

// Name implements Notifier.
func (n *SlackNotifier) Name() string { return "slack" }

// Notify posts the alert, threading it under an earlier message with
// the same fingerprint when one exists.
func (n *SlackNotifier) Notify(ctx context.Context, alert *models.Alert) error {
	fingerprint := AlertFingerprint(alert)

	threadTS, err := n.findMessageByFingerprint(ctx, fingerprint)
	if err != nil {
		// Threading is best effort; post unthreaded.
		n.logger.Warn("Failed to search for alert thread",
			"alert_id", alert.ID, "fingerprint", fingerprint, "error", err)
		threadTS = ""
	}

	// The fingerprint rides in the fallback text so later alerts can
	// find this message through conversations.history.
	fallback := fmt.Sprintf("[%s] %s (%s)", alert.Severity, alert.Title, fingerprint)
	blocks := BuildAlertBlocks(alert, n.consoleURL)
	return n.postMessage(ctx, blocks, fallback, threadTS)
}

// PostText sends a plain markdown message to the channel. Playbook
// notification steps use this for free-form messages.
func (n *SlackNotifier) PostText(ctx context.Context, text string) error {
	if text == "" {
		return fmt.Errorf("empty notification text")
	}
	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
	return n.postMessage(ctx, blocks, text, "")
}

func (n *SlackNotifier) postMessage(ctx context.Context, blocks []goslack.Block, fallback, threadTS string) error {
	ctx, cancel := context.WithTimeout(ctx, slackPostTimeout)
	defer cancel()

	opts := []goslack.MsgOption{
		goslack.MsgOptionText(fallback, false),
		goslack.MsgOptionBlocks(blocks...),
	}
	if threadTS != "" {
		opts = append(opts, goslack.MsgOptionTS(threadTS))
	}

	if _, _, err := n.api.PostMessageContext(ctx, n.channelID, opts...); err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}

// findMessageByFingerprint searches recent channel history for a
// message containing the fingerprint text. Returns the message
// timestamp (ts) for threading, or empty string when not found.
func (n *SlackNotifier) findMessageByFingerprint(ctx context.Context, fingerprint string) (string, error) {
	oldest := fmt.Sprintf("%d", time.Now().Add(-threadLookback).Unix())

	params := &goslack.GetConversationHistoryParameters{
		ChannelID: n.channelID,
		Oldest:    oldest,
		Limit:     50,
	}
	history, err := n.api.GetConversationHistoryContext(ctx, params)
	if err != nil {
		return "", fmt.Errorf("conversations.history failed: %w", err)
	}

	needle := normalizeText(fingerprint)
	for _, msg := range history.Messages {
		if strings.Contains(normalizeText(collectMessageText(msg)), needle) {
			return msg.Timestamp, nil
		}
	}
	return "", nil
}

func collectMessageText(msg goslack.Message) string {
	var parts []string
	if msg.Text != "" {
		parts = append(parts, msg.Text)
	}
	for _, att := range msg.Attachments {
		if att.Text != "" {
			parts = append(parts, att.Text)
		}
		if att.Fallback != "" {
			parts = append(parts, att.Fallback)
		}
	}
	return strings.Join(parts, " ")
}
