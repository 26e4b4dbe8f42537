package notify

import (
	"fmt"
	"regexp"
	"strings"

	goslack "github.com/slack-go/slack"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

const maxBlockTextLength = 2900

var severityEmoji = map[string]string{
	"critical":      ":rotating_light:",
	"high":          ":red_circle:",
	"medium":        ":large_orange_circle:",
	"low":           ":large_yellow_circle:",
	"informational": ":information_source:",
}

func alertURL(alertID, consoleURL string) string {
	return fmt.Sprintf("%s/alerts/%s", consoleURL, alertID)
}

// AlertFingerprint derives the threading key for an alert: repeated
// hits of the same rule against the same entity share a fingerprint and
// thread under one message.
func AlertFingerprint(alert *models.Alert) string {
	parts := []string{"eleanor", alert.RuleID}
	if ev := alert.RawEvent; ev != nil {
		switch {
		case ev.HostName != "":
			parts = append(parts, ev.HostName)
		case ev.UserName != "":
			parts = append(parts, ev.UserName)
		case ev.SourceIP != "":
			parts = append(parts, ev.SourceIP)
		}
	}
	return strings.Join(parts, "/")
}

// BuildAlertBlocks creates Block Kit blocks for an alert notification.
func BuildAlertBlocks(alert *models.Alert, consoleURL string) []goslack.Block {
	emoji := severityEmoji[alert.Severity]
	if emoji == "" {
		emoji = ":question:"
	}

	headerText := fmt.Sprintf("%s *%s* — %s", emoji, strings.ToUpper(alert.Severity), alert.Title)

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
	}

	if alert.Description != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(alert.Description), false, false),
			nil, nil,
		))
	}

	if detail := buildDetailText(alert); detail != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, detail, false, false),
			nil, nil,
		))
	}

	if consoleURL != "" {
		btn := goslack.NewButtonBlockElement("", "",
			goslack.NewTextBlockObject(goslack.PlainTextType, "View in Console", false, false))
		btn.URL = alertURL(alert.ID, consoleURL)
		blocks = append(blocks, goslack.NewActionBlock("", btn))
	}

	return blocks
}

// buildDetailText renders the rule id, triggering entity, and MITRE
// techniques as one compact mrkdwn line set.
func buildDetailText(alert *models.Alert) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("*Rule:* `%s`", alert.RuleID))

	if ev := alert.RawEvent; ev != nil {
		var entity []string
		if ev.HostName != "" {
			entity = append(entity, "host "+ev.HostName)
		}
		if ev.UserName != "" {
			entity = append(entity, "user "+ev.UserName)
		}
		if ev.SourceIP != "" {
			entity = append(entity, "src "+ev.SourceIP)
		}
		if len(entity) > 0 {
			lines = append(lines, "*Entity:* "+strings.Join(entity, ", "))
		}
	}

	if len(alert.MitreTechniques) > 0 {
		lines = append(lines, "*MITRE:* "+strings.Join(alert.MitreTechniques, ", "))
	}
	return strings.Join(lines, "\n")
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxBlockTextLength {
		return text
	}
	return string(runes[:maxBlockTextLength]) + "\n\n_... (truncated — view full alert in console)_"
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func normalizeText(s string) string {
	s = strings.ToLower(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
