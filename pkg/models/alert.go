package models

import "time"

// AlertStatus is the triage state of an alert.
type AlertStatus string

// Alert status constants.
const (
	AlertStatusNew          AlertStatus = "new"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusClosed       AlertStatus = "closed"
)

// Alert is produced when a detection or correlation rule matches.
type Alert struct {
	ID              string           `json:"id"`
	RuleID          string           `json:"rule_id"`
	Severity        string           `json:"severity"`
	Status          AlertStatus      `json:"status"`
	Title           string           `json:"title"`
	Description     string           `json:"description,omitempty"`
	RawEvent        *NormalizedEvent `json:"raw_event,omitempty"`
	MitreTactics    []string         `json:"mitre_tactics,omitempty"`
	MitreTechniques []string         `json:"mitre_techniques,omitempty"`
	Tags            []string         `json:"tags,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}
