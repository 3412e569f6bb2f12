package models

import "time"

// Severity is the alert severity carried from the rule DSL.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity level is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// EventType is one step of the alert lifecycle.
type EventType string

const (
	EventTrigger EventType = "TRIGGER"
	EventUpdate  EventType = "UPDATE"
	EventResolve EventType = "RESOLVE"
	EventAck     EventType = "ACK"
)

// IsValid checks if the event type is part of the lifecycle taxonomy
func (t EventType) IsValid() bool {
	switch t {
	case EventTrigger, EventUpdate, EventResolve, EventAck:
		return true
	default:
		return false
	}
}

// AlertEvent is one append-only row of alert history. The latest row per
// (RuleID, DeviceID) is the lifecycle state for that pair.
type AlertEvent struct {
	EventID     string         `json:"event_id"`
	AlertID     string         `json:"alert_id"`
	EventType   EventType      `json:"event_type"`
	RuleID      string         `json:"rule_id"`
	RuleVersion int            `json:"rule_version"`
	DeviceID    string         `json:"device_id"`
	StationID   string         `json:"station_id,omitempty"`
	Severity    Severity       `json:"severity"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Evidence    map[string]any `json:"evidence"`
	Explain     string         `json:"explain"`
	CreatedAt   time.Time      `json:"created_at"`
}
