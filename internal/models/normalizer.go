package models

import (
	"fmt"
	"strings"
	"time"
)

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Normalize trims identifiers and metric keys, and moves the receive time
// to UTC. Two metric keys that trim to the same name are rejected.
func (e *TelemetryEvent) Normalize() error {
	e.DeviceID = strings.TrimSpace(e.DeviceID)
	e.ReceivedAt = e.ReceivedAt.UTC()

	if e.Metrics == nil {
		e.Metrics = map[string]any{}
		return nil
	}
	normalized := make(map[string]any, len(e.Metrics))
	for k, v := range e.Metrics {
		key := strings.TrimSpace(k)
		if _, dup := normalized[key]; dup {
			return &SchemaError{Violations: []string{fmt.Sprintf("metrics: more than one key trims to %q", key)}}
		}
		normalized[key] = v
	}
	e.Metrics = normalized
	return nil
}

// ParseTimestamp attempts to parse an ISO-8601 timestamp string
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
