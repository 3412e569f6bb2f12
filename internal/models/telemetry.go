package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// SupportedSchemaVersion is the only telemetry wire version the worker accepts.
const SupportedSchemaVersion = "1.0"

// EventTimeMetaKey names the optional meta field carrying device-side event time.
const EventTimeMetaKey = "event_ts"

// Decode errors
var (
	ErrSchemaInvalid    = errors.New("telemetry message failed schema validation")
	ErrEmptyDeviceID    = errors.New("device ID cannot be empty")
	ErrInvalidTimestamp = errors.New("invalid timestamp format")
)

// telemetrySchema is the JSON schema every inbound message must satisfy.
const telemetrySchema = `{
  "type": "object",
  "required": ["schema_version", "received_ts", "device_id", "metrics"],
  "properties": {
    "schema_version": {"type": "string", "const": "1.0"},
    "received_ts": {"type": "string", "minLength": 1},
    "device_id": {"type": "string", "minLength": 1},
    "seq": {"type": "integer"},
    "metrics": {
      "type": "object",
      "additionalProperties": {"type": ["number", "boolean", "string"]}
    },
    "meta": {"type": "object"}
  }
}`

var telemetryLoader = gojsonschema.NewStringLoader(telemetrySchema)

// TelemetryEvent is one decoded message from the telemetry stream.
type TelemetryEvent struct {
	ReceivedAt time.Time      `json:"received_at"`
	DeviceID   string         `json:"device_id"`
	Sequence   *int64         `json:"seq,omitempty"`
	Metrics    map[string]any `json:"metrics"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// SchemaError lists the individual schema violations of a rejected message.
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSchemaInvalid.Error(), strings.Join(e.Violations, "; "))
}

func (e *SchemaError) Unwrap() error { return ErrSchemaInvalid }

type telemetryWire struct {
	SchemaVersion string         `json:"schema_version"`
	ReceivedTS    string         `json:"received_ts"`
	DeviceID      string         `json:"device_id"`
	Seq           *int64         `json:"seq"`
	Metrics       map[string]any `json:"metrics"`
	Meta          map[string]any `json:"meta"`
}

// DecodeTelemetry validates raw against the telemetry schema and returns the
// normalized event. Any returned error means the message is malformed.
func DecodeTelemetry(raw []byte) (*TelemetryEvent, error) {
	result, err := gojsonschema.Validate(telemetryLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &SchemaError{Violations: []string{err.Error()}}
	}
	if !result.Valid() {
		violations := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			violations = append(violations, desc.String())
		}
		return nil, &SchemaError{Violations: violations}
	}

	var wire telemetryWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &SchemaError{Violations: []string{err.Error()}}
	}

	if field, ok := findNUL(wire); ok {
		return nil, &SchemaError{Violations: []string{field + ": contains a NUL character"}}
	}

	ts, err := ParseTimestamp(wire.ReceivedTS)
	if err != nil {
		return nil, fmt.Errorf("received_ts: %w", err)
	}

	event := &TelemetryEvent{
		ReceivedAt: ts,
		DeviceID:   wire.DeviceID,
		Sequence:   wire.Seq,
		Metrics:    wire.Metrics,
		Meta:       wire.Meta,
	}
	if err := event.Normalize(); err != nil {
		return nil, err
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

// findNUL reports the first field of wire holding a NUL byte in a key or
// string value. Postgres text columns cannot store one.
func findNUL(wire telemetryWire) (string, bool) {
	if strings.ContainsRune(wire.DeviceID, 0) {
		return "device_id", true
	}
	if hasNUL(wire.Metrics) {
		return "metrics", true
	}
	if hasNUL(wire.Meta) {
		return "meta", true
	}
	return "", false
}

func hasNUL(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.ContainsRune(t, 0)
	case map[string]any:
		for k, child := range t {
			if strings.ContainsRune(k, 0) || hasNUL(child) {
				return true
			}
		}
	case []any:
		for _, child := range t {
			if hasNUL(child) {
				return true
			}
		}
	}
	return false
}

// Validate checks the invariants that survive normalization.
func (e *TelemetryEvent) Validate() error {
	if e.DeviceID == "" {
		return ErrEmptyDeviceID
	}
	if e.ReceivedAt.IsZero() {
		return ErrInvalidTimestamp
	}
	return nil
}

// Numeric returns the metric under key when it is a number. Booleans and
// strings never participate in comparisons.
func (e *TelemetryEvent) Numeric(key string) (float64, bool) {
	return NumericValue(e.Metrics, key)
}

// NumericValue looks up key in metrics and reports whether it holds a number.
func NumericValue(metrics map[string]any, key string) (float64, bool) {
	v, ok := metrics[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// EventTime returns the device-side event time from meta when present and
// parseable, otherwise the receive time.
func (e *TelemetryEvent) EventTime() time.Time {
	if raw, ok := e.Meta[EventTimeMetaKey].(string); ok {
		if ts, err := ParseTimestamp(raw); err == nil {
			return ts
		}
	}
	return e.ReceivedAt
}
