// Package dsl defines the v1 rule document: scope, severity, the condition
// tree, the rule-level window, hysteresis, cooldown and the alert action.
package dsl

import (
	"time"

	"vigil/internal/models"
)

// Version is the only grammar tag Parse accepts.
const Version = "v1"

// ScopeKind selects which devices a rule applies to.
type ScopeKind string

const (
	ScopeDevice  ScopeKind = "device"
	ScopeStation ScopeKind = "station"
	ScopeGlobal  ScopeKind = "global"
)

// Scope is the device subset a rule covers. DeviceID is set only for
// ScopeDevice and StationID only for ScopeStation.
type Scope struct {
	Kind      ScopeKind `json:"type"`
	DeviceID  string    `json:"deviceId,omitempty"`
	StationID string    `json:"stationId,omitempty"`
}

// Matches reports whether a device with the given station falls in scope.
// An empty stationID never matches a station scope.
func (s Scope) Matches(deviceID, stationID string) bool {
	switch s.Kind {
	case ScopeDevice:
		return s.DeviceID != "" && s.DeviceID == deviceID
	case ScopeStation:
		return stationID != "" && s.StationID == stationID
	case ScopeGlobal:
		return true
	default:
		return false
	}
}

// TimeField selects which timestamp feeds the rule window.
type TimeField string

const (
	TimeReceived TimeField = "received"
	TimeEvent    TimeField = "event"
)

// MissingPolicy is reserved for a not-ready window. Both values currently
// skip the tick.
type MissingPolicy string

const (
	MissingIgnore      MissingPolicy = "ignore"
	MissingTreatAsFail MissingPolicy = "treat_as_fail"
)

// WindowKind distinguishes duration windows from point-count windows.
type WindowKind string

const (
	WindowDuration WindowKind = "duration"
	WindowPoints   WindowKind = "points"
)

// Window is the rule-level trigger window.
type Window struct {
	Kind WindowKind
	// Duration windows.
	Minutes   int
	MinPoints int
	// Point windows.
	Points int
}

// Span returns the duration covered by a duration window, zero otherwise.
func (w Window) Span() time.Duration {
	if w.Kind != WindowDuration {
		return 0
	}
	return time.Duration(w.Minutes) * time.Minute
}

// Hysteresis sets recovery thresholds separate from the trigger threshold.
type Hysteresis struct {
	RecoverBelow *float64
	RecoverAbove *float64
}

// Configured reports whether any recovery threshold is set.
func (h *Hysteresis) Configured() bool {
	return h != nil && (h.RecoverBelow != nil || h.RecoverAbove != nil)
}

// Recovered reports whether value satisfies every configured recovery bound.
func (h *Hysteresis) Recovered(value float64) bool {
	if h.RecoverBelow != nil && !(value < *h.RecoverBelow) {
		return false
	}
	if h.RecoverAbove != nil && !(value > *h.RecoverAbove) {
		return false
	}
	return true
}

// ActionEmitAlert is the only action type.
const ActionEmitAlert = "emit_alert"

// EmitAlertAction carries the title and message templates. Templates may
// reference {{deviceId}}, {{sensorKey}}, {{value}} and {{ts}}.
type EmitAlertAction struct {
	TitleTemplate   string
	MessageTemplate string
}

// RuleDsl is a validated v1 rule document.
type RuleDsl struct {
	Scope           Scope
	Enabled         bool
	Severity        models.Severity
	CooldownMinutes int
	TimeField       TimeField
	MissingPolicy   MissingPolicy
	When            Condition
	Window          *Window
	Hysteresis      *Hysteresis
	Actions         []EmitAlertAction
}

// Action returns the honored action. Parse guarantees at least one.
func (d *RuleDsl) Action() EmitAlertAction {
	return d.Actions[0]
}

// Cooldown returns the re-trigger suppression span after a resolve.
func (d *RuleDsl) Cooldown() time.Duration {
	return time.Duration(d.CooldownMinutes) * time.Minute
}
