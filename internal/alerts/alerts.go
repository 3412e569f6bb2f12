// Package alerts decides and writes alert lifecycle events. State is never
// held in memory: it is derived from the latest persisted event per
// (rule, device) each time a decision is made.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vigil/internal/dsl"
	"vigil/internal/eval"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
	"vigil/internal/rules"
	"vigil/internal/state"
)

// Store reads the latest alert event of a pair and appends new ones.
type Store interface {
	LatestAlertEvent(ctx context.Context, ruleID, deviceID string) (*models.AlertEvent, error)
	InsertAlertEvent(ctx context.Context, event *models.AlertEvent) error
}

// State is the lifecycle state of one (rule, device) pair.
type State int

const (
	StateNone State = iota
	StateActive
	StateAcked
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateAcked:
		return "ACKED"
	default:
		return "NONE"
	}
}

// StateOf derives the state from the most recent event, which may be nil.
func StateOf(latest *models.AlertEvent) State {
	if latest == nil {
		return StateNone
	}
	switch latest.EventType {
	case models.EventTrigger, models.EventUpdate:
		return StateActive
	case models.EventAck:
		return StateAcked
	default:
		return StateNone
	}
}

// Input is everything a lifecycle decision depends on.
type Input struct {
	Result    eval.Result
	Ready     bool
	Triggered bool
	Latest    *models.AlertEvent

	// Value is the current value of the first sensor leaf, when available.
	Value      *float64
	Hysteresis *dsl.Hysteresis

	Cooldown         time.Duration
	CooldownEnforced bool
	Now              time.Time
}

// Decision is the outcome of Decide. A zero Emit means nothing is written.
type Decision struct {
	Emit       models.EventType
	AlertID    string
	Suppressed bool
	Reason     string
}

// Decide applies the lifecycle transitions. It is pure: a new alert ID is
// left empty for the caller to assign.
func Decide(in Input) Decision {
	if in.Result == eval.Indeterminate {
		return Decision{Reason: "indeterminate"}
	}
	if !in.Ready {
		return Decision{Reason: "window not ready"}
	}

	current := StateOf(in.Latest)
	switch {
	case in.Triggered && current == StateNone:
		if in.CooldownEnforced && in.Cooldown > 0 && in.Latest != nil && in.Latest.EventType == models.EventResolve {
			if in.Now.Sub(in.Latest.CreatedAt) < in.Cooldown {
				return Decision{Suppressed: true, Reason: "cooldown"}
			}
		}
		return Decision{Emit: models.EventTrigger, Reason: "triggered"}

	case in.Triggered:
		return Decision{Reason: "already open"}

	case in.Result != eval.False:
		return Decision{Reason: "still holding"}

	case current == StateActive || current == StateAcked:
		if in.Hysteresis.Configured() && in.Value != nil && !in.Hysteresis.Recovered(*in.Value) {
			return Decision{Reason: "inside hysteresis band"}
		}
		return Decision{Emit: models.EventResolve, AlertID: in.Latest.AlertID, Reason: "recovered"}

	default:
		return Decision{Reason: "no open alert"}
	}
}

// Evaluation is one rule evaluated against one telemetry event.
type Evaluation struct {
	Rule      rules.Rule
	Event     *models.TelemetryEvent
	StationID string
	At        time.Time
	Result    eval.Result
	Window    []state.Point
	Ready     bool
	Triggered bool
	Explain   string
}

// Engine turns evaluations into persisted alert events.
type Engine struct {
	store            Store
	cooldownEnforced bool
	now              func() time.Time
	newID            func() string
	log              zerolog.Logger
}

// NewEngine creates an engine writing to store.
func NewEngine(store Store, cooldownEnforced bool) *Engine {
	return &Engine{
		store:            store,
		cooldownEnforced: cooldownEnforced,
		now:              time.Now,
		newID:            uuid.NewString,
		log:              logger.WithComponent("alerts"),
	}
}

// Apply decides the transition for ev and persists it. It returns the
// written event, or nil when nothing was emitted.
func (e *Engine) Apply(ctx context.Context, ev Evaluation) (*models.AlertEvent, error) {
	if ev.Result == eval.Indeterminate || !ev.Ready {
		return nil, nil
	}

	latest, err := e.store.LatestAlertEvent(ctx, ev.Rule.ID, ev.Event.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("load alert state: %w", err)
	}

	doc := ev.Rule.DSL
	leaf, hasLeaf := dsl.FirstSensorLeaf(doc.When)
	var value *float64
	if hasLeaf {
		if v, ok := ev.Event.Numeric(leaf.SensorKey); ok {
			value = &v
		}
	}

	now := e.now().UTC()
	d := Decide(Input{
		Result:           ev.Result,
		Ready:            ev.Ready,
		Triggered:        ev.Triggered,
		Latest:           latest,
		Value:            value,
		Hysteresis:       doc.Hysteresis,
		Cooldown:         doc.Cooldown(),
		CooldownEnforced: e.cooldownEnforced,
		Now:              now,
	})
	if d.Suppressed {
		metrics.CooldownSuppressed.Inc()
	}
	if d.Emit == "" {
		return nil, nil
	}

	alertID := d.AlertID
	if alertID == "" {
		alertID = e.newID()
	}

	vars := TemplateVars{DeviceID: ev.Event.DeviceID, Value: value, At: ev.At}
	if hasLeaf {
		vars.SensorKey = leaf.SensorKey
	}
	title, message := Render(doc.Action(), vars, defaultTitle(ev.Rule, d.Emit, ev.Event.DeviceID), ev.Explain)

	out := &models.AlertEvent{
		EventID:     e.newID(),
		AlertID:     alertID,
		EventType:   d.Emit,
		RuleID:      ev.Rule.ID,
		RuleVersion: ev.Rule.Version,
		DeviceID:    ev.Event.DeviceID,
		StationID:   ev.StationID,
		Severity:    doc.Severity,
		Title:       title,
		Message:     message,
		Evidence:    evidence(ev, vars),
		Explain:     ev.Explain,
		CreatedAt:   now,
	}
	if err := e.store.InsertAlertEvent(ctx, out); err != nil {
		return nil, fmt.Errorf("write %s event: %w", d.Emit, err)
	}

	metrics.AlertEventsTotal.WithLabelValues(string(d.Emit)).Inc()
	e.log.Info().
		Str("rule_id", out.RuleID).
		Int("rule_version", out.RuleVersion).
		Str("device_id", out.DeviceID).
		Str("alert_id", out.AlertID).
		Str("event_type", string(out.EventType)).
		Str("reason", d.Reason).
		Msg("alert event written")
	return out, nil
}

func defaultTitle(r rules.Rule, typ models.EventType, deviceID string) string {
	name := r.Name
	if name == "" {
		name = r.ID
	}
	if typ == models.EventResolve {
		return fmt.Sprintf("Resolved: %s on %s", name, deviceID)
	}
	return fmt.Sprintf("%s on %s", name, deviceID)
}

func evidence(ev Evaluation, vars TemplateVars) map[string]any {
	out := map[string]any{
		"metrics": ev.Event.Metrics,
		"window":  ev.Window,
		"result":  ev.Result.String(),
		"ts":      ev.At.UTC().Format(time.RFC3339Nano),
	}
	if vars.SensorKey != "" {
		out["sensorKey"] = vars.SensorKey
	}
	if vars.Value != nil {
		out["value"] = *vars.Value
	}
	if ev.Event.Sequence != nil {
		out["seq"] = *ev.Event.Sequence
	}
	return out
}
