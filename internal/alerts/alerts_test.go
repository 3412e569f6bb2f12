package alerts

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/dsl"
	"vigil/internal/eval"
	"vigil/internal/models"
	"vigil/internal/rules"
)

type memStore struct {
	events   []*models.AlertEvent
	readErr  error
	writeErr error
}

func (m *memStore) LatestAlertEvent(_ context.Context, ruleID, deviceID string) (*models.AlertEvent, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	for i := len(m.events) - 1; i >= 0; i-- {
		if e := m.events[i]; e.RuleID == ruleID && e.DeviceID == deviceID {
			return e, nil
		}
	}
	return nil, nil
}

func (m *memStore) InsertAlertEvent(_ context.Context, e *models.AlertEvent) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.events = append(m.events, e)
	return nil
}

var clock = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestEngine(store Store, cooldown bool) *Engine {
	e := NewEngine(store, cooldown)
	n := 0
	e.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	e.now = func() time.Time { return clock }
	return e
}

func vibrationRule(t *testing.T, extra string) rules.Rule {
	t.Helper()
	doc, err := dsl.Parse([]byte(`{"dslVersion":"v1","scope":{"type":"device","deviceId":"pump-7"},"severity":"high",
	  "when":{"type":"sensor","sensorKey":"vibration","operator":">","value":100}` + extra + `,
	  "actions":[{"type":"emit_alert","titleTemplate":"Vibration on {{deviceId}}","messageTemplate":"{{sensorKey}}={{value}} at {{ts}}"}]}`))
	require.NoError(t, err)
	return rules.Rule{ID: "R1", Name: "vibration", Version: 2, Scope: doc.Scope, DSL: doc}
}

func evaluation(rule rules.Rule, vibration float64) Evaluation {
	seq := int64(42)
	ev := &models.TelemetryEvent{
		ReceivedAt: clock,
		DeviceID:   "pump-7",
		Sequence:   &seq,
		Metrics:    map[string]any{"vibration": vibration},
	}
	result := eval.Evaluate(rule.DSL.When, ev.Metrics, nil)
	return Evaluation{
		Rule:      rule,
		Event:     ev,
		At:        clock,
		Result:    result,
		Ready:     true,
		Triggered: result == eval.True,
		Explain:   eval.Explain(rule.DSL.When, ev.Metrics, nil),
	}
}

func TestStateOf(t *testing.T) {
	assert.Equal(t, StateNone, StateOf(nil))
	assert.Equal(t, StateActive, StateOf(&models.AlertEvent{EventType: models.EventTrigger}))
	assert.Equal(t, StateActive, StateOf(&models.AlertEvent{EventType: models.EventUpdate}))
	assert.Equal(t, StateAcked, StateOf(&models.AlertEvent{EventType: models.EventAck}))
	assert.Equal(t, StateNone, StateOf(&models.AlertEvent{EventType: models.EventResolve}))
}

func TestDecide(t *testing.T) {
	active := &models.AlertEvent{AlertID: "a-1", EventType: models.EventTrigger}
	acked := &models.AlertEvent{AlertID: "a-1", EventType: models.EventAck}
	resolved := &models.AlertEvent{AlertID: "a-1", EventType: models.EventResolve, CreatedAt: clock.Add(-2 * time.Minute)}
	below := 5.0
	six, four := 6.0, 4.0

	tests := []struct {
		name string
		in   Input
		want Decision
	}{
		{"indeterminate stalls", Input{Result: eval.Indeterminate, Ready: true, Latest: active}, Decision{Reason: "indeterminate"}},
		{"not ready stalls", Input{Result: eval.True, Triggered: true}, Decision{Reason: "window not ready"}},
		{"trigger from none", Input{Result: eval.True, Ready: true, Triggered: true}, Decision{Emit: models.EventTrigger, Reason: "triggered"}},
		{"no retrigger while active", Input{Result: eval.True, Ready: true, Triggered: true, Latest: active}, Decision{Reason: "already open"}},
		{"no retrigger while acked", Input{Result: eval.True, Ready: true, Triggered: true, Latest: acked}, Decision{Reason: "already open"}},
		{"resolve active", Input{Result: eval.False, Ready: true, Latest: active}, Decision{Emit: models.EventResolve, AlertID: "a-1", Reason: "recovered"}},
		{"resolve acked", Input{Result: eval.False, Ready: true, Latest: acked}, Decision{Emit: models.EventResolve, AlertID: "a-1", Reason: "recovered"}},
		{"true tick in a partial window keeps the alert open", Input{Result: eval.True, Ready: true, Latest: active}, Decision{Reason: "still holding"}},
		{"nothing open", Input{Result: eval.False, Ready: true, Latest: resolved}, Decision{Reason: "no open alert"}},
		{"hysteresis holds at 6", Input{Result: eval.False, Ready: true, Latest: active, Value: &six, Hysteresis: &dsl.Hysteresis{RecoverBelow: &below}}, Decision{Reason: "inside hysteresis band"}},
		{"hysteresis resolves at 4", Input{Result: eval.False, Ready: true, Latest: active, Value: &four, Hysteresis: &dsl.Hysteresis{RecoverBelow: &below}}, Decision{Emit: models.EventResolve, AlertID: "a-1", Reason: "recovered"}},
		{"hysteresis without value resolves", Input{Result: eval.False, Ready: true, Latest: active, Hysteresis: &dsl.Hysteresis{RecoverBelow: &below}}, Decision{Emit: models.EventResolve, AlertID: "a-1", Reason: "recovered"}},
		{"cooldown suppresses", Input{Result: eval.True, Ready: true, Triggered: true, Latest: resolved, Cooldown: 5 * time.Minute, CooldownEnforced: true, Now: clock}, Decision{Suppressed: true, Reason: "cooldown"}},
		{"cooldown elapsed", Input{Result: eval.True, Ready: true, Triggered: true, Latest: resolved, Cooldown: time.Minute, CooldownEnforced: true, Now: clock}, Decision{Emit: models.EventTrigger, Reason: "triggered"}},
		{"cooldown disabled", Input{Result: eval.True, Ready: true, Triggered: true, Latest: resolved, Cooldown: 5 * time.Minute, Now: clock}, Decision{Emit: models.EventTrigger, Reason: "triggered"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.in))
		})
	}
}

func TestApplyTriggerThenResolve(t *testing.T) {
	store := &memStore{}
	engine := newTestEngine(store, true)
	rule := vibrationRule(t, "")
	ctx := context.Background()

	trigger, err := engine.Apply(ctx, evaluation(rule, 120))
	require.NoError(t, err)
	require.NotNil(t, trigger)
	assert.Equal(t, models.EventTrigger, trigger.EventType)
	assert.Equal(t, "id-1", trigger.AlertID)
	assert.Equal(t, "id-2", trigger.EventID)
	assert.Equal(t, "Vibration on pump-7", trigger.Title)
	assert.Equal(t, "vibration=120 at 2026-03-01T08:00:00Z", trigger.Message)
	assert.Equal(t, models.SeverityHigh, trigger.Severity)
	assert.Equal(t, 2, trigger.RuleVersion)
	assert.Equal(t, "(vibration=120 > 100 -> true)", trigger.Explain)
	assert.Equal(t, 120.0, trigger.Evidence["value"])
	assert.Equal(t, int64(42), trigger.Evidence["seq"])

	// Replaying the same event while ACTIVE emits nothing.
	replay, err := engine.Apply(ctx, evaluation(rule, 120))
	require.NoError(t, err)
	assert.Nil(t, replay)
	assert.Len(t, store.events, 1)

	resolve, err := engine.Apply(ctx, evaluation(rule, 50))
	require.NoError(t, err)
	require.NotNil(t, resolve)
	assert.Equal(t, models.EventResolve, resolve.EventType)
	assert.Equal(t, trigger.AlertID, resolve.AlertID)
	assert.NotEqual(t, trigger.EventID, resolve.EventID)
	assert.Len(t, store.events, 2)
}

func TestApplyHysteresis(t *testing.T) {
	store := &memStore{}
	engine := newTestEngine(store, true)
	rule := vibrationRule(t, `,"hysteresis":{"recoverBelow":5}`)
	ctx := context.Background()

	_, err := engine.Apply(ctx, evaluation(rule, 120))
	require.NoError(t, err)

	held, err := engine.Apply(ctx, evaluation(rule, 6))
	require.NoError(t, err)
	assert.Nil(t, held)

	resolved, err := engine.Apply(ctx, evaluation(rule, 4))
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, models.EventResolve, resolved.EventType)
}

func TestApplyCooldown(t *testing.T) {
	store := &memStore{}
	engine := newTestEngine(store, true)
	rule := vibrationRule(t, `,"cooldownMinutes":10`)
	ctx := context.Background()

	_, err := engine.Apply(ctx, evaluation(rule, 120))
	require.NoError(t, err)
	_, err = engine.Apply(ctx, evaluation(rule, 50))
	require.NoError(t, err)

	suppressed, err := engine.Apply(ctx, evaluation(rule, 130))
	require.NoError(t, err)
	assert.Nil(t, suppressed)

	engine.now = func() time.Time { return clock.Add(11 * time.Minute) }
	again, err := engine.Apply(ctx, evaluation(rule, 130))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, models.EventTrigger, again.EventType)
	assert.NotEqual(t, store.events[0].AlertID, again.AlertID)
}

func TestApplySkipsWithoutDecision(t *testing.T) {
	store := &memStore{readErr: errors.New("must not be called")}
	engine := newTestEngine(store, true)
	rule := vibrationRule(t, "")

	ev := evaluation(rule, 120)
	ev.Ready = false
	out, err := engine.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Nil(t, out)

	ev = evaluation(rule, 120)
	ev.Result = eval.Indeterminate
	out, err = engine.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestApplyPropagatesStoreErrors(t *testing.T) {
	rule := vibrationRule(t, "")
	boom := errors.New("connection reset")

	_, err := newTestEngine(&memStore{readErr: boom}, true).Apply(context.Background(), evaluation(rule, 120))
	assert.ErrorIs(t, err, boom)

	_, err = newTestEngine(&memStore{writeErr: boom}, true).Apply(context.Background(), evaluation(rule, 120))
	assert.ErrorIs(t, err, boom)
}

func TestRender(t *testing.T) {
	v := 3.25
	vars := TemplateVars{DeviceID: "d1", SensorKey: "temp", Value: &v, At: clock}

	title, msg := Render(dsl.EmitAlertAction{TitleTemplate: "{{sensorKey}} high on {{deviceId}}", MessageTemplate: "{{value}} @ {{ts}} {{unknown}}"}, vars, "dt", "dm")
	assert.Equal(t, "temp high on d1", title)
	assert.Equal(t, "3.25 @ 2026-03-01T08:00:00Z {{unknown}}", msg)

	title, msg = Render(dsl.EmitAlertAction{}, vars, "dt", "dm")
	assert.Equal(t, "dt", title)
	assert.Equal(t, "dm", msg)

	_, msg = Render(dsl.EmitAlertAction{MessageTemplate: "[{{value}}]"}, TemplateVars{}, "", "")
	assert.Equal(t, "[]", msg)
}
