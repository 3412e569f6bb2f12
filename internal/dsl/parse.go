package dsl

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"vigil/internal/models"
)

// ErrInvalid is matched by every ValidationError.
var ErrInvalid = errors.New("rule dsl invalid")

// FieldError names one structural violation by its document path.
type FieldError struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

// ValidationError lists every violation found in a rule document.
type ValidationError struct {
	Details []FieldError `json:"details"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, d.Field+": "+d.Problem)
	}
	return "rule dsl invalid: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

type problems struct {
	details []FieldError
}

func (p *problems) add(field, format string, args ...any) {
	p.details = append(p.details, FieldError{Field: field, Problem: fmt.Sprintf(format, args...)})
}

var topLevelFields = map[string]bool{
	"dslVersion":      true,
	"scope":           true,
	"enabled":         true,
	"severity":        true,
	"cooldownMinutes": true,
	"timeField":       true,
	"missingPolicy":   true,
	"when":            true,
	"window":          true,
	"hysteresis":      true,
	"actions":         true,
}

type wireDoc struct {
	DSLVersion      string          `json:"dslVersion"`
	Scope           *wireScope      `json:"scope"`
	Enabled         *bool           `json:"enabled"`
	Severity        string          `json:"severity"`
	CooldownMinutes *int            `json:"cooldownMinutes"`
	TimeField       string          `json:"timeField"`
	MissingPolicy   string          `json:"missingPolicy"`
	When            json.RawMessage `json:"when"`
	Window          *wireWindow     `json:"window"`
	Hysteresis      *wireHysteresis `json:"hysteresis"`
	Actions         []wireAction    `json:"actions"`
}

type wireScope struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId"`
	StationID string `json:"stationId"`
}

type wireWindow struct {
	Type      string `json:"type"`
	Minutes   *int   `json:"minutes"`
	MinPoints *int   `json:"minPoints"`
	Points    *int   `json:"points"`
}

type wireHysteresis struct {
	RecoverBelow *float64 `json:"recoverBelow"`
	RecoverAbove *float64 `json:"recoverAbove"`
}

type wireAction struct {
	Type            string `json:"type"`
	TitleTemplate   string `json:"titleTemplate"`
	MessageTemplate string `json:"messageTemplate"`
}

type wireNode struct {
	Type      string            `json:"type"`
	Items     []json.RawMessage `json:"items"`
	Item      json.RawMessage   `json:"item"`
	SensorKey string            `json:"sensorKey"`
	Metric    *wireMetric       `json:"metric"`
	Operator  string            `json:"operator"`
	Value     *float64          `json:"value"`
	Min       *float64          `json:"min"`
	Max       *float64          `json:"max"`
}

type wireMetric struct {
	SensorKey string            `json:"sensorKey"`
	Agg       string            `json:"agg"`
	Window    *wireMetricWindow `json:"window"`
}

type wireMetricWindow struct {
	Minutes *int `json:"minutes"`
	Points  *int `json:"points"`
}

// Parse decodes and validates a v1 rule document. The schema is closed:
// unknown fields at any level are rejected. Failures are *ValidationError.
func Parse(raw []byte) (*RuleDsl, error) {
	var p problems

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		p.add("(root)", "must be a JSON object: %v", err)
		return nil, &ValidationError{Details: p.details}
	}
	unknown := make([]string, 0)
	for key := range top {
		if !topLevelFields[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		p.add(key, "unknown field")
	}

	var doc wireDoc
	if err := strictDecode(raw, &doc); err != nil && len(unknown) == 0 {
		p.add(decodeErrorField("", err), "%s", decodeErrorProblem(err))
		return nil, &ValidationError{Details: p.details}
	}
	if len(unknown) > 0 {
		return nil, &ValidationError{Details: p.details}
	}

	out := &RuleDsl{
		Enabled:       true,
		TimeField:     TimeReceived,
		MissingPolicy: MissingIgnore,
	}

	switch {
	case doc.DSLVersion == "":
		p.add("dslVersion", "required")
	case doc.DSLVersion != Version:
		p.add("dslVersion", "unsupported version %q, want %q", doc.DSLVersion, Version)
	}

	out.Scope = parseScope(doc.Scope, &p)

	if doc.Enabled != nil {
		out.Enabled = *doc.Enabled
	}

	out.Severity = models.Severity(doc.Severity)
	switch {
	case doc.Severity == "":
		p.add("severity", "required")
	case !out.Severity.IsValid():
		p.add("severity", "must be one of low, medium, high, critical")
	}

	if doc.CooldownMinutes != nil {
		if *doc.CooldownMinutes < 0 {
			p.add("cooldownMinutes", "must be >= 0")
		}
		out.CooldownMinutes = *doc.CooldownMinutes
	}

	switch TimeField(doc.TimeField) {
	case "":
	case TimeReceived, TimeEvent:
		out.TimeField = TimeField(doc.TimeField)
	default:
		p.add("timeField", "must be one of received, event")
	}

	switch MissingPolicy(doc.MissingPolicy) {
	case "":
	case MissingIgnore, MissingTreatAsFail:
		out.MissingPolicy = MissingPolicy(doc.MissingPolicy)
	default:
		p.add("missingPolicy", "must be one of ignore, treat_as_fail")
	}

	if len(bytes.TrimSpace(doc.When)) == 0 || string(bytes.TrimSpace(doc.When)) == "null" {
		p.add("when", "required")
	} else {
		out.When = parseCondition(doc.When, "when", &p)
	}

	if doc.Window != nil {
		out.Window = parseWindow(*doc.Window, &p)
	}

	if doc.Hysteresis != nil {
		out.Hysteresis = parseHysteresis(*doc.Hysteresis, &p)
	}

	if len(doc.Actions) == 0 {
		p.add("actions", "at least one action is required")
	}
	for i, a := range doc.Actions {
		if a.Type != ActionEmitAlert {
			p.add(fmt.Sprintf("actions[%d].type", i), "must be %q", ActionEmitAlert)
			continue
		}
		out.Actions = append(out.Actions, EmitAlertAction{
			TitleTemplate:   a.TitleTemplate,
			MessageTemplate: a.MessageTemplate,
		})
	}

	if len(p.details) > 0 {
		return nil, &ValidationError{Details: p.details}
	}
	return out, nil
}

func parseScope(w *wireScope, p *problems) Scope {
	if w == nil {
		p.add("scope", "required")
		return Scope{}
	}
	s := Scope{Kind: ScopeKind(w.Type)}
	switch s.Kind {
	case ScopeDevice:
		if strings.TrimSpace(w.DeviceID) == "" {
			p.add("scope.deviceId", "required for device scope")
		}
		if w.StationID != "" {
			p.add("scope.stationId", "not allowed for device scope")
		}
		s.DeviceID = strings.TrimSpace(w.DeviceID)
	case ScopeStation:
		if strings.TrimSpace(w.StationID) == "" {
			p.add("scope.stationId", "required for station scope")
		}
		if w.DeviceID != "" {
			p.add("scope.deviceId", "not allowed for station scope")
		}
		s.StationID = strings.TrimSpace(w.StationID)
	case ScopeGlobal:
		if w.DeviceID != "" || w.StationID != "" {
			p.add("scope", "global scope takes no device or station id")
		}
	case "":
		p.add("scope.type", "required")
	default:
		p.add("scope.type", "must be one of device, station, global")
	}
	return s
}

func parseWindow(w wireWindow, p *problems) *Window {
	switch WindowKind(w.Type) {
	case WindowDuration:
		out := &Window{Kind: WindowDuration, MinPoints: 1}
		if w.Minutes == nil || *w.Minutes <= 0 {
			p.add("window.minutes", "must be > 0 for a duration window")
		} else {
			out.Minutes = *w.Minutes
		}
		if w.MinPoints != nil {
			if *w.MinPoints < 1 {
				p.add("window.minPoints", "must be >= 1")
			}
			out.MinPoints = *w.MinPoints
		}
		if w.Points != nil {
			p.add("window.points", "not allowed for a duration window")
		}
		return out
	case WindowPoints:
		out := &Window{Kind: WindowPoints}
		if w.Points == nil || *w.Points < 1 {
			p.add("window.points", "must be >= 1 for a points window")
		} else {
			out.Points = *w.Points
		}
		if w.Minutes != nil || w.MinPoints != nil {
			p.add("window", "minutes and minPoints are not allowed for a points window")
		}
		return out
	case "":
		p.add("window.type", "required")
	default:
		p.add("window.type", "must be one of duration, points")
	}
	return nil
}

func parseHysteresis(w wireHysteresis, p *problems) *Hysteresis {
	if w.RecoverBelow == nil && w.RecoverAbove == nil {
		p.add("hysteresis", "requires recoverBelow or recoverAbove")
		return nil
	}
	if w.RecoverBelow != nil && w.RecoverAbove != nil && *w.RecoverAbove >= *w.RecoverBelow {
		p.add("hysteresis", "recoverAbove must be less than recoverBelow")
	}
	return &Hysteresis{RecoverBelow: w.RecoverBelow, RecoverAbove: w.RecoverAbove}
}

func parseCondition(raw json.RawMessage, path string, p *problems) Condition {
	var n wireNode
	if err := strictDecode(raw, &n); err != nil {
		p.add(decodeErrorField(path, err), "%s", decodeErrorProblem(err))
		return nil
	}

	switch n.Type {
	case "and", "or":
		if n.SensorKey != "" || n.Metric != nil || n.Operator != "" || n.Value != nil || n.Min != nil || n.Max != nil || n.Item != nil {
			p.add(path, "%s node only takes items", n.Type)
		}
		if len(n.Items) == 0 {
			p.add(path+".items", "at least one item is required")
		}
		items := make([]Condition, 0, len(n.Items))
		for i, item := range n.Items {
			items = append(items, parseCondition(item, fmt.Sprintf("%s.items[%d]", path, i), p))
		}
		if n.Type == "and" {
			return And{Items: items}
		}
		return Or{Items: items}

	case "not":
		if n.SensorKey != "" || n.Metric != nil || n.Operator != "" || n.Value != nil || n.Min != nil || n.Max != nil || n.Items != nil {
			p.add(path, "not node only takes item")
		}
		if len(bytes.TrimSpace(n.Item)) == 0 || string(bytes.TrimSpace(n.Item)) == "null" {
			p.add(path+".item", "required")
			return Not{}
		}
		return Not{Item: parseCondition(n.Item, path+".item", p)}

	case "sensor":
		if n.Metric != nil || n.Items != nil || n.Item != nil {
			p.add(path, "sensor node takes sensorKey, operator and thresholds only")
		}
		if strings.TrimSpace(n.SensorKey) == "" {
			p.add(path+".sensorKey", "required")
		}
		op, th := parseComparison(n, path, p)
		return SensorLeaf{SensorKey: strings.TrimSpace(n.SensorKey), Operator: op, Threshold: th}

	case "metric":
		if n.SensorKey != "" || n.Items != nil || n.Item != nil {
			p.add(path, "metric node takes metric, operator and thresholds only")
		}
		ref := parseMetricRef(n.Metric, path+".metric", p)
		op, th := parseComparison(n, path, p)
		return MetricLeaf{Metric: ref, Operator: op, Threshold: th}

	case "":
		p.add(path+".type", "required")
	default:
		p.add(path+".type", "must be one of and, or, not, sensor, metric")
	}
	return nil
}

func parseComparison(n wireNode, path string, p *problems) (Operator, Threshold) {
	op := Operator(n.Operator)
	var th Threshold
	switch {
	case n.Operator == "":
		p.add(path+".operator", "required")
		return op, th
	case !op.IsValid():
		p.add(path+".operator", "must be one of >, >=, <, <=, ==, !=, between")
		return op, th
	}

	if op == OpBetween {
		if n.Min == nil || n.Max == nil {
			p.add(path, "between requires min and max")
			return op, th
		}
		if *n.Min > *n.Max {
			p.add(path, "between requires min <= max")
		}
		if n.Value != nil {
			p.add(path+".value", "not allowed with between")
		}
		th.Min, th.Max = *n.Min, *n.Max
		return op, th
	}

	if n.Value == nil {
		p.add(path+".value", "required for operator %s", op)
		return op, th
	}
	if n.Min != nil || n.Max != nil {
		p.add(path, "min and max are only allowed with between")
	}
	th.Value = *n.Value
	return op, th
}

func parseMetricRef(w *wireMetric, path string, p *problems) MetricRef {
	if w == nil {
		p.add(path, "required")
		return MetricRef{}
	}
	ref := MetricRef{SensorKey: strings.TrimSpace(w.SensorKey), Agg: Aggregation(w.Agg)}
	if ref.SensorKey == "" {
		p.add(path+".sensorKey", "required")
	}
	switch {
	case w.Agg == "":
		p.add(path+".agg", "required")
	case !ref.Agg.IsValid():
		p.add(path+".agg", "must be one of last, min, max, avg, delta, slope")
	}
	if w.Window != nil {
		mw := &MetricWindow{}
		switch {
		case w.Window.Minutes != nil && w.Window.Points != nil:
			p.add(path+".window", "set minutes or points, not both")
		case w.Window.Minutes != nil:
			if *w.Window.Minutes <= 0 {
				p.add(path+".window.minutes", "must be > 0")
			}
			mw.Minutes = *w.Window.Minutes
		case w.Window.Points != nil:
			if *w.Window.Points <= 0 {
				p.add(path+".window.points", "must be > 0")
			}
			mw.Points = *w.Window.Points
		default:
			p.add(path+".window", "requires minutes or points")
		}
		ref.Window = mw
	}
	return ref
}

func strictDecode(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func decodeErrorField(path string, err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		if path == "" {
			return typeErr.Field
		}
		return path + "." + typeErr.Field
	}
	if name, ok := unknownFieldName(err); ok {
		if path == "" {
			return name
		}
		return path + "." + name
	}
	if path == "" {
		return "(root)"
	}
	return path
}

func decodeErrorProblem(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value)
	}
	if _, ok := unknownFieldName(err); ok {
		return "unknown field"
	}
	return err.Error()
}

func unknownFieldName(err error) (string, bool) {
	const prefix = "json: unknown field "
	msg := err.Error()
	if !strings.HasPrefix(msg, prefix) {
		return "", false
	}
	return strings.Trim(strings.TrimPrefix(msg, prefix), `"`), true
}
