package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"vigil/internal/dsl"
	"vigil/internal/eval"
	"vigil/internal/models"
	"vigil/internal/state"
)

// CheckHandler validates a rule document and optionally evaluates it
// against one telemetry message. Nothing is persisted.
type CheckHandler struct {
	// Max body size (default 1MB)
	maxBodySize int64
}

// CheckConfig holds configuration for the check handler
type CheckConfig struct {
	MaxBodySize int64
}

// NewCheckHandler creates a new check handler
func NewCheckHandler(cfg CheckConfig) *CheckHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 1 << 20
	}
	return &CheckHandler{maxBodySize: maxBodySize}
}

// CheckRequest carries the rule document and an optional telemetry message
// in the stream wire format.
type CheckRequest struct {
	DSL       json.RawMessage `json:"dsl"`
	Telemetry json.RawMessage `json:"telemetry,omitempty"`
}

// CheckResponse is the result of a check.
type CheckResponse struct {
	Valid      bool             `json:"valid"`
	Errors     []dsl.FieldError `json:"errors,omitempty"`
	Rule       *RuleSummary     `json:"rule,omitempty"`
	Evaluation *CheckEvaluation `json:"evaluation,omitempty"`
}

// RuleSummary echoes the parsed document.
type RuleSummary struct {
	Scope         dsl.Scope         `json:"scope"`
	Enabled       bool              `json:"enabled"`
	Severity      models.Severity   `json:"severity"`
	TimeField     dsl.TimeField     `json:"timeField"`
	MissingPolicy dsl.MissingPolicy `json:"missingPolicy"`
	HasWindow     bool              `json:"hasWindow"`
	Hysteresis    bool              `json:"hysteresis"`
}

// CheckEvaluation is the single-message evaluation of the condition tree.
type CheckEvaluation struct {
	Result    string   `json:"result"`
	Explain   string   `json:"explain"`
	SensorKey string   `json:"sensorKey,omitempty"`
	Value     *float64 `json:"value,omitempty"`
}

// ServeHTTP handles the check request
func (h *CheckHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && contentType != "" {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var req CheckRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.DSL) == 0 {
		writeError(w, http.StatusBadRequest, "dsl is required")
		return
	}

	doc, err := dsl.Parse(req.DSL)
	if err != nil {
		var verr *dsl.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusUnprocessableEntity, CheckResponse{Valid: false, Errors: verr.Details})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := CheckResponse{
		Valid: true,
		Rule: &RuleSummary{
			Scope:         doc.Scope,
			Enabled:       doc.Enabled,
			Severity:      doc.Severity,
			TimeField:     doc.TimeField,
			MissingPolicy: doc.MissingPolicy,
			HasWindow:     doc.Window != nil,
			Hysteresis:    doc.Hysteresis.Configured(),
		},
	}

	if len(req.Telemetry) > 0 {
		event, err := models.DecodeTelemetry(req.Telemetry)
		if err != nil {
			writeError(w, http.StatusBadRequest, "telemetry: "+err.Error())
			return
		}
		resp.Evaluation = evaluateOnce(doc, event)
	}

	writeJSON(w, http.StatusOK, resp)
}

// evaluateOnce runs the tree against a history holding only event.
func evaluateOnce(doc *dsl.RuleDsl, event *models.TelemetryEvent) *CheckEvaluation {
	history := state.NewSensorHistory(1, 0)
	history.Record(event.DeviceID, event.ReceivedAt, event.Metrics)
	series := history.Lookup(event.DeviceID, event.ReceivedAt)

	out := &CheckEvaluation{
		Result:  eval.Evaluate(doc.When, event.Metrics, series).String(),
		Explain: eval.Explain(doc.When, event.Metrics, series),
	}
	if leaf, ok := dsl.FirstSensorLeaf(doc.When); ok {
		out.SensorKey = leaf.SensorKey
		if v, ok := event.Numeric(leaf.SensorKey); ok {
			out.Value = &v
		}
	}
	return out
}
