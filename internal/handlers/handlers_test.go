package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/dsl"
	"vigil/internal/rules"
)

const checkDSL = `{"dslVersion":"v1","scope":{"type":"device","deviceId":"pump-7"},"severity":"high",
  "when":{"type":"and","items":[
    {"type":"sensor","sensorKey":"vibration","operator":">","value":100},
    {"type":"metric","metric":{"sensorKey":"vibration","agg":"last"},"operator":">","value":100}
  ]},
  "actions":[{"type":"emit_alert"}]}`

func postCheck(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rules/check", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	NewCheckHandler(CheckConfig{}).ServeHTTP(rec, req)
	return rec
}

func TestCheckValidWithTelemetry(t *testing.T) {
	rec := postCheck(t, `{"dsl":`+checkDSL+`,"telemetry":{"schema_version":"1.0","received_ts":"2026-03-01T08:00:00Z","device_id":"pump-7","metrics":{"vibration":120}}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
	require.NotNil(t, resp.Rule)
	assert.Equal(t, dsl.ScopeDevice, resp.Rule.Scope.Kind)
	require.NotNil(t, resp.Evaluation)
	assert.Equal(t, "true", resp.Evaluation.Result)
	assert.Equal(t, "vibration", resp.Evaluation.SensorKey)
	assert.Equal(t, 120.0, *resp.Evaluation.Value)
	assert.Contains(t, resp.Evaluation.Explain, "last(vibration)=120")
}

func TestCheckInvalidDSL(t *testing.T) {
	rec := postCheck(t, `{"dsl":{"dslVersion":"v1","scope":{"type":"global"},"severity":"loud","when":{"type":"sensor","sensorKey":"a","operator":">","value":1},"actions":[{"type":"emit_alert"}]}}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp CheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Valid)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "severity", resp.Errors[0].Field)
}

func TestCheckRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"not json", `{`, http.StatusBadRequest},
		{"no dsl", `{}`, http.StatusBadRequest},
		{"bad telemetry", `{"dsl":` + checkDSL + `,"telemetry":{"schema_version":"1.0","received_ts":"2026-03-01T08:00:00Z","metrics":{}}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postCheck(t, tt.body)
			assert.Equal(t, tt.code, rec.Code)

			var body struct {
				Success *bool  `json:"success"`
				Error   string `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.NotNil(t, body.Success)
			assert.False(t, *body.Success)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestCheckBadTelemetryNamesTheField(t *testing.T) {
	rec := postCheck(t, `{"dsl":`+checkDSL+`,"telemetry":{"schema_version":"1.0","received_ts":"2026-03-01T08:00:00Z","device_id":"pump-7","metrics":{"vibration":"x","vibration ":1}}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"telemetry: telemetry message failed schema validation: metrics: more than one key trims to \"vibration\""}`, rec.Body.String())
}

func TestRulesHandler(t *testing.T) {
	var snap *rules.Snapshot
	h := RulesHandler(func() *rules.Snapshot { return snap })

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/rules", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	snap = &rules.Snapshot{
		Rules:    []rules.Rule{{ID: "r1", Name: "vibration", Version: 2, Scope: dsl.Scope{Kind: dsl.ScopeGlobal}}},
		LoadedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/rules", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"rules":[{"id":"r1","name":"vibration","version":2,"scope":{"type":"global"}}],"invalid":0,"loaded_at":"2026-03-01T00:00:00Z"}`, rec.Body.String())
}
