package handlers

import (
	"encoding/json"
	"net/http"

	"vigil/internal/rules"
)

// SnapshotFunc returns the current rule snapshot, or nil.
type SnapshotFunc func() *rules.Snapshot

// RulesHandler lists the rules currently being evaluated.
func RulesHandler(snapshot SnapshotFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := snapshot()
		if snap == nil {
			writeError(w, http.StatusServiceUnavailable, "rule snapshot not loaded yet")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
