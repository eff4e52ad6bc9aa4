// Package api implements the Orchestrator API (§4.H): a gorilla/mux REST
// surface over the Control Plane, Simulation Driver, Detector, Analysis
// Store and LLM Dispatcher, plus the /stream SSE endpoint served by the
// Broadcaster.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// successEnvelope is the §7 success shape: {data, meta{timestamp,
// correlation_id, version}}.
type successEnvelope struct {
	Data interface{} `json:"data"`
	Meta metaBlock   `json:"meta"`
}

type metaBlock struct {
	Timestamp     string `json:"timestamp"`
	CorrelationID string `json:"correlation_id"`
	Version       string `json:"version"`
}

// errorEnvelope is the §7 failure shape: {code, message, details?,
// correlation_id?}.
type errorEnvelope struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Details       string `json:"details,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// apiVersion is reported in every success envelope's meta block.
const apiVersion = "v1"

func correlationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	writeJSON(w, status, successEnvelope{
		Data: data,
		Meta: metaBlock{
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			CorrelationID: correlationID(r),
			Version:       apiVersion,
		},
	})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details string) {
	writeJSON(w, status, errorEnvelope{
		Code:          code,
		Message:       message,
		Details:       details,
		CorrelationID: correlationID(r),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Error codes drawn from §7's taxonomy.
const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeNotFound          = "NOT_FOUND"
	CodeBaselineInvalid   = "BASELINE_INVALID"
	CodeStorageError      = "STORAGE_ERROR"
	CodeInternal          = "INTERNAL"
)
