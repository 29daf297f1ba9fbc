// Package handlers holds the HTTP handlers of the health server.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/fulmenhq/gofulmen/errors"
)

// Error codes used in JSON error bodies.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorResponse wraps an envelope as {"error": {...}}.
type ErrorResponse struct {
	Error *apperrors.ErrorEnvelope `json:"error"`
}

// RespondWithError writes env as an ErrorResponse with the given status.
func RespondWithError(w http.ResponseWriter, status int, env *apperrors.ErrorEnvelope) {
	writeJSON(w, status, ErrorResponse{Error: env})
}

// NotFound answers unknown routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	RespondWithError(w, http.StatusNotFound,
		apperrors.NewErrorEnvelope(CodeNotFound, "route not found: "+r.URL.Path).WithPath(r.URL.Path))
}

// MethodNotAllowed answers known routes called with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	RespondWithError(w, http.StatusMethodNotAllowed,
		apperrors.NewErrorEnvelope(CodeMethodNotAllowed, "method "+r.Method+" not allowed on "+r.URL.Path).
			WithPath(r.URL.Path).
			WithDetails(map[string]interface{}{"method": r.Method}))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
