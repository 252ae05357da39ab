// Package transport is the HTTP adapter for the adoption workflow: routing,
// the middleware chain, authentication and request handlers.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/adoption/internal/observability"
	"github.com/pitabwire/adoption/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:           http.StatusBadRequest,
	model.ErrUnauthorized:         http.StatusUnauthorized,
	model.ErrForbidden:            http.StatusForbidden,
	model.ErrNotFound:             http.StatusNotFound,
	model.ErrConflict:             http.StatusConflict,
	model.ErrValidationError:      http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:    http.StatusUnprocessableEntity,
	model.ErrCascadeConflict:      http.StatusConflict,
	model.ErrConflictingInterview: http.StatusConflict,
	model.ErrRateLimited:          http.StatusTooManyRequests,
	model.ErrStorageUnavailable:   http.StatusServiceUnavailable,
	model.ErrInternalError:        http.StatusInternalServerError,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that do not carry an envelope become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// writeRequestError is WriteError with the request's trace id attached.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}
	if traceID := observability.TraceIDFromContext(r.Context()); traceID != "" {
		withTrace := *ee
		withTrace.TraceID = traceID
		ee = &withTrace
	}
	WriteError(w, ee)
}
