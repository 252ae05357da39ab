package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pitabwire/adoption/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xct := w.Header().Get("X-Content-Type-Options"); xct != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", xct)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewNotFoundError("animal not found"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", resp.Error.Code)
	}
}

func TestWriteError_wrappedEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("approve: %w", model.NewCascadeConflictError("animal already reserved")))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestWriteError_nonEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("something went wrong"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for non-envelope error", w.Code)
	}
}

func TestWriteError_statusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.NewBadRequestError("x"), 400},
		{model.NewUnauthorizedError("x"), 401},
		{model.NewForbiddenError("x"), 403},
		{model.NewNotFoundError("x"), 404},
		{model.NewConflictError("x"), 409},
		{model.NewCascadeConflictError("x"), 409},
		{model.NewConflictingInterviewError("x"), 409},
		{model.NewInvalidTransitionError("x"), 422},
		{model.NewValidationError(nil), 422},
		{model.NewRateLimitedError(), 429},
		{model.NewStorageUnavailableError(), 503},
		{model.NewInternalError(), 500},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		WriteError(w, tt.err)
		if w.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, w.Code, tt.want)
		}
	}
}

func TestWriteError_storageUnavailableHidesDetail(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewStorageUnavailableError())

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != model.ErrStorageUnavailable {
		t.Errorf("code = %q", resp.Error.Code)
	}
	if len(resp.Error.Details) != 0 {
		t.Errorf("details = %+v, want none", resp.Error.Details)
	}
}
