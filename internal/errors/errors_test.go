package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/audioshelf/pkg/jobengine"
	"github.com/3leaps/audioshelf/pkg/jobregistry"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", fmt.Errorf("get: %w", jobregistry.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{"validation", jobengine.ErrNotRunning, http.StatusBadRequest, CodeValidation},
		{"active delete", jobregistry.ErrActiveStatus, http.StatusBadRequest, CodeValidation},
		{"transition", &jobregistry.TransitionError{JobID: "j", From: "completed", To: "running"}, http.StatusConflict, CodeConflict},
		{"shutting down", jobengine.ErrShuttingDown, http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"app error", NewExternalServiceError("audible unreachable"), http.StatusBadGateway, CodeExternalService},
		{"unknown", assert.AnError, http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := Classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestRespondWithError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/x", nil)
	req = req.WithContext(ContextWithRequestID(req.Context(), "req-1"))
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, jobregistry.ErrNotFound)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeNotFound, body.Error.Code)
	assert.Equal(t, "job not found", body.Error.Message)
	assert.Equal(t, "req-1", body.Error.RequestID)
}

func TestRespondWithError_HidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), fmt.Errorf("sql: connection refused"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeInternal, body.Error.Code)
	assert.Equal(t, "internal server error", body.Error.Message)
}

func TestValidationErrorCarriesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	err := NewValidationError("invalid status filter", map[string]any{"status": "bogus"})
	RespondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), err)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "invalid status filter", body.Error.Message)
	assert.Equal(t, "bogus", body.Error.Details["status"])
	assert.ErrorIs(t, err, jobregistry.ErrValidation)
}

func TestWrapInternal(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "abc")
	err := WrapInternal(ctx, assert.AnError, "Cannot open store")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "abc", err.Details["request_id"])
	assert.Contains(t, err.Error(), "Cannot open store")
	assert.Empty(t, RequestIDFromContext(context.Background()))
}
