package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HTTPError is the body of the error envelope.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the error envelope: {"error": {...}}.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// WriteError writes an envelope with an explicit status and code.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	body := HTTPErrorResponse{Error: HTTPError{Code: code, Message: message, Details: details}}
	if r != nil {
		body.Error.RequestID = RequestIDFromContext(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// RespondWithError classifies err and writes the envelope. Internal errors
// are reported with a generic message.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	msg := err.Error()
	var details map[string]any

	var app *AppError
	if errors.As(err, &app) {
		msg = app.Message
		details = app.Details
	}
	if status == http.StatusInternalServerError && app == nil {
		msg = "internal server error"
	}
	WriteError(w, r, status, code, msg, details)
}
