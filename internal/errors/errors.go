// Package errors maps domain errors onto the HTTP error envelope and carries
// the application error type used by commands and handlers.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/3leaps/audioshelf/pkg/jobengine"
	"github.com/3leaps/audioshelf/pkg/jobregistry"
)

// Error codes written into the envelope.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// AppError is an error with an HTTP status and an envelope code.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// NewValidationError reports a rejected request.
func NewValidationError(msg string, details map[string]any) *AppError {
	return &AppError{Code: CodeValidation, Status: http.StatusBadRequest, Message: msg, Details: details, Err: jobregistry.ErrValidation}
}

// NewExternalServiceError reports an unavailable dependency.
func NewExternalServiceError(msg string) *AppError {
	return &AppError{Code: CodeExternalService, Status: http.StatusBadGateway, Message: msg}
}

// WrapInternal wraps an unexpected failure. The request id, when the context
// carries one, is kept in the details.
func WrapInternal(ctx context.Context, err error, msg string) *AppError {
	e := &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: msg, Err: err}
	if id := RequestIDFromContext(ctx); id != "" {
		e.Details = map[string]any{"request_id": id}
	}
	return e
}

// Classify picks the status and code for err.
func Classify(err error) (int, string) {
	var app *AppError
	switch {
	case errors.As(err, &app):
		return app.Status, app.Code
	case errors.Is(err, jobregistry.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, jobregistry.ErrInvalidTransition):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, jobregistry.ErrValidation):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, jobengine.ErrShuttingDown), errors.Is(err, jobengine.ErrNotStarted):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	}
	return http.StatusInternalServerError, CodeInternal
}

type requestIDKey struct{}

// ContextWithRequestID stores the request id for error envelopes and logs.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
