// Package errors defines the application error type and the JSON error
// envelope returned by the HTTP API.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
)

// Error codes used in HTTP responses.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeBadRequest         = "BAD_REQUEST"
	CodeConflict           = "CONFLICT"
	CodeGone               = "GONE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// AppError is an error with an HTTP status and a stable code.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error { return e.Err }

// WithDetails returns a copy of e carrying details.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// New returns an AppError.
func New(code string, status int, message string) *AppError {
	return &AppError{Code: code, Status: status, Message: message}
}

// NotFound returns a 404 error.
func NotFound(message string) *AppError {
	return New(CodeNotFound, http.StatusNotFound, message)
}

// BadRequest returns a 400 error.
func BadRequest(message string) *AppError {
	return New(CodeBadRequest, http.StatusBadRequest, message)
}

// Conflict returns a 409 error.
func Conflict(message string) *AppError {
	return New(CodeConflict, http.StatusConflict, message)
}

// Gone returns a 410 error.
func Gone(message string) *AppError {
	return New(CodeGone, http.StatusGone, message)
}

// Unavailable returns a 503 error.
func Unavailable(message string) *AppError {
	return New(CodeServiceUnavailable, http.StatusServiceUnavailable, message)
}

// NewExternalServiceError reports a dependency (database, mail relay,
// object store) that could not be reached.
func NewExternalServiceError(message string) *AppError {
	return New(CodeExternalService, http.StatusBadGateway, message)
}

// WrapInternal wraps err as a 500 error. The request ID in ctx, if any, is
// recorded in the details.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	e := New(CodeInternal, http.StatusInternalServerError, message)
	e.Err = err
	if id := RequestIDFrom(ctx); id != "" {
		e.Details = map[string]any{"request_id": id}
	}
	return e
}

// As extracts an AppError from err's chain.
func As(err error) (*AppError, bool) {
	var ae *AppError
	ok := stderrors.As(err, &ae)
	return ae, ok
}

// HTTPError is the body of an error response.
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

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Write writes an error envelope.
func Write(w http.ResponseWriter, r *http.Request, status int, body HTTPError) {
	if body.RequestID == "" && r != nil {
		body.RequestID = RequestIDFrom(r.Context())
	}
	WriteJSON(w, status, HTTPErrorResponse{Error: body})
}

// RespondWithError writes err as an error envelope. Errors that are not
// AppErrors become a 500 without leaking their text.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	if ae, ok := As(err); ok {
		Write(w, r, ae.Status, HTTPError{Code: ae.Code, Message: ae.Message, Details: ae.Details})
		return
	}
	Write(w, r, http.StatusInternalServerError, HTTPError{Code: CodeInternal, Message: "internal server error"})
}

type requestIDKey struct{}

// WithRequestID stores a request ID in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request ID stored in ctx, or "".
func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
