package http

import (
	"fmt"
	"net/http"
)

// Error codes shared by the REST handlers.
const (
	CodeNotFound    = "ERR_NOT_FOUND"
	CodeConflict    = "ERR_CONFLICT"
	CodeRateLimited = "ERR_RATE_LIMITED"
	CodeInvalid     = "ERR_INVALID"
)

// AppError is an error that knows its HTTP status. Details carries per-field
// problems for 400 responses.
type AppError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Status  int                    `json:"-"`
	Details []ValidationError      `json:"-"`
	Err     error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// NewAppError creates a new application error.
func NewAppError(code, field, message string, status int) *AppError {
	return &AppError{Code: code, Field: field, Message: message, Status: status}
}

// InvalidRequest builds a 400 from field-level problems.
func InvalidRequest(details []ValidationError) *AppError {
	return &AppError{Code: CodeInvalid, Message: "request validation failed", Status: http.StatusBadRequest, Details: details}
}

func NotFoundError(message string) *AppError {
	return NewAppError(CodeNotFound, "", message, http.StatusNotFound)
}

func ConflictError(message string) *AppError {
	return NewAppError(CodeConflict, "", message, http.StatusConflict)
}

func TooManyRequestsError(message string) *AppError {
	return NewAppError(CodeRateLimited, "", message, http.StatusTooManyRequests)
}
