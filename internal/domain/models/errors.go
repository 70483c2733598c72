package models

import (
	"errors"
	"strings"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrQuoteUnavailable  = errors.New("no valid quotes")
	ErrNoData            = errors.New("no data")
	ErrLateTrade         = errors.New("trade precedes open bucket")
	ErrDuplicateAction   = errors.New("corporate action already recorded")
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError is returned when an input is rejected before any state is touched.
type ValidationError struct {
	Fields []FieldError
	cause  error
}

// UnknownInstrument reports an instrument id missing from the registry.
func UnknownInstrument(id string) *ValidationError {
	ve := &ValidationError{cause: ErrUnknownInstrument}
	ve.Add("instrument_id", "ERR_UNKNOWN_INSTRUMENT", "unknown instrument "+id)
	return ve
}

// Unwrap exposes the sentinel behind the failure, if any.
func (e *ValidationError) Unwrap() error { return e.cause }

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a field failure.
func (e *ValidationError) Add(field, code, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Code: code, Message: msg})
}

// OrNil returns e when any field failed, nil otherwise.
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
