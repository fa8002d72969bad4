// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// FieldError carries field-level validation causes alongside ErrValidation.
type FieldError struct {
	Fields map[string]string
}

func (e *FieldError) Error() string {
	return ErrValidation.Error()
}

// Unwrap lets errors.Is match ErrValidation.
func (e *FieldError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a validation error for a single field.
func Invalid(field, cause string) error {
	return &FieldError{Fields: map[string]string{field: cause}}
}

// StatusFor maps an error onto an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// RespondError writes the failure envelope. Internal errors never leak their message.
func RespondError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	body := Failure{Success: false, Error: err.Error()}
	if status == http.StatusInternalServerError {
		body.Error = http.StatusText(http.StatusInternalServerError)
	}
	var fieldErr *FieldError
	if errors.As(err, &fieldErr) {
		body.Fields = fieldErr.Fields
	}
	JSON(w, status, body)
}
