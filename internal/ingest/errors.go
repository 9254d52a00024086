package ingest

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable ingestion error code.
type Code string

const (
	CodeInvalidRequest Code = "INVALID_REQUEST" // 400
	CodeInternal       Code = "INTERNAL"        // 500
)

// Error is a structured failure surfaced to API callers.
type Error struct {
	Code    Code
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus lets delivery-side classifiers treat the error like a response.
func (e *Error) HTTPStatus() int {
	return e.Status
}

func invalid(format string, args ...any) *Error {
	return &Error{
		Code:    CodeInvalidRequest,
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf(format, args...),
	}
}

func internal(op string, err error) *Error {
	return &Error{
		Code:    CodeInternal,
		Status:  http.StatusInternalServerError,
		Message: fmt.Sprintf("%s: %v", op, err),
	}
}

// AsError returns err as an *Error, wrapping unknown errors as INTERNAL.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return internal("unexpected", err)
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
