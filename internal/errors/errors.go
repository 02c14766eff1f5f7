// Package errors defines the structured error taxonomy shared by the
// scheduler, the API and the data layer.
//
// Failures that cross a package boundary travel as *AppError values
// tagged with a stable code, so transports can map them to their own
// vocabulary (an HTTP status, a metric tag) without matching on
// message strings.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode names a failure category. Codes are part of the API
// surface: they appear verbatim in HTTP error bodies and metric tags.
type ErrorCode string

const (
	// ErrCodeNotFound reports that the task or job does not exist.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict reports a duplicate uuid or a concurrent update.
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeValidation reports malformed or missing input.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeUnknownTaskType reports a task type tag with no registered handler.
	ErrCodeUnknownTaskType ErrorCode = "unknown_task_type"
	// ErrCodeBackendNotFound reports a datasource backend nothing has registered.
	ErrCodeBackendNotFound ErrorCode = "backend_not_found"
	// ErrCodeInternal reports a failure the caller cannot fix.
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeTimeout reports an operation that exceeded its deadline.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled reports an operation canceled before completion.
	ErrCodeCanceled ErrorCode = "canceled"
)

// AppError is the error type the rest of the module produces and
// inspects. It wraps an optional cause, so errors.Is and errors.As see
// through it.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	// Field names the input field at fault, when one can be named.
	Field string
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes the cause to the errors package traversal.
func (e *AppError) Unwrap() error { return e.Cause }

// WithCause attaches the underlying error and returns the receiver, so
// translation layers can chain it onto a fresh AppError.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func newError(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// NotFound builds a not_found error.
func NotFound(message string) *AppError { return newError(ErrCodeNotFound, message) }

// NotFoundf builds a not_found error with a formatted message.
func NotFoundf(format string, args ...any) *AppError {
	return newError(ErrCodeNotFound, fmt.Sprintf(format, args...))
}

// Conflict builds a conflict error.
func Conflict(message string) *AppError { return newError(ErrCodeConflict, message) }

// Conflictf builds a conflict error with a formatted message.
func Conflictf(format string, args ...any) *AppError {
	return newError(ErrCodeConflict, fmt.Sprintf(format, args...))
}

// Validation builds a validation error.
func Validation(message string) *AppError { return newError(ErrCodeValidation, message) }

// Validationf builds a validation error with a formatted message.
func Validationf(format string, args ...any) *AppError {
	return newError(ErrCodeValidation, fmt.Sprintf(format, args...))
}

// ValidationField builds a validation error blaming a single field.
func ValidationField(field, message string) *AppError {
	err := newError(ErrCodeValidation, message)
	err.Field = field
	return err
}

// UnknownTaskType builds an error for a task type tag nothing has
// registered. The tag lands in Field so handlers can echo it back.
func UnknownTaskType(tag string) *AppError {
	err := newError(ErrCodeUnknownTaskType, "Unknown task type")
	err.Field = tag
	return err
}

// BackendNotFound builds an error for an unregistered datasource backend.
func BackendNotFound(name string) *AppError {
	err := newError(ErrCodeBackendNotFound, fmt.Sprintf("backend %s not found", name))
	err.Field = name
	return err
}

// Internal builds an internal error.
func Internal(message string) *AppError { return newError(ErrCodeInternal, message) }

// Internalf builds an internal error with a formatted message.
func Internalf(format string, args ...any) *AppError {
	return newError(ErrCodeInternal, fmt.Sprintf(format, args...))
}

// Wrap attaches a code and message to an existing error. A nil err
// yields nil, so call sites can wrap unconditionally.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return newError(code, message).WithCause(err)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// hasCode reports whether any error in the chain is an AppError with
// the given code.
func hasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsNotFound reports whether err carries ErrCodeNotFound.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsConflict reports whether err carries ErrCodeConflict.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsValidation reports whether err carries ErrCodeValidation.
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsUnknownTaskType reports whether err carries ErrCodeUnknownTaskType.
func IsUnknownTaskType(err error) bool { return hasCode(err, ErrCodeUnknownTaskType) }

// IsBackendNotFound reports whether err carries ErrCodeBackendNotFound.
func IsBackendNotFound(err error) bool { return hasCode(err, ErrCodeBackendNotFound) }

// IsInternal reports whether err carries ErrCodeInternal.
func IsInternal(err error) bool { return hasCode(err, ErrCodeInternal) }

// IsTimeout reports whether err carries ErrCodeTimeout.
func IsTimeout(err error) bool { return hasCode(err, ErrCodeTimeout) }

// IsCanceled reports whether err carries ErrCodeCanceled.
func IsCanceled(err error) bool { return hasCode(err, ErrCodeCanceled) }

// GetCode extracts the code from an error chain, or "" for errors that
// never passed through this package.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField extracts the blamed field from an error chain, or "" when
// none was recorded.
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
