package httpx

import (
	"errors"
	"net/http"

	apperrors "github.com/chaoss/grimoirelab-core/internal/errors"
)

// WriteAppError maps a service error onto an HTTP status and writes the
// JSON error body. Errors that are not AppErrors become plain 500s so
// internal details never reach clients.
func WriteAppError(w http.ResponseWriter, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		WriteError(w, http.StatusInternalServerError, string(apperrors.ErrCodeInternal), "internal server error")
		return
	}

	WriteError(w, statusForCode(appErr.Code), string(appErr.Code), appErrorMessage(appErr))
}

func statusForCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeUnknownTaskType, apperrors.ErrCodeValidation:
		return http.StatusBadRequest
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// appErrorMessage renders the client-facing message. Validation errors
// carry the offending field as a prefix.
func appErrorMessage(appErr *apperrors.AppError) string {
	if appErr.Code == apperrors.ErrCodeValidation && appErr.Field != "" {
		return appErr.Field + ": " + appErr.Message
	}
	return appErr.Message
}
