// Package errors maps Go errors onto the short class names used to tag
// metrics and log lines.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"

	apperrors "github.com/chaoss/grimoirelab-core/internal/errors"
)

// Classify reduces err to a low-cardinality class name for metric tags.
//
// Application errors classify as their error code and context errors as
// "canceled" or "timeout". Anything else falls back to the innermost
// concrete type, lowercased with package qualifiers flattened, so new
// failure modes show up in dashboards without a code change here.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var appErr *apperrors.AppError
	if goerrors.As(err, &appErr) {
		return string(appErr.Code)
	}
	if goerrors.Is(err, context.Canceled) {
		return string(apperrors.ErrCodeCanceled)
	}
	if goerrors.Is(err, context.DeadlineExceeded) {
		return string(apperrors.ErrCodeTimeout)
	}

	for {
		inner := goerrors.Unwrap(err)
		if inner == nil {
			break
		}
		err = inner
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(t.String())
	name = strings.ReplaceAll(name, "*", "")
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
