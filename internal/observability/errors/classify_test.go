package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/chaoss/grimoirelab-core/internal/errors"
)

type flakyBackendError struct{}

func (flakyBackendError) Error() string { return "backend flaked" }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "app error", err: apperrors.NotFound("task not found"), want: "not_found"},
		{
			name: "wrapped app error",
			err:  fmt.Errorf("claim job: %w", apperrors.Conflict("job already claimed")),
			want: "conflict",
		},
		{name: "canceled", err: fmt.Errorf("poll: %w", context.Canceled), want: "canceled"},
		{name: "deadline", err: context.DeadlineExceeded, want: "timeout"},
		{name: "plain error", err: goerrors.New("boom"), want: "errors_errorstring"},
		{
			name: "custom type innermost",
			err:  fmt.Errorf("fetch: %w", &flakyBackendError{}),
			want: "errors_flakybackenderror",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
