package data

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/chaoss/grimoirelab-core/internal/errors"
)

// Shared sentinel errors for data-layer repositories.
var (
	// ErrTaskNotFound is returned when a task does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrJobNotFound is returned when a job does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotRunning is returned by progress and completion updates when
	// the job is no longer in the running state.
	ErrJobNotRunning = errors.New("job is not running")
)

// MapPostgresError classifies low-level Postgres errors into application
// errors. Constraint violations surface as conflicts or validation failures
// so handlers never leak raw driver messages.
func MapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return apperrors.Conflict("record already exists").WithCause(err)
	case pgerrcode.ForeignKeyViolation:
		return apperrors.Conflict("record is referenced by other data").WithCause(err)
	case pgerrcode.CheckViolation, pgerrcode.NotNullViolation:
		return apperrors.ValidationField(pgErr.ColumnName, "invalid value").WithCause(err)
	default:
		return err
	}
}
