package errors

import (
	"context"
	"errors"
	"regexp"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// reKeyField pulls the column list out of a unique violation detail,
// which reads `Key (field)=(value) already exists.`.
var reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)

// MapDBError translates driver errors into the AppError taxonomy.
// Timeouts, cancellations, missing rows and the common constraint
// violations each get their own code; anything unrecognized passes
// through untouched so callers can wrap it themselves.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(err, ErrCodeTimeout, "request timed out")
	case errors.Is(err, context.Canceled):
		return Wrap(err, ErrCodeCanceled, "request was canceled")
	case errors.Is(err, pgx.ErrNoRows):
		return Wrap(err, ErrCodeNotFound, "resource not found")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}
	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		err := Conflict("value already exists").WithCause(pgErr)
		err.Field = uniqueViolationField(pgErr)
		return err
	case pgerrcode.ForeignKeyViolation:
		return Validation("referenced row does not exist").WithCause(pgErr)
	case pgerrcode.NotNullViolation:
		return ValidationField(pgErr.ColumnName, "required field is missing").WithCause(pgErr)
	case pgerrcode.CheckViolation:
		return ValidationField(pgErr.ColumnName, "invalid field value").WithCause(pgErr)
	default:
		return Wrap(pgErr, ErrCodeInternal, "database error")
	}
}

// uniqueViolationField names the conflicting column. Postgres omits
// ColumnName on unique violations more often than not, so the detail
// text is the fallback.
func uniqueViolationField(pgErr *pgconn.PgError) string {
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName
	}
	if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		return m[1]
	}
	return ""
}
