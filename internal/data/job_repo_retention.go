package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chaoss/grimoirelab-core/internal/core"
	"github.com/chaoss/grimoirelab-core/internal/data/pgxutil"
)

// Advisory lock namespace for retention sweeps.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
const (
	advisoryLockRetentionMajor  = 1000
	advisoryLockRetentionDelete = 1 // minor key for DeleteOldJobs
)

// DeleteOldJobs deletes jobs in the given terminal status older than MaxAge,
// always keeping the KeepNewest most recent jobs of each task. Processes up
// to BatchSize jobs per call to prevent long locks and I/O spikes. Uses
// advisory locks so concurrent sweeps do not conflict. Returns the number of
// jobs deleted.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if !params.Status.Terminal() {
		return 0, fmt.Errorf("status %s is not terminal", params.Status)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	if params.MaxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}
	if params.KeepNewest < 0 {
		return 0, errors.New("keep newest must be >= 0")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, nil, func(tx *sql.Tx) error {
		var locked bool
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockRetentionMajor, advisoryLockRetentionDelete).Scan(&locked); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !locked {
			rowsAffected = 0
			return nil
		}

		currentTime := r.timeProvider.Now()
		cutoffTime := currentTime.Add(-params.MaxAge)

		res, err := tx.ExecContext(ctx, `
			DELETE FROM jobs
			WHERE uuid IN (
				SELECT uuid FROM (
					SELECT uuid, status, finished_at, updated_at,
					       row_number() OVER (PARTITION BY task_uuid ORDER BY job_num DESC) AS rn
					FROM jobs
				) ranked
				WHERE rn > $4
				  AND status = $1
				  AND (finished_at < $2 OR (finished_at IS NULL AND updated_at < $2))
				ORDER BY COALESCE(finished_at, updated_at)
				LIMIT $3
			)
		`, params.Status, cutoffTime.UTC(), params.BatchSize, params.KeepNewest)
		if err != nil {
			return fmt.Errorf("delete old jobs: %w", err)
		}

		ra, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		rowsAffected = ra
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
