package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/chaoss/grimoirelab-core/internal/data/pgxutil"
	"github.com/chaoss/grimoirelab-core/internal/domain/model"
)

// GetByUUID retrieves a job by its UUID.
func (r *JobRepo) GetByUUID(ctx context.Context, uuid string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE uuid = $1
		`, uuid)
		if err != nil {
			return err
		}
		defer rows.Close()
		job, err = collectJobFromRows(rows)
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListByTask returns one page of a task's jobs, newest run first, plus the
// unpaginated total.
func (r *JobRepo) ListByTask(ctx context.Context, opts model.JobListOptions) (*model.JobPage, error) {
	if strings.TrimSpace(opts.TaskUUID) == "" {
		return nil, errors.New("task uuid is required")
	}

	where := " WHERE task_uuid = $1"
	args := []any{opts.TaskUUID}
	if opts.Status != nil {
		args = append(args, *opts.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 25
	}
	query := `
		SELECT ` + jobColumns + `
		FROM jobs` + where + `
		ORDER BY job_num DESC
		LIMIT $` + fmt.Sprint(len(args)+1) + ` OFFSET $` + fmt.Sprint(len(args)+2)
	args = append(args, limit, opts.Offset)

	var jobs []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			job, scanErr := scanJobFromRow(rows)
			if scanErr != nil {
				return scanErr
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	return &model.JobPage{Jobs: jobs, Total: total}, nil
}

// LatestByTask returns the task's job with the highest job_num, or
// ErrJobNotFound when the task has no jobs yet.
func (r *JobRepo) LatestByTask(ctx context.Context, taskUUID string) (*model.Job, error) {
	return r.latestByTask(ctx, taskUUID, "")
}

// LatestCompletedByTask returns the task's most recent completed job, or
// ErrJobNotFound when none completed yet.
func (r *JobRepo) LatestCompletedByTask(ctx context.Context, taskUUID string) (*model.Job, error) {
	return r.latestByTask(ctx, taskUUID, model.StatusCompleted)
}

func (r *JobRepo) latestByTask(ctx context.Context, taskUUID string, status model.Status) (*model.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE task_uuid = $1
	`
	args := []any{taskUUID}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY job_num DESC LIMIT 1"

	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		job, err = collectJobFromRows(rows)
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest job: %w", err)
	}
	return job, nil
}

// CountByStatus reports how many of the task's jobs are in the given status.
func (r *JobRepo) CountByStatus(ctx context.Context, taskUUID string, status model.Status) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `
		SELECT count(*) FROM jobs WHERE task_uuid = $1 AND status = $2
	`, taskUUID, status).Scan(&count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("count jobs by status: %w", err)
	}
	return count, nil
}
