package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/chaoss/grimoirelab-core/internal/data/pgxutil"
	"github.com/chaoss/grimoirelab-core/internal/domain/model"
)

// SQL used by ReserveNext to atomically claim the next eligible job.
const reserveNextUpdateSQL = `
  WITH cte AS (
    SELECT uuid FROM jobs
    WHERE queue = $1 AND status = 'enqueued' AND scheduled_at <= $2
    ORDER BY scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'running',
    started_at = COALESCE(j.started_at, $3),
    lease_expires_at = $4,
    updated_at = $5
  FROM cte
  WHERE j.uuid = cte.uuid
  RETURNING j.uuid, j.task_uuid, j.task_type, j.job_num, j.queue, j.status, j.scheduled_at, j.started_at, j.finished_at, j.job_args, j.progress, j.result, j.logs, j.last_error, j.cancel_requested, j.lease_expires_at, j.created_at, j.updated_at`

// CreateForTask inserts a new job for a task, assigning the next job_num,
// and notifies listeners on the job's queue. The parent task row is locked
// for the duration of the insert so concurrent enqueues cannot collide on
// job_num.
func (r *JobRepo) CreateForTask(ctx context.Context, job *model.Job) (*model.Job, error) {
	if job == nil {
		return nil, errors.New("job is required")
	}
	if strings.TrimSpace(job.UUID) == "" {
		return nil, errors.New("job uuid is required")
	}
	if strings.TrimSpace(job.TaskUUID) == "" {
		return nil, errors.New("job task uuid is required")
	}
	if strings.TrimSpace(job.Queue) == "" {
		return nil, errors.New("job queue is required")
	}

	args := []byte(`{}`)
	if job.JobArgs != nil {
		var err error
		args, err = json.Marshal(job.JobArgs)
		if err != nil {
			return nil, fmt.Errorf("marshal job args: %w", err)
		}
	}

	scheduledAt := job.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = r.timeProvider.Now()
	}
	now := r.timeProvider.Now().UTC()

	var created *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, nil, func(tx pgx.Tx) error {
		var taskUUID string
		if err := tx.QueryRow(ctx, `SELECT uuid FROM tasks WHERE uuid = $1 FOR UPDATE`, job.TaskUUID).Scan(&taskUUID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("lock task: %w", err)
		}

		rows, err := tx.Query(ctx, `
	      INSERT INTO jobs(uuid, task_uuid, task_type, job_num, queue, status, scheduled_at, job_args, created_at, updated_at)
	      SELECT $1, $2, $3, COALESCE(MAX(j.job_num), 0) + 1, $4, 'enqueued', $5, $6, $7, $7
	      FROM jobs j
	      WHERE j.task_uuid = $2
	      RETURNING `+jobColumns,
			job.UUID,
			job.TaskUUID,
			job.TaskType,
			job.Queue,
			scheduledAt.UTC(),
			args,
			now,
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		inserted, collectErr := collectJobFromRows(rows)
		rows.Close()
		if collectErr != nil {
			return fmt.Errorf("collect job: %w", collectErr)
		}

		channel := "job_added_" + job.Queue
		if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, channel, inserted.UUID); execErr != nil {
			return fmt.Errorf("send job notification: %w", execErr)
		}

		created = inserted
		return nil
	})
	if err != nil {
		return nil, MapPostgresError(err)
	}
	return created, nil
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}

	return job, nil
}

// ReserveNext reserves the next available job on the given queue for
// processing. Jobs scheduled in the future stay untouched until their time
// arrives.
func (r *JobRepo) ReserveNext(ctx context.Context, queue string, leaseSeconds int) (*model.Job, error) {
	if strings.TrimSpace(queue) == "" {
		return nil, errors.New("queue is required")
	}

	txOpts := &sql.TxOptions{Isolation: sql.LevelReadCommitted}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, txOpts, func(tx pgx.Tx) error {
		currentTime := r.timeProvider.Now()
		leaseExpiresAt := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

		rows, qerr := tx.Query(
			ctx,
			reserveNextUpdateSQL,
			queue,
			currentTime.UTC(),
			currentTime.UTC(),
			leaseExpiresAt.UTC(),
			currentTime.UTC(),
		)
		if qerr != nil {
			return fmt.Errorf("reserve job: %w", qerr)
		}
		defer rows.Close()

		j, cerr := collectJobFromRows(rows)
		if errors.Is(cerr, pgx.ErrNoRows) {
			return model.ErrNoJobsAvailable
		}
		if cerr != nil {
			return fmt.Errorf("reserve job: %w", cerr)
		}
		job = j
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes the lease on a running job. It reports false when the
// job is no longer running, which tells the worker to stop renewing.
func (r *JobRepo) Heartbeat(ctx context.Context, jobUUID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}

	currentTime := r.timeProvider.Now().UTC()
	leaseExpiration := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = $2,
		    updated_at = $3
		WHERE uuid = $1 AND status = 'running'
	`, jobUUID, leaseExpiration, currentTime)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// SaveProgress stores the latest progress snapshot and log lines for a
// running job. It reports whether a cancel has been requested so the job can
// stop at the next checkpoint. ErrJobNotRunning is returned when the job has
// left the running state, for example after a lease expiry sweep.
func (r *JobRepo) SaveProgress(
	ctx context.Context,
	jobUUID string,
	progress json.RawMessage,
	logs []model.LogEntry,
) (bool, error) {
	rawLogs, err := marshalJobLogs(logs)
	if err != nil {
		return false, err
	}

	var cancelRequested bool
	err = r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET progress = $2,
		    logs = $3,
		    updated_at = $4
		WHERE uuid = $1 AND status = 'running'
		RETURNING cancel_requested
	`, jobUUID, []byte(progress), rawLogs, r.timeProvider.Now().UTC()).Scan(&cancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrJobNotRunning
	}
	if err != nil {
		return false, fmt.Errorf("save job progress: %w", err)
	}
	return cancelRequested, nil
}

// Complete marks a running job as completed and stores its result. It
// reports false when the job was not running anymore.
func (r *JobRepo) Complete(ctx context.Context, jobUUID string, outcome model.JobOutcome) (bool, error) {
	rawLogs, err := marshalJobLogs(outcome.Logs)
	if err != nil {
		return false, err
	}

	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    result = $2,
		    progress = COALESCE($3, progress),
		    logs = $4,
		    finished_at = $5,
		    updated_at = $5,
		    lease_expires_at = NULL,
		    last_error = NULL
		WHERE uuid = $1 AND status = 'running'
	`, jobUUID, []byte(outcome.Result), []byte(outcome.Progress), rawLogs, currentTime)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Fail marks a running job as failed with the given error message. Retry
// budgets live on the task, so a failed job is terminal; the scheduler
// decides whether a recovery job follows.
func (r *JobRepo) Fail(ctx context.Context, jobUUID string, outcome model.JobOutcome) (bool, error) {
	rawLogs, err := marshalJobLogs(outcome.Logs)
	if err != nil {
		return false, err
	}

	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    last_error = $2,
		    progress = COALESCE($3, progress),
		    logs = $4,
		    finished_at = $5,
		    updated_at = $5,
		    lease_expires_at = NULL
		WHERE uuid = $1 AND status = 'running'
	`, jobUUID, outcome.Error, []byte(outcome.Progress), rawLogs, currentTime)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// RequestCancel cancels a job. Enqueued jobs are canceled outright; running
// jobs get a cancel flag the worker observes at its next progress
// checkpoint. The returned status reflects the job after the call, so
// callers can tell an immediate cancel from a pending one.
func (r *JobRepo) RequestCancel(ctx context.Context, jobUUID string) (model.Status, error) {
	currentTime := r.timeProvider.Now().UTC()

	var status model.Status
	err := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = CASE WHEN status = 'enqueued' THEN 'canceled' ELSE status END,
		    cancel_requested = CASE WHEN status = 'running' THEN TRUE ELSE cancel_requested END,
		    finished_at = CASE WHEN status = 'enqueued' THEN $2 ELSE finished_at END,
		    lease_expires_at = CASE WHEN status = 'enqueued' THEN NULL ELSE lease_expires_at END,
		    updated_at = $2
		WHERE uuid = $1 AND status IN ('enqueued', 'running')
		RETURNING status
	`, jobUUID, currentTime).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		// Already terminal; cancel is idempotent.
		job, getErr := r.GetByUUID(ctx, jobUUID)
		if getErr != nil {
			return "", getErr
		}
		return job.Status, nil
	}
	if err != nil {
		return "", fmt.Errorf("request job cancel: %w", err)
	}
	return status, nil
}

// MarkCanceled finishes a running job that observed a cancel request. It
// reports false when the job was not running anymore.
func (r *JobRepo) MarkCanceled(ctx context.Context, jobUUID string, outcome model.JobOutcome) (bool, error) {
	rawLogs, err := marshalJobLogs(outcome.Logs)
	if err != nil {
		return false, err
	}

	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'canceled',
		    progress = COALESCE($2, progress),
		    logs = $3,
		    finished_at = $4,
		    updated_at = $4,
		    lease_expires_at = NULL
		WHERE uuid = $1 AND status = 'running'
	`, jobUUID, []byte(outcome.Progress), rawLogs, currentTime)
	if err != nil {
		return false, fmt.Errorf("mark job canceled: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark canceled rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Advisory lock namespace for lease expiry sweeps to avoid cross-queue contention.
const advisoryLockExpiryMajor int64 = 1001

func advisoryLockExpiryMinor(queue string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(queue))
	hashValue := h.Sum32()
	maxInt32 := uint32(math.MaxInt32)
	if hashValue > maxInt32 {
		hashValue &= maxInt32
	}
	return int64(hashValue)
}

// FailExpired marks running jobs on the queue whose lease has lapsed as
// failed and returns them so the scheduler can route each through its
// failure path. A transaction-scoped advisory lock keeps concurrent sweeps
// from racing each other; when the lock is held elsewhere the sweep is
// skipped.
func (r *JobRepo) FailExpired(ctx context.Context, queue string) ([]*model.Job, error) {
	var expired []*model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, nil, func(tx pgx.Tx) error {
		var locked bool
		minorKey := advisoryLockExpiryMinor(queue)
		if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", advisoryLockExpiryMajor, minorKey).Scan(&locked); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !locked {
			return nil
		}

		currentTime := r.timeProvider.Now().UTC()
		rows, err := tx.Query(ctx, `
          UPDATE jobs
          SET status = 'failed',
              last_error = 'job lease expired',
              finished_at = $2,
              updated_at = $2,
              lease_expires_at = NULL
          WHERE queue = $1 AND status = 'running'
            AND lease_expires_at IS NOT NULL
            AND lease_expires_at < $2
          RETURNING `+jobColumns,
			queue, currentTime)
		if err != nil {
			return fmt.Errorf("fail expired jobs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			job, scanErr := scanJobFromRow(rows)
			if scanErr != nil {
				return fmt.Errorf("scan expired job: %w", scanErr)
			}
			expired = append(expired, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// Stats returns per-state counts for jobs on the given queue.
func (r *JobRepo) Stats(ctx context.Context, queue string) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'enqueued')  AS enqueued,
    count(*) FILTER (WHERE status = 'running')   AS running,
    count(*) FILTER (WHERE status = 'completed') AS completed,
    count(*) FILTER (WHERE status = 'failed')    AS failed,
    count(*) FILTER (WHERE status = 'canceled')  AS canceled
  FROM jobs
  WHERE queue = $1
  `, queue).Scan(
		&s.Enqueued,
		&s.Running,
		&s.Completed,
		&s.Failed,
		&s.Canceled,
	)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return &s, nil
}

// WaitForNotification blocks until a job is added to the given queue or the
// context ends.
func (r *JobRepo) WaitForNotification(ctx context.Context, queue string) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	channel := "job_added_" + queue
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}
