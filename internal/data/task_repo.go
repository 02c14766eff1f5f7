package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/chaoss/grimoirelab-core/internal/data/pgxutil"
	"github.com/chaoss/grimoirelab-core/internal/domain/model"
)

// RepoConfig holds shared configuration options for the data repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// TaskRepo provides database operations for task management.
type TaskRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewTaskRepo creates a new TaskRepo instance with the given database connection and configuration.
func NewTaskRepo(db *sql.DB, cfg RepoConfig) *TaskRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &TaskRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const taskColumns = `
  uuid,
  task_type,
  status,
  runs,
  failures,
  last_run,
  scheduled_at,
  job_interval,
  job_max_retries,
  burst,
  task_args,
  extra_fields,
  created_at,
  updated_at
`

// Create persists a new task and returns the stored row.
func (r *TaskRepo) Create(ctx context.Context, task *model.Task) (*model.Task, error) {
	if task == nil {
		return nil, errors.New("task is required")
	}
	if strings.TrimSpace(task.UUID) == "" {
		return nil, errors.New("task uuid is required")
	}

	args, extra, err := marshalTaskFields(task)
	if err != nil {
		return nil, err
	}

	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
      INSERT INTO tasks(uuid, task_type, status, scheduled_at, job_interval, job_max_retries, burst, task_args, extra_fields, created_at, updated_at)
      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
      RETURNING `+taskColumns,
		task.UUID,
		task.TaskType,
		task.Status,
		nullableTime(task.ScheduledAt),
		task.JobInterval,
		task.JobMaxRetries,
		task.Burst,
		args,
		extra,
		now,
	)

	created, err := scanTaskFromRow(row)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return created, nil
}

// GetByUUID retrieves a task by its UUID.
func (r *TaskRepo) GetByUUID(ctx context.Context, uuid string) (*model.Task, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE uuid = $1
	`, uuid)

	task, err := scanTaskFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// Update persists the mutable scheduling fields of a task.
func (r *TaskRepo) Update(ctx context.Context, task *model.Task) error {
	if task == nil {
		return errors.New("task is required")
	}

	args, extra, err := marshalTaskFields(task)
	if err != nil {
		return err
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2,
		    runs = $3,
		    failures = $4,
		    last_run = $5,
		    scheduled_at = $6,
		    job_interval = $7,
		    job_max_retries = $8,
		    burst = $9,
		    task_args = $10,
		    extra_fields = $11,
		    updated_at = $12
		WHERE uuid = $1
	`,
		task.UUID,
		task.Status,
		task.Runs,
		task.Failures,
		nullableTime(task.LastRun),
		nullableTime(task.ScheduledAt),
		task.JobInterval,
		task.JobMaxRetries,
		task.Burst,
		args,
		extra,
		r.timeProvider.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// UpdateStatus transitions a task between statuses using compare-and-swap
// semantics. It reports whether the transition was applied.
func (r *TaskRepo) UpdateStatus(ctx context.Context, uuid string, from, to model.Status) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = $3, updated_at = $4
		WHERE uuid = $1 AND status = $2
	`, uuid, from, to, r.timeProvider.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update task status rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Delete removes a task. Jobs belonging to the task are removed by the
// schema's cascade rule.
func (r *TaskRepo) Delete(ctx context.Context, uuid string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE uuid = $1`, uuid)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List returns one page of tasks matching the options, newest first, plus
// the unpaginated total.
func (r *TaskRepo) List(ctx context.Context, opts model.TaskListOptions) (*model.TaskPage, error) {
	where, args := buildTaskFilter(opts)

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 25
	}
	query := `
		SELECT ` + taskColumns + `
		FROM tasks` + where + `
		ORDER BY created_at DESC, uuid DESC
		LIMIT $` + fmt.Sprint(len(args)+1) + ` OFFSET $` + fmt.Sprint(len(args)+2)
	args = append(args, limit, opts.Offset)

	var tasks []*model.Task
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			task, scanErr := scanTaskFromRow(rows)
			if scanErr != nil {
				return scanErr
			}
			tasks = append(tasks, task)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	return &model.TaskPage{Tasks: tasks, Total: total}, nil
}

func buildTaskFilter(opts model.TaskListOptions) (string, []any) {
	var clauses []string
	var args []any

	if opts.TaskType != "" {
		args = append(args, opts.TaskType)
		clauses = append(clauses, fmt.Sprintf("task_type = $%d", len(args)))
	}
	if opts.Status != nil {
		args = append(args, *opts.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func marshalTaskFields(task *model.Task) ([]byte, []byte, error) {
	args := []byte(`{}`)
	if task.TaskArgs != nil {
		var err error
		args, err = json.Marshal(task.TaskArgs)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal task args: %w", err)
		}
	}

	extra := []byte(`{}`)
	if task.ExtraFields != nil {
		var err error
		extra, err = json.Marshal(task.ExtraFields)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal task extra fields: %w", err)
		}
	}

	return args, extra, nil
}

type taskRowScanner interface {
	Scan(dest ...any) error
}

type taskRowData struct {
	taskArgs, extraFields []byte
	lastRun, scheduledAt  sql.NullTime
}

func (d *taskRowData) scanInto(scanner taskRowScanner, task *model.Task) error {
	return scanner.Scan(
		&task.UUID,
		&task.TaskType,
		&task.Status,
		&task.Runs,
		&task.Failures,
		&d.lastRun,
		&d.scheduledAt,
		&task.JobInterval,
		&task.JobMaxRetries,
		&task.Burst,
		&d.taskArgs,
		&d.extraFields,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
}

func (d *taskRowData) apply(task *model.Task) error {
	task.LastRun = cloneNullableTime(d.lastRun)
	task.ScheduledAt = cloneNullableTime(d.scheduledAt)

	if len(d.taskArgs) > 0 {
		if err := json.Unmarshal(d.taskArgs, &task.TaskArgs); err != nil {
			return fmt.Errorf("unmarshal task args: %w", err)
		}
	}
	if len(d.extraFields) > 0 {
		if err := json.Unmarshal(d.extraFields, &task.ExtraFields); err != nil {
			return fmt.Errorf("unmarshal task extra fields: %w", err)
		}
	}
	return nil
}

func scanTaskFromRow(scanner taskRowScanner) (*model.Task, error) {
	task := &model.Task{}
	var data taskRowData
	if err := data.scanInto(scanner, task); err != nil {
		return nil, err
	}
	if err := data.apply(task); err != nil {
		return nil, err
	}
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return task, nil
}
