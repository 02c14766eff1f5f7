// Package data implements the persistence layer: Postgres repositories for
// tasks and the durable job queue, and the Redis stream events travel on
// between the eventizer and the archivist.
package data

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaoss/grimoirelab-core/internal/domain/model"
)

// JobRepo provides database operations for the durable job queue.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  uuid,
  task_uuid,
  task_type,
  job_num,
  queue,
  status,
  scheduled_at,
  started_at,
  finished_at,
  job_args,
  progress,
  result,
  logs,
  last_error,
  cancel_requested,
  lease_expires_at,
  created_at,
  updated_at
`

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	jobArgs, progress, result, logs       []byte
	lastError                             sql.NullString
	startedAt, finishedAt, leaseExpiresAt sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.UUID,
		&job.TaskUUID,
		&job.TaskType,
		&job.JobNum,
		&job.Queue,
		&job.Status,
		&job.ScheduledAt,
		&d.startedAt,
		&d.finishedAt,
		&d.jobArgs,
		&d.progress,
		&d.result,
		&d.logs,
		&d.lastError,
		&job.CancelRequested,
		&d.leaseExpiresAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) error {
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.FinishedAt = cloneNullableTime(d.finishedAt)
	job.LeaseExpiresAt = cloneNullableTime(d.leaseExpiresAt)
	job.LastError = cloneNullableString(d.lastError)
	job.Progress = cloneJSON(d.progress)
	job.Result = cloneJSON(d.result)

	if len(d.jobArgs) > 0 {
		if err := json.Unmarshal(d.jobArgs, &job.JobArgs); err != nil {
			return fmt.Errorf("unmarshal job args: %w", err)
		}
	}
	if len(d.logs) > 0 {
		if err := json.Unmarshal(d.logs, &job.Logs); err != nil {
			return fmt.Errorf("unmarshal job logs: %w", err)
		}
	}
	return nil
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	if err := data.apply(job); err != nil {
		return nil, err
	}
	job.ScheduledAt = job.ScheduledAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func marshalJobLogs(logs []model.LogEntry) ([]byte, error) {
	if logs == nil {
		return []byte(`[]`), nil
	}
	raw, err := json.Marshal(logs)
	if err != nil {
		return nil, fmt.Errorf("marshal job logs: %w", err)
	}
	return raw, nil
}
