// Package model defines the core data types shared by the scheduler,
// the worker runners and the HTTP API.
package model

import (
	"errors"
	"time"
)

// Task represents a recurring or one-shot unit of work. Each run of a task
// materializes as a Job with concrete arguments.
type Task struct {
	UUID          string         `json:"uuid"            db:"uuid"`
	TaskType      string         `json:"task_type"       db:"task_type"`
	Status        Status         `json:"status"          db:"status"`
	Runs          int            `json:"runs"            db:"runs"`
	Failures      int            `json:"failures"        db:"failures"`
	LastRun       *time.Time     `json:"last_run"        db:"last_run"`
	ScheduledAt   *time.Time     `json:"scheduled_at"    db:"scheduled_at"`
	JobInterval   int            `json:"job_interval"    db:"job_interval"`
	JobMaxRetries int            `json:"job_max_retries" db:"job_max_retries"`
	Burst         bool           `json:"burst"           db:"burst"`
	TaskArgs      map[string]any `json:"task_args"       db:"task_args"`
	ExtraFields   map[string]any `json:"-"               db:"extra_fields"`
	CreatedAt     time.Time      `json:"created_at"      db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"      db:"updated_at"`
}

// CreateTaskRequest represents a request to create a new task. ExtraFields
// carries the task-type-specific fields declared by the type's descriptor.
type CreateTaskRequest struct {
	TaskType      string         `json:"task_type"`
	TaskArgs      map[string]any `json:"task_args"`
	JobInterval   int            `json:"job_interval"`
	JobMaxRetries int            `json:"job_max_retries"`
	Burst         bool           `json:"burst"`
	ExtraFields   map[string]any `json:"-"`
}

// Validate validates the CreateTaskRequest fields.
func (r *CreateTaskRequest) Validate() error {
	if r.TaskType == "" {
		return errors.New("task type is required")
	}
	if r.JobInterval < 0 {
		return errors.New("job interval must be >= 0")
	}
	if r.JobMaxRetries < 0 {
		return errors.New("job max retries must be >= 0")
	}
	return nil
}

// TaskListOptions filters and paginates task listings.
type TaskListOptions struct {
	TaskType string
	Status   *Status
	Limit    int
	Offset   int
}

// TaskPage is one page of tasks plus the unpaginated total.
type TaskPage struct {
	Tasks []*Task
	Total int
}
