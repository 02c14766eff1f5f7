package model

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNoJobsAvailable is returned when no jobs are eligible for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// LogEntry is a single log line captured while a job runs. Timestamps are
// epoch seconds, matching the wire format of progress summaries.
type LogEntry struct {
	CreatedAt float64 `json:"created_at"`
	Msg       string  `json:"msg"`
	Level     string  `json:"level"`
}

// Job represents a single attempt to run a task with concrete arguments.
// A job never outlives its task.
type Job struct {
	UUID        string          `json:"uuid"                 db:"uuid"`
	TaskUUID    string          `json:"task_uuid"            db:"task_uuid"`
	TaskType    string          `json:"task_type"            db:"task_type"`
	JobNum      int             `json:"job_num"              db:"job_num"`
	Queue       string          `json:"queue"                db:"queue"`
	Status      Status          `json:"status"               db:"status"`
	ScheduledAt time.Time       `json:"scheduled_at"         db:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at"           db:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at"          db:"finished_at"`
	JobArgs     map[string]any  `json:"job_args"             db:"job_args"`
	Progress    json.RawMessage `json:"progress,omitempty"   db:"progress"`
	Result      json.RawMessage `json:"result,omitempty"     db:"result"`
	Logs        []LogEntry      `json:"logs,omitempty"       db:"logs"`
	LastError   *string         `json:"last_error,omitempty" db:"last_error"`

	// Queue bookkeeping, not exposed through the API.
	CancelRequested bool       `json:"-" db:"cancel_requested"`
	LeaseExpiresAt  *time.Time `json:"-" db:"lease_expires_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// JobOutcome carries the final artifacts written when a job leaves the
// running state.
type JobOutcome struct {
	Result   json.RawMessage
	Progress json.RawMessage
	Logs     []LogEntry
	Error    string
}

// JobStats represents counts of jobs per state for a queue.
type JobStats struct {
	Enqueued  int `json:"enqueued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
}

// JobListOptions filters and paginates job listings for a task.
type JobListOptions struct {
	TaskUUID string
	Status   *Status
	Limit    int
	Offset   int
}

// JobPage is one page of jobs plus the unpaginated total.
type JobPage struct {
	Jobs  []*Job
	Total int
}
