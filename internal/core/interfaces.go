// Package core defines the ports between the service layer and the data
// layer. Services depend on these interfaces, not on concrete repositories.
package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chaoss/grimoirelab-core/internal/domain/model"
)

// DeleteOldJobsParams bounds a single retention sweep over terminal jobs.
type DeleteOldJobsParams struct {
	Status model.Status
	MaxAge time.Duration
	// KeepNewest is the number of most recent jobs of each task the sweep
	// never touches, regardless of age.
	KeepNewest int
	BatchSize  int
}

// TaskRepository defines the interface for task data operations.
type TaskRepository interface {
	Create(ctx context.Context, task *model.Task) (*model.Task, error)
	GetByUUID(ctx context.Context, uuid string) (*model.Task, error)
	Update(ctx context.Context, task *model.Task) error
	// UpdateStatus moves a task from one status to another. It reports
	// false when the task was no longer in the expected status, so callers
	// can detect lost races without re-reading the row.
	UpdateStatus(ctx context.Context, uuid string, from, to model.Status) (bool, error)
	Delete(ctx context.Context, uuid string) error
	List(ctx context.Context, opts model.TaskListOptions) (*model.TaskPage, error)
}

// JobRepository defines the interface for job data operations, including
// the durable queue primitives workers rely on.
type JobRepository interface {
	// CreateForTask inserts the next job of a task, assigning job_num and
	// notifying queue listeners.
	CreateForTask(ctx context.Context, job *model.Job) (*model.Job, error)
	GetByUUID(ctx context.Context, uuid string) (*model.Job, error)
	ListByTask(ctx context.Context, opts model.JobListOptions) (*model.JobPage, error)
	LatestByTask(ctx context.Context, taskUUID string) (*model.Job, error)
	LatestCompletedByTask(ctx context.Context, taskUUID string) (*model.Job, error)
	CountByStatus(ctx context.Context, taskUUID string, status model.Status) (int, error)

	// ReserveNext claims the next eligible job on a queue, marking it
	// running under a lease. Returns model.ErrNoJobsAvailable when the
	// queue is empty.
	ReserveNext(ctx context.Context, queue string, leaseSeconds int) (*model.Job, error)
	// WaitForNotification blocks until a job lands on the queue or the
	// context ends.
	WaitForNotification(ctx context.Context, queue string) error
	Heartbeat(ctx context.Context, jobUUID string, leaseSeconds int) (bool, error)
	// SaveProgress checkpoints a running job and reports whether a cancel
	// has been requested for it.
	SaveProgress(ctx context.Context, jobUUID string, progress json.RawMessage, logs []model.LogEntry) (bool, error)
	Complete(ctx context.Context, jobUUID string, outcome model.JobOutcome) (bool, error)
	Fail(ctx context.Context, jobUUID string, outcome model.JobOutcome) (bool, error)
	MarkCanceled(ctx context.Context, jobUUID string, outcome model.JobOutcome) (bool, error)
	// RequestCancel cancels an enqueued job outright or flags a running
	// one; the returned status tells the two apart.
	RequestCancel(ctx context.Context, jobUUID string) (model.Status, error)
	// FailExpired fails running jobs whose lease lapsed and returns them
	// for failure routing.
	FailExpired(ctx context.Context, queue string) ([]*model.Job, error)
	Stats(ctx context.Context, queue string) (*model.JobStats, error)
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
}

// EventPublisher defines the interface for appending events to the stream
// the eventizer writes and the archivist consumes.
type EventPublisher interface {
	Publish(ctx context.Context, event *model.Event) error
	Len(ctx context.Context) (int64, error)
}

// EventQuerier pages through events already written to the search index.
type EventQuerier interface {
	Search(ctx context.Context, opts model.EventQueryOptions) (*model.EventPage, error)
}

// TaskScheduler drives the task lifecycle: converting tasks to jobs and
// reacting to job outcomes.
type TaskScheduler interface {
	ScheduleTask(ctx context.Context, req *model.CreateTaskRequest) (*model.Task, error)
	RescheduleTask(ctx context.Context, taskUUID string) (*model.Task, error)
	CancelTask(ctx context.Context, taskUUID string) (*model.Task, error)
	OnJobStarted(ctx context.Context, job *model.Job) error
	OnJobSuccess(ctx context.Context, job *model.Job, outcome model.JobOutcome) error
	OnJobFailure(ctx context.Context, job *model.Job, outcome model.JobOutcome) error
	OnJobCanceled(ctx context.Context, job *model.Job, outcome model.JobOutcome) error
}

// MaintenanceConfig holds configuration for the periodic maintenance
// sweeps: lease recovery and, optionally, terminal job retention.
type MaintenanceConfig struct {
	Interval        time.Duration `json:"interval"`
	Queues          []string      `json:"queues"`
	RetentionMaxAge time.Duration `json:"retention_max_age"`
	RetentionKeep   int           `json:"retention_keep"`
}

// DefaultMaintenanceConfig returns a MaintenanceConfig with sensible defaults.
// Retention is off unless RetentionMaxAge is set.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Interval:      30 * time.Second,
		RetentionKeep: 10,
	}
}
