package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chaoss/grimoirelab-core/internal/core"
	"github.com/chaoss/grimoirelab-core/internal/data"
	"github.com/chaoss/grimoirelab-core/internal/domain/model"
	apperrors "github.com/chaoss/grimoirelab-core/internal/errors"
	"github.com/chaoss/grimoirelab-core/internal/scheduler"
)

// Pagination bounds for task and job listings.
const (
	defaultPageSize = 25
	maxPageSize     = 100
)

// TaskService provides the API-facing reads over tasks and their jobs:
// task-type listing, paginated task queries, and job views including the
// live progress and logs of running jobs.
type TaskService struct {
	tasks    core.TaskRepository
	jobs     core.JobRepository
	registry *scheduler.Registry
	logger   *slog.Logger
}

// TaskServiceOptions groups dependencies for TaskService.
type TaskServiceOptions struct {
	Tasks    core.TaskRepository
	Jobs     core.JobRepository
	Registry *scheduler.Registry
	Logger   *slog.Logger
}

// NewTaskService constructs a new TaskService.
func NewTaskService(opts TaskServiceOptions) (*TaskService, error) {
	if opts.Tasks == nil {
		return nil, errors.New("TaskRepository is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("task type registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &TaskService{
		tasks:    opts.Tasks,
		jobs:     opts.Jobs,
		registry: opts.Registry,
		logger:   opts.Logger.With("component", "task_service"),
	}, nil
}

// MustNewTaskService constructs a new TaskService and panics on error.
func MustNewTaskService(opts TaskServiceOptions) *TaskService {
	svc, err := NewTaskService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast during startup wiring when configuration is invalid
		panic(fmt.Sprintf("failed to create TaskService: %v", err))
	}
	return svc
}

// TaskTypes returns the registered task type tags in lexical order.
func (s *TaskService) TaskTypes() []string {
	return s.registry.Names()
}

// LookupTaskType resolves a tag against the registry.
func (s *TaskService) LookupTaskType(tag string) (*scheduler.TaskType, error) {
	return s.registry.Lookup(tag)
}

// TaskListQuery filters and paginates a task listing. Page numbers start
// at 1; Size is clamped between 1 and the page size cap.
type TaskListQuery struct {
	TaskType string
	Status   *model.Status
	Page     int
	Size     int
}

// TaskList is one page of tasks plus the pagination bookkeeping the API
// envelope needs.
type TaskList struct {
	Tasks      []*model.Task
	Count      int
	Page       int
	Size       int
	TotalPages int
}

// ListTasks returns one page of tasks of a given type, newest first.
func (s *TaskService) ListTasks(ctx context.Context, query TaskListQuery) (*TaskList, error) {
	if _, err := s.registry.Lookup(query.TaskType); err != nil {
		return nil, err
	}
	page, size := normalizePage(query.Page, query.Size)

	result, err := s.tasks.List(ctx, model.TaskListOptions{
		TaskType: query.TaskType,
		Status:   query.Status,
		Limit:    size,
		Offset:   (page - 1) * size,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s tasks: %w", query.TaskType, err)
	}

	return &TaskList{
		Tasks:      result.Tasks,
		Count:      result.Total,
		Page:       page,
		Size:       size,
		TotalPages: totalPages(result.Total, size),
	}, nil
}

// GetTask returns a task by uuid, scoped to a task type.
func (s *TaskService) GetTask(ctx context.Context, taskType, taskUUID string) (*model.Task, error) {
	if _, err := s.registry.Lookup(taskType); err != nil {
		return nil, err
	}
	task, err := s.tasks.GetByUUID(ctx, taskUUID)
	if err != nil {
		if errors.Is(err, data.ErrTaskNotFound) {
			return nil, apperrors.NotFoundf("task %s not found", taskUUID)
		}
		return nil, fmt.Errorf("get task %s: %w", taskUUID, err)
	}
	if task.TaskType != taskType {
		return nil, apperrors.NotFoundf("task %s not found", taskUUID)
	}
	return task, nil
}

// DeleteTask removes a task and, through the store's cascade, all its jobs.
func (s *TaskService) DeleteTask(ctx context.Context, taskType, taskUUID string) error {
	task, err := s.GetTask(ctx, taskType, taskUUID)
	if err != nil {
		return err
	}
	if err := s.tasks.Delete(ctx, task.UUID); err != nil {
		if errors.Is(err, data.ErrTaskNotFound) {
			return apperrors.NotFoundf("task %s not found", taskUUID)
		}
		return fmt.Errorf("delete task %s: %w", taskUUID, err)
	}
	s.logger.InfoContext(ctx, "task deleted", "task", taskUUID, "task_type", taskType)
	return nil
}

// JobListQuery filters and paginates the jobs of a task.
type JobListQuery struct {
	TaskType string
	TaskUUID string
	Status   *model.Status
	Page     int
	Size     int
}

// JobList is one page of jobs plus the pagination bookkeeping.
type JobList struct {
	Jobs       []*model.Job
	Count      int
	Page       int
	Size       int
	TotalPages int
}

// ListJobs returns one page of a task's jobs, most recent job_num first.
func (s *TaskService) ListJobs(ctx context.Context, query JobListQuery) (*JobList, error) {
	if _, err := s.GetTask(ctx, query.TaskType, query.TaskUUID); err != nil {
		return nil, err
	}
	page, size := normalizePage(query.Page, query.Size)

	result, err := s.jobs.ListByTask(ctx, model.JobListOptions{
		TaskUUID: query.TaskUUID,
		Status:   query.Status,
		Limit:    size,
		Offset:   (page - 1) * size,
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs of task %s: %w", query.TaskUUID, err)
	}

	return &JobList{
		Jobs:       result.Jobs,
		Count:      result.Total,
		Page:       page,
		Size:       size,
		TotalPages: totalPages(result.Total, size),
	}, nil
}

// LastJobs returns the task's newest jobs by job number, capped at limit.
// The task serializer embeds these.
func (s *TaskService) LastJobs(ctx context.Context, taskUUID string, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	result, err := s.jobs.ListByTask(ctx, model.JobListOptions{
		TaskUUID: taskUUID,
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list last jobs of task %s: %w", taskUUID, err)
	}
	return result.Jobs, nil
}

// GetJob returns one job of a task. For running jobs the row carries the
// latest checkpointed progress and logs, so this doubles as the live view.
func (s *TaskService) GetJob(ctx context.Context, query JobQuery) (*model.Job, error) {
	if _, err := s.GetTask(ctx, query.TaskType, query.TaskUUID); err != nil {
		return nil, err
	}
	job, err := s.jobs.GetByUUID(ctx, query.JobUUID)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			return nil, apperrors.NotFoundf("job %s not found", query.JobUUID)
		}
		return nil, fmt.Errorf("get job %s: %w", query.JobUUID, err)
	}
	if job.TaskUUID != query.TaskUUID {
		return nil, apperrors.NotFoundf("job %s not found", query.JobUUID)
	}
	return job, nil
}

// JobQuery identifies one job within a task.
type JobQuery struct {
	TaskType string
	TaskUUID string
	JobUUID  string
}

// normalizePage clamps pagination parameters to safe values. Default size:
// 25, max size: 100, min page: 1.
func normalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

func totalPages(total, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}
