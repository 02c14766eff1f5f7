// Package service provides the business logic services of the scheduler:
// the task lifecycle state machine and the API-facing task reads.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chaoss/grimoirelab-core/internal/core"
	"github.com/chaoss/grimoirelab-core/internal/data"
	"github.com/chaoss/grimoirelab-core/internal/domain/model"
	apperrors "github.com/chaoss/grimoirelab-core/internal/errors"
	"github.com/chaoss/grimoirelab-core/internal/observability/metrics"
	"github.com/chaoss/grimoirelab-core/internal/observability/statsd"
	"github.com/chaoss/grimoirelab-core/internal/scheduler"
)

// SchedulerService drives the task lifecycle. It converts tasks into jobs
// with per-run arguments, reacts to job outcomes reported by workers, and
// keeps task and job statuses consistent under concurrent replicas through
// compare-and-swap status transitions.
type SchedulerService struct {
	tasks        core.TaskRepository
	jobs         core.JobRepository
	registry     *scheduler.Registry
	timeProvider data.TimeProvider
	metrics      statsd.Sink
	logger       *slog.Logger
}

// SchedulerServiceOptions holds the dependencies for creating a SchedulerService.
type SchedulerServiceOptions struct {
	Tasks        core.TaskRepository
	Jobs         core.JobRepository
	Registry     *scheduler.Registry
	TimeProvider data.TimeProvider
	Metrics      statsd.Sink
	Logger       *slog.Logger
}

// NewSchedulerService creates a new SchedulerService with the given dependencies.
func NewSchedulerService(opts SchedulerServiceOptions) (*SchedulerService, error) {
	if opts.Tasks == nil {
		return nil, errors.New("TaskRepository is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("task type registry is required")
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &SchedulerService{
		tasks:        opts.Tasks,
		jobs:         opts.Jobs,
		registry:     opts.Registry,
		timeProvider: opts.TimeProvider,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "scheduler_service"),
	}, nil
}

// MustNewSchedulerService constructs a new SchedulerService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewSchedulerService(opts SchedulerServiceOptions) *SchedulerService {
	svc, err := NewSchedulerService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast during startup wiring when configuration is invalid
		panic(fmt.Sprintf("failed to create SchedulerService: %v", err))
	}
	return svc
}

var _ core.TaskScheduler = (*SchedulerService)(nil)

// ScheduleTask registers a new task and enqueues its first job. The task is
// created with status new, its first job arguments are derived from the user
// arguments, and once the job is queued the task moves to enqueued.
func (s *SchedulerService) ScheduleTask(ctx context.Context, req *model.CreateTaskRequest) (*model.Task, error) {
	if req == nil {
		return nil, apperrors.Validation("task request is required")
	}
	taskType, err := s.registry.Lookup(req.TaskType)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error()).WithCause(err)
	}

	extraFields, err := resolveExtraFields(taskType, req.ExtraFields)
	if err != nil {
		return nil, err
	}

	task := &model.Task{
		UUID:          uuid.NewString(),
		TaskType:      taskType.Tag,
		Status:        model.StatusNew,
		JobInterval:   req.JobInterval,
		JobMaxRetries: req.JobMaxRetries,
		Burst:         req.Burst,
		TaskArgs:      req.TaskArgs,
		ExtraFields:   extraFields,
	}

	created, err := s.tasks.Create(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	job, err := s.enqueueNextJob(ctx, created, s.timeProvider.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("enqueue first job for task %s: %w", created.UUID, err)
	}

	s.logger.InfoContext(ctx, "task scheduled",
		"task", created.UUID,
		"task_type", created.TaskType,
		"job", job.UUID,
		"queue", job.Queue)
	s.count(metrics.MetricTasksScheduled, map[string]string{"task_type": created.TaskType})

	return created, nil
}

// RescheduleTask enqueues a new run for an existing task. Running tasks are
// left alone. Enqueued tasks have their pending job superseded; terminal
// tasks get a fresh job derived from their current status, with failed tasks
// getting their failure count reset and starting over from the original
// arguments.
func (s *SchedulerService) RescheduleTask(ctx context.Context, taskUUID string) (*model.Task, error) {
	task, err := s.getTask(ctx, taskUUID)
	if err != nil {
		return nil, err
	}

	switch {
	case task.Status == model.StatusRunning:
		// A job is already in flight; rescheduling is a no-op.
		return task, nil
	case task.Status == model.StatusEnqueued:
		if err := s.supersedePendingJob(ctx, task); err != nil {
			return nil, err
		}
	case task.Status.Terminal() || task.Status == model.StatusRecovery || task.Status == model.StatusNew:
		// Arguments regenerate from the status the task is in.
	default:
		return nil, apperrors.Conflictf("task %s cannot be rescheduled from status %s", task.UUID, task.Status)
	}

	if task.Status == model.StatusFailed {
		task.Failures = 0
	}

	job, err := s.enqueueNextJob(ctx, task, s.timeProvider.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("reschedule task %s: %w", task.UUID, err)
	}

	s.logger.InfoContext(ctx, "task rescheduled", "task", task.UUID, "job", job.UUID)
	s.count(metrics.MetricTasksRescheduled, map[string]string{"task_type": task.TaskType})
	return task, nil
}

// CancelTask transitions a task to canceled and best-effort cancels its
// in-flight job. An enqueued job is canceled outright; a running one keeps
// going until its next progress checkpoint observes the cancel request.
func (s *SchedulerService) CancelTask(ctx context.Context, taskUUID string) (*model.Task, error) {
	task, err := s.getTask(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	if task.Status == model.StatusCanceled {
		return task, nil
	}

	if err := s.casTask(ctx, task, model.StatusCanceled, task.Status); err != nil {
		return nil, err
	}

	latest, err := s.jobs.LatestByTask(ctx, task.UUID)
	if err != nil && !errors.Is(err, data.ErrJobNotFound) {
		return nil, fmt.Errorf("lookup latest job of task %s: %w", task.UUID, err)
	}
	if latest != nil && !latest.Status.Terminal() {
		status, cancelErr := s.jobs.RequestCancel(ctx, latest.UUID)
		if cancelErr != nil {
			s.logger.WarnContext(ctx, "cancel request for job failed",
				"task", task.UUID, "job", latest.UUID, "error", cancelErr)
		} else {
			s.logger.InfoContext(ctx, "job cancel requested",
				"task", task.UUID, "job", latest.UUID, "job_status", status)
		}
	}

	s.count(metrics.MetricTasksCanceled, map[string]string{"task_type": task.TaskType})
	return task, nil
}

// OnJobStarted records that a worker picked up the job: its task moves to
// running. Losing the status race here is fine; it means the task was
// canceled while the job sat on the queue, and the worker will observe the
// cancel request at the next checkpoint.
func (s *SchedulerService) OnJobStarted(ctx context.Context, job *model.Job) error {
	moved, err := s.tryStatuses(ctx, job.TaskUUID, model.StatusRunning,
		model.StatusEnqueued, model.StatusRecovery)
	if err != nil {
		return err
	}
	if !moved {
		s.logger.DebugContext(ctx, "task not moved to running; status changed underneath",
			"task", job.TaskUUID, "job", job.UUID)
	}
	return nil
}

// OnJobSuccess settles a successful job and schedules the next run. The job
// is completed with its result and logs; the task's bookkeeping is updated;
// burst and run-once tasks complete, recurring ones are re-enqueued with
// arguments resuming from the run's progress.
func (s *SchedulerService) OnJobSuccess(ctx context.Context, job *model.Job, outcome model.JobOutcome) error {
	completed, err := s.jobs.Complete(ctx, job.UUID, outcome)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.UUID, err)
	}
	if !completed {
		// The lease sweep or a cancel settled this job first; whoever did
		// routes the task.
		s.logger.WarnContext(ctx, "job finished but was not running anymore", "job", job.UUID)
		return nil
	}

	task, err := s.getTask(ctx, job.TaskUUID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			s.logger.WarnContext(ctx, "job finished for a deleted task", "job", job.UUID)
			return nil
		}
		return err
	}

	now := s.timeProvider.Now().UTC()
	moved, err := s.tryStatuses(ctx, task.UUID, model.StatusCompleted,
		model.StatusRunning, model.StatusEnqueued)
	if err != nil {
		return err
	}
	if !moved {
		s.logger.InfoContext(ctx, "task moved while its job completed; not rescheduling",
			"task", task.UUID, "job", job.UUID)
		return nil
	}

	task.Status = model.StatusCompleted
	task.Runs++
	task.Failures = 0
	task.LastRun = &now
	task.ScheduledAt = nil

	s.count(metrics.MetricJobsCompleted, map[string]string{"task_type": task.TaskType, "queue": job.Queue})

	if task.Burst || task.JobInterval <= 0 {
		if err := s.tasks.Update(ctx, task); err != nil {
			return fmt.Errorf("complete task %s: %w", task.UUID, err)
		}
		s.logger.InfoContext(ctx, "task completed", "task", task.UUID, "runs", task.Runs)
		return nil
	}

	if err := s.tasks.Update(ctx, task); err != nil {
		return fmt.Errorf("update task %s after run: %w", task.UUID, err)
	}

	scheduledAt := now.Add(time.Duration(task.JobInterval) * time.Second)
	next, err := s.enqueueNextJob(ctx, task, scheduledAt)
	if err != nil {
		return fmt.Errorf("enqueue next run of task %s: %w", task.UUID, err)
	}

	s.logger.InfoContext(ctx, "task re-enqueued",
		"task", task.UUID, "job", next.UUID, "scheduled_at", scheduledAt)
	return nil
}

// OnJobFailure settles a failed job and routes its task through the retry
// budget: either a recovery job is enqueued immediately, or the task is
// marked failed once retries are exhausted. Jobs already failed by the lease
// sweep are routed without being marked again.
func (s *SchedulerService) OnJobFailure(ctx context.Context, job *model.Job, outcome model.JobOutcome) error {
	marked, err := s.jobs.Fail(ctx, job.UUID, outcome)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.UUID, err)
	}
	if !marked {
		current, getErr := s.jobs.GetByUUID(ctx, job.UUID)
		if getErr != nil {
			if errors.Is(getErr, data.ErrJobNotFound) {
				return nil
			}
			return fmt.Errorf("read job %s: %w", job.UUID, getErr)
		}
		if current.Status != model.StatusFailed {
			// Settled as completed or canceled elsewhere; nothing to route.
			return nil
		}
	}

	// Only the task's most recent job routes its outcome. A stale failure
	// report means a newer run already superseded this one.
	latest, err := s.jobs.LatestByTask(ctx, job.TaskUUID)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			return nil
		}
		return fmt.Errorf("lookup latest job of task %s: %w", job.TaskUUID, err)
	}
	if latest.UUID != job.UUID {
		s.logger.DebugContext(ctx, "stale job failure; a newer job exists",
			"task", job.TaskUUID, "job", job.UUID, "latest", latest.UUID)
		return nil
	}

	task, err := s.getTask(ctx, job.TaskUUID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	taskType, err := s.registry.Lookup(task.TaskType)
	if err != nil {
		return err
	}

	task.Runs++
	task.Failures++
	s.count(metrics.MetricJobsFailed, map[string]string{"task_type": task.TaskType, "queue": job.Queue})

	if !taskType.CanRetry || task.Failures > task.JobMaxRetries {
		moved, casErr := s.tryStatuses(ctx, task.UUID, model.StatusFailed,
			model.StatusRunning, model.StatusEnqueued, model.StatusRecovery)
		if casErr != nil {
			return casErr
		}
		if !moved {
			return nil
		}
		task.Status = model.StatusFailed
		task.ScheduledAt = nil
		if err := s.tasks.Update(ctx, task); err != nil {
			return fmt.Errorf("mark task %s failed: %w", task.UUID, err)
		}
		s.logger.WarnContext(ctx, "task failed; retries exhausted",
			"task", task.UUID, "failures", task.Failures, "max_retries", task.JobMaxRetries)
		s.count(metrics.MetricTasksFailed, map[string]string{"task_type": task.TaskType})
		return nil
	}

	moved, err := s.tryStatuses(ctx, task.UUID, model.StatusRecovery,
		model.StatusRunning, model.StatusEnqueued)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	task.Status = model.StatusRecovery
	if err := s.tasks.Update(ctx, task); err != nil {
		return fmt.Errorf("move task %s to recovery: %w", task.UUID, err)
	}

	next, err := s.enqueueNextJob(ctx, task, s.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("enqueue recovery job for task %s: %w", task.UUID, err)
	}

	s.logger.InfoContext(ctx, "recovery job enqueued",
		"task", task.UUID, "job", next.UUID, "failures", task.Failures)
	return nil
}

// OnJobCanceled settles a job whose worker observed a cancel request. The
// task was already moved to canceled by CancelTask, so no routing happens;
// the job's progress is preserved for a later reschedule.
func (s *SchedulerService) OnJobCanceled(ctx context.Context, job *model.Job, outcome model.JobOutcome) error {
	marked, err := s.jobs.MarkCanceled(ctx, job.UUID, outcome)
	if err != nil {
		return fmt.Errorf("mark job %s canceled: %w", job.UUID, err)
	}
	if !marked {
		s.logger.WarnContext(ctx, "canceled job was not running anymore", "job", job.UUID)
		return nil
	}
	s.count(metrics.MetricJobsCanceled, map[string]string{"task_type": job.TaskType, "queue": job.Queue})
	return nil
}

// enqueueNextJob derives the next job arguments from the task's current
// status, inserts the job, and moves the task to enqueued. The one
// non-terminal job per task invariant is checked before the insert.
func (s *SchedulerService) enqueueNextJob(
	ctx context.Context,
	task *model.Task,
	scheduledAt time.Time,
) (*model.Job, error) {
	taskType, err := s.registry.Lookup(task.TaskType)
	if err != nil {
		return nil, err
	}

	for _, status := range []model.Status{model.StatusEnqueued, model.StatusRunning} {
		n, countErr := s.jobs.CountByStatus(ctx, task.UUID, status)
		if countErr != nil {
			return nil, fmt.Errorf("count %s jobs: %w", status, countErr)
		}
		if n > 0 {
			return nil, apperrors.Conflictf("task %s already has a %s job", task.UUID, status)
		}
	}

	jobArgs, err := taskType.PrepareJobArgs(ctx, scheduler.PrepareParams{
		Task:    task,
		History: jobHistory{jobs: s.jobs},
	})
	if err != nil {
		return nil, fmt.Errorf("prepare job args: %w", err)
	}

	job := &model.Job{
		UUID:        uuid.NewString(),
		TaskUUID:    task.UUID,
		TaskType:    task.TaskType,
		Queue:       taskType.Queue,
		ScheduledAt: scheduledAt,
		JobArgs:     jobArgs,
	}

	created, err := s.jobs.CreateForTask(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	task.Status = model.StatusEnqueued
	task.ScheduledAt = &scheduledAt
	if err := s.tasks.Update(ctx, task); err != nil {
		return nil, fmt.Errorf("move task to enqueued: %w", err)
	}

	s.count(metrics.MetricJobsEnqueued, map[string]string{"task_type": task.TaskType, "queue": created.Queue})
	return created, nil
}

// supersedePendingJob cancels the pending job of an enqueued task so a
// rescheduled run can take its place.
func (s *SchedulerService) supersedePendingJob(ctx context.Context, task *model.Task) error {
	latest, err := s.jobs.LatestByTask(ctx, task.UUID)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			return nil
		}
		return fmt.Errorf("lookup pending job of task %s: %w", task.UUID, err)
	}
	if latest.Status.Terminal() {
		return nil
	}
	status, err := s.jobs.RequestCancel(ctx, latest.UUID)
	if err != nil {
		return fmt.Errorf("cancel pending job %s: %w", latest.UUID, err)
	}
	if status != model.StatusCanceled {
		return apperrors.Conflictf("task %s has a %s job; reschedule once it settles", task.UUID, status)
	}
	return nil
}

// getTask loads a task, mapping the repository sentinel to a not-found
// application error.
func (s *SchedulerService) getTask(ctx context.Context, taskUUID string) (*model.Task, error) {
	task, err := s.tasks.GetByUUID(ctx, taskUUID)
	if err != nil {
		if errors.Is(err, data.ErrTaskNotFound) {
			return nil, apperrors.NotFoundf("task %s not found", taskUUID)
		}
		return nil, fmt.Errorf("get task %s: %w", taskUUID, err)
	}
	return task, nil
}

// casTask performs one compare-and-swap transition on the task, keeping the
// in-memory copy in step. Lost races surface as conflicts.
func (s *SchedulerService) casTask(ctx context.Context, task *model.Task, to model.Status, from model.Status) error {
	moved, err := s.tasks.UpdateStatus(ctx, task.UUID, from, to)
	if err != nil {
		return fmt.Errorf("move task %s to %s: %w", task.UUID, to, err)
	}
	if !moved {
		return apperrors.Conflictf("task %s is no longer %s", task.UUID, from)
	}
	task.Status = to
	return nil
}

// tryStatuses attempts a compare-and-swap from each of the given statuses in
// order, reporting whether any applied.
func (s *SchedulerService) tryStatuses(
	ctx context.Context,
	taskUUID string,
	to model.Status,
	from ...model.Status,
) (bool, error) {
	for _, status := range from {
		moved, err := s.tasks.UpdateStatus(ctx, taskUUID, status, to)
		if err != nil {
			return false, fmt.Errorf("move task %s to %s: %w", taskUUID, to, err)
		}
		if moved {
			return true, nil
		}
	}
	return false, nil
}

func (s *SchedulerService) count(name string, tags map[string]string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Count(name, 1, tags)
}

// resolveExtraFields applies the task type's declared defaults, overlays the
// user-provided values and validates the result.
func resolveExtraFields(taskType *scheduler.TaskType, provided map[string]any) (map[string]any, error) {
	var fields map[string]any
	if taskType.NewExtraFields != nil {
		fields = taskType.NewExtraFields()
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	for k, v := range provided {
		fields[k] = v
	}
	if taskType.ValidateExtraFields != nil {
		if err := taskType.ValidateExtraFields(fields); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

// jobHistory adapts the job repository to the argument strategies' history
// contract: absent jobs read as nil rather than errors.
type jobHistory struct {
	jobs core.JobRepository
}

var _ scheduler.JobHistory = jobHistory{}

func (h jobHistory) LatestByTask(ctx context.Context, taskUUID string) (*model.Job, error) {
	job, err := h.jobs.LatestByTask(ctx, taskUUID)
	if errors.Is(err, data.ErrJobNotFound) {
		return nil, nil
	}
	return job, err
}

func (h jobHistory) LatestCompletedByTask(ctx context.Context, taskUUID string) (*model.Job, error) {
	job, err := h.jobs.LatestCompletedByTask(ctx, taskUUID)
	if errors.Is(err, data.ErrJobNotFound) {
		return nil, nil
	}
	return job, err
}
