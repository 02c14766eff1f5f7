// Package worker drains job queues: it reserves scheduled jobs, dispatches
// the job function registered for their task type and routes the outcome
// back through the scheduler.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaoss/grimoirelab-core/internal/core"
	"github.com/chaoss/grimoirelab-core/internal/data"
	"github.com/chaoss/grimoirelab-core/internal/domain/model"
	apperrors "github.com/chaoss/grimoirelab-core/internal/errors"
	"github.com/chaoss/grimoirelab-core/internal/eventizer"
	"github.com/chaoss/grimoirelab-core/internal/observability/metrics"
	"github.com/chaoss/grimoirelab-core/internal/observability/statsd"
	"github.com/chaoss/grimoirelab-core/internal/scheduler"
)

// HandlerFunc executes one reserved job. The returned payload becomes the
// job result on success and the final progress otherwise. Handlers report
// an interrupted run by returning eventizer.ErrCancelRequested.
type HandlerFunc func(ctx context.Context, job *model.Job, rec *Recorder) (json.RawMessage, error)

const (
	defaultLease        = 60 * time.Second
	defaultPollInterval = 5 * time.Second
)

// RunnerOptions configures a queue worker.
type RunnerOptions struct {
	Jobs      core.JobRepository
	Scheduler core.TaskScheduler
	Registry  *scheduler.Registry

	// Chronicler handles eventizer jobs. When nil, jobs dispatching to it
	// fail with a missing job function error.
	Chronicler *eventizer.Chronicler
	// Handlers adds job functions beyond the built-in ones, keyed by the
	// job function name task types declare.
	Handlers map[string]HandlerFunc

	Logger       *slog.Logger
	TimeProvider data.TimeProvider
	Metrics      statsd.Sink

	// Queue is the queue this runner drains.
	Queue string
	// Lease is the per-job lease duration; defaults to 60s. The runner
	// re-extends it at a third of its length while a job runs.
	Lease time.Duration
	// Concurrency is the number of worker goroutines; defaults to 1.
	Concurrency int
	// PollInterval bounds how long a worker waits for a queue notification
	// before polling for jobs that became due; defaults to 5s.
	PollInterval time.Duration
}

// Runner drains one queue with a pool of workers.
type Runner struct {
	jobs      core.JobRepository
	scheduler core.TaskScheduler
	registry  *scheduler.Registry
	handlers  map[string]HandlerFunc
	logger    *slog.Logger
	clock     data.TimeProvider
	metrics   statsd.Sink
	queue     string
	lease     time.Duration
	workers   int
	poll      time.Duration
}

// NewRunner wires a runner for a single queue.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("jobs repository is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("task type registry is required")
	}
	if opts.Queue == "" {
		return nil, errors.New("queue is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.TimeProvider
	if clock == nil {
		clock = &data.RealTimeProvider{}
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	r := &Runner{
		jobs:      opts.Jobs,
		scheduler: opts.Scheduler,
		registry:  opts.Registry,
		handlers:  make(map[string]HandlerFunc),
		logger:    logger.With("component", "worker", "queue", opts.Queue),
		clock:     clock,
		metrics:   opts.Metrics,
		queue:     opts.Queue,
		lease:     lease,
		workers:   workers,
		poll:      poll,
	}

	if opts.Chronicler != nil {
		r.handlers[scheduler.JobFuncChronicler] = chroniclerHandler(opts.Chronicler)
	} else {
		r.logger.WarnContext(context.Background(),
			"no chronicler configured; eventizer jobs on this queue will fail")
	}
	for name, h := range opts.Handlers {
		if h == nil {
			return nil, apperrors.Validationf("job function %s has no handler", name)
		}
		if _, ok := r.handlers[name]; ok {
			return nil, apperrors.Conflictf("job function %s already registered", name)
		}
		r.handlers[name] = h
	}
	return r, nil
}

// Run starts the worker goroutines and processes jobs until the context is
// cancelled or a worker hits a fatal error.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting worker",
		"workers", r.workers, "lease", r.lease, "poll", r.poll)

	// Derive a cancellable context so the first fatal error stops the pool.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx); err != nil {
				// first error wins, cancels all workers
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (r *Runner) workerLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		job, err := r.jobs.ReserveNext(ctx, r.queue, r.leaseSeconds())
		switch {
		case err == nil:
			if job != nil {
				r.processJob(ctx, job)
			}
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForWork(ctx) {
				return nil
			}
		default:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reserve next job: %w", err)
		}
	}
	return ctx.Err()
}

// waitForWork blocks until the queue signals a new job, the poll interval
// elapses or the context ends. The poll bound matters for jobs scheduled
// into the future: their notification fired when they were created, not
// when they become due.
func (r *Runner) waitForWork(ctx context.Context) bool {
	waitCtx, cancel := context.WithTimeout(ctx, r.poll)
	defer cancel()

	err := r.jobs.WaitForNotification(waitCtx, r.queue)
	switch {
	case err == nil:
		return true
	case ctx.Err() != nil:
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		r.logger.WarnContext(ctx, "queue wait failed", "error", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(r.poll):
			return true
		}
	}
}

func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	logger := r.logger.With("job", job.UUID, "task", job.TaskUUID, "task_type", job.TaskType)
	logger.InfoContext(ctx, "job reserved", "job_num", job.JobNum)

	start := r.clock.Now()
	emit := func(transition, result string, err error) {
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			TaskType:   job.TaskType,
			Queue:      job.Queue,
			Transition: transition,
			Result:     result,
			Duration:   r.clock.Now().Sub(start),
			Err:        err,
		})
	}

	if err := r.scheduler.OnJobStarted(ctx, job); err != nil {
		logger.WarnContext(ctx, "mark task running", "error", err)
	}

	rec := NewRecorder(r.jobs, job.UUID, r.clock)

	handler, err := r.handlerFor(job)
	if err != nil {
		rec.Log("ERROR", err.Error())
		r.routeFailure(ctx, logger, job, model.JobOutcome{Logs: rec.Entries(), Error: err.Error()})
		emit("failed", metrics.ResultError, err)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.keepAlive(runCtx, job.UUID, cancel)

	result, err := handler(runCtx, job, rec)
	switch {
	case err == nil:
		outcome := model.JobOutcome{Result: result, Progress: result, Logs: rec.Entries()}
		if serr := r.scheduler.OnJobSuccess(ctx, job, outcome); serr != nil {
			logger.ErrorContext(ctx, "settle completed job", "error", serr)
		}
		emit("completed", metrics.ResultSuccess, nil)
	case errors.Is(err, eventizer.ErrCancelRequested):
		outcome := model.JobOutcome{Progress: result, Logs: rec.Entries()}
		if serr := r.scheduler.OnJobCanceled(ctx, job, outcome); serr != nil {
			logger.ErrorContext(ctx, "settle canceled job", "error", serr)
		}
		emit("canceled", metrics.ResultNoop, nil)
	default:
		rec.Log("ERROR", err.Error())
		outcome := model.JobOutcome{Progress: result, Logs: rec.Entries(), Error: err.Error()}
		r.routeFailure(ctx, logger, job, outcome)
		emit("failed", metrics.ResultError, err)
	}
}

func (r *Runner) routeFailure(ctx context.Context, logger *slog.Logger, job *model.Job, outcome model.JobOutcome) {
	if err := r.scheduler.OnJobFailure(ctx, job, outcome); err != nil {
		logger.ErrorContext(ctx, "settle failed job", "error", err)
	}
}

// keepAlive re-extends the job lease while its handler runs. A heartbeat
// that reports the job is no longer running cancels the handler: the lease
// sweep or a cancel settled the job elsewhere and its work is discarded.
func (r *Runner) keepAlive(ctx context.Context, jobUUID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(r.lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive, err := r.jobs.Heartbeat(ctx, jobUUID, r.leaseSeconds())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.WarnContext(ctx, "heartbeat failed", "job", jobUUID, "error", err)
				continue
			}
			if !alive {
				r.logger.WarnContext(ctx, "job displaced while running", "job", jobUUID)
				cancel()
				return
			}
		}
	}
}

func (r *Runner) handlerFor(job *model.Job) (HandlerFunc, error) {
	tt, err := r.registry.Lookup(job.TaskType)
	if err != nil {
		return nil, err
	}
	h, ok := r.handlers[tt.JobFunc]
	if !ok {
		return nil, apperrors.Internalf("no job function %s registered", tt.JobFunc)
	}
	return h, nil
}

func (r *Runner) leaseSeconds() int {
	return int(r.lease / time.Second)
}
