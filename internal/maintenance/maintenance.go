// Package maintenance runs the periodic queue sweeps: failing jobs whose
// lease lapsed so the scheduler routes them through its normal retry path,
// and, when retention is configured, pruning old terminal jobs.
package maintenance

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaoss/grimoirelab-core/internal/core"
	"github.com/chaoss/grimoirelab-core/internal/domain/model"
	obserrors "github.com/chaoss/grimoirelab-core/internal/observability/errors"
	"github.com/chaoss/grimoirelab-core/internal/observability/metrics"
	"github.com/chaoss/grimoirelab-core/internal/observability/statsd"
)

// retentionBatchSize bounds how many jobs a single retention delete touches,
// so sweeps over large backlogs do not hold locks for long.
const retentionBatchSize = 500

// leaseExpiredError is the failure reason attached to jobs recovered by the
// sweep. It matches the last_error the store records when a lease lapses.
const leaseExpiredError = "job lease expired"

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Jobs      core.JobRepository
	Scheduler core.TaskScheduler
	Config    core.MaintenanceConfig
	Logger    *slog.Logger
	Metrics   statsd.Sink
}

// Runner periodically sweeps the job queues. Every interval it fails
// running jobs whose lease expired and hands each one to the scheduler's
// failure path, so a crashed worker's task retries or settles the same way
// an ordinary failure would. When RetentionMaxAge is set it also deletes
// terminal jobs older than that age, keeping the newest RetentionKeep jobs
// of every task.
//
// Several instances may run against the same database; the store guards
// each sweep with an advisory lock and the losers skip their turn.
type Runner struct {
	jobs      core.JobRepository
	scheduler core.TaskScheduler
	cfg       core.MaintenanceConfig
	logger    *slog.Logger
	metrics   statsd.Sink
}

// NewRunner creates a maintenance runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("jobs repository is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if len(opts.Config.Queues) == 0 {
		return nil, errors.New("at least one queue is required")
	}

	cfg := opts.Config
	defaults := core.DefaultMaintenanceConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.RetentionKeep <= 0 {
		cfg.RetentionKeep = defaults.RetentionKeep
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		jobs:      opts.Jobs,
		scheduler: opts.Scheduler,
		cfg:       cfg,
		logger:    logger.With("component", "maintenance"),
		metrics:   opts.Metrics,
	}, nil
}

// Run starts the sweep loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting maintenance runner",
		"interval", r.cfg.Interval,
		"queues", r.cfg.Queues,
		"retention_max_age", r.cfg.RetentionMaxAge)

	// Spread instances started together so their sweeps do not align.
	r.waitWithJitter(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	if err := r.sweep(ctx); err != nil {
		r.logSweepError(ctx, err)
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "maintenance runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.logSweepError(ctx, err)
			}
		}
	}
}

// waitWithJitter delays up to 10% of the interval before the first sweep.
func (r *Runner) waitWithJitter(ctx context.Context) {
	maxJitter := int64(r.cfg.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)))

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// sweep runs one maintenance pass: lease recovery on every queue, then the
// retention prune. Errors from one step do not stop the other.
func (r *Runner) sweep(ctx context.Context) error {
	start := time.Now()
	var errs []error

	recovered, err := r.recoverExpired(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("recover expired jobs: %w", err))
	}

	pruned, err := r.pruneOldJobs(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("prune old jobs: %w", err))
	}

	joined := errors.Join(errs...)
	r.emitSweepMetrics(recovered, pruned, time.Since(start), joined)
	return joined
}

// recoverExpired fails lapsed-lease jobs on each queue and routes every one
// through the scheduler, which decides between a recovery run and a failed
// task. The routing reuses the failure path, so retry budgets and the task
// status transitions stay in one place.
func (r *Runner) recoverExpired(ctx context.Context) (int, error) {
	var recovered int
	var errs []error

	for _, queue := range r.cfg.Queues {
		expired, err := r.jobs.FailExpired(ctx, queue)
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", queue, err))
			continue
		}

		for _, job := range expired {
			outcome := model.JobOutcome{Error: leaseExpiredError}
			if err := r.scheduler.OnJobFailure(ctx, job, outcome); err != nil {
				errs = append(errs, fmt.Errorf("route expired job %s: %w", job.UUID, err))
				continue
			}
			recovered++
			r.logger.WarnContext(ctx, "recovered job with expired lease",
				"job", job.UUID, "task", job.TaskUUID, "queue", queue)
		}

		r.gaugeQueueDepth(ctx, queue)
	}

	return recovered, errors.Join(errs...)
}

// pruneOldJobs deletes terminal jobs older than RetentionMaxAge. Retention
// stays off until the age is configured.
func (r *Runner) pruneOldJobs(ctx context.Context) (int64, error) {
	if r.cfg.RetentionMaxAge <= 0 {
		return 0, nil
	}

	var total int64
	var errs []error
	for _, status := range []model.Status{model.StatusCompleted, model.StatusFailed, model.StatusCanceled} {
		n, err := r.pruneStatus(ctx, status)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("prune %s jobs: %w", status, err))
		}
	}

	if total > 0 {
		r.logger.InfoContext(ctx, "pruned old jobs",
			"count", total, "max_age", r.cfg.RetentionMaxAge, "keep_newest", r.cfg.RetentionKeep)
	}
	return total, errors.Join(errs...)
}

// pruneStatus deletes in batches until a pass removes nothing.
func (r *Runner) pruneStatus(ctx context.Context, status model.Status) (int64, error) {
	var total int64
	for {
		n, err := r.jobs.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
			Status:     status,
			MaxAge:     r.cfg.RetentionMaxAge,
			KeepNewest: r.cfg.RetentionKeep,
			BatchSize:  retentionBatchSize,
		})
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func (r *Runner) gaugeQueueDepth(ctx context.Context, queue string) {
	if r.metrics == nil {
		return
	}
	stats, err := r.jobs.Stats(ctx, queue)
	if err != nil {
		r.logger.DebugContext(ctx, "queue stats unavailable", "queue", queue, "error", err)
		return
	}
	r.metrics.Gauge(metrics.MetricQueueDepth, float64(stats.Enqueued), map[string]string{"queue": queue})
}

func (r *Runner) emitSweepMetrics(recovered int, pruned int64, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	switch {
	case err != nil:
		result = metrics.ResultError
	case recovered == 0 && pruned == 0:
		result = metrics.ResultNoop
	}

	tags := map[string]string{"result": result}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	r.metrics.Count("maintenance.sweep", 1, tags)
	if recovered > 0 {
		r.metrics.Count(metrics.MetricJobsExpired, int64(recovered), nil)
	}
	if pruned > 0 {
		r.metrics.Count(metrics.MetricJobsReaped, pruned, nil)
	}
	if elapsed > 0 {
		r.metrics.Timing("maintenance.sweep_duration", elapsed, metrics.CloneTags(tags))
	}
	if err == nil {
		r.metrics.Gauge("maintenance.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (r *Runner) logSweepError(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.logger.DebugContext(ctx, "sweep cancelled", "error", err)
		return
	}
	r.logger.ErrorContext(ctx, "sweep failed", "error", err)
}
