package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaoss/grimoirelab-core/internal/core"
	"github.com/chaoss/grimoirelab-core/internal/data"
	"github.com/chaoss/grimoirelab-core/internal/domain/model"
	apperrors "github.com/chaoss/grimoirelab-core/internal/errors"
	"github.com/chaoss/grimoirelab-core/internal/eventizer"
	"github.com/chaoss/grimoirelab-core/internal/mocks/store"
	"github.com/chaoss/grimoirelab-core/internal/scheduler"
)

const testQueue = "eventizer_jobs"

type routedJob struct {
	job     *model.Job
	outcome model.JobOutcome
}

// fakeTaskScheduler records outcome routing; scheduling entry points are
// not exercised by the runner.
type fakeTaskScheduler struct {
	mu       sync.Mutex
	started  []string
	success  []routedJob
	failed   []routedJob
	canceled []routedJob
}

var _ core.TaskScheduler = (*fakeTaskScheduler)(nil)

func (f *fakeTaskScheduler) ScheduleTask(context.Context, *model.CreateTaskRequest) (*model.Task, error) {
	return nil, apperrors.Internal("not implemented")
}

func (f *fakeTaskScheduler) RescheduleTask(context.Context, string) (*model.Task, error) {
	return nil, apperrors.Internal("not implemented")
}

func (f *fakeTaskScheduler) CancelTask(context.Context, string) (*model.Task, error) {
	return nil, apperrors.Internal("not implemented")
}

func (f *fakeTaskScheduler) OnJobStarted(_ context.Context, job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, job.UUID)
	return nil
}

func (f *fakeTaskScheduler) OnJobSuccess(_ context.Context, job *model.Job, outcome model.JobOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.success = append(f.success, routedJob{job: job, outcome: outcome})
	return nil
}

func (f *fakeTaskScheduler) OnJobFailure(_ context.Context, job *model.Job, outcome model.JobOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, routedJob{job: job, outcome: outcome})
	return nil
}

func (f *fakeTaskScheduler) OnJobCanceled(_ context.Context, job *model.Job, outcome model.JobOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, routedJob{job: job, outcome: outcome})
	return nil
}

func (f *fakeTaskScheduler) successCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.success)
}

// memPublisher is a thread-safe in-memory event sink.
type memPublisher struct {
	mu     sync.Mutex
	events []*model.Event
}

func (p *memPublisher) Publish(_ context.Context, event *model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *memPublisher) Len(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.events)), nil
}

func (p *memPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// transitionSink counts job.transition emissions per transition tag.
type transitionSink struct {
	mu          sync.Mutex
	transitions map[string]int64
}

func newTransitionSink() *transitionSink {
	return &transitionSink{transitions: make(map[string]int64)}
}

func (s *transitionSink) Count(name string, value int64, tags map[string]string) {
	if name != "job.transition" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions[tags["transition"]] += value
}

func (s *transitionSink) Gauge(string, float64, map[string]string) {}

func (s *transitionSink) Timing(string, time.Duration, map[string]string) {}

func (s *transitionSink) count(transition string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitions[transition]
}

type runnerFixture struct {
	runner  *Runner
	jobs    *store.MemoryJobStore
	sched   *fakeTaskScheduler
	pub     *memPublisher
	clock   *data.FixedTimeProvider
	metrics *transitionSink
}

func newRunnerFixture(t *testing.T, checkpointEvery int) *runnerFixture {
	t.Helper()

	clock := data.NewFixedTimeProvider(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	jobs := store.NewMemoryJobStore(clock)
	pub := &memPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	chronicler, err := eventizer.NewChronicler(eventizer.ChroniclerOptions{
		NewPublisher: func(string, int64) (core.EventPublisher, error) {
			return pub, nil
		},
		CheckpointEvery: checkpointEvery,
		Logger:          logger,
	})
	require.NoError(t, err)

	registry := scheduler.NewRegistry()
	require.NoError(t, scheduler.RegisterDefaults(registry, scheduler.DefaultsOptions{
		EventizerQueue:  testQueue,
		IdentitiesQueue: "identities_jobs",
		EventsStream:    "events",
		StreamMaxLength: 1000,
		SystemBotUser:   "grimoire-bot",
	}))

	sched := &fakeTaskScheduler{}
	sink := newTransitionSink()
	runner, err := NewRunner(RunnerOptions{
		Jobs:         jobs,
		Scheduler:    sched,
		Registry:     registry,
		Chronicler:   chronicler,
		Logger:       logger,
		TimeProvider: clock,
		Metrics:      sink,
		Queue:        testQueue,
		Lease:        time.Minute,
		Concurrency:  1,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	return &runnerFixture{runner: runner, jobs: jobs, sched: sched, pub: pub, clock: clock, metrics: sink}
}

func chroniclerJobArgs(extra map[string]any) map[string]any {
	backendArgs := map[string]any{
		"uri":     "http://example.com/",
		"gitpath": filepath.Join("..", "eventizer", "testdata", "git_log.txt"),
	}
	for k, v := range extra {
		backendArgs[k] = v
	}
	return map[string]any{
		"datasource_type":     "git",
		"datasource_category": "commit",
		"events_stream":       "events",
		"stream_max_length":   float64(1000),
		"job_args":            backendArgs,
	}
}

// seedReservedJob creates an eventizer job and reserves it, the state
// processJob expects.
func (f *runnerFixture) seedReservedJob(t *testing.T, uuid string, args map[string]any) *model.Job {
	t.Helper()

	_, err := f.jobs.CreateForTask(context.Background(), &model.Job{
		UUID:     uuid,
		TaskUUID: "task-" + uuid,
		TaskType: scheduler.TypeEventizer,
		Queue:    testQueue,
		JobArgs:  args,
	})
	require.NoError(t, err)

	job, err := f.jobs.ReserveNext(context.Background(), testQueue, 60)
	require.NoError(t, err)
	require.Equal(t, uuid, job.UUID)
	return job
}

func TestRunnerProcessJobSuccess(t *testing.T) {
	f := newRunnerFixture(t, 4)
	job := f.seedReservedJob(t, "job-1", chroniclerJobArgs(nil))

	f.runner.processJob(context.Background(), job)

	assert.Equal(t, []string{"job-1"}, f.sched.started)
	require.Len(t, f.sched.success, 1)
	assert.Empty(t, f.sched.failed)
	assert.Empty(t, f.sched.canceled)

	outcome := f.sched.success[0].outcome
	progress, err := model.ParseChroniclerProgress(outcome.Result)
	require.NoError(t, err)
	assert.Equal(t, "job-1", progress.JobID)
	assert.Equal(t, "git", progress.Backend)
	assert.Equal(t, 9, progress.Summary.Fetched)
	assert.Equal(t, "1375b60d3c23ac9b81da92523e4144abc4489d4c", progress.Summary.LastUUID)

	assert.Equal(t, 40, f.pub.count())
	require.NotEmpty(t, outcome.Logs)
	assert.Equal(t, "INFO", outcome.Logs[0].Level)

	// Mid-run checkpoints landed on the job row while it was running.
	stored, err := f.jobs.GetByUUID(context.Background(), job.UUID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Progress)

	assert.Equal(t, int64(1), f.metrics.count("completed"))
}

func TestRunnerProcessJobCancelRequested(t *testing.T) {
	f := newRunnerFixture(t, 2)
	job := f.seedReservedJob(t, "job-1", chroniclerJobArgs(nil))

	_, err := f.jobs.RequestCancel(context.Background(), job.UUID)
	require.NoError(t, err)

	f.runner.processJob(context.Background(), job)

	require.Len(t, f.sched.canceled, 1)
	assert.Empty(t, f.sched.success)
	assert.Empty(t, f.sched.failed)

	outcome := f.sched.canceled[0].outcome
	progress, err := model.ParseChroniclerProgress(outcome.Progress)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Summary.Fetched)
	assert.Equal(t, 9, f.pub.count())
	assert.Equal(t, int64(1), f.metrics.count("canceled"))
}

func TestRunnerProcessJobInvalidArgs(t *testing.T) {
	f := newRunnerFixture(t, 4)
	job := f.seedReservedJob(t, "job-1", map[string]any{"datasource_type": "git"})

	f.runner.processJob(context.Background(), job)

	require.Len(t, f.sched.failed, 1)
	outcome := f.sched.failed[0].outcome
	assert.Contains(t, outcome.Error, "missing chronicler arguments")
	assert.Zero(t, f.pub.count())
	assert.Equal(t, int64(1), f.metrics.count("failed"))

	// The failure lands on the trail too.
	require.NotEmpty(t, outcome.Logs)
	assert.Equal(t, "ERROR", outcome.Logs[len(outcome.Logs)-1].Level)
}

func TestRunnerProcessJobBackendFailure(t *testing.T) {
	f := newRunnerFixture(t, 4)
	job := f.seedReservedJob(t, "job-1",
		chroniclerJobArgs(map[string]any{"gitpath": filepath.Join("..", "eventizer", "testdata", "no_such_log.txt")}))

	f.runner.processJob(context.Background(), job)

	require.Len(t, f.sched.failed, 1)
	outcome := f.sched.failed[0].outcome
	assert.Contains(t, outcome.Error, "no_such_log.txt")

	// Even a failed run reports the progress it got to.
	progress, err := model.ParseChroniclerProgress(outcome.Progress)
	require.NoError(t, err)
	assert.Zero(t, progress.Summary.Fetched)
}

func TestRunnerProcessJobUnknownTaskType(t *testing.T) {
	f := newRunnerFixture(t, 4)

	_, err := f.jobs.CreateForTask(context.Background(), &model.Job{
		UUID:     "job-1",
		TaskUUID: "task-1",
		TaskType: "mystery",
		Queue:    testQueue,
		JobArgs:  chroniclerJobArgs(nil),
	})
	require.NoError(t, err)
	job, err := f.jobs.ReserveNext(context.Background(), testQueue, 60)
	require.NoError(t, err)

	f.runner.processJob(context.Background(), job)

	require.Len(t, f.sched.failed, 1)
	assert.Contains(t, f.sched.failed[0].outcome.Error, "mystery")
}

func TestRunnerProcessJobMissingJobFunction(t *testing.T) {
	f := newRunnerFixture(t, 4)
	require.NoError(t, f.runner.registry.Register(&scheduler.TaskType{
		Tag:     "orphan",
		Queue:   testQueue,
		JobFunc: "unregistered",
		PrepareJobArgs: func(context.Context, scheduler.PrepareParams) (map[string]any, error) {
			return nil, nil
		},
	}))

	_, err := f.jobs.CreateForTask(context.Background(), &model.Job{
		UUID:     "job-1",
		TaskUUID: "task-1",
		TaskType: "orphan",
		Queue:    testQueue,
	})
	require.NoError(t, err)
	job, err := f.jobs.ReserveNext(context.Background(), testQueue, 60)
	require.NoError(t, err)

	f.runner.processJob(context.Background(), job)

	require.Len(t, f.sched.failed, 1)
	assert.Contains(t, f.sched.failed[0].outcome.Error, "unregistered")
}

func TestRunnerRunDrainsQueue(t *testing.T) {
	f := newRunnerFixture(t, 4)

	for _, uuid := range []string{"job-1", "job-2"} {
		_, err := f.jobs.CreateForTask(context.Background(), &model.Job{
			UUID:     uuid,
			TaskUUID: "task-" + uuid,
			TaskType: scheduler.TypeEventizer,
			Queue:    testQueue,
			JobArgs:  chroniclerJobArgs(nil),
		})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.runner.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return f.sched.successCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}

	assert.Equal(t, 80, f.pub.count())
}

func TestNewRunnerValidation(t *testing.T) {
	clock := data.NewFixedTimeProvider(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	jobs := store.NewMemoryJobStore(clock)
	registry := scheduler.NewRegistry()
	sched := &fakeTaskScheduler{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewRunner(RunnerOptions{Scheduler: sched, Registry: registry, Queue: testQueue})
	assert.ErrorContains(t, err, "jobs repository")

	_, err = NewRunner(RunnerOptions{Jobs: jobs, Registry: registry, Queue: testQueue})
	assert.ErrorContains(t, err, "scheduler")

	_, err = NewRunner(RunnerOptions{Jobs: jobs, Scheduler: sched, Queue: testQueue})
	assert.ErrorContains(t, err, "registry")

	_, err = NewRunner(RunnerOptions{Jobs: jobs, Scheduler: sched, Registry: registry})
	assert.ErrorContains(t, err, "queue")

	_, err = NewRunner(RunnerOptions{
		Jobs: jobs, Scheduler: sched, Registry: registry, Queue: testQueue, Logger: logger,
		Handlers: map[string]HandlerFunc{"broken": nil},
	})
	assert.ErrorContains(t, err, "no handler")
}

func TestNewRunnerRejectsDuplicateJobFunction(t *testing.T) {
	clock := data.NewFixedTimeProvider(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	jobs := store.NewMemoryJobStore(clock)
	registry := scheduler.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	chronicler, err := eventizer.NewChronicler(eventizer.ChroniclerOptions{
		NewPublisher: func(string, int64) (core.EventPublisher, error) {
			return &memPublisher{}, nil
		},
		Logger: logger,
	})
	require.NoError(t, err)

	_, err = NewRunner(RunnerOptions{
		Jobs:       jobs,
		Scheduler:  &fakeTaskScheduler{},
		Registry:   registry,
		Chronicler: chronicler,
		Logger:     logger,
		Queue:      testQueue,
		Handlers: map[string]HandlerFunc{
			scheduler.JobFuncChronicler: func(context.Context, *model.Job, *Recorder) (json.RawMessage, error) {
				return nil, errors.New("shadowed")
			},
		},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}
