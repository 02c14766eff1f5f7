// Package store contains hand-written in-memory test doubles for the task
// and job repositories. They keep real queue semantics (job numbering,
// status compare-and-swap, lease expiry) so lifecycle tests exercise the
// same transitions the Postgres repositories implement, without codegen or
// a database.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/chaoss/grimoirelab-core/internal/core"
	"github.com/chaoss/grimoirelab-core/internal/data"
	"github.com/chaoss/grimoirelab-core/internal/domain/model"
)

// Ensure compile-time conformance to the core ports.
var (
	_ core.TaskRepository = (*MemoryTaskStore)(nil)
	_ core.JobRepository  = (*MemoryJobStore)(nil)
)

// MemoryTaskStore is an in-memory core.TaskRepository.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*model.Task
	seq   int

	timeProvider data.TimeProvider

	// Jobs, when set, receives cascade deletes.
	Jobs *MemoryJobStore
}

// NewMemoryTaskStore creates an empty task store.
func NewMemoryTaskStore(tp data.TimeProvider) *MemoryTaskStore {
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}
	return &MemoryTaskStore{
		tasks:        make(map[string]*model.Task),
		timeProvider: tp,
	}
}

func (s *MemoryTaskStore) Create(_ context.Context, task *model.Task) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.UUID]; ok {
		return nil, data.MapPostgresError(errDuplicate)
	}
	now := s.timeProvider.Now().UTC()
	stored := cloneTask(task)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.seq++
	s.tasks[task.UUID] = stored
	return cloneTask(stored), nil
}

func (s *MemoryTaskStore) GetByUUID(_ context.Context, uuid string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[uuid]
	if !ok {
		return nil, data.ErrTaskNotFound
	}
	return cloneTask(task), nil
}

func (s *MemoryTaskStore) Update(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.tasks[task.UUID]
	if !ok {
		return data.ErrTaskNotFound
	}
	updated := cloneTask(task)
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = s.timeProvider.Now().UTC()
	s.tasks[task.UUID] = updated
	return nil
}

func (s *MemoryTaskStore) UpdateStatus(_ context.Context, uuid string, from, to model.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[uuid]
	if !ok || task.Status != from {
		return false, nil
	}
	task.Status = to
	task.UpdatedAt = s.timeProvider.Now().UTC()
	return true, nil
}

func (s *MemoryTaskStore) Delete(_ context.Context, uuid string) error {
	s.mu.Lock()
	_, ok := s.tasks[uuid]
	delete(s.tasks, uuid)
	s.mu.Unlock()

	if !ok {
		return data.ErrTaskNotFound
	}
	if s.Jobs != nil {
		s.Jobs.deleteByTask(uuid)
	}
	return nil
}

func (s *MemoryTaskStore) List(_ context.Context, opts model.TaskListOptions) (*model.TaskPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*model.Task
	for _, task := range s.tasks {
		if opts.TaskType != "" && task.TaskType != opts.TaskType {
			continue
		}
		if opts.Status != nil && task.Status != *opts.Status {
			continue
		}
		matched = append(matched, task)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].UUID > matched[j].UUID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	matched = slicePage(matched, opts.Offset, opts.Limit)

	page := &model.TaskPage{Total: total}
	for _, task := range matched {
		page.Tasks = append(page.Tasks, cloneTask(task))
	}
	return page, nil
}

// MemoryJobStore is an in-memory core.JobRepository.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
	seq  int
	ord  map[string]int

	timeProvider data.TimeProvider
	waiters      map[string][]chan struct{}
}

// NewMemoryJobStore creates an empty job store.
func NewMemoryJobStore(tp data.TimeProvider) *MemoryJobStore {
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}
	return &MemoryJobStore{
		jobs:         make(map[string]*model.Job),
		ord:          make(map[string]int),
		timeProvider: tp,
		waiters:      make(map[string][]chan struct{}),
	}
}

func (s *MemoryJobStore) CreateForTask(_ context.Context, job *model.Job) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.UUID]; ok {
		return nil, data.MapPostgresError(errDuplicate)
	}

	now := s.timeProvider.Now().UTC()
	stored := cloneJob(job)
	stored.Status = model.StatusEnqueued
	stored.JobNum = s.nextJobNum(job.TaskUUID)
	if stored.ScheduledAt.IsZero() {
		stored.ScheduledAt = now
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.seq++
	s.ord[stored.UUID] = s.seq
	s.jobs[stored.UUID] = stored

	s.notifyLocked(stored.Queue)
	return cloneJob(stored), nil
}

func (s *MemoryJobStore) nextJobNum(taskUUID string) int {
	num := 0
	for _, job := range s.jobs {
		if job.TaskUUID == taskUUID && job.JobNum > num {
			num = job.JobNum
		}
	}
	return num + 1
}

func (s *MemoryJobStore) GetByUUID(_ context.Context, uuid string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[uuid]
	if !ok {
		return nil, data.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryJobStore) ListByTask(_ context.Context, opts model.JobListOptions) (*model.JobPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*model.Job
	for _, job := range s.jobs {
		if job.TaskUUID != opts.TaskUUID {
			continue
		}
		if opts.Status != nil && job.Status != *opts.Status {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].JobNum > matched[j].JobNum })

	total := len(matched)
	matched = slicePage(matched, opts.Offset, opts.Limit)

	page := &model.JobPage{Total: total}
	for _, job := range matched {
		page.Jobs = append(page.Jobs, cloneJob(job))
	}
	return page, nil
}

func (s *MemoryJobStore) LatestByTask(_ context.Context, taskUUID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestLocked(taskUUID, nil)
}

func (s *MemoryJobStore) LatestCompletedByTask(_ context.Context, taskUUID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	completed := model.StatusCompleted
	return s.latestLocked(taskUUID, &completed)
}

func (s *MemoryJobStore) latestLocked(taskUUID string, status *model.Status) (*model.Job, error) {
	var latest *model.Job
	for _, job := range s.jobs {
		if job.TaskUUID != taskUUID {
			continue
		}
		if status != nil && job.Status != *status {
			continue
		}
		if latest == nil || job.JobNum > latest.JobNum {
			latest = job
		}
	}
	if latest == nil {
		return nil, data.ErrJobNotFound
	}
	return cloneJob(latest), nil
}

func (s *MemoryJobStore) CountByStatus(_ context.Context, taskUUID string, status model.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, job := range s.jobs {
		if job.TaskUUID == taskUUID && job.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *MemoryJobStore) ReserveNext(_ context.Context, queue string, leaseSeconds int) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timeProvider.Now().UTC()
	var next *model.Job
	for _, job := range s.jobs {
		if job.Queue != queue || job.Status != model.StatusEnqueued || job.ScheduledAt.After(now) {
			continue
		}
		if next == nil ||
			job.ScheduledAt.Before(next.ScheduledAt) ||
			(job.ScheduledAt.Equal(next.ScheduledAt) && s.ord[job.UUID] < s.ord[next.UUID]) {
			next = job
		}
	}
	if next == nil {
		return nil, model.ErrNoJobsAvailable
	}

	next.Status = model.StatusRunning
	if next.StartedAt == nil {
		started := now
		next.StartedAt = &started
	}
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)
	next.LeaseExpiresAt = &lease
	next.UpdatedAt = now
	return cloneJob(next), nil
}

func (s *MemoryJobStore) WaitForNotification(ctx context.Context, queue string) error {
	s.mu.Lock()
	ch := make(chan struct{}, 1)
	s.waiters[queue] = append(s.waiters[queue], ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemoryJobStore) notifyLocked(queue string) {
	for _, ch := range s.waiters[queue] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.waiters[queue] = nil
}

func (s *MemoryJobStore) Heartbeat(_ context.Context, jobUUID string, leaseSeconds int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobUUID]
	if !ok || job.Status != model.StatusRunning {
		return false, nil
	}
	now := s.timeProvider.Now().UTC()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)
	job.LeaseExpiresAt = &lease
	job.UpdatedAt = now
	return true, nil
}

func (s *MemoryJobStore) SaveProgress(
	_ context.Context,
	jobUUID string,
	progress json.RawMessage,
	logs []model.LogEntry,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobUUID]
	if !ok || job.Status != model.StatusRunning {
		return false, data.ErrJobNotRunning
	}
	job.Progress = append(json.RawMessage(nil), progress...)
	job.Logs = append([]model.LogEntry(nil), logs...)
	job.UpdatedAt = s.timeProvider.Now().UTC()
	return job.CancelRequested, nil
}

func (s *MemoryJobStore) Complete(_ context.Context, jobUUID string, outcome model.JobOutcome) (bool, error) {
	return s.finish(jobUUID, model.StatusCompleted, outcome)
}

func (s *MemoryJobStore) Fail(_ context.Context, jobUUID string, outcome model.JobOutcome) (bool, error) {
	return s.finish(jobUUID, model.StatusFailed, outcome)
}

func (s *MemoryJobStore) MarkCanceled(_ context.Context, jobUUID string, outcome model.JobOutcome) (bool, error) {
	return s.finish(jobUUID, model.StatusCanceled, outcome)
}

func (s *MemoryJobStore) finish(jobUUID string, status model.Status, outcome model.JobOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobUUID]
	if !ok || job.Status != model.StatusRunning {
		return false, nil
	}

	now := s.timeProvider.Now().UTC()
	job.Status = status
	job.FinishedAt = &now
	job.UpdatedAt = now
	job.LeaseExpiresAt = nil
	if outcome.Progress != nil {
		job.Progress = append(json.RawMessage(nil), outcome.Progress...)
	}
	if outcome.Logs != nil {
		job.Logs = append([]model.LogEntry(nil), outcome.Logs...)
	}
	switch status {
	case model.StatusCompleted:
		job.Result = append(json.RawMessage(nil), outcome.Result...)
		job.LastError = nil
	case model.StatusFailed:
		errMsg := outcome.Error
		job.LastError = &errMsg
	}
	return true, nil
}

func (s *MemoryJobStore) RequestCancel(_ context.Context, jobUUID string) (model.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobUUID]
	if !ok {
		return "", data.ErrJobNotFound
	}
	now := s.timeProvider.Now().UTC()
	switch job.Status {
	case model.StatusEnqueued:
		job.Status = model.StatusCanceled
		job.FinishedAt = &now
		job.LeaseExpiresAt = nil
		job.UpdatedAt = now
	case model.StatusRunning:
		job.CancelRequested = true
		job.UpdatedAt = now
	}
	return job.Status, nil
}

func (s *MemoryJobStore) FailExpired(_ context.Context, queue string) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timeProvider.Now().UTC()
	var expired []*model.Job
	for _, job := range s.jobs {
		if job.Queue != queue || job.Status != model.StatusRunning {
			continue
		}
		if job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.Before(now) {
			continue
		}
		job.Status = model.StatusFailed
		errMsg := "job lease expired"
		job.LastError = &errMsg
		job.FinishedAt = &now
		job.UpdatedAt = now
		job.LeaseExpiresAt = nil
		expired = append(expired, cloneJob(job))
	}
	sort.Slice(expired, func(i, j int) bool { return s.ord[expired[i].UUID] < s.ord[expired[j].UUID] })
	return expired, nil
}

func (s *MemoryJobStore) Stats(_ context.Context, queue string) (*model.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &model.JobStats{}
	for _, job := range s.jobs {
		if job.Queue != queue {
			continue
		}
		switch job.Status {
		case model.StatusEnqueued:
			stats.Enqueued++
		case model.StatusRunning:
			stats.Running++
		case model.StatusCompleted:
			stats.Completed++
		case model.StatusFailed:
			stats.Failed++
		case model.StatusCanceled:
			stats.Canceled++
		}
	}
	return stats, nil
}

func (s *MemoryJobStore) DeleteOldJobs(_ context.Context, params core.DeleteOldJobsParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.timeProvider.Now().Add(-params.MaxAge)

	kept := make(map[string]int)
	ordered := make([]*model.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		ordered = append(ordered, job)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].JobNum > ordered[j].JobNum })

	var deleted int64
	for _, job := range ordered {
		kept[job.TaskUUID]++
		if kept[job.TaskUUID] <= params.KeepNewest {
			continue
		}
		if job.Status != params.Status {
			continue
		}
		finished := job.UpdatedAt
		if job.FinishedAt != nil {
			finished = *job.FinishedAt
		}
		if !finished.Before(cutoff) {
			continue
		}
		delete(s.jobs, job.UUID)
		deleted++
		if params.BatchSize > 0 && deleted >= int64(params.BatchSize) {
			break
		}
	}
	return deleted, nil
}

func (s *MemoryJobStore) deleteByTask(taskUUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uuid, job := range s.jobs {
		if job.TaskUUID == taskUUID {
			delete(s.jobs, uuid)
		}
	}
}

var errDuplicate = &duplicateError{}

type duplicateError struct{}

func (e *duplicateError) Error() string { return "duplicate key value violates unique constraint" }

func cloneTask(task *model.Task) *model.Task {
	copied := *task
	copied.TaskArgs = cloneMap(task.TaskArgs)
	copied.ExtraFields = cloneMap(task.ExtraFields)
	copied.LastRun = cloneTime(task.LastRun)
	copied.ScheduledAt = cloneTime(task.ScheduledAt)
	return &copied
}

func cloneJob(job *model.Job) *model.Job {
	copied := *job
	copied.JobArgs = cloneMap(job.JobArgs)
	copied.Progress = append(json.RawMessage(nil), job.Progress...)
	copied.Result = append(json.RawMessage(nil), job.Result...)
	copied.Logs = append([]model.LogEntry(nil), job.Logs...)
	copied.StartedAt = cloneTime(job.StartedAt)
	copied.FinishedAt = cloneTime(job.FinishedAt)
	copied.LeaseExpiresAt = cloneTime(job.LeaseExpiresAt)
	if job.LastError != nil {
		errMsg := *job.LastError
		copied.LastError = &errMsg
	}
	return &copied
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}

func slicePage[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
