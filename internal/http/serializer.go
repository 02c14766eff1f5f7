package httpx

import (
	"encoding/json"

	"github.com/chaoss/grimoirelab-core/internal/domain/model"
)

// taskView shapes a task the way the API exposes it: the shared scheduler
// fields plus the task type's extra fields flattened at the top level.
// Scheduler fields win on name collisions.
func taskView(task *model.Task, lastJobs []*model.Job) map[string]any {
	view := make(map[string]any, len(task.ExtraFields)+11)
	for k, v := range task.ExtraFields {
		view[k] = v
	}
	view["uuid"] = task.UUID
	view["status"] = task.Status
	view["runs"] = task.Runs
	view["failures"] = task.Failures
	view["last_run"] = task.LastRun
	view["job_interval"] = task.JobInterval
	view["scheduled_at"] = task.ScheduledAt
	view["job_max_retries"] = task.JobMaxRetries
	view["task_args"] = orEmpty(task.TaskArgs)
	view["burst"] = task.Burst
	view["last_jobs"] = jobSummaryViews(lastJobs)
	return view
}

// jobSummaryView shapes one row of a task's job history.
func jobSummaryView(job *model.Job) map[string]any {
	return map[string]any{
		"uuid":         job.UUID,
		"job_num":      job.JobNum,
		"status":       job.Status,
		"scheduled_at": job.ScheduledAt,
		"started_at":   job.StartedAt,
		"finished_at":  job.FinishedAt,
		"queue":        job.Queue,
	}
}

func jobSummaryViews(jobs []*model.Job) []map[string]any {
	views := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, jobSummaryView(job))
	}
	return views
}

// jobView adds the latest checkpointed progress to the summary fields.
func jobView(job *model.Job) map[string]any {
	view := jobSummaryView(job)
	view["progress"] = rawOrNull(job.Progress)
	return view
}

// jobLogsView shapes the payload of the job logs endpoint.
func jobLogsView(job *model.Job) map[string]any {
	logs := job.Logs
	if logs == nil {
		logs = []model.LogEntry{}
	}
	return map[string]any{
		"uuid":   job.UUID,
		"status": job.Status,
		"logs":   logs,
	}
}

// rawOrNull keeps stored JSON as-is, mapping absent payloads to null.
func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
