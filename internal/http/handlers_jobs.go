package httpx

import (
	"net/http"

	"github.com/chaoss/grimoirelab-core/internal/service"
)

// JobHandlers provides HTTP handlers for the job history of tasks.
type JobHandlers struct {
	Svc *service.TaskService
}

// ListJobs handles HTTP requests for one page of a task's jobs.
func (h *JobHandlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	status, ok := parseStatusQuery(w, r)
	if !ok {
		return
	}

	list, err := h.Svc.ListJobs(r.Context(), service.JobListQuery{
		TaskType: r.PathValue("task_type"),
		TaskUUID: r.PathValue("uuid"),
		Status:   status,
		Page:     parseIntQuery(r, "page", 1),
		Size:     parseIntQuery(r, "size", 0),
	})
	if err != nil {
		WriteAppError(w, err)
		return
	}

	results := jobSummaryViews(list.Jobs)
	WriteJSON(w, http.StatusOK, newPaginatedResponse(r, list.Page, list.TotalPages, list.Count, results))
}

// GetJob handles HTTP requests for a single job. Running jobs report the
// progress of their latest checkpoint.
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Svc.GetJob(r.Context(), jobQuery(r))
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, jobView(job))
}

// GetJobLogs handles HTTP requests for the log lines a job has recorded.
func (h *JobHandlers) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	job, err := h.Svc.GetJob(r.Context(), jobQuery(r))
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, jobLogsView(job))
}

func jobQuery(r *http.Request) service.JobQuery {
	return service.JobQuery{
		TaskType: r.PathValue("task_type"),
		TaskUUID: r.PathValue("uuid"),
		JobUUID:  r.PathValue("job_uuid"),
	}
}
