package httpx

import (
	"fmt"
	"net/http"

	"github.com/chaoss/grimoirelab-core/internal/core"
	"github.com/chaoss/grimoirelab-core/internal/domain/model"
	"github.com/chaoss/grimoirelab-core/internal/service"
)

// lastJobsLimit caps the job history embedded in a serialized task.
const lastJobsLimit = 10

// TaskHandlers provides HTTP handlers for task operations.
type TaskHandlers struct {
	Svc       *service.TaskService
	Scheduler core.TaskScheduler
}

// ListTaskTypes handles HTTP requests for the registered task type tags.
func (h *TaskHandlers) ListTaskTypes(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.Svc.TaskTypes())
}

// ListTasks handles HTTP requests for one page of tasks of a type.
func (h *TaskHandlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	status, ok := parseStatusQuery(w, r)
	if !ok {
		return
	}

	list, err := h.Svc.ListTasks(r.Context(), service.TaskListQuery{
		TaskType: r.PathValue("task_type"),
		Status:   status,
		Page:     parseIntQuery(r, "page", 1),
		Size:     parseIntQuery(r, "size", 0),
	})
	if err != nil {
		WriteAppError(w, err)
		return
	}

	results := make([]map[string]any, 0, len(list.Tasks))
	for _, task := range list.Tasks {
		view, err := h.serializeTask(r, task)
		if err != nil {
			WriteAppError(w, err)
			return
		}
		results = append(results, view)
	}

	WriteJSON(w, http.StatusOK, newPaginatedResponse(r, list.Page, list.TotalPages, list.Count, results))
}

// CreateTask handles HTTP requests to create and schedule a new task.
func (h *TaskHandlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCreateTask(w, r, r.PathValue("task_type"))
	if !ok {
		return
	}

	task, err := h.Scheduler.ScheduleTask(r.Context(), req)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	view, err := h.serializeTask(r, task)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, view)
}

// GetTask handles HTTP requests for a single task.
func (h *TaskHandlers) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Svc.GetTask(r.Context(), r.PathValue("task_type"), r.PathValue("uuid"))
	if err != nil {
		WriteAppError(w, err)
		return
	}

	view, err := h.serializeTask(r, task)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// DeleteTask handles HTTP requests to delete a task and its jobs.
func (h *TaskHandlers) DeleteTask(w http.ResponseWriter, r *http.Request) {
	err := h.Svc.DeleteTask(r.Context(), r.PathValue("task_type"), r.PathValue("uuid"))
	if err != nil {
		WriteAppError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RescheduleTask handles HTTP requests to run a task again.
func (h *TaskHandlers) RescheduleTask(w http.ResponseWriter, r *http.Request) {
	taskUUID := r.PathValue("uuid")
	if _, err := h.Svc.GetTask(r.Context(), r.PathValue("task_type"), taskUUID); err != nil {
		WriteAppError(w, err)
		return
	}

	if _, err := h.Scheduler.RescheduleTask(r.Context(), taskUUID); err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, []string{fmt.Sprintf("Task %s rescheduled", taskUUID)})
}

// CancelTask handles HTTP requests to stop a task.
func (h *TaskHandlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskUUID := r.PathValue("uuid")
	if _, err := h.Svc.GetTask(r.Context(), r.PathValue("task_type"), taskUUID); err != nil {
		WriteAppError(w, err)
		return
	}

	if _, err := h.Scheduler.CancelTask(r.Context(), taskUUID); err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, []string{fmt.Sprintf("Task %s cancelled", taskUUID)})
}

func (h *TaskHandlers) serializeTask(r *http.Request, task *model.Task) (map[string]any, error) {
	lastJobs, err := h.Svc.LastJobs(r.Context(), task.UUID, lastJobsLimit)
	if err != nil {
		return nil, err
	}
	return taskView(task, lastJobs), nil
}

// decodeCreateTask splits the request body into the shared scheduler
// fields and the task type's extra fields. Every key that is not a
// scheduler field travels as an extra field and is validated against the
// type's descriptor when the task is scheduled.
func decodeCreateTask(w http.ResponseWriter, r *http.Request, taskType string) (*model.CreateTaskRequest, bool) {
	var body map[string]any
	if !DecodeJSON(w, r, &body) {
		return nil, false
	}

	req := &model.CreateTaskRequest{TaskType: taskType, ExtraFields: map[string]any{}}
	for key, value := range body {
		switch key {
		case "task_args":
			args, ok := value.(map[string]any)
			if !ok {
				writeFieldError(w, "task_args", "must be an object")
				return nil, false
			}
			req.TaskArgs = args
		case "job_interval":
			n, ok := intValue(value)
			if !ok {
				writeFieldError(w, "job_interval", "must be an integer")
				return nil, false
			}
			req.JobInterval = n
		case "job_max_retries":
			n, ok := intValue(value)
			if !ok {
				writeFieldError(w, "job_max_retries", "must be an integer")
				return nil, false
			}
			req.JobMaxRetries = n
		case "burst":
			b, ok := value.(bool)
			if !ok {
				writeFieldError(w, "burst", "must be a boolean")
				return nil, false
			}
			req.Burst = b
		case "task_type":
			// The path names the type; a copy in the body is ignored.
		default:
			req.ExtraFields[key] = value
		}
	}

	return req, true
}

// parseStatusQuery reads the optional status filter of list endpoints.
func parseStatusQuery(w http.ResponseWriter, r *http.Request) (*model.Status, bool) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return nil, true
	}

	var status model.Status
	if err := status.UnmarshalText([]byte(raw)); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_status", err.Error())
		return nil, false
	}
	return &status, true
}

// intValue accepts JSON numbers that hold integral values.
func intValue(v any) (int, bool) {
	n, ok := v.(float64)
	if !ok || n != float64(int(n)) {
		return 0, false
	}
	return int(n), true
}

func writeFieldError(w http.ResponseWriter, field, message string) {
	WriteError(w, http.StatusBadRequest, "validation", field+": "+message)
}
