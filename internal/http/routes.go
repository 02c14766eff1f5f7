// Package httpx provides the HTTP handlers and router of the scheduler API.
package httpx

import (
	"log/slog"
	"net/http"

	"github.com/chaoss/grimoirelab-core/internal/core"
	"github.com/chaoss/grimoirelab-core/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Tasks     *service.TaskService
	Scheduler core.TaskScheduler
	// Events serves the indexed-events query endpoint. Optional; the
	// endpoint is not registered when nil.
	Events core.EventQuerier
	// Auth guards the API when set. Health checks stay open either way.
	Auth   *AuthConfig
	Logger *slog.Logger
}

// NewRouter creates and configures a new HTTP router.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	registerTaskRoutes(mux, &TaskHandlers{Svc: services.Tasks, Scheduler: services.Scheduler})
	registerJobRoutes(mux, &JobHandlers{Svc: services.Tasks})
	if services.Events != nil {
		registerEventRoutes(mux, &EventHandlers{Events: services.Events})
	}

	var api http.Handler = mux
	if services.Auth != nil {
		api = RequireAuth(services.Auth)(api)
	}

	root := http.NewServeMux()
	root.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	root.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))
	root.Handle("/", api)

	return Logging(logger)(Recover(logger)(root))
}

func registerTaskRoutes(mux *http.ServeMux, h *TaskHandlers) {
	mux.HandleFunc("GET /task-types", h.ListTaskTypes)
	mux.HandleFunc("GET /tasks/{task_type}", h.ListTasks)
	mux.HandleFunc("POST /tasks/{task_type}", h.CreateTask)
	mux.HandleFunc("GET /tasks/{task_type}/{uuid}", h.GetTask)
	mux.HandleFunc("DELETE /tasks/{task_type}/{uuid}", h.DeleteTask)
	mux.HandleFunc("POST /tasks/{task_type}/{uuid}/reschedule", h.RescheduleTask)
	mux.HandleFunc("POST /tasks/{task_type}/{uuid}/cancel", h.CancelTask)
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("GET /tasks/{task_type}/{uuid}/jobs", h.ListJobs)
	mux.HandleFunc("GET /tasks/{task_type}/{uuid}/jobs/{job_uuid}", h.GetJob)
	mux.HandleFunc("GET /tasks/{task_type}/{uuid}/jobs/{job_uuid}/logs", h.GetJobLogs)
}

func registerEventRoutes(mux *http.ServeMux, h *EventHandlers) {
	mux.HandleFunc("GET /events", h.ListEvents)
}
