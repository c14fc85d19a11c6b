package api

import (
	"net/http"
)

// RegisterRoutes регистрирует маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Metrics("api"),
		Logging(h.logger),
	)
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, chain(fn))
	}

	// Runs
	route("POST /api/v1/runs", h.CreateRun)
	route("GET /api/v1/runs", h.ListRuns)
	route("GET /api/v1/runs/{id}", h.GetRun)
	route("GET /api/v1/runs/{id}/states", h.ListRunStates)
	route("POST /api/v1/runs/{id}/set_state", h.SetRunState)

	// Concurrency limits
	route("POST /api/v1/concurrency_limits", h.CreateLimit)
	route("GET /api/v1/concurrency_limits", h.ListLimits)
	route("POST /api/v1/concurrency_limits/increment", h.IncrementLimits)
	route("POST /api/v1/concurrency_limits/decrement", h.DecrementLimits)
	route("GET /api/v1/concurrency_limits/{key}", h.GetLimit)
	route("DELETE /api/v1/concurrency_limits/{key}", h.DeleteLimit)
	route("POST /api/v1/concurrency_limits/{key}/reset", h.ResetLimit)

	// Work queues
	route("POST /api/v1/work_queues", h.CreateWorkQueue)
	route("GET /api/v1/work_queues", h.ListWorkQueues)
	route("GET /api/v1/work_queues/by_name", h.GetWorkQueueByName)
	route("GET /api/v1/work_queues/{id}", h.GetWorkQueue)
	route("PATCH /api/v1/work_queues/{id}", h.UpdateWorkQueue)
	route("DELETE /api/v1/work_queues/{id}", h.DeleteWorkQueue)
	route("POST /api/v1/work_queues/{id}/get_runs", h.GetWorkQueueRuns)
	route("GET /api/v1/work_queues/{id}/status", h.GetWorkQueueStatus)
	route("GET /api/v1/work_queues/{id}/agents", h.ListWorkQueueAgents)

	// Deployments and schedules
	route("POST /api/v1/deployments", h.CreateDeployment)
	route("GET /api/v1/deployments", h.ListDeployments)
	route("GET /api/v1/deployments/{id}", h.GetDeployment)
	route("PATCH /api/v1/deployments/{id}", h.UpdateDeployment)
	route("DELETE /api/v1/deployments/{id}", h.DeleteDeployment)
	route("POST /api/v1/deployments/{id}/schedules", h.CreateSchedule)
	route("GET /api/v1/deployments/{id}/schedules", h.ListSchedules)
	route("PATCH /api/v1/deployments/{id}/schedules/{schedule_id}", h.UpdateSchedule)
	route("DELETE /api/v1/deployments/{id}/schedules/{schedule_id}", h.DeleteSchedule)
	route("POST /api/v1/deployments/{id}/materialize", h.MaterializeDeployment)

	// Logs
	route("POST /api/v1/logs", h.CreateLogs)
	route("POST /api/v1/logs/filter", h.ReadLogs)

	// Configuration
	route("GET /api/v1/configuration/{key}", h.GetConfiguration)
	route("PUT /api/v1/configuration/{key}", h.PutConfiguration)

	// Notification policies
	route("POST /api/v1/notification_policies", h.CreatePolicy)
	route("GET /api/v1/notification_policies", h.ListPolicies)
	route("DELETE /api/v1/notification_policies/{id}", h.DeletePolicy)
}
