package api

import (
	"net/http"
	"strings"

	"github.com/shaiso/Conductor/internal/repo"
	"github.com/shaiso/Conductor/internal/workqueue"
)

// CreateWorkQueue создаёт очередь.
// POST /api/v1/work_queues
func (h *Handler) CreateWorkQueue(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkQueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	q, err := h.queues.Create(r.Context(), workqueue.CreateParams{
		Name:             req.Name,
		Description:      req.Description,
		ConcurrencyLimit: req.ConcurrencyLimit,
		Priority:         req.Priority,
		IsPaused:         req.IsPaused,
	})
	if HandleError(w, h.logger, err, "") {
		return
	}
	Created(w, q)
}

// ListWorkQueues возвращает очереди.
// GET /api/v1/work_queues?name_prefix=...&limit=...&offset=...
func (h *Handler) ListWorkQueues(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}
	queues, err := h.queues.List(r.Context(), repo.WorkQueueFilter{
		NamePrefix: r.URL.Query().Get("name_prefix"),
		Limit:      limit,
		Offset:     offset,
	})
	if HandleError(w, h.logger, err, "") {
		return
	}
	List(w, queues, len(queues))
}

// GetWorkQueue возвращает очередь.
// GET /api/v1/work_queues/{id}
func (h *Handler) GetWorkQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	q, err := h.queues.Get(r.Context(), id)
	if HandleError(w, h.logger, err, "work queue not found") {
		return
	}
	Success(w, q)
}

// GetWorkQueueByName возвращает очередь по имени.
// GET /api/v1/work_queues/by_name?name=
func (h *Handler) GetWorkQueueByName(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		BadRequest(w, "name is required")
		return
	}
	q, err := h.queues.GetByName(r.Context(), name)
	if HandleError(w, h.logger, err, "work queue not found") {
		return
	}
	Success(w, q)
}

// UpdateWorkQueue изменяет очередь.
// PATCH /api/v1/work_queues/{id}
func (h *Handler) UpdateWorkQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateWorkQueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	q, err := h.queues.Update(r.Context(), id, req.ToParams())
	if HandleError(w, h.logger, err, "work queue not found") {
		return
	}
	Success(w, q)
}

// DeleteWorkQueue удаляет очередь и её лимит.
// DELETE /api/v1/work_queues/{id}
func (h *Handler) DeleteWorkQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.queues.Delete(r.Context(), id); HandleError(w, h.logger, err, "work queue not found") {
		return
	}
	NoContent(w)
}

// GetWorkQueueRuns отдаёт воркеру runs очереди и фиксирует опрос.
// Запрос с заголовком X-Conductor-UI: true опрос не фиксирует.
// POST /api/v1/work_queues/{id}/get_runs
func (h *Handler) GetWorkQueueRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req GetRunsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	runs, err := h.queues.GetRuns(r.Context(), id, workqueue.GetRunsParams{
		ScheduledBefore: req.ScheduledBefore,
		Limit:           req.Limit,
		FromUI:          strings.EqualFold(r.Header.Get(UIHeader), "true"),
		AgentID:         req.AgentID,
	})
	if HandleError(w, h.logger, err, "work queue not found") {
		return
	}
	List(w, runs, len(runs))
}

// GetWorkQueueStatus возвращает статус и здоровье очереди.
// GET /api/v1/work_queues/{id}/status
func (h *Handler) GetWorkQueueStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	detail, err := h.queues.StatusDetail(r.Context(), id)
	if HandleError(w, h.logger, err, "work queue not found") {
		return
	}
	Success(w, StatusFromWorkQueue(detail))
}

// ListWorkQueueAgents возвращает агентов, опрашивавших очередь.
// GET /api/v1/work_queues/{id}/agents
func (h *Handler) ListWorkQueueAgents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	agents, err := h.queues.Agents(r.Context(), id)
	if HandleError(w, h.logger, err, "work queue not found") {
		return
	}
	List(w, agents, len(agents))
}
