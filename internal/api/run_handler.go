package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/domain"
	"github.com/shaiso/Conductor/internal/orchestration"
	"github.com/shaiso/Conductor/internal/repo"
)

// CreateRun создаёт run. Повтор с тем же idempotency_key возвращает существующий run (200).
// POST /api/v1/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	run, created, err := h.engine.CreateRun(r.Context(), req.ToParams())
	if HandleError(w, h.logger, err, "") {
		return
	}
	if created {
		Created(w, run)
		return
	}
	Success(w, run)
}

// GetRun возвращает run.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	run, err := h.engine.GetRun(r.Context(), id)
	if HandleError(w, h.logger, err, "run not found") {
		return
	}
	Success(w, run)
}

// ListRuns возвращает runs с фильтрацией.
// GET /api/v1/runs?kind=...&deployment_id=...&work_queue_id=...&parent_run_id=...&state=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}
	filter := repo.RunFilter{
		Kind:   domain.RunKind(r.URL.Query().Get("kind")),
		Limit:  limit,
		Offset: offset,
	}

	for name, dst := range map[string]**uuid.UUID{
		"deployment_id": &filter.DeploymentID,
		"work_queue_id": &filter.WorkQueueID,
		"parent_run_id": &filter.ParentRunID,
	} {
		s := r.URL.Query().Get(name)
		if s == "" {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			BadRequest(w, "invalid "+name)
			return
		}
		*dst = &id
	}

	for _, s := range r.URL.Query()["state"] {
		t := domain.StateType(s)
		if !t.IsValid() {
			BadRequest(w, "invalid state "+s)
			return
		}
		filter.StateTypes = append(filter.StateTypes, t)
	}

	runs, err := h.engine.ListRuns(r.Context(), filter)
	if HandleError(w, h.logger, err, "") {
		return
	}
	List(w, runs, len(runs))
}

// ListRunStates возвращает историю состояний run.
// GET /api/v1/runs/{id}/states
func (h *Handler) ListRunStates(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	states, err := h.engine.History(r.Context(), id)
	if HandleError(w, h.logger, err, "run not found") {
		return
	}
	List(w, states, len(states))
}

// SetRunState предлагает переход состояния run.
// POST /api/v1/runs/{id}/set_state
func (h *Handler) SetRunState(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req SetStateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.State.Type == "" {
		BadRequest(w, "state.type is required")
		return
	}

	res, err := h.engine.ProposeTransition(r.Context(), id, req.State.ToDomain(), orchestration.Params{
		AgentID: req.AgentID,
	})
	if HandleError(w, h.logger, err, "run not found") {
		return
	}
	WriteResult(w, res)
}

// pathUUID читает UUID из параметра пути.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		BadRequest(w, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
