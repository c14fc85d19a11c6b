package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/domain"
	"github.com/shaiso/Conductor/internal/scheduler"
)

// CreateDeployment создаёт deployment.
// POST /api/v1/deployments
func (h *Handler) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req CreateDeploymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		BadRequest(w, "name is required")
		return
	}
	if req.WorkQueueID != nil {
		if _, err := h.queues.Get(r.Context(), *req.WorkQueueID); HandleError(w, h.logger, err, "work queue not found") {
			return
		}
	}

	now := time.Now().UTC()
	d := &domain.Deployment{
		ID:          uuid.New(),
		Name:        name,
		WorkQueueID: req.WorkQueueID,
		Tags:        req.Tags,
		Policy:      req.Policy,
		IsPaused:    req.IsPaused,
		Status:      domain.DeploymentNotReady,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.deployments.CreateDeployment(r.Context(), d); HandleError(w, h.logger, err, "") {
		return
	}
	Created(w, d)
}

// ListDeployments возвращает deployments.
// GET /api/v1/deployments?limit=...&offset=...
func (h *Handler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}
	deps, err := h.deployments.ListDeployments(r.Context(), limit, offset)
	if HandleError(w, h.logger, err, "") {
		return
	}
	List(w, deps, len(deps))
}

// GetDeployment возвращает deployment с действующим статусом.
// GET /api/v1/deployments/{id}
func (h *Handler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	d, err := h.deployments.GetDeployment(r.Context(), id)
	if HandleError(w, h.logger, err, "deployment not found") {
		return
	}
	status, err := h.queues.Tracker().DeploymentStatus(r.Context(), id)
	if HandleError(w, h.logger, err, "deployment not found") {
		return
	}
	d.Status = status
	Success(w, d)
}

// UpdateDeployment ставит deployment на паузу или снимает с неё.
// PATCH /api/v1/deployments/{id}
func (h *Handler) UpdateDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateDeploymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := h.deployments.GetDeployment(r.Context(), id)
	if HandleError(w, h.logger, err, "deployment not found") {
		return
	}
	if req.IsPaused != nil {
		d.IsPaused = *req.IsPaused
	}
	d.UpdatedAt = time.Now().UTC()
	if err := h.deployments.UpdateDeployment(r.Context(), d); HandleError(w, h.logger, err, "deployment not found") {
		return
	}
	Success(w, d)
}

// DeleteDeployment удаляет deployment и его расписания.
// DELETE /api/v1/deployments/{id}
func (h *Handler) DeleteDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.deployments.DeleteDeployment(r.Context(), id); HandleError(w, h.logger, err, "deployment not found") {
		return
	}
	NoContent(w)
}

// CreateSchedule добавляет расписание deployment.
// POST /api/v1/deployments/{id}/schedules
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req CreateScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := scheduler.Validate(req.Schedule); err != nil {
		BadRequest(w, fmt.Sprintf("invalid schedule: %v", err))
		return
	}

	now := time.Now().UTC()
	sch := &domain.DeploymentSchedule{
		ID:           uuid.New(),
		DeploymentID: id,
		Schedule:     req.Schedule,
		Active:       req.Active == nil || *req.Active,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.deployments.CreateSchedule(r.Context(), sch); HandleError(w, h.logger, err, "deployment not found") {
		return
	}
	Created(w, sch)
}

// ListSchedules возвращает расписания deployment.
// GET /api/v1/deployments/{id}/schedules
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	schedules, err := h.deployments.ListSchedules(r.Context(), id)
	if HandleError(w, h.logger, err, "") {
		return
	}
	List(w, schedules, len(schedules))
}

// UpdateSchedule изменяет расписание. Уже созданные runs не отзываются.
// PATCH /api/v1/deployments/{id}/schedules/{schedule_id}
func (h *Handler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	sch, ok := h.deploymentSchedule(w, r)
	if !ok {
		return
	}
	var req UpdateScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Schedule != nil {
		if err := scheduler.Validate(*req.Schedule); err != nil {
			BadRequest(w, fmt.Sprintf("invalid schedule: %v", err))
			return
		}
		sch.Schedule = *req.Schedule
	}
	if req.Active != nil {
		sch.Active = *req.Active
	}
	sch.UpdatedAt = time.Now().UTC()
	if err := h.deployments.UpdateSchedule(r.Context(), sch); HandleError(w, h.logger, err, "schedule not found") {
		return
	}
	Success(w, sch)
}

// DeleteSchedule удаляет расписание.
// DELETE /api/v1/deployments/{id}/schedules/{schedule_id}
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	sch, ok := h.deploymentSchedule(w, r)
	if !ok {
		return
	}
	if err := h.deployments.DeleteSchedule(r.Context(), sch.ID); HandleError(w, h.logger, err, "schedule not found") {
		return
	}
	NoContent(w)
}

// MaterializeDeployment создаёт runs по всем активным расписаниям deployment в окне.
// POST /api/v1/deployments/{id}/materialize
func (h *Handler) MaterializeDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req MaterializeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := h.deployments.GetDeployment(r.Context(), id); HandleError(w, h.logger, err, "deployment not found") {
		return
	}
	schedules, err := h.deployments.ListSchedules(r.Context(), id)
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]MaterializeResponse, 0, len(schedules))
	for i := range schedules {
		sch := &schedules[i]
		m, err := h.materializer.Materialize(r.Context(), sch, req.Window())
		if HandleError(w, h.logger, err, "") {
			return
		}
		result = append(result, MaterializeFromScheduler(sch.ID, m))
	}
	List(w, result, len(result))
}

// deploymentSchedule читает расписание из пути и проверяет, что оно принадлежит deployment.
func (h *Handler) deploymentSchedule(w http.ResponseWriter, r *http.Request) (*domain.DeploymentSchedule, bool) {
	depID, ok := pathUUID(w, r, "id")
	if !ok {
		return nil, false
	}
	schID, ok := pathUUID(w, r, "schedule_id")
	if !ok {
		return nil, false
	}
	sch, err := h.deployments.GetSchedule(r.Context(), schID)
	if HandleError(w, h.logger, err, "schedule not found") {
		return nil, false
	}
	if sch.DeploymentID != depID {
		NotFound(w, "schedule not found")
		return nil, false
	}
	return sch, true
}
