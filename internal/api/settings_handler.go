package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/domain"
)

// GetConfiguration возвращает значение настройки.
// GET /api/v1/configuration/{key}
func (h *Handler) GetConfiguration(w http.ResponseWriter, r *http.Request) {
	c, err := h.settings.Read(r.Context(), r.PathValue("key"))
	if HandleError(w, h.logger, err, "") {
		return
	}
	if c == nil {
		NotFound(w, "configuration not found")
		return
	}
	Success(w, c)
}

// PutConfiguration записывает значение настройки.
// PUT /api/v1/configuration/{key}
func (h *Handler) PutConfiguration(w http.ResponseWriter, r *http.Request) {
	var req PutConfigurationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Value == nil {
		BadRequest(w, "value is required")
		return
	}
	c, err := h.settings.Write(r.Context(), r.PathValue("key"), req.Value)
	if HandleError(w, h.logger, err, "") {
		return
	}
	Success(w, c)
}

// CreatePolicy создаёт политику уведомлений.
// POST /api/v1/notification_policies
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Target == "" {
		BadRequest(w, "target is required")
		return
	}
	now := time.Now().UTC()
	p := &domain.NotificationPolicy{
		ID:         uuid.New(),
		IsActive:   req.IsActive == nil || *req.IsActive,
		StateNames: req.StateNames,
		Tags:       req.Tags,
		Target:     req.Target,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.policies.CreatePolicy(r.Context(), p); HandleError(w, h.logger, err, "") {
		return
	}
	Created(w, p)
}

// ListPolicies возвращает политики уведомлений.
// GET /api/v1/notification_policies?active=true
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.policies.ListPolicies(r.Context(), r.URL.Query().Get("active") == "true")
	if HandleError(w, h.logger, err, "") {
		return
	}
	List(w, policies, len(policies))
}

// DeletePolicy удаляет политику уведомлений.
// DELETE /api/v1/notification_policies/{id}
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.policies.DeletePolicy(r.Context(), id); HandleError(w, h.logger, err, "notification policy not found") {
		return
	}
	NoContent(w)
}
