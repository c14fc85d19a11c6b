package api

import (
	"net/http"
	"strings"
)

// CreateLimit создаёт лимит конкурентности.
// POST /api/v1/concurrency_limits
func (h *Handler) CreateLimit(w http.ResponseWriter, r *http.Request) {
	var req CreateLimitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		BadRequest(w, "key is required")
		return
	}

	l, err := h.slots.Create(r.Context(), req.Key, req.Limit, req.SlotDecayPerSecond)
	if HandleError(w, h.logger, err, "") {
		return
	}
	Created(w, l)
}

// ListLimits возвращает лимиты.
// GET /api/v1/concurrency_limits?limit=...&offset=...
func (h *Handler) ListLimits(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}
	limits, err := h.slots.List(r.Context(), limit, offset)
	if HandleError(w, h.logger, err, "") {
		return
	}
	List(w, limits, len(limits))
}

// GetLimit возвращает лимит по ключу.
// GET /api/v1/concurrency_limits/{key}
func (h *Handler) GetLimit(w http.ResponseWriter, r *http.Request) {
	l, err := h.slots.Get(r.Context(), r.PathValue("key"))
	if HandleError(w, h.logger, err, "concurrency limit not found") {
		return
	}
	Success(w, l)
}

// DeleteLimit удаляет лимит.
// DELETE /api/v1/concurrency_limits/{key}
func (h *Handler) DeleteLimit(w http.ResponseWriter, r *http.Request) {
	err := h.slots.Delete(r.Context(), r.PathValue("key"))
	if HandleError(w, h.logger, err, "concurrency limit not found") {
		return
	}
	NoContent(w)
}

// ResetLimit сбрасывает занятые слоты лимита.
// POST /api/v1/concurrency_limits/{key}/reset
func (h *Handler) ResetLimit(w http.ResponseWriter, r *http.Request) {
	var req ResetLimitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	l, err := h.slots.Reset(r.Context(), r.PathValue("key"), req.SlotOverride)
	if HandleError(w, h.logger, err, "concurrency limit not found") {
		return
	}
	Success(w, l)
}

// IncrementLimits занимает слоты для run по всем ключам или ни по одному.
// POST /api/v1/concurrency_limits/increment
func (h *Handler) IncrementLimits(w http.ResponseWriter, r *http.Request) {
	var req SlotsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	grant, err := h.slots.Acquire(r.Context(), req.Keys, req.RunID)
	if HandleError(w, h.logger, err, "") {
		return
	}
	Success(w, GrantFromConcurrency(grant))
}

// DecrementLimits освобождает слоты run.
// POST /api/v1/concurrency_limits/decrement
func (h *Handler) DecrementLimits(w http.ResponseWriter, r *http.Request) {
	var req SlotsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.slots.Release(r.Context(), req.Keys, req.RunID); HandleError(w, h.logger, err, "") {
		return
	}
	NoContent(w)
}
