package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/shaiso/Conductor/internal/domain"
)

// CreateLogs сохраняет пачку строк журнала.
// POST /api/v1/logs
func (h *Handler) CreateLogs(w http.ResponseWriter, r *http.Request) {
	var req []CreateLogRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	now := time.Now().UTC()
	logs := make([]domain.Log, 0, len(req))
	for i, lr := range req {
		l := lr.ToLog(now)
		if err := l.Validate(); err != nil {
			BadRequest(w, fmt.Sprintf("log %d: %v", i, err))
			return
		}
		logs = append(logs, l)
	}
	if err := h.logs.CreateLogs(r.Context(), logs); HandleError(w, h.logger, err, "") {
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// ReadLogs возвращает строки журнала по фильтру.
// POST /api/v1/logs/filter
func (h *Handler) ReadLogs(w http.ResponseWriter, r *http.Request) {
	var req ReadLogsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	filter, err := req.ToFilter()
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	logs, err := h.logs.ReadLogs(r.Context(), filter)
	if HandleError(w, h.logger, err, "") {
		return
	}
	List(w, logs, len(logs))
}
