package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkQueue — именованная очередь, которую опрашивают воркеры.
//
// Status — производный: клиент может только поставить очередь на паузу
// или снять с неё. READY выставляется при опросе, NOT_READY — при устаревании.
type WorkQueue struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`

	// ConcurrencyLimit — лимит одновременно выполняемых run из очереди.
	// Синхронизируется с лимитом "work_queue:<id>".
	ConcurrencyLimit *int `json:"concurrency_limit,omitempty"`

	// Priority — приоритет очереди (меньше — важнее).
	Priority int `json:"priority"`

	IsPaused bool            `json:"is_paused"`
	Status   WorkQueueStatus `json:"status"`

	// LastPolled — время последнего опроса воркером. Только растёт.
	LastPolled *time.Time `json:"last_polled,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveStatus возвращает статус с учётом устаревания опроса.
// READY без опроса дольше staleAfter читается как NOT_READY.
func (q *WorkQueue) EffectiveStatus(now time.Time, staleAfter time.Duration) WorkQueueStatus {
	if q.IsPaused {
		return WorkQueuePaused
	}
	if q.Status == WorkQueueReady && isStale(q.LastPolled, now, staleAfter) {
		return WorkQueueNotReady
	}
	if q.Status == "" {
		return WorkQueueNotReady
	}
	return q.Status
}

// Deployment — конфигурация, из которой создаются flow runs.
type Deployment struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`

	// WorkQueueID — очередь, в которую попадают runs deployment.
	WorkQueueID *uuid.UUID `json:"work_queue_id,omitempty"`

	// Tags — теги, которые наследуют созданные runs.
	Tags []string `json:"tags,omitempty"`

	// Policy — политика, которую наследуют созданные runs.
	Policy RunPolicy `json:"policy"`

	// IsPaused — приостановленный deployment не материализует расписания.
	IsPaused bool `json:"is_paused"`

	Status     DeploymentStatus `json:"status"`
	LastPolled *time.Time       `json:"last_polled,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveStatus возвращает статус deployment с учётом устаревания опроса.
func (d *Deployment) EffectiveStatus(now time.Time, staleAfter time.Duration) DeploymentStatus {
	if d.Status == DeploymentReady && !isStale(d.LastPolled, now, staleAfter) {
		return DeploymentReady
	}
	return DeploymentNotReady
}

func isStale(lastPolled *time.Time, now time.Time, staleAfter time.Duration) bool {
	if lastPolled == nil {
		return true
	}
	return now.Sub(*lastPolled) > staleAfter
}
