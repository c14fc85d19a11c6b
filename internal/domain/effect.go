package domain

import (
	"time"

	"github.com/google/uuid"
)

// SideEffectKind — вид побочного эффекта принятого перехода.
type SideEffectKind string

const (
	// EffectReleaseSlots — освободить слоты конкурентности run.
	EffectReleaseSlots SideEffectKind = "RELEASE_SLOTS"

	// EffectMarkQueueReady — пометить work queue готовой.
	EffectMarkQueueReady SideEffectKind = "MARK_QUEUE_READY"

	// EffectNotify — поставить уведомления о смене состояния.
	EffectNotify SideEffectKind = "NOTIFY"
)

// SideEffectStatus — статус записи outbox.
type SideEffectStatus string

const (
	EffectPending SideEffectStatus = "PENDING"
	EffectDone    SideEffectStatus = "DONE"
	EffectDead    SideEffectStatus = "DEAD"
)

// SideEffect — запись outbox, сохраняемая в одной транзакции с переходом.
//
// Обработчик эффекта обязан быть идемпотентным: запись может быть
// выполнена повторно после падения воркера.
type SideEffect struct {
	ID    uuid.UUID      `json:"id"`
	Kind  SideEffectKind `json:"kind"`
	RunID uuid.UUID      `json:"run_id"`

	// LimitKeys — ключи лимитов (для RELEASE_SLOTS).
	LimitKeys []string `json:"limit_keys,omitempty"`

	// WorkQueueID — очередь (для MARK_QUEUE_READY).
	WorkQueueID *uuid.UUID `json:"work_queue_id,omitempty"`

	// StateType и StateName — новое состояние (для NOTIFY).
	StateType StateType `json:"state_type,omitempty"`
	StateName string    `json:"state_name,omitempty"`

	Status      SideEffectStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	LastError   string           `json:"last_error,omitempty"`
	AvailableAt time.Time        `json:"available_at"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ReleaseSlotsEffect создаёт эффект освобождения слотов.
func ReleaseSlotsEffect(runID uuid.UUID, keys []string) SideEffect {
	return SideEffect{
		ID:        uuid.New(),
		Kind:      EffectReleaseSlots,
		RunID:     runID,
		LimitKeys: append([]string(nil), keys...),
		Status:    EffectPending,
	}
}

// MarkQueueReadyEffect создаёт эффект пометки очереди готовой.
func MarkQueueReadyEffect(runID, queueID uuid.UUID) SideEffect {
	q := queueID
	return SideEffect{
		ID:          uuid.New(),
		Kind:        EffectMarkQueueReady,
		RunID:       runID,
		WorkQueueID: &q,
		Status:      EffectPending,
	}
}

// NotifyEffect создаёт эффект уведомления о смене состояния.
func NotifyEffect(runID uuid.UUID, s State) SideEffect {
	return SideEffect{
		ID:        uuid.New(),
		Kind:      EffectNotify,
		RunID:     runID,
		StateType: s.Type,
		StateName: s.Name,
		Status:    EffectPending,
	}
}
