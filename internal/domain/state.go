package domain

import (
	"time"

	"github.com/google/uuid"
)

// State — неизменяемая запись о статусе run в момент времени.
//
// История состояний run только дописывается: закоммиченное состояние
// никогда не меняется и не удаляется.
type State struct {
	// ID — идентификатор состояния.
	// Клиент может передать свой ID — повторная доставка того же предложения
	// распознаётся по нему.
	ID uuid.UUID `json:"id"`

	// Type — тип состояния.
	Type StateType `json:"type"`

	// Name — человекочитаемое имя (например, "AwaitingRetry" для SCHEDULED).
	Name string `json:"name"`

	// Timestamp — время вступления в силу.
	Timestamp time.Time `json:"timestamp"`

	// Message — сообщение (причина ошибки, комментарий и т.д.).
	Message string `json:"message,omitempty"`

	// Data — произвольные данные результата.
	Data map[string]any `json:"data,omitempty"`

	// Details — служебные поля, которые читают правила оркестрации.
	Details StateDetails `json:"details"`
}

// StateDetails — служебные детали состояния.
type StateDetails struct {
	// ScheduledTime — время, на которое запланирован запуск (для SCHEDULED).
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`

	// PauseExpiresAt — крайний срок возобновления (для PAUSED).
	PauseExpiresAt *time.Time `json:"pause_expires_at,omitempty"`

	// PauseTimeoutSec — запрошенный клиентом таймаут паузы.
	// Если не задан, используется RunPolicy.PauseTimeoutSec.
	PauseTimeoutSec int `json:"pause_timeout_sec,omitempty"`

	// PauseReschedule — при паузе run возвращается в очередь.
	PauseReschedule bool `json:"pause_reschedule,omitempty"`

	// RetryAttempt — номер повторной попытки (для AwaitingRetry).
	RetryAttempt int `json:"retry_attempt,omitempty"`
}

// NewState создаёт состояние заданного типа с именем по умолчанию.
func NewState(t StateType, message string) State {
	return State{
		ID:      uuid.New(),
		Type:    t,
		Name:    defaultStateName(t),
		Message: message,
	}
}

// Scheduled создаёт SCHEDULED состояние на время at.
func Scheduled(at time.Time) State {
	s := NewState(StateScheduled, "")
	at = at.UTC()
	s.Details.ScheduledTime = &at
	return s
}

// AwaitingRetry создаёт SCHEDULED состояние для повторной попытки.
func AwaitingRetry(at time.Time, attempt int, message string) State {
	s := Scheduled(at)
	s.Name = "AwaitingRetry"
	s.Message = message
	s.Details.RetryAttempt = attempt
	return s
}

// Pending создаёт PENDING состояние.
func Pending() State { return NewState(StatePending, "") }

// Running создаёт RUNNING состояние.
func Running() State { return NewState(StateRunning, "") }

// Completed создаёт COMPLETED состояние.
func Completed() State { return NewState(StateCompleted, "") }

// Failed создаёт FAILED состояние с сообщением.
func Failed(message string) State { return NewState(StateFailed, message) }

// Crashed создаёт CRASHED состояние с сообщением.
func Crashed(message string) State { return NewState(StateCrashed, message) }

// Cancelling создаёт CANCELLING состояние.
func Cancelling(message string) State { return NewState(StateCancelling, message) }

// Cancelled создаёт CANCELLED состояние.
func Cancelled(message string) State { return NewState(StateCancelled, message) }

// Paused создаёт PAUSED состояние.
func Paused(timeout time.Duration, reschedule bool) State {
	s := NewState(StatePaused, "")
	// Срок PauseExpiresAt выставляет правило оркестрации относительно времени коммита.
	s.Details.PauseTimeoutSec = int(timeout / time.Second)
	s.Details.PauseReschedule = reschedule
	return s
}

// ScheduledAt возвращает время запуска SCHEDULED состояния.
func (s *State) ScheduledAt() (time.Time, bool) {
	if s.Details.ScheduledTime == nil {
		return time.Time{}, false
	}
	return *s.Details.ScheduledTime, true
}

// Clone возвращает копию состояния, не разделяющую указатели и map.
func (s State) Clone() State {
	out := s
	if s.Details.ScheduledTime != nil {
		t := *s.Details.ScheduledTime
		out.Details.ScheduledTime = &t
	}
	if s.Details.PauseExpiresAt != nil {
		t := *s.Details.PauseExpiresAt
		out.Details.PauseExpiresAt = &t
	}
	if s.Data != nil {
		out.Data = make(map[string]any, len(s.Data))
		for k, v := range s.Data {
			out.Data[k] = v
		}
	}
	return out
}

func defaultStateName(t StateType) string {
	switch t {
	case StateScheduled:
		return "Scheduled"
	case StatePending:
		return "Pending"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateCancelling:
		return "Cancelling"
	case StateCancelled:
		return "Cancelled"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateCrashed:
		return "Crashed"
	default:
		return string(t)
	}
}
