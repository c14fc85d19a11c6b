package domain

// StateType — тип состояния run.
//
// Жизненный цикл (основной путь):
//
//	SCHEDULED → PENDING → RUNNING → COMPLETED
//	                            ↘ FAILED / CRASHED
//	                            ↘ PAUSED → PENDING/RUNNING
//	                            ↘ CANCELLING → CANCELLED
type StateType string

const (
	// StateScheduled — run запланирован на конкретное время.
	StateScheduled StateType = "SCHEDULED"

	// StatePending — run взят воркером, но ещё не начал выполняться.
	StatePending StateType = "PENDING"

	// StateRunning — run выполняется.
	StateRunning StateType = "RUNNING"

	// StatePaused — выполнение приостановлено.
	StatePaused StateType = "PAUSED"

	// StateCancelling — запрошена отмена, ждём подтверждения от исполнителя.
	StateCancelling StateType = "CANCELLING"

	// StateCancelled — run отменён.
	StateCancelled StateType = "CANCELLED"

	// StateCompleted — run успешно завершён.
	StateCompleted StateType = "COMPLETED"

	// StateFailed — run завершился с ошибкой.
	StateFailed StateType = "FAILED"

	// StateCrashed — исполнитель упал, не успев сообщить результат.
	StateCrashed StateType = "CRASHED"
)

// AllStateTypes — все типы состояний в порядке жизненного цикла.
var AllStateTypes = []StateType{
	StateScheduled,
	StatePending,
	StateRunning,
	StatePaused,
	StateCancelling,
	StateCancelled,
	StateCompleted,
	StateFailed,
	StateCrashed,
}

// StatePhase — фаза, к которой относится тип состояния.
// Каждый тип относится ровно к одной фазе.
type StatePhase string

const (
	PhasePending  StatePhase = "PENDING"
	PhaseRunning  StatePhase = "RUNNING"
	PhaseTerminal StatePhase = "TERMINAL"
)

// Phase возвращает фазу типа состояния.
func (t StateType) Phase() StatePhase {
	switch t {
	case StateRunning, StateCancelling:
		return PhaseRunning
	case StateCancelled, StateCompleted, StateFailed, StateCrashed:
		return PhaseTerminal
	default:
		return PhasePending
	}
}

// IsTerminal возвращает true, если состояние финальное.
func (t StateType) IsTerminal() bool {
	return t.Phase() == PhaseTerminal
}

// IsValid проверяет, что тип входит в закрытый набор.
func (t StateType) IsValid() bool {
	for _, known := range AllStateTypes {
		if t == known {
			return true
		}
	}
	return false
}

// String возвращает строковое представление StateType.
func (t StateType) String() string {
	return string(t)
}

// TerminalStateTypes возвращает финальные типы состояний.
func TerminalStateTypes() []StateType {
	return []StateType{StateCancelled, StateCompleted, StateFailed, StateCrashed}
}

// WorkQueueStatus — производный статус work queue.
type WorkQueueStatus string

const (
	// WorkQueueReady — очередь недавно опрашивалась и может принимать работу.
	WorkQueueReady WorkQueueStatus = "READY"

	// WorkQueueNotReady — очередь никто не опрашивает (начальное состояние).
	WorkQueueNotReady WorkQueueStatus = "NOT_READY"

	// WorkQueuePaused — очередь приостановлена оператором.
	WorkQueuePaused WorkQueueStatus = "PAUSED"
)

// ParseWorkQueueStatus парсит строку в WorkQueueStatus.
func ParseWorkQueueStatus(s string) WorkQueueStatus {
	switch s {
	case "READY":
		return WorkQueueReady
	case "PAUSED":
		return WorkQueuePaused
	default:
		return WorkQueueNotReady
	}
}

// DeploymentStatus — производный статус deployment.
type DeploymentStatus string

const (
	DeploymentReady    DeploymentStatus = "READY"
	DeploymentNotReady DeploymentStatus = "NOT_READY"
)
