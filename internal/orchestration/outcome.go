package orchestration

import (
	"time"

	"github.com/shaiso/Conductor/internal/domain"
)

// OutcomeKind — вид решения правила.
type OutcomeKind int

const (
	OutcomeAccept OutcomeKind = iota
	OutcomeReject
	OutcomeAbort
	OutcomeMutate
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAccept:
		return "accept"
	case OutcomeReject:
		return "reject"
	case OutcomeAbort:
		return "abort"
	case OutcomeMutate:
		return "mutate"
	default:
		return "unknown"
	}
}

// Outcome — решение одного правила.
type Outcome struct {
	Kind OutcomeKind

	// Reason — пояснение для Reject, Abort и Mutate.
	Reason string

	// RetryAfter — подсказка повтора для Reject.
	RetryAfter time.Duration

	// State — новое предлагаемое состояние для Mutate.
	State *domain.State

	// Effects — побочные эффекты для Accept.
	Effects []domain.SideEffect
}

// Accept разрешает переход, опционально планируя эффекты.
func Accept(effects ...domain.SideEffect) Outcome {
	return Outcome{Kind: OutcomeAccept, Effects: effects}
}

// Reject отклоняет переход.
func Reject(reason string, retryAfter time.Duration) Outcome {
	return Outcome{Kind: OutcomeReject, Reason: reason, RetryAfter: retryAfter}
}

// Abort отбрасывает предложение.
func Abort(reason string) Outcome {
	return Outcome{Kind: OutcomeAbort, Reason: reason}
}

// Mutate заменяет предлагаемое состояние.
func Mutate(s domain.State, reason string) Outcome {
	return Outcome{Kind: OutcomeMutate, State: &s, Reason: reason}
}

// Status — итог предложения перехода.
type Status string

const (
	StatusAccept Status = "ACCEPT"
	StatusReject Status = "REJECT"
	StatusAbort  Status = "ABORT"
)

// Result — результат ProposeTransition.
type Result struct {
	Status Status `json:"status"`

	// State — принятое состояние (ACCEPT) или текущее состояние run.
	State *domain.State `json:"state,omitempty"`

	// Run — run после обработки предложения.
	Run *domain.Run `json:"run,omitempty"`

	// Reason — причина отказа или мутации.
	Reason string `json:"reason,omitempty"`

	// Rule — правило, принявшее решение REJECT/ABORT.
	Rule string `json:"rule,omitempty"`

	// RetryAfter — когда имеет смысл повторить (для REJECT).
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Effects — эффекты, сохранённые в outbox вместе с переходом.
	Effects []domain.SideEffect `json:"effects,omitempty"`
}
