package orchestration

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/domain"
)

// Params — параметры предложения перехода.
type Params struct {
	// AgentID — кто предлагает переход (воркер, API, scheduler). Для логов.
	AgentID string
}

// TransitionContext — данные, доступные правилам при оценке одного
// предложения.
type TransitionContext struct {
	// Run — снимок run, прочитанный перед оценкой. Правила его не меняют.
	Run *domain.Run

	// Initial — текущее состояние run.
	Initial domain.State

	// Proposed — предлагаемое состояние с учётом мутаций.
	Proposed domain.State

	// Now — время оценки.
	Now time.Time

	Params Params

	// acquiredSlots — ключи, слоты в которых заняты этой оценкой.
	acquiredSlots []string

	// consumedTokens — ключи затухающих лимитов, из которых взят токен.
	consumedTokens []string
}

func newTransitionContext(run *domain.Run, proposed domain.State, now time.Time, params Params) *TransitionContext {
	return &TransitionContext{
		Run:      run,
		Initial:  run.State.Clone(),
		Proposed: proposed.Clone(),
		Now:      now,
		Params:   params,
	}
}

// RunID возвращает ID run.
func (tc *TransitionContext) RunID() uuid.UUID { return tc.Run.ID }

// mutate заменяет предлагаемое состояние, сохраняя его ID:
// повторная доставка исходного предложения должна распознаваться
// как дубликат уже принятого состояния.
func (tc *TransitionContext) mutate(s domain.State) {
	s = s.Clone()
	s.ID = tc.Proposed.ID
	tc.Proposed = s
}
