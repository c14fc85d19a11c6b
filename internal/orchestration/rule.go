package orchestration

import (
	"context"

	"github.com/shaiso/Conductor/internal/domain"
)

// Rule — одно правило конвейера.
type Rule struct {
	// Name — имя правила, видно в Result.Rule и логах.
	Name string

	// From и To — шаблон перехода. Пустой список означает любой тип.
	From []domain.StateType
	To   []domain.StateType

	// Evaluate решает судьбу перехода.
	Evaluate func(ctx context.Context, tc *TransitionContext) (Outcome, error)

	// Cleanup откатывает то, что сделал Evaluate (опционально).
	// Вызывается, если переход не закоммичен или шаблон правила
	// перестал совпадать с итоговым состоянием.
	Cleanup func(ctx context.Context, tc *TransitionContext) error
}

// Matches проверяет, подпадает ли переход под шаблон правила.
func (r Rule) Matches(from, to domain.StateType) bool {
	return matchTypes(r.From, from) && matchTypes(r.To, to)
}

func matchTypes(set []domain.StateType, t domain.StateType) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == t {
			return true
		}
	}
	return false
}

// Policy — упорядоченный список правил для одного вида run.
type Policy struct {
	Name  string
	Rules []Rule
}

// Names возвращает имена правил в порядке применения.
func (p Policy) Names() []string {
	names := make([]string, len(p.Rules))
	for i, r := range p.Rules {
		names[i] = r.Name
	}
	return names
}

// Наборы типов для шаблонов.
var (
	pendingPhase = []domain.StateType{
		domain.StateScheduled,
		domain.StatePending,
		domain.StatePaused,
	}

	slotHolding = []domain.StateType{
		domain.StateRunning,
		domain.StateCancelling,
	}

	notSlotHolding = []domain.StateType{
		domain.StateScheduled,
		domain.StatePending,
		domain.StatePaused,
		domain.StateCompleted,
		domain.StateFailed,
		domain.StateCancelled,
		domain.StateCrashed,
	}

	nonTerminal = []domain.StateType{
		domain.StateScheduled,
		domain.StatePending,
		domain.StateRunning,
		domain.StatePaused,
		domain.StateCancelling,
	}
)

// holdsSlots проверяет, держит ли run в состоянии t слоты конкурентности.
func holdsSlots(t domain.StateType) bool {
	return matchTypes(slotHolding, t)
}
