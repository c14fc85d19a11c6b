package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/concurrency"
	"github.com/shaiso/Conductor/internal/domain"
	"github.com/shaiso/Conductor/internal/repo"
	"github.com/shaiso/Conductor/internal/settings"
)

// defaultPauseTimeout — срок паузы, если ни клиент, ни политика run его не задали.
const defaultPauseTimeout = time.Hour

// SlotManager — захват и освобождение слотов конкурентности.
type SlotManager interface {
	Acquire(ctx context.Context, keys []string, runID uuid.UUID) (concurrency.Grant, error)
	Release(ctx context.Context, keys []string, runID uuid.UUID) error
	Refund(ctx context.Context, keys []string, runID uuid.UUID) error
}

// ruleEnv — зависимости правил.
type ruleEnv struct {
	slots    SlotManager
	runs     repo.RunStore
	settings *settings.Cache
	slotWait time.Duration
	logger   *slog.Logger
}

// slotRetryAfter возвращает подсказку повтора при исчерпании жёсткого лимита.
func (env ruleEnv) slotRetryAfter(ctx context.Context) time.Duration {
	return env.settings.Duration(ctx, settings.KeySlotWaitSeconds, env.slotWait)
}

// secureConcurrencySlots занимает слоты по тегам и work queue run
// при входе в RUNNING.
func secureConcurrencySlots(env ruleEnv) Rule {
	return Rule{
		Name: "SecureConcurrencySlots",
		From: pendingPhase,
		To:   []domain.StateType{domain.StateRunning},
		Evaluate: func(ctx context.Context, tc *TransitionContext) (Outcome, error) {
			keys := tc.Run.LimitKeys()
			if len(keys) == 0 || env.slots == nil {
				return Accept(), nil
			}
			grant, err := env.slots.Acquire(ctx, keys, tc.Run.ID)
			if err != nil {
				return Outcome{}, err
			}
			switch {
			case grant.Never:
				return Abort(grant.Reason), nil
			case !grant.Granted:
				wait := grant.RetryAfter
				if wait <= 0 {
					wait = env.slotRetryAfter(ctx)
				}
				return Reject(grant.Reason, wait), nil
			}
			tc.acquiredSlots = grant.Acquired
			tc.consumedTokens = grant.Consumed
			return Accept(), nil
		},
		Cleanup: func(ctx context.Context, tc *TransitionContext) error {
			// Токен затухающего лимита принадлежит этой оценке, даже если
			// параллельный коммит уже перевёл run в RUNNING.
			if len(tc.consumedTokens) > 0 {
				if err := env.slots.Refund(ctx, tc.consumedTokens, tc.Run.ID); err != nil {
					return err
				}
				tc.consumedTokens = nil
			}
			if len(tc.acquiredSlots) == 0 {
				return nil
			}
			// Параллельное предложение могло закоммитить RUNNING с теми же
			// слотами, тогда они принадлежат ему.
			current, err := env.runs.GetRun(ctx, tc.Run.ID)
			if err == nil && holdsSlots(current.StateType()) {
				tc.acquiredSlots = nil
				return nil
			}
			if err := env.slots.Release(ctx, tc.acquiredSlots, tc.Run.ID); err != nil {
				return err
			}
			tc.acquiredSlots = nil
			return nil
		},
	}
}

// abortDuplicateTransition отбрасывает повторную доставку уже принятого состояния.
func abortDuplicateTransition() Rule {
	return Rule{
		Name: "AbortDuplicateTransition",
		Evaluate: func(_ context.Context, tc *TransitionContext) (Outcome, error) {
			if tc.Proposed.ID == tc.Initial.ID {
				return Abort(fmt.Sprintf("state %s already committed", tc.Initial.ID)), nil
			}
			return Accept(), nil
		},
	}
}

// abortDuplicateTerminal отбрасывает повторное завершение тем же типом.
func abortDuplicateTerminal() Rule {
	return Rule{
		Name: "AbortDuplicateTerminal",
		From: domain.TerminalStateTypes(),
		To:   domain.TerminalStateTypes(),
		Evaluate: func(_ context.Context, tc *TransitionContext) (Outcome, error) {
			if tc.Proposed.Type == tc.Initial.Type {
				return Abort(fmt.Sprintf("run is already %s", tc.Initial.Type)), nil
			}
			return Accept(), nil
		},
	}
}

// preventTerminalExit запрещает выход из финального состояния.
func preventTerminalExit() Rule {
	return Rule{
		Name: "PreventTerminalExit",
		From: domain.TerminalStateTypes(),
		Evaluate: func(_ context.Context, tc *TransitionContext) (Outcome, error) {
			return Reject(fmt.Sprintf("run is already %s, terminal states are final", tc.Initial.Type), 0), nil
		},
	}
}

// preventPendingTransitions отбрасывает возврат в PENDING из активных состояний.
// Обычно это второй воркер, подхвативший тот же run.
func preventPendingTransitions() Rule {
	return Rule{
		Name: "PreventPendingTransitions",
		From: []domain.StateType{domain.StatePending, domain.StateRunning, domain.StateCancelling},
		To:   []domain.StateType{domain.StatePending},
		Evaluate: func(_ context.Context, tc *TransitionContext) (Outcome, error) {
			return Abort(fmt.Sprintf("run is already %s", tc.Initial.Type)), nil
		},
	}
}

// requireCancellingAcknowledgement превращает отмену активного run
// в CANCELLING: выполнение должно подтвердить остановку само.
func requireCancellingAcknowledgement() Rule {
	return Rule{
		Name: "RequireCancellingAcknowledgement",
		From: []domain.StateType{domain.StateRunning},
		To:   []domain.StateType{domain.StateCancelled},
		Evaluate: func(_ context.Context, tc *TransitionContext) (Outcome, error) {
			s := domain.Cancelling(tc.Proposed.Message)
			s.Timestamp = tc.Proposed.Timestamp
			return Mutate(s, "running run must acknowledge cancellation"), nil
		},
	}
}

// restrictCancellingExit разрешает из CANCELLING только финальные состояния.
func restrictCancellingExit() Rule {
	return Rule{
		Name: "RestrictCancellingExit",
		From: []domain.StateType{domain.StateCancelling},
		To:   nonTerminal,
		Evaluate: func(_ context.Context, tc *TransitionContext) (Outcome, error) {
			if tc.Proposed.Type == domain.StateCancelling {
				return Abort("run is already CANCELLING"), nil
			}
			return Reject(fmt.Sprintf("run is cancelling, cannot move to %s", tc.Proposed.Type), 0), nil
		},
	}
}

// handlePausing разрешает паузу только из RUNNING и выставляет срок паузы.
func handlePausing() Rule {
	return Rule{
		Name: "HandlePausing",
		From: nonTerminal,
		To:   []domain.StateType{domain.StatePaused},
		Evaluate: func(_ context.Context, tc *TransitionContext) (Outcome, error) {
			switch tc.Initial.Type {
			case domain.StatePaused:
				return Abort("run is already PAUSED"), nil
			case domain.StateRunning:
			default:
				return Reject(fmt.Sprintf("cannot pause a run in state %s", tc.Initial.Type), 0), nil
			}

			policy := tc.Run.Policy
			timeout := time.Duration(tc.Proposed.Details.PauseTimeoutSec) * time.Second
			if timeout <= 0 {
				timeout = time.Duration(policy.PauseTimeoutSec) * time.Second
			}
			if timeout <= 0 {
				timeout = defaultPauseTimeout
			}

			s := tc.Proposed.Clone()
			expires := tc.Now.Add(timeout)
			s.Details.PauseExpiresAt = &expires
			s.Details.PauseTimeoutSec = int(timeout / time.Second)
			s.Details.PauseReschedule = s.Details.PauseReschedule || policy.PauseReschedule
			return Mutate(s, "pause deadline set"), nil
		},
	}
}

// resumePausedRuns не даёт возобновить run после истечения паузы.
func resumePausedRuns() Rule {
	return Rule{
		Name: "ResumePausedRuns",
		From: []domain.StateType{domain.StatePaused},
		To:   []domain.StateType{domain.StateScheduled, domain.StatePending, domain.StateRunning},
		Evaluate: func(_ context.Context, tc *TransitionContext) (Outcome, error) {
			d := tc.Initial.Details
			if d.PauseExpiresAt != nil && tc.Now.After(*d.PauseExpiresAt) {
				s := domain.Failed("pause expired before the run was resumed")
				s.Timestamp = tc.Proposed.Timestamp
				return Mutate(s, "pause expired"), nil
			}
			if d.PauseReschedule && tc.Proposed.Type == domain.StateRunning {
				return Reject("paused run was released from its slot, resume through SCHEDULED or PENDING", 0), nil
			}
			return Accept(), nil
		},
	}
}

// ensureScheduledTime дополняет SCHEDULED без времени текущим моментом.
func ensureScheduledTime() Rule {
	return Rule{
		Name: "EnsureScheduledTime",
		To:   []domain.StateType{domain.StateScheduled},
		Evaluate: func(_ context.Context, tc *TransitionContext) (Outcome, error) {
			if tc.Proposed.Details.ScheduledTime != nil {
				return Accept(), nil
			}
			s := tc.Proposed.Clone()
			at := tc.Now
			s.Details.ScheduledTime = &at
			return Mutate(s, "scheduled time defaulted to now"), nil
		},
	}
}

// waitForScheduledTime не даёт запустить run раньше запланированного времени.
func waitForScheduledTime() Rule {
	return Rule{
		Name: "WaitForScheduledTime",
		From: []domain.StateType{domain.StateScheduled},
		To:   []domain.StateType{domain.StatePending, domain.StateRunning},
		Evaluate: func(_ context.Context, tc *TransitionContext) (Outcome, error) {
			at, ok := tc.Initial.ScheduledAt()
			if !ok || !at.After(tc.Now) {
				return Accept(), nil
			}
			wait := at.Sub(tc.Now)
			return Reject(fmt.Sprintf("run is scheduled to start at %s", at.Format(time.RFC3339)), wait), nil
		},
	}
}

// retryFailedRuns переводит упавший run в AwaitingRetry, пока есть попытки.
func retryFailedRuns() Rule {
	return Rule{
		Name: "RetryFailedRuns",
		From: []domain.StateType{domain.StateRunning},
		To:   []domain.StateType{domain.StateFailed},
		Evaluate: func(_ context.Context, tc *TransitionContext) (Outcome, error) {
			policy := tc.Run.Policy
			attempt := tc.Run.RunCount
			if attempt > policy.Retries {
				return Accept(), nil
			}
			at := tc.Now.Add(policy.RetryDelay(attempt))
			s := domain.AwaitingRetry(at, attempt, tc.Proposed.Message)
			s.Timestamp = tc.Proposed.Timestamp
			return Mutate(s, fmt.Sprintf("retry %d of %d", attempt, policy.Retries)), nil
		},
	}
}

// markWorkQueueReady отмечает очередь deployment готовой, когда run
// её подхватили: это доказывает, что воркер жив.
func markWorkQueueReady() Rule {
	return Rule{
		Name: "MarkWorkQueueReady",
		To:   []domain.StateType{domain.StatePending, domain.StateRunning},
		Evaluate: func(_ context.Context, tc *TransitionContext) (Outcome, error) {
			if tc.Run.DeploymentID == nil || tc.Run.WorkQueueID == nil {
				return Accept(), nil
			}
			return Accept(domain.MarkQueueReadyEffect(tc.Run.ID, *tc.Run.WorkQueueID)), nil
		},
	}
}

// releaseConcurrencySlots планирует освобождение слотов при выходе из RUNNING.
func releaseConcurrencySlots() Rule {
	return Rule{
		Name: "ReleaseConcurrencySlots",
		From: slotHolding,
		To:   notSlotHolding,
		Evaluate: func(_ context.Context, tc *TransitionContext) (Outcome, error) {
			keys := tc.Run.LimitKeys()
			if len(keys) == 0 {
				return Accept(), nil
			}
			return Accept(domain.ReleaseSlotsEffect(tc.Run.ID, keys)), nil
		},
	}
}

// notifyOnStateChange ставит уведомление о каждом принятом переходе.
func notifyOnStateChange() Rule {
	return Rule{
		Name: "NotifyOnStateChange",
		Evaluate: func(_ context.Context, tc *TransitionContext) (Outcome, error) {
			return Accept(domain.NotifyEffect(tc.Run.ID, tc.Proposed)), nil
		},
	}
}

// preventTaskPause запрещает паузу task run.
func preventTaskPause() Rule {
	return Rule{
		Name: "PreventTaskPause",
		To:   []domain.StateType{domain.StatePaused},
		Evaluate: func(_ context.Context, tc *TransitionContext) (Outcome, error) {
			return Reject("task runs cannot be paused", 0), nil
		},
	}
}

// preventRunningTasksFromStoppedParent не запускает task, чей родитель
// завершён или не выполняется.
func preventRunningTasksFromStoppedParent(env ruleEnv) Rule {
	return Rule{
		Name: "PreventRunningTasksFromStoppedParent",
		To:   []domain.StateType{domain.StateRunning},
		Evaluate: func(ctx context.Context, tc *TransitionContext) (Outcome, error) {
			if tc.Run.ParentRunID == nil {
				return Accept(), nil
			}
			parent, err := env.runs.GetRun(ctx, *tc.Run.ParentRunID)
			if errors.Is(err, repo.ErrNotFound) {
				return Abort("parent run not found"), nil
			}
			if err != nil {
				return Outcome{}, fmt.Errorf("get parent run: %w", err)
			}
			pt := parent.StateType()
			switch {
			case pt.IsTerminal():
				return Abort(fmt.Sprintf("parent run is %s", pt)), nil
			case pt != domain.StateRunning:
				return Reject(fmt.Sprintf("parent run is %s", pt), env.slotRetryAfter(ctx)), nil
			}
			return Accept(), nil
		},
	}
}

// flowRunPolicy собирает конвейер правил для flow runs.
func flowRunPolicy(env ruleEnv) Policy {
	return Policy{
		Name: "flow",
		Rules: []Rule{
			secureConcurrencySlots(env),
			abortDuplicateTransition(),
			abortDuplicateTerminal(),
			preventTerminalExit(),
			preventPendingTransitions(),
			requireCancellingAcknowledgement(),
			restrictCancellingExit(),
			handlePausing(),
			resumePausedRuns(),
			ensureScheduledTime(),
			waitForScheduledTime(),
			retryFailedRuns(),
			markWorkQueueReady(),
			releaseConcurrencySlots(),
			notifyOnStateChange(),
		},
	}
}

// taskRunPolicy собирает конвейер правил для task runs.
func taskRunPolicy(env ruleEnv) Policy {
	return Policy{
		Name: "task",
		Rules: []Rule{
			secureConcurrencySlots(env),
			preventRunningTasksFromStoppedParent(env),
			abortDuplicateTransition(),
			abortDuplicateTerminal(),
			preventTerminalExit(),
			preventPendingTransitions(),
			preventTaskPause(),
			requireCancellingAcknowledgement(),
			restrictCancellingExit(),
			ensureScheduledTime(),
			waitForScheduledTime(),
			retryFailedRuns(),
			markWorkQueueReady(),
			releaseConcurrencySlots(),
			notifyOnStateChange(),
		},
	}
}
