package effects

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/domain"
	"github.com/shaiso/Conductor/internal/repo"
)

// apply выполняет эффект. Возвращает false, если эффект пропущен.
func (w *Worker) apply(ctx context.Context, e *domain.SideEffect) (bool, error) {
	switch e.Kind {
	case domain.EffectReleaseSlots:
		return w.releaseSlots(ctx, e)
	case domain.EffectMarkQueueReady:
		return w.markQueueReady(ctx, e)
	case domain.EffectNotify:
		return w.notify(ctx, e)
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
}

// releaseSlots освобождает слоты run.
//
// Если run к моменту обработки снова держит слоты (RUNNING или CANCELLING),
// освобождение пропускается: слоты принадлежат новому выполнению.
func (w *Worker) releaseSlots(ctx context.Context, e *domain.SideEffect) (bool, error) {
	run, err := w.runs.GetRun(ctx, e.RunID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("get run: %w", err)
	default:
		if t := run.StateType(); t == domain.StateRunning || t == domain.StateCancelling {
			w.logger.Debug("run holds slots again, release skipped",
				"run_id", e.RunID,
				"state", t,
			)
			return false, nil
		}
	}

	if err := w.slots.Release(ctx, e.LimitKeys, e.RunID); err != nil {
		return false, err
	}
	return true, nil
}

func (w *Worker) markQueueReady(ctx context.Context, e *domain.SideEffect) (bool, error) {
	if e.WorkQueueID == nil {
		return false, nil
	}
	if _, err := w.queues.MarkReady(ctx, []uuid.UUID{*e.WorkQueueID}); err != nil {
		return false, err
	}
	return true, nil
}

// notify сопоставляет смену состояния с активными политиками и передаёт
// уведомления диспетчеру. ID уведомления выводится из (эффект, политика),
// поэтому повтор эффекта даёт те же ID и диспетчер может их дедуплицировать.
func (w *Worker) notify(ctx context.Context, e *domain.SideEffect) (bool, error) {
	if w.policies == nil {
		return false, nil
	}
	run, err := w.runs.GetRun(ctx, e.RunID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get run: %w", err)
	}

	policies, err := w.policies.ListPolicies(ctx, true)
	if err != nil {
		return false, fmt.Errorf("list notification policies: %w", err)
	}

	sent := 0
	for i := range policies {
		p := &policies[i]
		if !p.Matches(run, e.StateName) {
			continue
		}
		rec := domain.NotificationRecord{
			ID:        uuid.NewSHA1(e.ID, p.ID[:]),
			RunID:     run.ID,
			PolicyID:  p.ID,
			Target:    p.Target,
			StateType: e.StateType,
			StateName: e.StateName,
			Timestamp: e.CreatedAt.UTC().Truncate(time.Microsecond),
		}
		if w.notifications == nil {
			w.logger.Info("notification matched, no dispatcher configured",
				"run_id", run.ID,
				"policy_id", p.ID,
				"state", e.StateName,
			)
			continue
		}
		if err := w.notifications.PublishNotification(ctx, rec); err != nil {
			return false, fmt.Errorf("publish notification: %w", err)
		}
		sent++
	}
	return sent > 0, nil
}
