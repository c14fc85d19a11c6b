package workqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/domain"
	"github.com/shaiso/Conductor/internal/repo"
	"github.com/shaiso/Conductor/internal/settings"
	"github.com/shaiso/Conductor/internal/telemetry"
)

// Default configuration values.
const defaultStaleAfter = 60 * time.Second

// Tracker — трекер готовности work queues.
type Tracker struct {
	queues      repo.WorkQueueStore
	deployments repo.DeploymentStore
	settings    *settings.Cache

	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// TrackerConfig — конфигурация Tracker.
type TrackerConfig struct {
	Queues      repo.WorkQueueStore
	Deployments repo.DeploymentStore

	// Settings — источник work_queues.stale_after_seconds (опционально).
	Settings *settings.Cache

	// StaleAfter — порог устаревания по умолчанию (default: 60s).
	StaleAfter time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// NewTracker создаёт новый Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		queues:      cfg.Queues,
		deployments: cfg.Deployments,
		settings:    cfg.Settings,
		staleAfter:  staleAfter,
		now:         now,
		logger:      logger,
	}
}

// StaleAfter возвращает действующий порог устаревания.
func (t *Tracker) StaleAfter(ctx context.Context) time.Duration {
	return t.settings.Duration(ctx, settings.KeyStaleAfterSeconds, t.staleAfter)
}

// RecordPoll фиксирует опрос очереди воркером.
//
// last_polled только растёт, поэтому параллельные и запоздавшие опросы
// безопасны. Если runsAvailable, очередь и её deployments помечаются READY.
func (t *Tracker) RecordPoll(ctx context.Context, queueID uuid.UUID, polledAt time.Time, runsAvailable bool) error {
	polledAt = polledAt.UTC()
	if err := t.queues.RecordPoll(ctx, queueID, polledAt); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("work queue %s: %w", queueID, err)
		}
		return fmt.Errorf("record poll: %w", err)
	}
	if !runsAvailable {
		return nil
	}
	_, err := t.markReady(ctx, []uuid.UUID{queueID}, polledAt)
	return err
}

// MarkReady помечает очереди готовыми одним запросом и распространяет
// статус на их deployments. Очереди на паузе не меняются.
// Возвращает ID очередей, чей статус изменился.
func (t *Tracker) MarkReady(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	return t.markReady(ctx, ids, t.now().UTC())
}

func (t *Tracker) markReady(ctx context.Context, ids []uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	changed, err := t.queues.SetWorkQueueStatus(ctx, ids, domain.WorkQueueReady, &at)
	if err != nil {
		return nil, fmt.Errorf("mark work queues ready: %w", err)
	}
	if err := t.deployments.SetDeploymentStatusByQueues(ctx, ids, domain.DeploymentReady, &at); err != nil {
		return changed, fmt.Errorf("mark deployments ready: %w", err)
	}
	t.recordChanges(changed, domain.WorkQueueReady)
	return changed, nil
}

// MarkNotReady помечает очереди неготовыми и распространяет статус
// на их deployments.
func (t *Tracker) MarkNotReady(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	changed, err := t.queues.SetWorkQueueStatus(ctx, ids, domain.WorkQueueNotReady, nil)
	if err != nil {
		return nil, fmt.Errorf("mark work queues not ready: %w", err)
	}
	if err := t.deployments.SetDeploymentStatusByQueues(ctx, ids, domain.DeploymentNotReady, nil); err != nil {
		return changed, fmt.Errorf("mark deployments not ready: %w", err)
	}
	t.recordChanges(changed, domain.WorkQueueNotReady)
	return changed, nil
}

// SweepStale сохраняет NOT_READY для очередей, не опрашивавшихся
// дольше порога устаревания. Возвращает число изменённых очередей.
func (t *Tracker) SweepStale(ctx context.Context) (int, error) {
	before := t.now().UTC().Add(-t.StaleAfter(ctx))
	stale, err := t.queues.ListStaleReady(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("list stale work queues: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	changed, err := t.MarkNotReady(ctx, stale)
	if err != nil {
		return 0, err
	}
	return len(changed), nil
}

// Status возвращает очередь с действующим статусом.
func (t *Tracker) Status(ctx context.Context, queueID uuid.UUID) (*domain.WorkQueue, error) {
	q, err := t.queues.GetWorkQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	q.Status = q.EffectiveStatus(t.now().UTC(), t.StaleAfter(ctx))
	return q, nil
}

// DeploymentStatus возвращает действующий статус deployment.
func (t *Tracker) DeploymentStatus(ctx context.Context, deploymentID uuid.UUID) (domain.DeploymentStatus, error) {
	d, err := t.deployments.GetDeployment(ctx, deploymentID)
	if err != nil {
		return "", err
	}
	return d.EffectiveStatus(t.now().UTC(), t.StaleAfter(ctx)), nil
}

// Pause ставит очередь на паузу. Её deployments становятся NOT_READY.
func (t *Tracker) Pause(ctx context.Context, queueID uuid.UUID) (*domain.WorkQueue, error) {
	q, err := t.queues.SetWorkQueuePaused(ctx, queueID, true)
	if err != nil {
		return nil, err
	}
	if err := t.deployments.SetDeploymentStatusByQueues(ctx, []uuid.UUID{queueID}, domain.DeploymentNotReady, nil); err != nil {
		return q, fmt.Errorf("mark deployments not ready: %w", err)
	}
	t.recordChanges([]uuid.UUID{queueID}, domain.WorkQueuePaused)
	return q, nil
}

// Unpause снимает паузу. Очередь остаётся NOT_READY до следующего опроса.
func (t *Tracker) Unpause(ctx context.Context, queueID uuid.UUID) (*domain.WorkQueue, error) {
	q, err := t.queues.SetWorkQueuePaused(ctx, queueID, false)
	if err != nil {
		return nil, err
	}
	t.recordChanges([]uuid.UUID{queueID}, domain.WorkQueueNotReady)
	return q, nil
}

func (t *Tracker) recordChanges(ids []uuid.UUID, status domain.WorkQueueStatus) {
	if len(ids) == 0 {
		return
	}
	telemetry.WorkQueueStatusChangesTotal.WithLabelValues(string(status)).Add(float64(len(ids)))
	for _, id := range ids {
		telemetry.WithWorkQueueID(t.logger, id.String()).Info("work queue status changed",
			"status", status,
		)
	}
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
