package effects

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/domain"
	"github.com/shaiso/Conductor/internal/mq"
	"github.com/shaiso/Conductor/internal/repo"
	"github.com/shaiso/Conductor/internal/telemetry"
)

// Default configuration values.
const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 50
	defaultLease        = 30 * time.Second
	defaultMaxAttempts  = 10
	defaultBackoff      = 2 * time.Second
	maxBackoff          = 10 * time.Minute
)

// SlotReleaser освобождает слоты конкурентности.
type SlotReleaser interface {
	Release(ctx context.Context, keys []string, runID uuid.UUID) error
}

// QueueMarker помечает work queues готовыми.
type QueueMarker interface {
	MarkReady(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
}

// StaleSweeper гасит устаревшие READY очереди.
type StaleSweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

// NotificationPublisher передаёт уведомления внешнему диспетчеру.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, rec domain.NotificationRecord) error
}

// Worker применяет эффекты из outbox.
type Worker struct {
	effects       repo.EffectStore
	runs          repo.RunStore
	policies      repo.NotificationStore
	slots         SlotReleaser
	queues        QueueMarker
	sweeper       StaleSweeper
	notifications NotificationPublisher
	conn          *mq.Connection

	pollInterval time.Duration
	batchSize    int
	lease        time.Duration
	maxAttempts  int
	backoff      time.Duration
	now          func() time.Time
	logger       *slog.Logger

	wake       chan struct{}
	consumer   *mq.Consumer
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Worker.
type Config struct {
	Effects  repo.EffectStore
	Runs     repo.RunStore
	Policies repo.NotificationStore

	Slots         SlotReleaser
	Queues        QueueMarker
	Sweeper       StaleSweeper
	Notifications NotificationPublisher

	// Conn — соединение с RabbitMQ. Если nil, worker работает только на polling.
	Conn *mq.Connection

	PollInterval time.Duration // default: 5s
	BatchSize    int           // default: 50
	Lease        time.Duration // аренда захваченной записи (default: 30s)
	MaxAttempts  int           // попыток до DEAD (default: 10)
	Backoff      time.Duration // базовая задержка повтора (default: 2s)

	Now    func() time.Time
	Logger *slog.Logger
}

// NewWorker создаёт новый Worker.
func NewWorker(cfg Config) *Worker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		effects:       cfg.Effects,
		runs:          cfg.Runs,
		policies:      cfg.Policies,
		slots:         cfg.Slots,
		queues:        cfg.Queues,
		sweeper:       cfg.Sweeper,
		notifications: cfg.Notifications,
		conn:          cfg.Conn,
		pollInterval:  pollInterval,
		batchSize:     batchSize,
		lease:         lease,
		maxAttempts:   maxAttempts,
		backoff:       backoff,
		now:           now,
		logger:        logger,
		wake:          make(chan struct{}, 1),
	}
}

// Start запускает consumer effects.pending (если есть брокер) и цикл обработки.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting effects worker",
		"poll_interval", w.pollInterval,
		"batch_size", w.batchSize,
		"max_attempts", w.maxAttempts,
	)

	if w.conn != nil {
		w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    mq.QueueEffectsPending,
			Handler:  w.handleEffectsPending,
			Prefetch: 10,
		})
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("effects consumer error", "error", err)
			}
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()

	return nil
}

// Stop останавливает Worker и ждёт завершения горутин.
func (w *Worker) Stop() {
	w.logger.Info("stopping effects worker...")
	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	if w.consumer != nil {
		w.consumer.Stop()
	}
	w.wg.Wait()
	w.logger.Info("effects worker stopped")
}

// Wake просит worker обработать outbox, не дожидаясь таймера.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) handleEffectsPending(_ context.Context, _ *mq.Message) error {
	w.Wake()
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.cycle(ctx, true)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cycle(ctx, true)
		case <-w.wake:
			w.cycle(ctx, false)
		}
	}
}

func (w *Worker) cycle(ctx context.Context, sweep bool) {
	if sweep && w.sweeper != nil {
		if _, err := w.sweeper.SweepStale(ctx); err != nil {
			w.logger.Error("failed to sweep stale work queues", "error", err)
		}
	}
	if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("failed to drain effects", "error", err)
	}
}

// Drain обрабатывает готовые эффекты пачками, пока они есть.
// Возвращает число обработанных записей.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		batch, err := w.effects.ClaimEffects(ctx, w.now().UTC(), w.lease, w.batchSize)
		if err != nil {
			return total, err
		}
		for i := range batch {
			w.process(ctx, &batch[i])
		}
		total += len(batch)
		if len(batch) < w.batchSize || ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

// process применяет один эффект и фиксирует результат.
// Attempts уже увеличен при захвате.
func (w *Worker) process(ctx context.Context, e *domain.SideEffect) {
	logger := w.logger.With("effect_id", e.ID, "kind", e.Kind, "run_id", e.RunID)

	applied, err := w.apply(ctx, e)
	if err == nil {
		if cerr := w.effects.CompleteEffect(ctx, e.ID); cerr != nil {
			logger.Error("failed to complete effect", "error", cerr)
			return
		}
		result := "done"
		if !applied {
			result = "skipped"
		}
		telemetry.EffectsProcessedTotal.WithLabelValues(string(e.Kind), result).Inc()
		logger.Debug("effect processed", "result", result)
		return
	}

	if errors.Is(err, ErrUnknownKind) || e.Attempts >= w.maxAttempts {
		if derr := w.effects.DeadLetterEffect(ctx, e.ID, err.Error()); derr != nil {
			logger.Error("failed to dead-letter effect", "error", derr)
			return
		}
		telemetry.EffectsProcessedTotal.WithLabelValues(string(e.Kind), "dead").Inc()
		logger.Error("effect dead-lettered", "attempts", e.Attempts, "error", err)
		return
	}

	retryAt := w.now().UTC().Add(w.retryDelay(e.Attempts))
	if rerr := w.effects.RetryEffect(ctx, e.ID, retryAt, err.Error()); rerr != nil {
		logger.Error("failed to reschedule effect", "error", rerr)
		return
	}
	telemetry.EffectsProcessedTotal.WithLabelValues(string(e.Kind), "retry").Inc()
	logger.Warn("effect failed, will retry",
		"attempts", e.Attempts,
		"retry_at", retryAt,
		"error", err,
	)
}

// retryDelay — экспоненциальная задержка: backoff * 2^(attempt-1), не больше maxBackoff.
func (w *Worker) retryDelay(attempt int) time.Duration {
	d := w.backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
