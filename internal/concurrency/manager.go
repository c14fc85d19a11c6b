package concurrency

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/domain"
	"github.com/shaiso/Conductor/internal/repo"
	"github.com/shaiso/Conductor/internal/telemetry"
)

// Grant — результат попытки занять слоты.
type Grant struct {
	// Granted — слоты заняты по всем ключам.
	Granted bool

	// Never — один из лимитов равен 0, повтор бессмысленен.
	Never bool

	// RetryAfter — через сколько ёмкость освободится.
	// Вычисляется только для затухающих лимитов.
	RetryAfter time.Duration

	// Reason — описание отказа.
	Reason string

	// Acquired — ключи жёстких лимитов, в которых слот занят этим вызовом.
	// Слоты, которые run уже держал, сюда не попадают.
	Acquired []string

	// Consumed — ключи затухающих лимитов, из которых этот вызов взял токен.
	Consumed []string
}

// Manager — менеджер слотов конкурентности.
type Manager struct {
	store  repo.ConcurrencyStore
	now    func() time.Time
	logger *slog.Logger
}

// Config — конфигурация Manager.
type Config struct {
	Store  repo.ConcurrencyStore
	Now    func() time.Time
	Logger *slog.Logger
}

// New создаёт новый Manager.
func New(cfg Config) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  cfg.Store,
		now:    now,
		logger: logger,
	}
}

// Acquire пытается занять слот run во всех лимитах с указанными ключами.
// Ключи без лимита игнорируются. Повторный захват держателем идемпотентен.
func (m *Manager) Acquire(ctx context.Context, keys []string, runID uuid.UUID) (Grant, error) {
	if len(keys) == 0 {
		return Grant{Granted: true}, nil
	}

	var grant Grant
	err := m.store.UpdateLimits(ctx, keys, func(limits []*domain.ConcurrencyLimit) (bool, error) {
		now := m.now().UTC()

		// 1. Лимит 0 запрещает запуск навсегда
		for _, l := range limits {
			if l.Limit <= 0 {
				grant = Grant{Never: true, Reason: fmt.Sprintf("concurrency limit %q is 0", l.Key)}
				return false, nil
			}
		}

		// 2. Проверяем все лимиты до изменения любого из них
		var blocked []string
		var wait time.Duration
		for _, l := range limits {
			ok, retryAfter := l.CanAcquire(runID, now)
			if ok {
				continue
			}
			blocked = append(blocked, fmt.Sprintf("%s (%d/%d)", l.Key, int(l.Occupancy(now)), l.Limit))
			if retryAfter > wait {
				wait = retryAfter
			}
		}
		if len(blocked) > 0 {
			grant = Grant{
				RetryAfter: wait,
				Reason:     "concurrency limit reached: " + strings.Join(blocked, ", "),
			}
			return false, nil
		}

		// 3. Занимаем все
		changed := false
		var acquired, consumed []string
		for _, l := range limits {
			if !l.IsDecaying() && l.HasSlot(runID) {
				continue
			}
			l.Acquire(runID, now)
			changed = true
			if l.IsDecaying() {
				consumed = append(consumed, l.Key)
			} else {
				acquired = append(acquired, l.Key)
			}
		}
		grant = Grant{Granted: true, Acquired: acquired, Consumed: consumed}
		return changed, nil
	})
	if err != nil {
		return Grant{}, fmt.Errorf("acquire slots: %w", err)
	}

	switch {
	case grant.Granted:
		telemetry.SlotAcquisitionsTotal.WithLabelValues("granted").Inc()
	case grant.Never:
		telemetry.SlotAcquisitionsTotal.WithLabelValues("never").Inc()
	default:
		telemetry.SlotAcquisitionsTotal.WithLabelValues("rejected").Inc()
		m.logger.Debug("slot acquisition rejected",
			"run_id", runID,
			"reason", grant.Reason,
		)
	}
	return grant, nil
}

// Release освобождает слоты run. Идемпотентна.
func (m *Manager) Release(ctx context.Context, keys []string, runID uuid.UUID) error {
	if len(keys) == 0 {
		return nil
	}
	err := m.store.UpdateLimits(ctx, keys, func(limits []*domain.ConcurrencyLimit) (bool, error) {
		now := m.now().UTC()
		changed := false
		for _, l := range limits {
			if l.Release(runID, now) {
				changed = true
			}
		}
		return changed, nil
	})
	if err != nil {
		return fmt.Errorf("release slots: %w", err)
	}
	return nil
}

// Refund возвращает токены затухающих лимитов, взятые Acquire для run,
// переход которого не состоялся. Ключи жёстких лимитов пропускаются.
func (m *Manager) Refund(ctx context.Context, keys []string, runID uuid.UUID) error {
	if len(keys) == 0 {
		return nil
	}
	err := m.store.UpdateLimits(ctx, keys, func(limits []*domain.ConcurrencyLimit) (bool, error) {
		now := m.now().UTC()
		changed := false
		for _, l := range limits {
			if l.Refund(now) {
				changed = true
			}
		}
		return changed, nil
	})
	if err != nil {
		return fmt.Errorf("refund slots: %w", err)
	}
	m.logger.Debug("decay tokens refunded", "run_id", runID, "keys", keys)
	return nil
}

// Reset сбрасывает занятые слоты лимита или принудительно выставляет их.
//
// Административная операция для восстановления после утечки слотов
// упавшими runs. Движок оркестрации её не вызывает.
func (m *Manager) Reset(ctx context.Context, key string, slotOverride []uuid.UUID) (*domain.ConcurrencyLimit, error) {
	var result *domain.ConcurrencyLimit
	err := m.store.UpdateLimits(ctx, []string{key}, func(limits []*domain.ConcurrencyLimit) (bool, error) {
		if len(limits) == 0 {
			return false, ErrLimitNotFound
		}
		l := limits[0]
		if len(slotOverride) > l.Limit {
			return false, ErrInvalidSlotOverride
		}

		now := m.now().UTC()
		if l.IsDecaying() {
			l.ActiveSlots = nil
			l.DecayedOccupancy = float64(len(slotOverride))
			l.DecayUpdatedAt = &now
		} else {
			l.ActiveSlots = dedupe(slotOverride)
		}
		l.UpdatedAt = now
		result = l.Clone()
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reset %s: %w", key, err)
	}

	m.logger.Warn("concurrency limit reset",
		"key", key,
		"active_slots", len(result.ActiveSlots),
	)
	return result, nil
}

// Create создаёт лимит.
func (m *Manager) Create(ctx context.Context, key string, limit int, decayPerSecond float64) (*domain.ConcurrencyLimit, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("key is required: %w", repo.ErrInvalidState)
	}
	if limit < 0 || decayPerSecond < 0 {
		return nil, ErrInvalidLimit
	}

	now := m.now().UTC()
	l := &domain.ConcurrencyLimit{
		ID:                 uuid.New(),
		Key:                key,
		Limit:              limit,
		SlotDecayPerSecond: decayPerSecond,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.store.CreateLimit(ctx, l); err != nil {
		return nil, fmt.Errorf("create limit %s: %w", key, err)
	}

	m.logger.Info("concurrency limit created", "key", key, "limit", limit)
	return l, nil
}

// Upsert создаёт лимит или обновляет его ёмкость, сохраняя держателей.
func (m *Manager) Upsert(ctx context.Context, key string, limit int, decayPerSecond float64) (*domain.ConcurrencyLimit, error) {
	if limit < 0 || decayPerSecond < 0 {
		return nil, ErrInvalidLimit
	}
	l, err := m.store.UpsertLimit(ctx, &domain.ConcurrencyLimit{
		ID:                 uuid.New(),
		Key:                key,
		Limit:              limit,
		SlotDecayPerSecond: decayPerSecond,
		UpdatedAt:          m.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("upsert limit %s: %w", key, err)
	}
	return l, nil
}

// Get возвращает лимит по ключу.
func (m *Manager) Get(ctx context.Context, key string) (*domain.ConcurrencyLimit, error) {
	l, err := m.store.GetLimit(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get limit %s: %w", key, err)
	}
	return l, nil
}

// GetByID возвращает лимит по ID.
func (m *Manager) GetByID(ctx context.Context, id uuid.UUID) (*domain.ConcurrencyLimit, error) {
	l, err := m.store.GetLimitByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get limit %s: %w", id, err)
	}
	return l, nil
}

// List возвращает лимиты.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]domain.ConcurrencyLimit, error) {
	return m.store.ListLimits(ctx, limit, offset)
}

// Delete удаляет лимит.
func (m *Manager) Delete(ctx context.Context, key string) error {
	if err := m.store.DeleteLimit(ctx, key); err != nil {
		return fmt.Errorf("delete limit %s: %w", key, err)
	}
	return nil
}

// OpenSlots возвращает число свободных слотов лимита и признак его наличия.
func (m *Manager) OpenSlots(ctx context.Context, key string) (int, bool, error) {
	l, err := m.store.GetLimit(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return l.OpenSlots(m.now().UTC()), true, nil
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
