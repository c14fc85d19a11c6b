// Package settings — кэш именованных настроек из таблицы configuration.
//
// Кэш явный и внедряемый: каждый сервис создаёт свой экземпляр.
// Инвалидация происходит при записи через Cache.Write и по вызову Invalidate.
// Запись в БД в обход кэша (другим процессом) становится видна после TTL.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shaiso/Conductor/internal/domain"
	"github.com/shaiso/Conductor/internal/repo"
)

// Ключи настроек, которые читает control plane.
const (
	// KeySlotWaitSeconds — подсказка повтора при исчерпании жёсткого лимита.
	KeySlotWaitSeconds = "concurrency.slot_wait_seconds"

	// KeyStaleAfterSeconds — порог устаревания опроса work queue.
	KeyStaleAfterSeconds = "work_queues.stale_after_seconds"
)

type entry struct {
	value    *domain.Configuration
	cachedAt time.Time
}

// Cache — кэш настроек поверх ConfigurationStore.
type Cache struct {
	store repo.ConfigurationStore
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]entry

	// gens и epoch растут при инвалидации ключа и всего кэша. Read не
	// сохраняет значение, прочитанное до инвалидации.
	gens  map[string]uint64
	epoch uint64
}

// Config — конфигурация Cache.
type Config struct {
	Store repo.ConfigurationStore

	// TTL — время жизни записи. 0 — без истечения.
	TTL time.Duration

	Now func() time.Time
}

// New создаёт новый Cache.
func New(cfg Config) *Cache {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		store:   cfg.Store,
		ttl:     cfg.TTL,
		now:     now,
		entries: make(map[string]entry),
		gens:    make(map[string]uint64),
	}
}

// Read возвращает настройку по ключу или nil, если её нет.
// Кэшируются и найденные значения, и отсутствие значения.
func (c *Cache) Read(ctx context.Context, key string) (*domain.Configuration, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	gen, epoch := c.gens[key], c.epoch
	c.mu.RUnlock()
	if ok && (c.ttl <= 0 || c.now().Sub(e.cachedAt) < c.ttl) {
		return e.value, nil
	}

	value, err := c.store.ReadConfiguration(ctx, key)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("read configuration %s: %w", key, err)
	}

	c.mu.Lock()
	if c.gens[key] == gen && c.epoch == epoch {
		c.entries[key] = entry{value: value, cachedAt: c.now()}
	}
	c.mu.Unlock()
	return value, nil
}

// Write сохраняет настройку и инвалидирует ключ.
func (c *Cache) Write(ctx context.Context, key string, value map[string]any) (*domain.Configuration, error) {
	cfg := &domain.Configuration{
		Key:       key,
		Value:     value,
		UpdatedAt: c.now().UTC(),
	}
	if err := c.store.WriteConfiguration(ctx, cfg); err != nil {
		return nil, fmt.Errorf("write configuration %s: %w", key, err)
	}
	c.Invalidate(key)
	return cfg, nil
}

// Invalidate удаляет ключ из кэша. Без аргументов очищает весь кэш.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(keys) == 0 {
		c.entries = make(map[string]entry)
		c.epoch++
		return
	}
	for _, k := range keys {
		delete(c.entries, k)
		c.gens[k]++
	}
}

// Duration читает число секунд из поля "value" настройки.
// При отсутствии настройки или некорректном значении возвращает def.
func (c *Cache) Duration(ctx context.Context, key string, def time.Duration) time.Duration {
	if c == nil {
		return def
	}
	cfg, err := c.Read(ctx, key)
	if err != nil || cfg == nil {
		return def
	}
	switch v := cfg.Value["value"].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return def
}
