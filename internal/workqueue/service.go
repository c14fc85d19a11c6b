package workqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/domain"
	"github.com/shaiso/Conductor/internal/repo"
)

// Default configuration values.
const (
	defaultRunsLimit = 100

	// lateRunGrace — насколько SCHEDULED run может опоздать, прежде чем
	// считаться поздним в StatusDetail.
	lateRunGrace = 15 * time.Second
)

// LimitSyncer — синхронизация лимита очереди с менеджером слотов.
type LimitSyncer interface {
	Upsert(ctx context.Context, key string, limit int, decayPerSecond float64) (*domain.ConcurrencyLimit, error)
	Delete(ctx context.Context, key string) error
	OpenSlots(ctx context.Context, key string) (int, bool, error)
}

// Service — операции над work queues.
type Service struct {
	queues  repo.WorkQueueStore
	runs    repo.RunStore
	limits  LimitSyncer
	agents  repo.AgentStore
	tracker *Tracker

	now    func() time.Time
	logger *slog.Logger
}

// ServiceConfig — конфигурация Service.
type ServiceConfig struct {
	Queues  repo.WorkQueueStore
	Runs    repo.RunStore
	Limits  LimitSyncer
	Tracker *Tracker

	// Agents — учёт агентов; nil отключает запись опросов агентов.
	Agents repo.AgentStore

	Now    func() time.Time
	Logger *slog.Logger
}

// NewService создаёт новый Service.
func NewService(cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		queues:  cfg.Queues,
		runs:    cfg.Runs,
		limits:  cfg.Limits,
		agents:  cfg.Agents,
		tracker: cfg.Tracker,
		now:     now,
		logger:  logger,
	}
}

// Tracker возвращает трекер готовности.
func (s *Service) Tracker() *Tracker { return s.tracker }

// CreateParams — параметры создания очереди.
type CreateParams struct {
	Name             string
	Description      string
	ConcurrencyLimit *int
	Priority         int
	IsPaused         bool
}

// Create создаёт очередь. Имя должно быть уникальным.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.WorkQueue, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, fmt.Errorf("work queue name is required: %w", repo.ErrInvalidState)
	}
	if p.ConcurrencyLimit != nil && *p.ConcurrencyLimit < 0 {
		return nil, fmt.Errorf("concurrency limit must be non-negative: %w", repo.ErrInvalidState)
	}

	now := s.now().UTC()
	q := &domain.WorkQueue{
		ID:               uuid.New(),
		Name:             name,
		Description:      p.Description,
		ConcurrencyLimit: p.ConcurrencyLimit,
		Priority:         p.Priority,
		IsPaused:         p.IsPaused,
		Status:           domain.WorkQueueNotReady,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if q.IsPaused {
		q.Status = domain.WorkQueuePaused
	}

	if err := s.queues.CreateWorkQueue(ctx, q); err != nil {
		return nil, fmt.Errorf("create work queue %q: %w", name, err)
	}
	if err := s.syncLimit(ctx, q); err != nil {
		return nil, err
	}

	s.logger.Info("work queue created", "work_queue_id", q.ID, "name", q.Name)
	return q, nil
}

// Get возвращает очередь с действующим статусом.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.WorkQueue, error) {
	return s.tracker.Status(ctx, id)
}

// GetByName возвращает очередь по имени.
func (s *Service) GetByName(ctx context.Context, name string) (*domain.WorkQueue, error) {
	q, err := s.queues.GetWorkQueueByName(ctx, name)
	if err != nil {
		return nil, err
	}
	q.Status = q.EffectiveStatus(s.now().UTC(), s.tracker.StaleAfter(ctx))
	return q, nil
}

// List возвращает очереди с действующими статусами.
func (s *Service) List(ctx context.Context, filter repo.WorkQueueFilter) ([]domain.WorkQueue, error) {
	queues, err := s.queues.ListWorkQueues(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list work queues: %w", err)
	}
	now := s.now().UTC()
	staleAfter := s.tracker.StaleAfter(ctx)
	for i := range queues {
		queues[i].Status = queues[i].EffectiveStatus(now, staleAfter)
	}
	return queues, nil
}

// UpdateParams — изменяемые поля очереди. nil — не менять.
type UpdateParams struct {
	Description *string
	Priority    *int
	IsPaused    *bool

	// ConcurrencyLimit — новый лимит; ClearConcurrencyLimit снимает лимит.
	ConcurrencyLimit      *int
	ClearConcurrencyLimit bool
}

// Update изменяет очередь.
func (s *Service) Update(ctx context.Context, id uuid.UUID, p UpdateParams) (*domain.WorkQueue, error) {
	q, err := s.queues.GetWorkQueue(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.ConcurrencyLimit != nil && *p.ConcurrencyLimit < 0 {
		return nil, fmt.Errorf("concurrency limit must be non-negative: %w", repo.ErrInvalidState)
	}

	if p.Description != nil {
		q.Description = *p.Description
	}
	if p.Priority != nil {
		q.Priority = *p.Priority
	}
	switch {
	case p.ClearConcurrencyLimit:
		q.ConcurrencyLimit = nil
	case p.ConcurrencyLimit != nil:
		v := *p.ConcurrencyLimit
		q.ConcurrencyLimit = &v
	}
	q.UpdatedAt = s.now().UTC()

	if err := s.queues.UpdateWorkQueue(ctx, q); err != nil {
		return nil, fmt.Errorf("update work queue: %w", err)
	}
	if err := s.syncLimit(ctx, q); err != nil {
		return nil, err
	}

	if p.IsPaused != nil && *p.IsPaused != q.IsPaused {
		if *p.IsPaused {
			_, err = s.tracker.Pause(ctx, id)
		} else {
			_, err = s.tracker.Unpause(ctx, id)
		}
		if err != nil {
			return nil, err
		}
	}
	return s.Get(ctx, id)
}

// Delete удаляет очередь и её лимит конкурентности.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.queues.DeleteWorkQueue(ctx, id); err != nil {
		return err
	}
	if s.limits != nil {
		err := s.limits.Delete(ctx, domain.WorkQueueLimitKey(id))
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("delete work queue limit: %w", err)
		}
	}
	s.logger.Info("work queue deleted", "work_queue_id", id)
	return nil
}

// syncLimit приводит лимит "work_queue:<id>" к ConcurrencyLimit очереди.
func (s *Service) syncLimit(ctx context.Context, q *domain.WorkQueue) error {
	if s.limits == nil {
		return nil
	}
	key := domain.WorkQueueLimitKey(q.ID)
	if q.ConcurrencyLimit == nil {
		err := s.limits.Delete(ctx, key)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("remove work queue limit: %w", err)
		}
		return nil
	}
	if _, err := s.limits.Upsert(ctx, key, *q.ConcurrencyLimit, 0); err != nil {
		return fmt.Errorf("sync work queue limit: %w", err)
	}
	return nil
}

// GetRunsParams — параметры выборки runs из очереди.
type GetRunsParams struct {
	// ScheduledBefore — только runs с ожидаемым запуском не позже (default: now).
	ScheduledBefore *time.Time

	Limit int

	// FromUI — запрос от интерфейса: опрос не фиксируется.
	FromUI bool

	// AgentID — агент, опрашивающий очередь. Его активность фиксируется.
	AgentID *uuid.UUID
}

// GetRuns возвращает SCHEDULED runs очереди в порядке ожидаемого запуска,
// не больше числа свободных слотов очереди. Очередь на паузе пуста.
//
// Если запрос не от UI, фиксирует опрос очереди и агента.
func (s *Service) GetRuns(ctx context.Context, id uuid.UUID, p GetRunsParams) ([]domain.Run, error) {
	q, err := s.queues.GetWorkQueue(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()

	limit := p.Limit
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	available := !q.IsPaused
	if available && s.limits != nil {
		open, exists, err := s.limits.OpenSlots(ctx, domain.WorkQueueLimitKey(id))
		if err != nil {
			return nil, fmt.Errorf("open slots: %w", err)
		}
		if exists {
			if open < limit {
				limit = open
			}
			available = open > 0
		}
	}

	var runs []domain.Run
	if available {
		before := now
		if p.ScheduledBefore != nil {
			before = p.ScheduledBefore.UTC()
		}
		runs, err = s.runs.ListRuns(ctx, repo.RunFilter{
			WorkQueueID:     &id,
			StateTypes:      []domain.StateType{domain.StateScheduled},
			ScheduledBefore: &before,
			Sort:            repo.SortExpectedStartAsc,
			Limit:           limit,
		})
		if err != nil {
			return nil, fmt.Errorf("list work queue runs: %w", err)
		}
	}

	if !p.FromUI {
		if err := s.tracker.RecordPoll(ctx, id, now, available); err != nil {
			return nil, err
		}
		if p.AgentID != nil && s.agents != nil {
			if err := s.agents.RecordAgentPoll(ctx, *p.AgentID, id, now); err != nil {
				s.logger.Warn("record agent poll failed", "work_queue_id", id, "agent_id", *p.AgentID, "error", err)
			}
		}
	}
	return runs, nil
}

// Agents возвращает агентов, опрашивавших очередь.
func (s *Service) Agents(ctx context.Context, id uuid.UUID) ([]domain.Agent, error) {
	if _, err := s.queues.GetWorkQueue(ctx, id); err != nil {
		return nil, err
	}
	if s.agents == nil {
		return nil, nil
	}
	agents, err := s.agents.ListAgents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// StatusDetail — подробный статус очереди.
type StatusDetail struct {
	Status     domain.WorkQueueStatus `json:"status"`
	Healthy    bool                   `json:"healthy"`
	LateRuns   int                    `json:"late_runs_count"`
	LastPolled *time.Time             `json:"last_polled,omitempty"`
	StaleAfter time.Duration          `json:"stale_after"`
}

// StatusDetail возвращает статус очереди и её здоровье: очередь здорова,
// если недавно опрашивалась и в ней нет опоздавших runs.
func (s *Service) StatusDetail(ctx context.Context, id uuid.UUID) (*StatusDetail, error) {
	q, err := s.tracker.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	lateBefore := now.Add(-lateRunGrace)
	late, err := s.runs.ListRuns(ctx, repo.RunFilter{
		WorkQueueID:     &id,
		StateTypes:      []domain.StateType{domain.StateScheduled},
		ScheduledBefore: &lateBefore,
		Limit:           defaultRunsLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("list late runs: %w", err)
	}

	staleAfter := s.tracker.StaleAfter(ctx)
	polledRecently := q.LastPolled != nil && now.Sub(*q.LastPolled) <= staleAfter
	return &StatusDetail{
		Status:     q.Status,
		Healthy:    polledRecently && len(late) == 0,
		LateRuns:   len(late),
		LastPolled: q.LastPolled,
		StaleAfter: staleAfter,
	}, nil
}
