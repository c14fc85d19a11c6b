package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/domain"
)

// Интерфейсы хранилищ.
//
// Postgres-реализации живут в этом пакете, in-memory — в internal/memstore.
// Все методы возвращают ErrNotFound для отсутствующих записей и
// ErrAlreadyExists при конфликте уникальности.

// RunStore — хранилище runs и их истории состояний.
type RunStore interface {
	// CreateRun атомарно создаёт run, первую запись истории и эффекты.
	// Если run с тем же (kind, scope, idempotency_key) уже есть,
	// возвращает существующий run и created == false.
	CreateRun(ctx context.Context, run *domain.Run, effects []domain.SideEffect) (stored *domain.Run, created bool, err error)

	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)

	// ListStates возвращает историю состояний в порядке коммита.
	ListStates(ctx context.Context, runID uuid.UUID) ([]domain.State, error)

	// CommitTransition атомарно обновляет run при совпадении версии,
	// дописывает состояние в историю и сохраняет эффекты.
	// Возвращает ErrVersionConflict, если версия изменилась.
	CommitTransition(ctx context.Context, c TransitionCommit) error
}

// TransitionCommit — данные одного коммита перехода.
type TransitionCommit struct {
	// Run — run с уже применённым новым состоянием.
	Run *domain.Run

	// ExpectedVersion — версия, прочитанная до оценки правил.
	ExpectedVersion int64

	// Effects — эффекты, которые выполнит effects worker после коммита.
	Effects []domain.SideEffect
}

// RunSort — порядок сортировки runs.
type RunSort int

const (
	// SortCreatedDesc — сначала новые.
	SortCreatedDesc RunSort = iota

	// SortExpectedStartAsc — по ожидаемому времени запуска.
	SortExpectedStartAsc
)

// RunFilter — параметры фильтрации runs.
type RunFilter struct {
	Kind         domain.RunKind
	DeploymentID *uuid.UUID
	WorkQueueID  *uuid.UUID
	ParentRunID  *uuid.UUID
	StateTypes   []domain.StateType

	// ScheduledBefore — только runs с expected_start_time <= значения.
	ScheduledBefore *time.Time

	Sort   RunSort
	Limit  int
	Offset int
}

// ConcurrencyStore — хранилище лимитов конкурентности.
type ConcurrencyStore interface {
	CreateLimit(ctx context.Context, l *domain.ConcurrencyLimit) error

	// UpsertLimit создаёт лимит по ключу или обновляет Limit и скорость
	// затухания существующего, сохраняя занятые слоты.
	UpsertLimit(ctx context.Context, l *domain.ConcurrencyLimit) (*domain.ConcurrencyLimit, error)

	GetLimit(ctx context.Context, key string) (*domain.ConcurrencyLimit, error)
	GetLimitByID(ctx context.Context, id uuid.UUID) (*domain.ConcurrencyLimit, error)
	ListLimits(ctx context.Context, limit, offset int) ([]domain.ConcurrencyLimit, error)
	DeleteLimit(ctx context.Context, key string) error

	// UpdateLimits блокирует существующие лимиты с заданными ключами
	// (в порядке ключей) и вызывает fn. Если fn вернул changed == true,
	// все переданные лимиты сохраняются в той же транзакции.
	// Ключи без лимита пропускаются.
	UpdateLimits(ctx context.Context, keys []string, fn func(limits []*domain.ConcurrencyLimit) (changed bool, err error)) error
}

// WorkQueueStore — хранилище work queues.
type WorkQueueStore interface {
	CreateWorkQueue(ctx context.Context, q *domain.WorkQueue) error
	GetWorkQueue(ctx context.Context, id uuid.UUID) (*domain.WorkQueue, error)
	GetWorkQueueByName(ctx context.Context, name string) (*domain.WorkQueue, error)
	ListWorkQueues(ctx context.Context, filter WorkQueueFilter) ([]domain.WorkQueue, error)

	// UpdateWorkQueue обновляет описание, лимит и приоритет.
	UpdateWorkQueue(ctx context.Context, q *domain.WorkQueue) error
	DeleteWorkQueue(ctx context.Context, id uuid.UUID) error

	// RecordPoll сдвигает last_polled вперёд (никогда назад).
	RecordPoll(ctx context.Context, id uuid.UUID, polledAt time.Time) error

	// SetWorkQueueStatus выставляет статус очередям, которые не на паузе.
	// Если polledAt задан, last_polled этих очередей сдвигается вперёд.
	// Возвращает ID очередей, у которых статус изменился.
	SetWorkQueueStatus(ctx context.Context, ids []uuid.UUID, status domain.WorkQueueStatus, polledAt *time.Time) ([]uuid.UUID, error)

	// SetWorkQueuePaused ставит очередь на паузу (PAUSED) или снимает (NOT_READY).
	SetWorkQueuePaused(ctx context.Context, id uuid.UUID, paused bool) (*domain.WorkQueue, error)

	// ListStaleReady возвращает READY очереди с last_polled раньше before.
	ListStaleReady(ctx context.Context, before time.Time) ([]uuid.UUID, error)
}

// WorkQueueFilter — параметры фильтрации work queues.
type WorkQueueFilter struct {
	NamePrefix string
	Limit      int
	Offset     int
}

// DeploymentStore — хранилище deployments и их расписаний.
type DeploymentStore interface {
	CreateDeployment(ctx context.Context, d *domain.Deployment) error
	GetDeployment(ctx context.Context, id uuid.UUID) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, limit, offset int) ([]domain.Deployment, error)
	UpdateDeployment(ctx context.Context, d *domain.Deployment) error
	DeleteDeployment(ctx context.Context, id uuid.UUID) error

	// SetDeploymentStatusByQueues выставляет статус deployments указанных очередей.
	// READY не выставляется через очереди на паузе.
	// Если polledAt задан, last_polled сдвигается вперёд.
	SetDeploymentStatusByQueues(ctx context.Context, queueIDs []uuid.UUID, status domain.DeploymentStatus, polledAt *time.Time) error

	CreateSchedule(ctx context.Context, s *domain.DeploymentSchedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*domain.DeploymentSchedule, error)
	ListSchedules(ctx context.Context, deploymentID uuid.UUID) ([]domain.DeploymentSchedule, error)

	// ListActiveSchedules возвращает активные расписания deployments не на паузе.
	ListActiveSchedules(ctx context.Context) ([]domain.DeploymentSchedule, error)
	UpdateSchedule(ctx context.Context, s *domain.DeploymentSchedule) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
}

// EffectStore — outbox побочных эффектов.
type EffectStore interface {
	// ClaimEffects захватывает до limit готовых эффектов: сдвигает
	// available_at на lease и увеличивает attempts.
	ClaimEffects(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.SideEffect, error)
	CompleteEffect(ctx context.Context, id uuid.UUID) error
	RetryEffect(ctx context.Context, id uuid.UUID, availableAt time.Time, lastErr string) error
	DeadLetterEffect(ctx context.Context, id uuid.UUID, lastErr string) error
	ListEffects(ctx context.Context, filter EffectFilter) ([]domain.SideEffect, error)
}

// EffectFilter — параметры фильтрации эффектов.
type EffectFilter struct {
	RunID  *uuid.UUID
	Status domain.SideEffectStatus
	Limit  int
}

// NotificationStore — хранилище политик уведомлений.
type NotificationStore interface {
	CreatePolicy(ctx context.Context, p *domain.NotificationPolicy) error
	GetPolicy(ctx context.Context, id uuid.UUID) (*domain.NotificationPolicy, error)
	ListPolicies(ctx context.Context, activeOnly bool) ([]domain.NotificationPolicy, error)
	UpdatePolicy(ctx context.Context, p *domain.NotificationPolicy) error
	DeletePolicy(ctx context.Context, id uuid.UUID) error
}

// ConfigurationStore — хранилище именованных настроек.
type ConfigurationStore interface {
	ReadConfiguration(ctx context.Context, key string) (*domain.Configuration, error)

	// WriteConfiguration создаёт или перезаписывает значение.
	WriteConfiguration(ctx context.Context, c *domain.Configuration) error
}

// LogStore — журнал выполнения runs.
type LogStore interface {
	// CreateLogs сохраняет строки пачками, укладываясь в лимит параметров запроса.
	CreateLogs(ctx context.Context, logs []domain.Log) error
	ReadLogs(ctx context.Context, filter LogFilter) ([]domain.Log, error)
}

// LogSort — порядок сортировки логов.
type LogSort int

const (
	// LogSortTimestampAsc — сначала старые.
	LogSortTimestampAsc LogSort = iota

	// LogSortTimestampDesc — сначала новые.
	LogSortTimestampDesc
)

// LogFilter — параметры фильтрации логов.
type LogFilter struct {
	RunIDs []uuid.UUID

	// MinLevel — только строки с level >= значения.
	MinLevel int

	// After и Before ограничивают timestamp включительно.
	After  *time.Time
	Before *time.Time

	Sort   LogSort
	Limit  int
	Offset int
}

// AgentStore — учёт агентов, опрашивающих очереди.
type AgentStore interface {
	// RecordAgentPoll создаёт агента или обновляет его очередь и
	// last_activity_time.
	RecordAgentPoll(ctx context.Context, agentID, workQueueID uuid.UUID, at time.Time) error
	ListAgents(ctx context.Context, workQueueID uuid.UUID) ([]domain.Agent, error)
}

// Store объединяет все хранилища.
type Store interface {
	RunStore
	ConcurrencyStore
	WorkQueueStore
	DeploymentStore
	EffectStore
	NotificationStore
	ConfigurationStore
	LogStore
	AgentStore
}
