package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// RunKind — вид run.
type RunKind string

const (
	// RunKindFlow — flow run.
	RunKindFlow RunKind = "FLOW"

	// RunKindTask — task run (может ссылаться на родительский flow run).
	RunKindTask RunKind = "TASK"
)

// Run — отслеживаемое выполнение flow или task.
//
// После создания run принадлежит движку оркестрации: менять State
// можно только через предложение перехода.
// Flow run и task run устроены одинаково; task run дополнительно
// ссылается на родителя и несёт DynamicKey.
type Run struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// Kind — FLOW или TASK.
	Kind RunKind `json:"kind"`

	// Name — имя run для удобства.
	Name string `json:"name,omitempty"`

	// DeploymentID — deployment, из которого создан run (опционально).
	DeploymentID *uuid.UUID `json:"deployment_id,omitempty"`

	// WorkQueueID — work queue, через которую run виден воркерам.
	WorkQueueID *uuid.UUID `json:"work_queue_id,omitempty"`

	// ParentRunID — родительский flow run (только для task run).
	ParentRunID *uuid.UUID `json:"parent_run_id,omitempty"`

	// TaskKey — идентификатор логического шага внутри родителя.
	TaskKey string `json:"task_key,omitempty"`

	// DynamicKey — различает повторные вызовы одного шага.
	DynamicKey string `json:"dynamic_key,omitempty"`

	// Tags — теги для сопоставления с лимитами конкурентности.
	Tags []string `json:"tags,omitempty"`

	// IdempotencyKey — ключ идемпотентности создания.
	// Для scheduled runs: "scheduled {deployment_id} {schedule_id} {occurrence}".
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Policy — retry и pause политика.
	Policy RunPolicy `json:"policy"`

	// State — текущее состояние (денормализовано для быстрого чтения).
	State *State `json:"state,omitempty"`

	// Version — счётчик коммитов, используется для оптимистичной блокировки.
	// Равен длине истории состояний.
	Version int64 `json:"version"`

	// RunCount — сколько раз run входил в RUNNING.
	RunCount int `json:"run_count"`

	// StartTime — время первого входа в RUNNING.
	StartTime *time.Time `json:"start_time,omitempty"`

	// EndTime — время входа в финальное состояние.
	EndTime *time.Time `json:"end_time,omitempty"`

	// ExpectedStartTime — ожидаемое время запуска (из последнего SCHEDULED).
	ExpectedStartTime *time.Time `json:"expected_start_time,omitempty"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего коммита.
	UpdatedAt time.Time `json:"updated_at"`
}

// RunPolicy — политика, которую читают правила оркестрации.
type RunPolicy struct {
	// Retries — сколько повторных попыток допускается после FAILED.
	Retries int `json:"retries,omitempty"`

	// RetryDelaysSec — задержки перед попытками; последняя повторяется.
	RetryDelaysSec []int `json:"retry_delays_sec,omitempty"`

	// PauseTimeoutSec — таймаут паузы по умолчанию.
	PauseTimeoutSec int `json:"pause_timeout_sec,omitempty"`

	// PauseReschedule — при паузе возвращать run в очередь.
	PauseReschedule bool `json:"pause_reschedule,omitempty"`
}

// RetryDelay возвращает задержку перед попыткой attempt (начиная с 1).
func (p RunPolicy) RetryDelay(attempt int) time.Duration {
	if len(p.RetryDelaysSec) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.RetryDelaysSec) {
		idx = len(p.RetryDelaysSec) - 1
	}
	return time.Duration(p.RetryDelaysSec[idx]) * time.Second
}

// WorkQueueLimitKey возвращает ключ лимита конкурентности для work queue.
func WorkQueueLimitKey(id uuid.UUID) string {
	return "work_queue:" + id.String()
}

// LimitKeys возвращает ключи лимитов, которые должен занять run:
// все теги плюс ключ его work queue. Ключи отсортированы и уникальны.
func (r *Run) LimitKeys() []string {
	seen := make(map[string]struct{}, len(r.Tags)+1)
	keys := make([]string, 0, len(r.Tags)+1)
	add := func(k string) {
		if k == "" {
			return
		}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for _, t := range r.Tags {
		add(t)
	}
	if r.WorkQueueID != nil {
		add(WorkQueueLimitKey(*r.WorkQueueID))
	}
	sort.Strings(keys)
	return keys
}

// IdempotencyScope возвращает область уникальности ключа идемпотентности:
// deployment для flow run, родитель для task run, иначе uuid.Nil.
func (r *Run) IdempotencyScope() uuid.UUID {
	switch {
	case r.Kind == RunKindTask && r.ParentRunID != nil:
		return *r.ParentRunID
	case r.DeploymentID != nil:
		return *r.DeploymentID
	default:
		return uuid.Nil
	}
}

// HasTag проверяет наличие тега.
func (r *Run) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// IsFinished возвращает true, если run в финальном состоянии.
func (r *Run) IsFinished() bool {
	return r.State != nil && r.State.Type.IsTerminal()
}

// StateType возвращает тип текущего состояния (пустой, если состояния нет).
func (r *Run) StateType() StateType {
	if r.State == nil {
		return ""
	}
	return r.State.Type
}

// ApplyState устанавливает новое текущее состояние и обновляет
// производные поля. Version не меняется — это делает хранилище при коммите.
func (r *Run) ApplyState(s State) {
	switch {
	case s.Type == StateRunning:
		r.RunCount++
		if r.StartTime == nil {
			t := s.Timestamp
			r.StartTime = &t
		}
	case s.Type == StateScheduled:
		if at, ok := s.ScheduledAt(); ok {
			r.ExpectedStartTime = &at
		}
	case s.Type.IsTerminal():
		t := s.Timestamp
		r.EndTime = &t
	}
	r.State = &s
	r.UpdatedAt = s.Timestamp
}

// Clone возвращает копию run, не разделяющую изменяемые поля.
func (r *Run) Clone() *Run {
	out := *r
	if r.State != nil {
		s := r.State.Clone()
		out.State = &s
	}
	out.Tags = append([]string(nil), r.Tags...)
	out.Policy.RetryDelaysSec = append([]int(nil), r.Policy.RetryDelaysSec...)
	return &out
}
