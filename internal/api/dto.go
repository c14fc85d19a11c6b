package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/concurrency"
	"github.com/shaiso/Conductor/internal/domain"
	"github.com/shaiso/Conductor/internal/orchestration"
	"github.com/shaiso/Conductor/internal/repo"
	"github.com/shaiso/Conductor/internal/scheduler"
	"github.com/shaiso/Conductor/internal/workqueue"
)

// Размер страницы списков.
const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Run DTOs

// StateRequest — предлагаемое состояние.
type StateRequest struct {
	// ID — идентификатор предложения. Повтор с тем же ID распознаётся как дубликат.
	ID        *uuid.UUID          `json:"id,omitempty"`
	Type      domain.StateType    `json:"type"`
	Name      string              `json:"name,omitempty"`
	Message   string              `json:"message,omitempty"`
	Timestamp *time.Time          `json:"timestamp,omitempty"`
	Data      map[string]any      `json:"data,omitempty"`
	Details   domain.StateDetails `json:"details"`
}

// ToDomain конвертирует запрос в domain.State.
func (s StateRequest) ToDomain() domain.State {
	st := domain.NewState(s.Type, s.Message)
	if s.ID != nil {
		st.ID = *s.ID
	}
	if s.Name != "" {
		st.Name = s.Name
	}
	if s.Timestamp != nil {
		st.Timestamp = *s.Timestamp
	} else {
		st.Timestamp = time.Time{}
	}
	st.Data = s.Data
	st.Details = s.Details
	return st
}

// CreateRunRequest — запрос на создание run.
type CreateRunRequest struct {
	Kind           domain.RunKind    `json:"kind,omitempty"`
	Name           string            `json:"name,omitempty"`
	DeploymentID   *uuid.UUID        `json:"deployment_id,omitempty"`
	WorkQueueID    *uuid.UUID        `json:"work_queue_id,omitempty"`
	ParentRunID    *uuid.UUID        `json:"parent_run_id,omitempty"`
	TaskKey        string            `json:"task_key,omitempty"`
	DynamicKey     string            `json:"dynamic_key,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Policy         *domain.RunPolicy `json:"policy,omitempty"`
	State          *StateRequest     `json:"state,omitempty"`
}

// ToParams конвертирует запрос в параметры движка.
func (r CreateRunRequest) ToParams() orchestration.CreateRunParams {
	p := orchestration.CreateRunParams{
		Kind:           r.Kind,
		Name:           r.Name,
		DeploymentID:   r.DeploymentID,
		WorkQueueID:    r.WorkQueueID,
		ParentRunID:    r.ParentRunID,
		TaskKey:        r.TaskKey,
		DynamicKey:     r.DynamicKey,
		Tags:           r.Tags,
		IdempotencyKey: r.IdempotencyKey,
		Policy:         r.Policy,
	}
	if r.State != nil {
		s := r.State.ToDomain()
		p.State = &s
	}
	return p
}

// SetStateRequest — предложение перехода.
type SetStateRequest struct {
	State   StateRequest `json:"state"`
	AgentID string       `json:"agent_id,omitempty"`
}

// ResultResponse — результат предложения перехода.
type ResultResponse struct {
	Status            orchestration.Status `json:"status"`
	State             *domain.State        `json:"state,omitempty"`
	Run               *domain.Run          `json:"run,omitempty"`
	Reason            string               `json:"reason,omitempty"`
	Rule              string               `json:"rule,omitempty"`
	RetryAfterSeconds float64              `json:"retry_after_seconds,omitempty"`
}

// ResultFromOrchestration конвертирует orchestration.Result в ResultResponse.
func ResultFromOrchestration(res *orchestration.Result) ResultResponse {
	return ResultResponse{
		Status:            res.Status,
		State:             res.State,
		Run:               res.Run,
		Reason:            res.Reason,
		Rule:              res.Rule,
		RetryAfterSeconds: res.RetryAfter.Seconds(),
	}
}

// Concurrency DTOs

// CreateLimitRequest — запрос на создание лимита.
type CreateLimitRequest struct {
	Key                string  `json:"key"`
	Limit              int     `json:"limit"`
	SlotDecayPerSecond float64 `json:"slot_decay_per_second,omitempty"`
}

// ResetLimitRequest — сброс занятых слотов. Пустой SlotOverride освобождает все.
type ResetLimitRequest struct {
	SlotOverride []uuid.UUID `json:"slot_override,omitempty"`
}

// SlotsRequest — занятие или освобождение слотов run.
type SlotsRequest struct {
	Keys  []string  `json:"keys"`
	RunID uuid.UUID `json:"run_id"`
}

// GrantResponse — результат занятия слотов.
type GrantResponse struct {
	Granted           bool     `json:"granted"`
	Never             bool     `json:"never,omitempty"`
	RetryAfterSeconds float64  `json:"retry_after_seconds,omitempty"`
	Reason            string   `json:"reason,omitempty"`
	Acquired          []string `json:"acquired,omitempty"`
}

// GrantFromConcurrency конвертирует concurrency.Grant в GrantResponse.
func GrantFromConcurrency(g concurrency.Grant) GrantResponse {
	return GrantResponse{
		Granted:           g.Granted,
		Never:             g.Never,
		RetryAfterSeconds: g.RetryAfter.Seconds(),
		Reason:            g.Reason,
		Acquired:          g.Acquired,
	}
}

// Work queue DTOs

// CreateWorkQueueRequest — запрос на создание очереди.
type CreateWorkQueueRequest struct {
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	ConcurrencyLimit *int   `json:"concurrency_limit,omitempty"`
	Priority         int    `json:"priority,omitempty"`
	IsPaused         bool   `json:"is_paused,omitempty"`
}

// UpdateWorkQueueRequest — частичное обновление очереди.
type UpdateWorkQueueRequest struct {
	Description           *string `json:"description,omitempty"`
	Priority              *int    `json:"priority,omitempty"`
	IsPaused              *bool   `json:"is_paused,omitempty"`
	ConcurrencyLimit      *int    `json:"concurrency_limit,omitempty"`
	ClearConcurrencyLimit bool    `json:"clear_concurrency_limit,omitempty"`
}

// ToParams конвертирует запрос в параметры сервиса.
func (r UpdateWorkQueueRequest) ToParams() workqueue.UpdateParams {
	return workqueue.UpdateParams{
		Description:           r.Description,
		Priority:              r.Priority,
		IsPaused:              r.IsPaused,
		ConcurrencyLimit:      r.ConcurrencyLimit,
		ClearConcurrencyLimit: r.ClearConcurrencyLimit,
	}
}

// GetRunsRequest — выборка runs воркером.
type GetRunsRequest struct {
	ScheduledBefore *time.Time `json:"scheduled_before,omitempty"`
	Limit           int        `json:"limit,omitempty"`

	// AgentID — идентификатор агента; его опрос фиксируется.
	AgentID *uuid.UUID `json:"agent_id,omitempty"`
}

// WorkQueueStatusResponse — статус очереди.
type WorkQueueStatusResponse struct {
	Status            domain.WorkQueueStatus `json:"status"`
	Healthy           bool                   `json:"healthy"`
	LateRunsCount     int                    `json:"late_runs_count"`
	LastPolled        *time.Time             `json:"last_polled,omitempty"`
	StaleAfterSeconds float64                `json:"stale_after_seconds"`
}

// StatusFromWorkQueue конвертирует workqueue.StatusDetail в ответ.
func StatusFromWorkQueue(d *workqueue.StatusDetail) WorkQueueStatusResponse {
	return WorkQueueStatusResponse{
		Status:            d.Status,
		Healthy:           d.Healthy,
		LateRunsCount:     d.LateRuns,
		LastPolled:        d.LastPolled,
		StaleAfterSeconds: d.StaleAfter.Seconds(),
	}
}

// Deployment DTOs

// CreateDeploymentRequest — запрос на создание deployment.
type CreateDeploymentRequest struct {
	Name        string           `json:"name"`
	WorkQueueID *uuid.UUID       `json:"work_queue_id,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
	Policy      domain.RunPolicy `json:"policy"`
	IsPaused    bool             `json:"is_paused,omitempty"`
}

// UpdateDeploymentRequest — частичное обновление deployment.
type UpdateDeploymentRequest struct {
	IsPaused *bool `json:"is_paused,omitempty"`
}

// CreateScheduleRequest — запрос на создание расписания.
type CreateScheduleRequest struct {
	Schedule domain.Schedule `json:"schedule"`
	Active   *bool           `json:"active,omitempty"`
}

// UpdateScheduleRequest — частичное обновление расписания.
type UpdateScheduleRequest struct {
	Schedule *domain.Schedule `json:"schedule,omitempty"`
	Active   *bool            `json:"active,omitempty"`
}

// MaterializeRequest — окно материализации.
type MaterializeRequest struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
	Count int        `json:"count,omitempty"`
}

// Window конвертирует запрос в окно материализации.
func (r MaterializeRequest) Window() scheduler.Window {
	w := scheduler.Window{Count: r.Count}
	if r.Start != nil {
		w.Start = *r.Start
	}
	if r.End != nil {
		w.End = *r.End
	}
	return w
}

// MaterializeResponse — итог материализации расписания.
type MaterializeResponse struct {
	ScheduleID  uuid.UUID   `json:"schedule_id"`
	Occurrences []time.Time `json:"occurrences"`
	RunIDs      []uuid.UUID `json:"run_ids"`
	Created     int         `json:"created"`
	Existing    int         `json:"existing"`
}

// MaterializeFromScheduler конвертирует scheduler.Materialization в ответ.
func MaterializeFromScheduler(scheduleID uuid.UUID, m *scheduler.Materialization) MaterializeResponse {
	resp := MaterializeResponse{
		ScheduleID:  scheduleID,
		Occurrences: m.Occurrences,
		RunIDs:      make([]uuid.UUID, 0, len(m.Runs)),
		Created:     m.Created,
		Existing:    m.Existing,
	}
	for _, r := range m.Runs {
		resp.RunIDs = append(resp.RunIDs, r.ID)
	}
	return resp
}

// Log DTOs

// CreateLogRequest — строка журнала от агента.
type CreateLogRequest struct {
	Name      string     `json:"name"`
	Level     int        `json:"level"`
	Message   string     `json:"message"`
	RunID     *uuid.UUID `json:"run_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ToLog конвертирует запрос в domain.Log.
func (r CreateLogRequest) ToLog(now time.Time) domain.Log {
	return domain.Log{
		ID:        uuid.New(),
		Name:      r.Name,
		Level:     r.Level,
		Message:   r.Message,
		RunID:     r.RunID,
		Timestamp: r.Timestamp.UTC(),
		CreatedAt: now,
	}
}

// ReadLogsRequest — фильтр чтения журнала.
type ReadLogsRequest struct {
	RunIDs   []uuid.UUID `json:"run_ids,omitempty"`
	MinLevel int         `json:"min_level,omitempty"`
	After    *time.Time  `json:"after,omitempty"`
	Before   *time.Time  `json:"before,omitempty"`

	// Sort — TIMESTAMP_ASC (по умолчанию) или TIMESTAMP_DESC.
	Sort   string `json:"sort,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// ToFilter конвертирует запрос в repo.LogFilter.
func (r ReadLogsRequest) ToFilter() (repo.LogFilter, error) {
	f := repo.LogFilter{
		RunIDs:   r.RunIDs,
		MinLevel: r.MinLevel,
		After:    r.After,
		Before:   r.Before,
		Limit:    r.Limit,
		Offset:   r.Offset,
	}
	switch r.Sort {
	case "", "TIMESTAMP_ASC":
		f.Sort = repo.LogSortTimestampAsc
	case "TIMESTAMP_DESC":
		f.Sort = repo.LogSortTimestampDesc
	default:
		return f, fmt.Errorf("unknown sort %q", r.Sort)
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	f.Limit = min(f.Limit, maxPageSize)
	if f.Offset < 0 {
		return f, errors.New("offset must be non-negative")
	}
	return f, nil
}

// Configuration DTOs

// PutConfigurationRequest — новое значение настройки.
type PutConfigurationRequest struct {
	Value map[string]any `json:"value"`
}

// Notification DTOs

// CreatePolicyRequest — запрос на создание политики уведомлений.
type CreatePolicyRequest struct {
	StateNames []string `json:"state_names,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Target     string   `json:"target"`
	IsActive   *bool    `json:"is_active,omitempty"`
}
