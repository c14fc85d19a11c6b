package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Conductor/internal/domain"
	"github.com/shaiso/Conductor/internal/orchestration"
	"github.com/shaiso/Conductor/internal/repo"
	"github.com/shaiso/Conductor/internal/telemetry"
)

// Default configuration values.
const (
	defaultMaxRuns          = 100
	defaultMaxScheduledTime = 100 * 24 * time.Hour
)

// RunCreator — идемпотентное создание runs.
type RunCreator interface {
	CreateRun(ctx context.Context, p orchestration.CreateRunParams) (*domain.Run, bool, error)
}

// Window — горизонт материализации.
type Window struct {
	// Start — начало окна (default: now).
	Start time.Time

	// End — конец окна. Ограничивается Start + MaxScheduledTime.
	End time.Time

	// Count — сколько запусков создать. Ограничивается MaxRuns.
	Count int
}

// Materialization — итог материализации одного расписания.
type Materialization struct {
	Occurrences []time.Time   `json:"occurrences"`
	Runs        []*domain.Run `json:"runs"`
	Created     int           `json:"created"`
	Existing    int           `json:"existing"`
}

// Materializer создаёт SCHEDULED runs для запусков расписания.
//
// Повторная материализация того же окна не создаёт дубликатов:
// ключ идемпотентности run выводится из (deployment, schedule, время запуска),
// а дедупликацию выполняет CreateRun.
type Materializer struct {
	deployments repo.DeploymentStore
	runs        RunCreator

	maxRuns          int
	maxScheduledTime time.Duration
	now              func() time.Time
	logger           *slog.Logger
}

// MaterializerConfig — конфигурация Materializer.
type MaterializerConfig struct {
	Deployments repo.DeploymentStore
	Runs        RunCreator

	// MaxRuns — жёсткий максимум запусков за вызов (default: 100).
	MaxRuns int

	// MaxScheduledTime — жёсткий максимум горизонта (default: 100 дней).
	MaxScheduledTime time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// NewMaterializer создаёт новый Materializer.
func NewMaterializer(cfg MaterializerConfig) *Materializer {
	maxRuns := cfg.MaxRuns
	if maxRuns <= 0 {
		maxRuns = defaultMaxRuns
	}
	maxTime := cfg.MaxScheduledTime
	if maxTime <= 0 {
		maxTime = defaultMaxScheduledTime
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{
		deployments:      cfg.Deployments,
		runs:             cfg.Runs,
		maxRuns:          maxRuns,
		maxScheduledTime: maxTime,
		now:              now,
		logger:           logger,
	}
}

// Occurrences возвращает запуски расписания в окне с учётом жёстких максимумов.
func (m *Materializer) Occurrences(sch *domain.DeploymentSchedule, w Window) ([]time.Time, error) {
	rec, err := NewRecurrence(sch.Schedule, sch.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", sch.ID, err)
	}

	start := w.Start
	if start.IsZero() {
		start = m.now()
	}
	start = start.UTC()

	count := w.Count
	if count <= 0 || count > m.maxRuns {
		count = m.maxRuns
	}
	end := start.Add(m.maxScheduledTime)
	if !w.End.IsZero() && w.End.Before(end) {
		end = w.End.UTC()
	}

	var out []time.Time
	t := start
	for len(out) < count {
		next, ok := rec.Next(t)
		if !ok || next.After(end) {
			break
		}
		out = append(out, next)
		t = next.Add(time.Nanosecond)
	}
	return out, nil
}

// Materialize создаёт runs для запусков расписания в окне.
// Неактивное расписание и deployment на паузе ничего не создают.
func (m *Materializer) Materialize(ctx context.Context, sch *domain.DeploymentSchedule, w Window) (*Materialization, error) {
	result := &Materialization{}
	if !sch.Active {
		return result, nil
	}

	dep, err := m.deployments.GetDeployment(ctx, sch.DeploymentID)
	if err != nil {
		return nil, fmt.Errorf("get deployment %s: %w", sch.DeploymentID, err)
	}
	if dep.IsPaused {
		return result, nil
	}

	occurrences, err := m.Occurrences(sch, w)
	if err != nil {
		return nil, err
	}
	result.Occurrences = occurrences

	for _, at := range occurrences {
		state := domain.Scheduled(at)
		run, created, err := m.runs.CreateRun(ctx, orchestration.CreateRunParams{
			Kind:           domain.RunKindFlow,
			Name:           fmt.Sprintf("%s-%s", dep.Name, at.Format("20060102T150405Z")),
			DeploymentID:   &dep.ID,
			IdempotencyKey: domain.ScheduledRunKey(dep.ID, sch.ID, at),
			State:          &state,
		})
		if err != nil {
			telemetry.ScheduledRunsTotal.WithLabelValues("error").Inc()
			return result, fmt.Errorf("create scheduled run at %s: %w", at.Format(time.RFC3339), err)
		}
		result.Runs = append(result.Runs, run)
		if created {
			result.Created++
			telemetry.ScheduledRunsTotal.WithLabelValues("created").Inc()
		} else {
			result.Existing++
			telemetry.ScheduledRunsTotal.WithLabelValues("existing").Inc()
		}
	}

	if result.Created > 0 {
		m.logger.Info("scheduled runs materialized",
			"deployment_id", dep.ID,
			"schedule_id", sch.ID,
			"created", result.Created,
			"existing", result.Existing,
		)
	}
	return result, nil
}
