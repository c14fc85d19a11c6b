package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/shaiso/Conductor/internal/repo"
	"golang.org/x/sync/errgroup"
)

// Default configuration values.
const defaultParallelism = 4

// Scheduler — периодическая материализация всех активных расписаний.
type Scheduler struct {
	deployments  repo.DeploymentStore
	materializer *Materializer
	parallelism  int
	logger       *slog.Logger
}

// Config — конфигурация Scheduler.
type Config struct {
	Deployments  repo.DeploymentStore
	Materializer *Materializer

	// Parallelism — сколько расписаний материализуется одновременно (default: 4).
	Parallelism int

	Logger *slog.Logger
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		deployments:  cfg.Deployments,
		materializer: cfg.Materializer,
		parallelism:  parallelism,
		logger:       logger,
	}
}

// TickResult — итог одного тика.
type TickResult struct {
	Schedules int
	Created   int64
	Existing  int64
	Failed    int64
}

// Tick материализует все активные расписания на полный горизонт.
//
// Ошибки одного расписания не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	schedules, err := s.deployments.ListActiveSchedules(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("list active schedules: %w", err)
	}
	result := TickResult{Schedules: len(schedules)}
	if len(schedules) == 0 {
		return result, nil
	}

	var created, existing, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.parallelism)

	for i := range schedules {
		sch := &schedules[i]
		g.Go(func() error {
			m, err := s.materializer.Materialize(ctx, sch, Window{})
			if m != nil {
				created.Add(int64(m.Created))
				existing.Add(int64(m.Existing))
			}
			if err != nil {
				failed.Add(1)
				s.logger.Error("failed to materialize schedule",
					"schedule_id", sch.ID,
					"deployment_id", sch.DeploymentID,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Created = created.Load()
	result.Existing = existing.Load()
	result.Failed = failed.Load()

	s.logger.Info("scheduler tick completed",
		"schedules", result.Schedules,
		"runs_created", result.Created,
		"failed", result.Failed,
	)
	return result, nil
}
