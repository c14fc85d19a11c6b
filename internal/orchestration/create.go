package orchestration

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/domain"
	"github.com/shaiso/Conductor/internal/repo"
)

// CreateRunParams — параметры создания run.
type CreateRunParams struct {
	Kind         domain.RunKind
	Name         string
	DeploymentID *uuid.UUID
	WorkQueueID  *uuid.UUID
	ParentRunID  *uuid.UUID
	TaskKey      string
	DynamicKey   string
	Tags         []string

	// IdempotencyKey — повторное создание с тем же ключом в той же области
	// (deployment или родитель) возвращает существующий run.
	IdempotencyKey string

	// Policy — если nil, наследуется от deployment.
	Policy *domain.RunPolicy

	// State — начальное состояние: SCHEDULED или PENDING (default: PENDING).
	State *domain.State
}

// CreateRun создаёт run в начальном состоянии.
//
// Возвращает run и признак того, что он создан этим вызовом.
func (e *Engine) CreateRun(ctx context.Context, p CreateRunParams) (*domain.Run, bool, error) {
	now := e.now().UTC()

	kind := p.Kind
	if kind == "" {
		kind = domain.RunKindFlow
	}
	if kind != domain.RunKindFlow && kind != domain.RunKindTask {
		return nil, false, fmt.Errorf("%w: unknown run kind %q", repo.ErrInvalidState, kind)
	}

	initial := domain.Pending()
	if p.State != nil {
		initial = p.State.Clone()
	}
	switch initial.Type {
	case domain.StateScheduled, domain.StatePending:
	default:
		return nil, false, fmt.Errorf("%w: initial state must be SCHEDULED or PENDING, got %q",
			repo.ErrInvalidState, initial.Type)
	}
	if initial.ID == uuid.Nil {
		initial.ID = uuid.New()
	}
	if initial.Name == "" {
		initial.Name = domain.NewState(initial.Type, "").Name
	}
	if initial.Type == domain.StateScheduled && initial.Details.ScheduledTime == nil {
		at := now
		initial.Details.ScheduledTime = &at
	}
	if initial.Timestamp.IsZero() {
		initial.Timestamp = now
	}

	run := &domain.Run{
		ID:             uuid.New(),
		Kind:           kind,
		Name:           p.Name,
		DeploymentID:   p.DeploymentID,
		WorkQueueID:    p.WorkQueueID,
		ParentRunID:    p.ParentRunID,
		TaskKey:        p.TaskKey,
		DynamicKey:     p.DynamicKey,
		Tags:           append([]string(nil), p.Tags...),
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      now,
	}
	if p.Policy != nil {
		run.Policy = *p.Policy
	}

	if kind == domain.RunKindTask {
		if run.ParentRunID != nil {
			if _, err := e.GetRun(ctx, *run.ParentRunID); err != nil {
				return nil, false, fmt.Errorf("parent run: %w", err)
			}
		}
		if run.IdempotencyKey == "" && run.TaskKey != "" {
			run.IdempotencyKey = fmt.Sprintf("%s:%s", run.TaskKey, run.DynamicKey)
		}
	}

	if run.DeploymentID != nil && e.deployments != nil {
		dep, err := e.deployments.GetDeployment(ctx, *run.DeploymentID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, false, fmt.Errorf("deployment %s: %w", *run.DeploymentID, repo.ErrNotFound)
		}
		if err != nil {
			return nil, false, fmt.Errorf("get deployment: %w", err)
		}
		if run.WorkQueueID == nil {
			run.WorkQueueID = dep.WorkQueueID
		}
		run.Tags = mergeTags(dep.Tags, run.Tags)
		if p.Policy == nil {
			run.Policy = dep.Policy
		}
	}

	run.ApplyState(initial)
	if run.ExpectedStartTime == nil {
		at := initial.Timestamp
		run.ExpectedStartTime = &at
	}

	effects := []domain.SideEffect{domain.NotifyEffect(run.ID, initial)}
	if initial.Type == domain.StatePending && run.DeploymentID != nil && run.WorkQueueID != nil {
		effects = append(effects, domain.MarkQueueReadyEffect(run.ID, *run.WorkQueueID))
	}
	for i := range effects {
		effects[i].AvailableAt = now
		effects[i].CreatedAt = now
	}

	stored, created, err := e.runs.CreateRun(ctx, run, effects)
	if err != nil {
		return nil, false, fmt.Errorf("create run: %w", err)
	}

	if created {
		e.logger.Info("run created",
			"run_id", stored.ID,
			"kind", stored.Kind,
			"state", initial.Type,
			"idempotency_key", stored.IdempotencyKey,
		)
		e.notifyEffects(ctx, effects)
	} else {
		e.logger.Debug("run already exists",
			"run_id", stored.ID,
			"idempotency_key", stored.IdempotencyKey,
		)
	}
	return stored, created, nil
}

// mergeTags объединяет теги без повторов, сохраняя порядок.
func mergeTags(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, t := range list {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
