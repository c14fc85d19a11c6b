package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/domain"
	"github.com/shaiso/Conductor/internal/repo"
	"github.com/shaiso/Conductor/internal/settings"
	"github.com/shaiso/Conductor/internal/telemetry"
)

// Default configuration values.
const (
	defaultMaxCommitRetries = 5
	defaultSlotWait         = 30 * time.Second
)

// EffectsNotifier будит effects worker после коммита с эффектами.
type EffectsNotifier interface {
	PublishEffectsPending(ctx context.Context) error
}

// Engine — движок переходов состояний.
//
// Engine не хранит состояние между вызовами: всё, что нужно для
// корректности при параллельных предложениях, обеспечивает хранилище
// (версия run и первичный ключ истории).
type Engine struct {
	runs        repo.RunStore
	deployments repo.DeploymentStore
	notifier    EffectsNotifier

	flow Policy
	task Policy

	maxCommitRetries int
	now              func() time.Time
	logger           *slog.Logger
}

// Config — конфигурация Engine.
type Config struct {
	// Runs — хранилище runs (обязательно).
	Runs repo.RunStore

	// Deployments — для наследования очереди, тегов и политики при создании run.
	Deployments repo.DeploymentStore

	// Slots — менеджер слотов конкурентности.
	Slots SlotManager

	// Settings — кэш настроек (опционально).
	Settings *settings.Cache

	// Notifier — уведомление effects worker (опционально).
	Notifier EffectsNotifier

	// MaxCommitRetries — переоценок при конфликте версий (default: 5).
	MaxCommitRetries int

	// SlotWait — подсказка повтора при исчерпании лимита (default: 30s).
	SlotWait time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// New создаёт новый Engine.
func New(cfg Config) *Engine {
	maxRetries := cfg.MaxCommitRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxCommitRetries
	}

	slotWait := cfg.SlotWait
	if slotWait <= 0 {
		slotWait = defaultSlotWait
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	env := ruleEnv{
		slots:    cfg.Slots,
		runs:     cfg.Runs,
		settings: cfg.Settings,
		slotWait: slotWait,
		logger:   logger,
	}

	return &Engine{
		runs:             cfg.Runs,
		deployments:      cfg.Deployments,
		notifier:         cfg.Notifier,
		flow:             flowRunPolicy(env),
		task:             taskRunPolicy(env),
		maxCommitRetries: maxRetries,
		now:              now,
		logger:           logger,
	}
}

// Policy возвращает конвейер правил для вида run.
func (e *Engine) Policy(kind domain.RunKind) Policy {
	if kind == domain.RunKindTask {
		return e.task
	}
	return e.flow
}

// ProposeTransition предлагает новое состояние run.
//
// Возвращает Result со статусом ACCEPT, REJECT или ABORT. Ошибка
// возвращается только для отсутствующего run, некорректного предложения
// и сбоев хранилища.
func (e *Engine) ProposeTransition(ctx context.Context, runID uuid.UUID, proposed domain.State, params Params) (*Result, error) {
	if !proposed.Type.IsValid() {
		return nil, fmt.Errorf("%w: unknown state type %q", ErrInvalidProposal, proposed.Type)
	}
	if proposed.ID == uuid.Nil {
		proposed.ID = uuid.New()
	}
	if proposed.Name == "" {
		proposed.Name = domain.NewState(proposed.Type, "").Name
	}

	logger := telemetry.WithRunID(e.logger, runID.String())

	for attempt := 1; ; attempt++ {
		run, err := e.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.State == nil {
			return nil, fmt.Errorf("%w: run %s has no current state", ErrInvariantViolation, runID)
		}

		tc := newTransitionContext(run, proposed, e.now().UTC(), params)
		policy := e.Policy(run.Kind)

		verdict, err := e.evaluate(ctx, policy, tc)
		if err != nil {
			return nil, err
		}
		if verdict.status != StatusAccept {
			telemetry.TransitionsTotal.WithLabelValues(string(run.Kind), string(verdict.status)).Inc()
			logger.Debug("transition not accepted",
				"status", verdict.status,
				"rule", verdict.rule,
				"reason", verdict.reason,
				"from", tc.Initial.Type,
				"to", proposed.Type,
				"agent", params.AgentID,
			)
			current := tc.Initial
			return &Result{
				Status:     verdict.status,
				State:      &current,
				Run:        run,
				Reason:     verdict.reason,
				Rule:       verdict.rule,
				RetryAfter: verdict.retryAfter,
			}, nil
		}

		final := e.finalizeState(tc)
		updated := run.Clone()
		updated.ApplyState(final)
		for i := range verdict.effects {
			verdict.effects[i].AvailableAt = tc.Now
			verdict.effects[i].CreatedAt = tc.Now
		}

		err = e.runs.CommitTransition(ctx, repo.TransitionCommit{
			Run:             updated,
			ExpectedVersion: run.Version,
			Effects:         verdict.effects,
		})
		if errors.Is(err, repo.ErrVersionConflict) {
			telemetry.TransitionConflictsTotal.Inc()
			e.cleanup(ctx, policy, tc, verdict.ran)
			if attempt >= e.maxCommitRetries {
				logger.Warn("giving up after concurrent updates", "attempts", attempt)
				telemetry.TransitionsTotal.WithLabelValues(string(run.Kind), string(StatusReject)).Inc()
				return &Result{
					Status: StatusReject,
					Run:    run,
					State:  run.State,
					Reason: "concurrent update",
				}, nil
			}
			logger.Debug("version conflict, re-evaluating", "attempt", attempt)
			continue
		}
		if err != nil {
			e.cleanup(ctx, policy, tc, verdict.ran)
			return nil, fmt.Errorf("commit transition: %w", err)
		}

		telemetry.TransitionsTotal.WithLabelValues(string(run.Kind), string(StatusAccept)).Inc()
		logger.Info("transition accepted",
			"from", tc.Initial.Type,
			"to", final.Type,
			"state_name", final.Name,
			"version", updated.Version,
			"agent", params.AgentID,
		)
		e.notifyEffects(ctx, verdict.effects)

		return &Result{
			Status:  StatusAccept,
			State:   updated.State,
			Run:     updated,
			Reason:  verdict.reason,
			Effects: verdict.effects,
		}, nil
	}
}

// verdict — итог прохода по конвейеру.
type verdict struct {
	status     Status
	reason     string
	rule       string
	retryAfter time.Duration
	effects    []domain.SideEffect

	// ran — индексы правил, чьи Evaluate были вызваны и чей шаблон
	// совпадает с итоговым состоянием.
	ran []int
}

// evaluate прогоняет предложение через конвейер.
func (e *Engine) evaluate(ctx context.Context, policy Policy, tc *TransitionContext) (verdict, error) {
	var v verdict
	effects := make(map[int][]domain.SideEffect)

	for i, rule := range policy.Rules {
		if !rule.Matches(tc.Initial.Type, tc.Proposed.Type) {
			continue
		}
		out, err := rule.Evaluate(ctx, tc)
		v.ran = append(v.ran, i)
		if err != nil {
			e.cleanup(ctx, policy, tc, v.ran)
			return verdict{}, fmt.Errorf("rule %s: %w", rule.Name, err)
		}

		switch out.Kind {
		case OutcomeAccept:
			if len(out.Effects) > 0 {
				effects[i] = out.Effects
			}
		case OutcomeMutate:
			e.logger.Debug("proposed state mutated",
				"run_id", tc.Run.ID,
				"rule", rule.Name,
				"from", tc.Proposed.Type,
				"to", out.State.Type,
				"reason", out.Reason,
			)
			tc.mutate(*out.State)
			v.reason = out.Reason
		case OutcomeReject, OutcomeAbort:
			e.cleanup(ctx, policy, tc, v.ran)
			v.status = StatusReject
			if out.Kind == OutcomeAbort {
				v.status = StatusAbort
			}
			v.reason = out.Reason
			v.rule = rule.Name
			v.retryAfter = out.RetryAfter
			v.ran = nil
			return v, nil
		}
	}

	// Правила, чей шаблон больше не совпадает, откатываются,
	// их эффекты отбрасываются.
	var kept, stale []int
	for _, i := range v.ran {
		if policy.Rules[i].Matches(tc.Initial.Type, tc.Proposed.Type) {
			kept = append(kept, i)
		} else {
			stale = append(stale, i)
		}
	}
	e.cleanup(ctx, policy, tc, stale)

	v.status = StatusAccept
	v.ran = kept
	for _, i := range kept {
		v.effects = append(v.effects, effects[i]...)
	}
	return v, nil
}

// cleanup вызывает Cleanup правил в обратном порядке.
// Ошибки логируются: откат не должен маскировать исходный результат.
func (e *Engine) cleanup(ctx context.Context, policy Policy, tc *TransitionContext, ran []int) {
	for j := len(ran) - 1; j >= 0; j-- {
		rule := policy.Rules[ran[j]]
		if rule.Cleanup == nil {
			continue
		}
		if err := rule.Cleanup(ctx, tc); err != nil {
			e.logger.Error("rule cleanup failed",
				"run_id", tc.Run.ID,
				"rule", rule.Name,
				"error", err,
			)
		}
	}
}

// finalizeState выставляет время итогового состояния.
// История не должна идти назад во времени.
func (e *Engine) finalizeState(tc *TransitionContext) domain.State {
	s := tc.Proposed.Clone()
	if s.Timestamp.IsZero() {
		s.Timestamp = tc.Now
	}
	s.Timestamp = s.Timestamp.UTC()
	if s.Timestamp.Before(tc.Initial.Timestamp) {
		s.Timestamp = tc.Initial.Timestamp
	}
	if s.Name == "" {
		s.Name = domain.NewState(s.Type, "").Name
	}
	return s
}

func (e *Engine) notifyEffects(ctx context.Context, effects []domain.SideEffect) {
	if e.notifier == nil || len(effects) == 0 {
		return
	}
	if err := e.notifier.PublishEffectsPending(ctx); err != nil {
		// Effects worker подберёт записи опросом.
		e.logger.Warn("failed to publish effects notification", "error", err)
	}
}

// GetRun возвращает run по ID.
func (e *Engine) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	run, err := e.runs.GetRun(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns возвращает runs по фильтру.
func (e *Engine) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	runs, err := e.runs.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// History возвращает историю состояний run и проверяет её согласованность
// с текущим состоянием.
func (e *Engine) History(ctx context.Context, runID uuid.UUID) ([]domain.State, error) {
	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	states, err := e.runs.ListStates(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	if err := verifyHistory(run, states); err != nil {
		e.logger.Error("run history is inconsistent",
			"run_id", runID,
			"error", err,
		)
		return states, err
	}
	return states, nil
}

// VerifyRun проверяет, что текущее состояние run совпадает с последней
// записью истории.
func (e *Engine) VerifyRun(ctx context.Context, runID uuid.UUID) error {
	_, err := e.History(ctx, runID)
	return err
}

func verifyHistory(run *domain.Run, states []domain.State) error {
	if len(states) == 0 {
		return fmt.Errorf("%w: run %s has empty history", ErrInvariantViolation, run.ID)
	}
	if int64(len(states)) != run.Version {
		return fmt.Errorf("%w: run %s version %d, history length %d",
			ErrInvariantViolation, run.ID, run.Version, len(states))
	}
	last := states[len(states)-1]
	if run.State == nil || run.State.ID != last.ID || run.State.Type != last.Type {
		return fmt.Errorf("%w: run %s current state differs from last history entry",
			ErrInvariantViolation, run.ID)
	}
	for i := 1; i < len(states); i++ {
		if states[i].Timestamp.Before(states[i-1].Timestamp) {
			return fmt.Errorf("%w: run %s history goes back in time at position %d",
				ErrInvariantViolation, run.ID, i+1)
		}
	}
	return nil
}
