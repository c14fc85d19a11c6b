package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conductor/internal/domain"
)

const defaultListLimit = 200

// RunRepo — репозиторий для работы с runs и историей состояний.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

const runColumns = `
	id, kind, name, deployment_id, work_queue_id, parent_run_id, task_key, dynamic_key,
	tags, idempotency_key, policy, state, version, run_count,
	start_time, end_time, expected_start_time, created_at, updated_at`

// CreateRun создаёт run с первой записью истории.
//
// Идемпотентность обеспечивает уникальный индекс
// (kind, idempotency_scope, idempotency_key): при конфликте INSERT ничего
// не делает, и возвращается уже существующий run.
func (r *RunRepo) CreateRun(ctx context.Context, run *domain.Run, effects []domain.SideEffect) (*domain.Run, bool, error) {
	if run.State == nil {
		return nil, false, fmt.Errorf("create run: %w: initial state is required", ErrInvalidState)
	}

	policyJSON, err := json.Marshal(run.Policy)
	if err != nil {
		return nil, false, fmt.Errorf("marshal policy: %w", err)
	}
	stateJSON, err := json.Marshal(run.State)
	if err != nil {
		return nil, false, fmt.Errorf("marshal state: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO runs (id, kind, name, deployment_id, work_queue_id, parent_run_id, task_key,
		                  dynamic_key, tags, idempotency_scope, idempotency_key, policy, state,
		                  state_type, version, run_count, start_time, end_time,
		                  expected_start_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (kind, idempotency_scope, idempotency_key) WHERE idempotency_key IS NOT NULL
		DO NOTHING
	`
	tag, err := tx.Exec(ctx, query,
		run.ID,
		run.Kind,
		nullString(run.Name),
		run.DeploymentID,
		run.WorkQueueID,
		run.ParentRunID,
		nullString(run.TaskKey),
		nullString(run.DynamicKey),
		nonNilStrings(run.Tags),
		run.IdempotencyScope(),
		nullString(run.IdempotencyKey),
		policyJSON,
		stateJSON,
		run.State.Type,
		run.RunCount,
		run.StartTime,
		run.EndTime,
		run.ExpectedStartTime,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, fmt.Errorf("insert run: %w", ErrAlreadyExists)
		}
		return nil, false, fmt.Errorf("insert run: %w", err)
	}

	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		existing, err := r.getByIdempotencyKey(ctx, run.Kind, run.IdempotencyScope(), run.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("get existing run: %w", err)
		}
		return existing, false, nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO run_states (run_id, position, state) VALUES ($1, 1, $2)`,
		run.ID, stateJSON,
	); err != nil {
		return nil, false, fmt.Errorf("insert initial state: %w", err)
	}

	if err := insertEffects(ctx, tx, effects); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}

	stored := run.Clone()
	stored.Version = 1
	return stored, true, nil
}

// GetRun возвращает run по ID.
func (r *RunRepo) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

func (r *RunRepo) getByIdempotencyKey(ctx context.Context, kind domain.RunKind, scope uuid.UUID, key string) (*domain.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE kind = $1 AND idempotency_scope = $2 AND idempotency_key = $3
	`
	return scanRun(r.pool.QueryRow(ctx, query, kind, scope, key))
}

// ListRuns возвращает список runs с фильтрацией.
func (r *RunRepo) ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error) {
	order := "created_at DESC"
	if filter.Sort == SortExpectedStartAsc {
		order = "expected_start_time ASC NULLS LAST, created_at ASC"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE ($1::text IS NULL OR kind = $1)
		  AND ($2::uuid IS NULL OR deployment_id = $2)
		  AND ($3::uuid IS NULL OR work_queue_id = $3)
		  AND ($4::uuid IS NULL OR parent_run_id = $4)
		  AND ($5::text[] IS NULL OR state_type = ANY($5))
		  AND ($6::timestamptz IS NULL OR expected_start_time <= $6)
		ORDER BY ` + order + `
		LIMIT $7 OFFSET $8
	`
	rows, err := r.pool.Query(ctx, query,
		nullString(string(filter.Kind)),
		nullUUID(filter.DeploymentID),
		nullUUID(filter.WorkQueueID),
		nullUUID(filter.ParentRunID),
		stateTypeStrings(filter.StateTypes),
		filter.ScheduledBefore,
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListStates возвращает историю состояний run.
func (r *RunRepo) ListStates(ctx context.Context, runID uuid.UUID) ([]domain.State, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT state FROM run_states WHERE run_id = $1 ORDER BY position ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var states []domain.State
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		var s domain.State
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("unmarshal state: %w", err)
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(states) == 0 {
		if _, err := r.GetRun(ctx, runID); err != nil {
			return nil, err
		}
	}
	return states, nil
}

// CommitTransition применяет переход с оптимистичной блокировкой.
//
// В одной транзакции:
//  1. UPDATE runs ... WHERE version = ExpectedVersion
//  2. INSERT в run_states с position = ExpectedVersion + 1
//  3. INSERT эффектов в outbox
func (r *RunRepo) CommitTransition(ctx context.Context, c TransitionCommit) error {
	run := c.Run
	stateJSON, err := json.Marshal(run.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE runs
		SET state = $3, state_type = $4, version = version + 1, run_count = $5,
		    start_time = $6, end_time = $7, expected_start_time = $8, updated_at = $9
		WHERE id = $1 AND version = $2
	`
	tag, err := tx.Exec(ctx, query,
		run.ID,
		c.ExpectedVersion,
		stateJSON,
		run.State.Type,
		run.RunCount,
		run.StartTime,
		run.EndTime,
		run.ExpectedStartTime,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, run.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check run: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO run_states (run_id, position, state) VALUES ($1, $2, $3)`,
		run.ID, c.ExpectedVersion+1, stateJSON,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("append state: %w", err)
	}

	if err := insertEffects(ctx, tx, c.Effects); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	run.Version = c.ExpectedVersion + 1
	return nil
}

// --- Helpers ---

// scanRun сканирует одну строку в Run.
func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var name, taskKey, dynamicKey, idempotencyKey *string
	var policyJSON, stateJSON []byte

	err := row.Scan(
		&run.ID,
		&run.Kind,
		&name,
		&run.DeploymentID,
		&run.WorkQueueID,
		&run.ParentRunID,
		&taskKey,
		&dynamicKey,
		&run.Tags,
		&idempotencyKey,
		&policyJSON,
		&stateJSON,
		&run.Version,
		&run.RunCount,
		&run.StartTime,
		&run.EndTime,
		&run.ExpectedStartTime,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if err := json.Unmarshal(policyJSON, &run.Policy); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}
	var state domain.State
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	run.State = &state

	run.Name = deref(name)
	run.TaskKey = deref(taskKey)
	run.DynamicKey = deref(dynamicKey)
	run.IdempotencyKey = deref(idempotencyKey)

	return &run, nil
}

func stateTypeStrings(types []domain.StateType) []string {
	if len(types) == 0 {
		return nil
	}
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
