package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conductor/internal/domain"
)

// EffectRepo — outbox побочных эффектов.
type EffectRepo struct {
	pool *pgxpool.Pool
}

// NewEffectRepo создаёт новый EffectRepo.
func NewEffectRepo(pool *pgxpool.Pool) *EffectRepo {
	return &EffectRepo{pool: pool}
}

const effectColumns = `
	id, kind, run_id, limit_keys, work_queue_id, state_type, state_name,
	status, attempts, last_error, available_at, created_at`

// insertEffects сохраняет эффекты в транзакции коммита перехода.
func insertEffects(ctx context.Context, tx pgx.Tx, effects []domain.SideEffect) error {
	if len(effects) == 0 {
		return nil
	}
	now := time.Now().UTC()

	batch := &pgx.Batch{}
	for _, e := range effects {
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		availableAt := e.AvailableAt
		if availableAt.IsZero() {
			availableAt = createdAt
		}
		batch.Queue(`
			INSERT INTO side_effects (id, kind, run_id, limit_keys, work_queue_id, state_type,
			                          state_name, status, attempts, available_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING', 0, $8, $9)
		`,
			e.ID,
			e.Kind,
			e.RunID,
			nonNilStrings(e.LimitKeys),
			e.WorkQueueID,
			nullString(string(e.StateType)),
			nullString(e.StateName),
			availableAt,
			createdAt,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for range effects {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert side effect: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("insert side effects: %w", err)
	}
	return nil
}

// ClaimEffects захватывает готовые эффекты.
//
// FOR UPDATE SKIP LOCKED позволяет нескольким воркерам разбирать outbox
// параллельно; lease скрывает захваченные записи до истечения срока.
func (r *EffectRepo) ClaimEffects(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.SideEffect, error) {
	query := `
		UPDATE side_effects
		SET available_at = $2, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM side_effects
			WHERE status = 'PENDING' AND available_at <= $1
			ORDER BY available_at, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + effectColumns
	rows, err := r.pool.Query(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim side effects: %w", err)
	}
	defer rows.Close()

	var effects []domain.SideEffect
	for rows.Next() {
		e, err := scanEffect(rows)
		if err != nil {
			return nil, err
		}
		effects = append(effects, *e)
	}
	return effects, rows.Err()
}

// CompleteEffect помечает эффект выполненным.
func (r *EffectRepo) CompleteEffect(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, domain.EffectDone, nil, "")
}

// RetryEffect откладывает эффект до availableAt.
func (r *EffectRepo) RetryEffect(ctx context.Context, id uuid.UUID, availableAt time.Time, lastErr string) error {
	return r.setStatus(ctx, id, domain.EffectPending, &availableAt, lastErr)
}

// DeadLetterEffect переводит эффект в DEAD.
func (r *EffectRepo) DeadLetterEffect(ctx context.Context, id uuid.UUID, lastErr string) error {
	return r.setStatus(ctx, id, domain.EffectDead, nil, lastErr)
}

// ListEffects возвращает эффекты по фильтру.
func (r *EffectRepo) ListEffects(ctx context.Context, filter EffectFilter) ([]domain.SideEffect, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT ` + effectColumns + `
		FROM side_effects
		WHERE ($1::uuid IS NULL OR run_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, nullUUID(filter.RunID), nullString(string(filter.Status)), limit)
	if err != nil {
		return nil, fmt.Errorf("list side effects: %w", err)
	}
	defer rows.Close()

	var effects []domain.SideEffect
	for rows.Next() {
		e, err := scanEffect(rows)
		if err != nil {
			return nil, err
		}
		effects = append(effects, *e)
	}
	return effects, rows.Err()
}

// --- Helpers ---

func (r *EffectRepo) setStatus(ctx context.Context, id uuid.UUID, status domain.SideEffectStatus, availableAt *time.Time, lastErr string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE side_effects
		SET status = $2, available_at = COALESCE($3, available_at), last_error = $4
		WHERE id = $1
	`, id, status, availableAt, nullString(lastErr))
	if err != nil {
		return fmt.Errorf("update side effect: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEffect(row pgx.Row) (*domain.SideEffect, error) {
	var e domain.SideEffect
	var stateType, stateName, lastErr *string

	err := row.Scan(
		&e.ID,
		&e.Kind,
		&e.RunID,
		&e.LimitKeys,
		&e.WorkQueueID,
		&stateType,
		&stateName,
		&e.Status,
		&e.Attempts,
		&lastErr,
		&e.AvailableAt,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan side effect: %w", err)
	}
	e.StateType = domain.StateType(deref(stateType))
	e.StateName = deref(stateName)
	e.LastError = deref(lastErr)
	return &e, nil
}
