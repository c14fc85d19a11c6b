package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conductor/internal/domain"
)

// ConcurrencyRepo — репозиторий лимитов конкурентности.
type ConcurrencyRepo struct {
	pool *pgxpool.Pool
}

// NewConcurrencyRepo создаёт новый ConcurrencyRepo.
func NewConcurrencyRepo(pool *pgxpool.Pool) *ConcurrencyRepo {
	return &ConcurrencyRepo{pool: pool}
}

const limitColumns = `
	id, key, "limit", active_slots, slot_decay_per_second, decayed_occupancy,
	decay_updated_at, created_at, updated_at`

// CreateLimit создаёт новый лимит. Дубликат ключа — ErrAlreadyExists.
func (r *ConcurrencyRepo) CreateLimit(ctx context.Context, l *domain.ConcurrencyLimit) error {
	query := `
		INSERT INTO concurrency_limits (id, key, "limit", active_slots, slot_decay_per_second,
		                                decayed_occupancy, decay_updated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.pool.Exec(ctx, query,
		l.ID,
		l.Key,
		l.Limit,
		nonNilUUIDs(l.ActiveSlots),
		l.SlotDecayPerSecond,
		l.DecayedOccupancy,
		l.DecayUpdatedAt,
		l.CreatedAt,
		l.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert concurrency limit: %w", err)
	}
	return nil
}

// UpsertLimit создаёт лимит или обновляет его ёмкость, не трогая слоты.
func (r *ConcurrencyRepo) UpsertLimit(ctx context.Context, l *domain.ConcurrencyLimit) (*domain.ConcurrencyLimit, error) {
	query := `
		INSERT INTO concurrency_limits (id, key, "limit", active_slots, slot_decay_per_second,
		                                decayed_occupancy, decay_updated_at, created_at, updated_at)
		VALUES ($1, $2, $3, '{}', $4, 0, NULL, $5, $5)
		ON CONFLICT (key) DO UPDATE
		SET "limit" = EXCLUDED."limit",
		    slot_decay_per_second = EXCLUDED.slot_decay_per_second,
		    updated_at = EXCLUDED.updated_at
		RETURNING ` + limitColumns
	return scanLimit(r.pool.QueryRow(ctx, query,
		l.ID,
		l.Key,
		l.Limit,
		l.SlotDecayPerSecond,
		l.UpdatedAt,
	))
}

// GetLimit возвращает лимит по ключу.
func (r *ConcurrencyRepo) GetLimit(ctx context.Context, key string) (*domain.ConcurrencyLimit, error) {
	query := `SELECT ` + limitColumns + ` FROM concurrency_limits WHERE key = $1`
	return scanLimit(r.pool.QueryRow(ctx, query, key))
}

// GetLimitByID возвращает лимит по ID.
func (r *ConcurrencyRepo) GetLimitByID(ctx context.Context, id uuid.UUID) (*domain.ConcurrencyLimit, error) {
	query := `SELECT ` + limitColumns + ` FROM concurrency_limits WHERE id = $1`
	return scanLimit(r.pool.QueryRow(ctx, query, id))
}

// ListLimits возвращает лимиты, отсортированные по ключу.
func (r *ConcurrencyRepo) ListLimits(ctx context.Context, limit, offset int) ([]domain.ConcurrencyLimit, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + limitColumns + ` FROM concurrency_limits ORDER BY key LIMIT $1 OFFSET $2`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list concurrency limits: %w", err)
	}
	defer rows.Close()

	var limits []domain.ConcurrencyLimit
	for rows.Next() {
		l, err := scanLimit(rows)
		if err != nil {
			return nil, err
		}
		limits = append(limits, *l)
	}
	return limits, rows.Err()
}

// DeleteLimit удаляет лимит по ключу.
func (r *ConcurrencyRepo) DeleteLimit(ctx context.Context, key string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM concurrency_limits WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete concurrency limit: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLimits выполняет read-modify-write набора лимитов под блокировкой строк.
//
// Строки блокируются SELECT ... FOR UPDATE в порядке ключа, поэтому
// конкурирующие транзакции с пересекающимися наборами не взаимоблокируются.
func (r *ConcurrencyRepo) UpdateLimits(ctx context.Context, keys []string, fn func([]*domain.ConcurrencyLimit) (bool, error)) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT ` + limitColumns + `
		FROM concurrency_limits
		WHERE key = ANY($1)
		ORDER BY key
		FOR UPDATE
	`
	rows, err := tx.Query(ctx, query, sorted)
	if err != nil {
		return fmt.Errorf("lock concurrency limits: %w", err)
	}
	var limits []*domain.ConcurrencyLimit
	for rows.Next() {
		l, err := scanLimit(rows)
		if err != nil {
			rows.Close()
			return err
		}
		limits = append(limits, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("lock concurrency limits: %w", err)
	}

	changed, err := fn(limits)
	if err != nil {
		return err
	}
	if !changed {
		return tx.Commit(ctx)
	}

	for _, l := range limits {
		_, err := tx.Exec(ctx, `
			UPDATE concurrency_limits
			SET active_slots = $2, decayed_occupancy = $3, decay_updated_at = $4, updated_at = $5
			WHERE id = $1
		`, l.ID, nonNilUUIDs(l.ActiveSlots), l.DecayedOccupancy, l.DecayUpdatedAt, l.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update concurrency limit %s: %w", l.Key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- Helpers ---

func scanLimit(row pgx.Row) (*domain.ConcurrencyLimit, error) {
	var l domain.ConcurrencyLimit
	err := row.Scan(
		&l.ID,
		&l.Key,
		&l.Limit,
		&l.ActiveSlots,
		&l.SlotDecayPerSecond,
		&l.DecayedOccupancy,
		&l.DecayUpdatedAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan concurrency limit: %w", err)
	}
	return &l, nil
}

func nonNilUUIDs(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
