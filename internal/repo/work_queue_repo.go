package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conductor/internal/domain"
)

// WorkQueueRepo — репозиторий work queues.
type WorkQueueRepo struct {
	pool *pgxpool.Pool
}

// NewWorkQueueRepo создаёт новый WorkQueueRepo.
func NewWorkQueueRepo(pool *pgxpool.Pool) *WorkQueueRepo {
	return &WorkQueueRepo{pool: pool}
}

const workQueueColumns = `
	id, name, description, concurrency_limit, priority, is_paused, status,
	last_polled, created_at, updated_at`

// CreateWorkQueue создаёт очередь. Дубликат имени — ErrAlreadyExists.
func (r *WorkQueueRepo) CreateWorkQueue(ctx context.Context, q *domain.WorkQueue) error {
	query := `
		INSERT INTO work_queues (id, name, description, concurrency_limit, priority,
		                         is_paused, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.pool.Exec(ctx, query,
		q.ID,
		q.Name,
		nullString(q.Description),
		q.ConcurrencyLimit,
		q.Priority,
		q.IsPaused,
		q.Status,
		q.CreatedAt,
		q.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert work queue: %w", err)
	}
	return nil
}

// GetWorkQueue возвращает очередь по ID.
func (r *WorkQueueRepo) GetWorkQueue(ctx context.Context, id uuid.UUID) (*domain.WorkQueue, error) {
	query := `SELECT ` + workQueueColumns + ` FROM work_queues WHERE id = $1`
	return scanWorkQueue(r.pool.QueryRow(ctx, query, id))
}

// GetWorkQueueByName возвращает очередь по имени.
func (r *WorkQueueRepo) GetWorkQueueByName(ctx context.Context, name string) (*domain.WorkQueue, error) {
	query := `SELECT ` + workQueueColumns + ` FROM work_queues WHERE name = $1`
	return scanWorkQueue(r.pool.QueryRow(ctx, query, name))
}

// ListWorkQueues возвращает очереди по приоритету.
func (r *WorkQueueRepo) ListWorkQueues(ctx context.Context, filter WorkQueueFilter) ([]domain.WorkQueue, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT ` + workQueueColumns + `
		FROM work_queues
		WHERE ($1::text IS NULL OR name LIKE $1 || '%')
		ORDER BY priority ASC, name ASC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.pool.Query(ctx, query, nullString(filter.NamePrefix), limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list work queues: %w", err)
	}
	defer rows.Close()

	var queues []domain.WorkQueue
	for rows.Next() {
		q, err := scanWorkQueue(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, *q)
	}
	return queues, rows.Err()
}

// UpdateWorkQueue обновляет изменяемые клиентом поля очереди.
func (r *WorkQueueRepo) UpdateWorkQueue(ctx context.Context, q *domain.WorkQueue) error {
	query := `
		UPDATE work_queues
		SET description = $2, concurrency_limit = $3, priority = $4, updated_at = $5
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		q.ID,
		nullString(q.Description),
		q.ConcurrencyLimit,
		q.Priority,
		q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update work queue: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWorkQueue удаляет очередь.
func (r *WorkQueueRepo) DeleteWorkQueue(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM work_queues WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete work queue: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordPoll сдвигает last_polled вперёд. Опоздавший опрос не откатывает значение.
func (r *WorkQueueRepo) RecordPoll(ctx context.Context, id uuid.UUID, polledAt time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE work_queues
		SET last_polled = GREATEST(COALESCE(last_polled, $2), $2)
		WHERE id = $1
	`, id, polledAt)
	if err != nil {
		return fmt.Errorf("record poll: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetWorkQueueStatus выставляет статус набору очередей одним запросом.
func (r *WorkQueueRepo) SetWorkQueueStatus(ctx context.Context, ids []uuid.UUID, status domain.WorkQueueStatus, polledAt *time.Time) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		WITH target AS (
			SELECT id, status <> $2 AS changed
			FROM work_queues
			WHERE id = ANY($1) AND NOT is_paused
			FOR UPDATE
		)
		UPDATE work_queues q
		SET status = $2,
		    last_polled = CASE WHEN $3::timestamptz IS NULL THEN q.last_polled
		                       ELSE GREATEST(COALESCE(q.last_polled, $3), $3) END,
		    updated_at = NOW()
		FROM target t
		WHERE q.id = t.id
		RETURNING q.id, t.changed
	`, ids, status, polledAt)
	if err != nil {
		return nil, fmt.Errorf("set work queue status: %w", err)
	}
	defer rows.Close()

	var changed []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		var didChange bool
		if err := rows.Scan(&id, &didChange); err != nil {
			return nil, fmt.Errorf("scan work queue id: %w", err)
		}
		if didChange {
			changed = append(changed, id)
		}
	}
	return changed, rows.Err()
}

// SetWorkQueuePaused ставит очередь на паузу или снимает с неё.
func (r *WorkQueueRepo) SetWorkQueuePaused(ctx context.Context, id uuid.UUID, paused bool) (*domain.WorkQueue, error) {
	status := domain.WorkQueueNotReady
	if paused {
		status = domain.WorkQueuePaused
	}
	query := `
		UPDATE work_queues
		SET is_paused = $2, status = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + workQueueColumns
	return scanWorkQueue(r.pool.QueryRow(ctx, query, id, paused, status))
}

// ListStaleReady возвращает READY очереди, не опрашивавшиеся с before.
func (r *WorkQueueRepo) ListStaleReady(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM work_queues
		WHERE status = 'READY' AND NOT is_paused
		  AND (last_polled IS NULL OR last_polled < $1)
	`, before)
	if err != nil {
		return nil, fmt.Errorf("list stale work queues: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan work queue id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Helpers ---

func scanWorkQueue(row pgx.Row) (*domain.WorkQueue, error) {
	var q domain.WorkQueue
	var description *string
	var status string

	err := row.Scan(
		&q.ID,
		&q.Name,
		&description,
		&q.ConcurrencyLimit,
		&q.Priority,
		&q.IsPaused,
		&status,
		&q.LastPolled,
		&q.CreatedAt,
		&q.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan work queue: %w", err)
	}
	q.Description = deref(description)
	q.Status = domain.ParseWorkQueueStatus(status)
	return &q, nil
}
