package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conductor/internal/domain"
)

// NotificationRepo — репозиторий политик уведомлений.
type NotificationRepo struct {
	pool *pgxpool.Pool
}

// NewNotificationRepo создаёт новый NotificationRepo.
func NewNotificationRepo(pool *pgxpool.Pool) *NotificationRepo {
	return &NotificationRepo{pool: pool}
}

const policyColumns = `id, is_active, state_names, tags, target, created_at, updated_at`

// CreatePolicy создаёт политику.
func (r *NotificationRepo) CreatePolicy(ctx context.Context, p *domain.NotificationPolicy) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notification_policies (id, is_active, state_names, tags, target, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.IsActive, nonNilStrings(p.StateNames), nonNilStrings(p.Tags), p.Target, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert notification policy: %w", err)
	}
	return nil
}

// GetPolicy возвращает политику по ID.
func (r *NotificationRepo) GetPolicy(ctx context.Context, id uuid.UUID) (*domain.NotificationPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM notification_policies WHERE id = $1`
	return scanPolicy(r.pool.QueryRow(ctx, query, id))
}

// ListPolicies возвращает политики (только активные, если activeOnly).
func (r *NotificationRepo) ListPolicies(ctx context.Context, activeOnly bool) ([]domain.NotificationPolicy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM notification_policies
		WHERE (NOT $1 OR is_active)
		ORDER BY created_at
	`
	rows, err := r.pool.Query(ctx, query, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list notification policies: %w", err)
	}
	defer rows.Close()

	var policies []domain.NotificationPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *p)
	}
	return policies, rows.Err()
}

// UpdatePolicy обновляет политику.
func (r *NotificationRepo) UpdatePolicy(ctx context.Context, p *domain.NotificationPolicy) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE notification_policies
		SET is_active = $2, state_names = $3, tags = $4, target = $5, updated_at = $6
		WHERE id = $1
	`, p.ID, p.IsActive, nonNilStrings(p.StateNames), nonNilStrings(p.Tags), p.Target, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update notification policy: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePolicy удаляет политику.
func (r *NotificationRepo) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM notification_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notification policy: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPolicy(row pgx.Row) (*domain.NotificationPolicy, error) {
	var p domain.NotificationPolicy
	err := row.Scan(&p.ID, &p.IsActive, &p.StateNames, &p.Tags, &p.Target, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan notification policy: %w", err)
	}
	return &p, nil
}
