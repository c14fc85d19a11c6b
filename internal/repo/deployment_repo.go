package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conductor/internal/domain"
)

// DeploymentRepo — репозиторий deployments и расписаний.
type DeploymentRepo struct {
	pool *pgxpool.Pool
}

// NewDeploymentRepo создаёт новый DeploymentRepo.
func NewDeploymentRepo(pool *pgxpool.Pool) *DeploymentRepo {
	return &DeploymentRepo{pool: pool}
}

const deploymentColumns = `
	id, name, work_queue_id, tags, policy, is_paused, status, last_polled, created_at, updated_at`

// CreateDeployment создаёт deployment. Дубликат имени — ErrAlreadyExists.
func (r *DeploymentRepo) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	policyJSON, err := json.Marshal(d.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}

	query := `
		INSERT INTO deployments (id, name, work_queue_id, tags, policy, is_paused, status,
		                         created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.pool.Exec(ctx, query,
		d.ID,
		d.Name,
		d.WorkQueueID,
		nonNilStrings(d.Tags),
		policyJSON,
		d.IsPaused,
		d.Status,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

// GetDeployment возвращает deployment по ID.
func (r *DeploymentRepo) GetDeployment(ctx context.Context, id uuid.UUID) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return scanDeployment(r.pool.QueryRow(ctx, query, id))
}

// ListDeployments возвращает deployments по имени.
func (r *DeploymentRepo) ListDeployments(ctx context.Context, limit, offset int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments ORDER BY name LIMIT $1 OFFSET $2`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// UpdateDeployment обновляет deployment.
func (r *DeploymentRepo) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	policyJSON, err := json.Marshal(d.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	result, err := r.pool.Exec(ctx, `
		UPDATE deployments
		SET work_queue_id = $2, tags = $3, policy = $4, is_paused = $5, updated_at = $6
		WHERE id = $1
	`, d.ID, d.WorkQueueID, nonNilStrings(d.Tags), policyJSON, d.IsPaused, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDeployment удаляет deployment вместе с расписаниями.
func (r *DeploymentRepo) DeleteDeployment(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM deployments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete deployment: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDeploymentStatusByQueues обновляет deployments указанных очередей одним запросом.
func (r *DeploymentRepo) SetDeploymentStatusByQueues(ctx context.Context, queueIDs []uuid.UUID, status domain.DeploymentStatus, polledAt *time.Time) error {
	if len(queueIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE deployments
		SET status = $2,
		    last_polled = CASE WHEN $3::timestamptz IS NULL THEN last_polled
		                       ELSE GREATEST(COALESCE(last_polled, $3), $3) END,
		    updated_at = NOW()
		WHERE work_queue_id = ANY($1)
		  AND ($2 <> 'READY' OR work_queue_id IN (SELECT id FROM work_queues WHERE NOT is_paused))
	`, queueIDs, status, polledAt)
	if err != nil {
		return fmt.Errorf("set deployment status: %w", err)
	}
	return nil
}

const scheduleColumns = `id, deployment_id, schedule, active, created_at, updated_at`

// CreateSchedule создаёт расписание deployment.
func (r *DeploymentRepo) CreateSchedule(ctx context.Context, s *domain.DeploymentSchedule) error {
	scheduleJSON, err := json.Marshal(s.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO deployment_schedules (id, deployment_id, schedule, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, s.DeploymentID, scheduleJSON, s.Active, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetSchedule возвращает расписание по ID.
func (r *DeploymentRepo) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.DeploymentSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM deployment_schedules WHERE id = $1`
	return scanSchedule(r.pool.QueryRow(ctx, query, id))
}

// ListSchedules возвращает расписания deployment.
func (r *DeploymentRepo) ListSchedules(ctx context.Context, deploymentID uuid.UUID) ([]domain.DeploymentSchedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM deployment_schedules
		WHERE deployment_id = $1
		ORDER BY created_at
	`
	return r.querySchedules(ctx, query, deploymentID)
}

// ListActiveSchedules возвращает активные расписания deployments не на паузе.
func (r *DeploymentRepo) ListActiveSchedules(ctx context.Context) ([]domain.DeploymentSchedule, error) {
	query := `
		SELECT s.id, s.deployment_id, s.schedule, s.active, s.created_at, s.updated_at
		FROM deployment_schedules s
		JOIN deployments d ON d.id = s.deployment_id
		WHERE s.active AND NOT d.is_paused
		ORDER BY s.created_at
	`
	return r.querySchedules(ctx, query)
}

// UpdateSchedule обновляет расписание.
func (r *DeploymentRepo) UpdateSchedule(ctx context.Context, s *domain.DeploymentSchedule) error {
	scheduleJSON, err := json.Marshal(s.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	result, err := r.pool.Exec(ctx, `
		UPDATE deployment_schedules
		SET schedule = $2, active = $3, updated_at = $4
		WHERE id = $1
	`, s.ID, scheduleJSON, s.Active, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSchedule удаляет расписание. Созданные им runs остаются.
func (r *DeploymentRepo) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM deployment_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

func (r *DeploymentRepo) querySchedules(ctx context.Context, query string, args ...any) ([]domain.DeploymentSchedule, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []domain.DeploymentSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *s)
	}
	return schedules, rows.Err()
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var policyJSON []byte
	var status string

	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.WorkQueueID,
		&d.Tags,
		&policyJSON,
		&d.IsPaused,
		&status,
		&d.LastPolled,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan deployment: %w", err)
	}
	if err := json.Unmarshal(policyJSON, &d.Policy); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}
	d.Status = domain.DeploymentStatus(status)
	return &d, nil
}

func scanSchedule(row pgx.Row) (*domain.DeploymentSchedule, error) {
	var s domain.DeploymentSchedule
	var scheduleJSON []byte

	err := row.Scan(&s.ID, &s.DeploymentID, &scheduleJSON, &s.Active, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	if err := json.Unmarshal(scheduleJSON, &s.Schedule); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	return &s, nil
}
