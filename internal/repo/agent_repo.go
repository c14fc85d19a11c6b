package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conductor/internal/domain"
)

// AgentRepo — репозиторий агентов.
type AgentRepo struct {
	pool *pgxpool.Pool
}

// NewAgentRepo создаёт новый AgentRepo.
func NewAgentRepo(pool *pgxpool.Pool) *AgentRepo {
	return &AgentRepo{pool: pool}
}

// RecordAgentPoll фиксирует опрос очереди агентом.
func (r *AgentRepo) RecordAgentPoll(ctx context.Context, agentID, workQueueID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO agents (id, work_queue_id, last_activity_time, created_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE
		SET work_queue_id = EXCLUDED.work_queue_id,
		    last_activity_time = GREATEST(agents.last_activity_time, EXCLUDED.last_activity_time)
	`, agentID, workQueueID, at)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("record agent poll: %w", err)
	}
	return nil
}

// ListAgents возвращает агентов очереди, недавно активные первыми.
func (r *AgentRepo) ListAgents(ctx context.Context, workQueueID uuid.UUID) ([]domain.Agent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, work_queue_id, last_activity_time, created_at
		FROM agents
		WHERE work_queue_id = $1
		ORDER BY last_activity_time DESC
	`, workQueueID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.WorkQueueID, &a.LastActivityTime, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}
