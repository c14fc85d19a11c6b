package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conductor/internal/domain"
)

// ConfigurationRepo — репозиторий именованных настроек.
type ConfigurationRepo struct {
	pool *pgxpool.Pool
}

// NewConfigurationRepo создаёт новый ConfigurationRepo.
func NewConfigurationRepo(pool *pgxpool.Pool) *ConfigurationRepo {
	return &ConfigurationRepo{pool: pool}
}

// ReadConfiguration возвращает настройку по ключу.
func (r *ConfigurationRepo) ReadConfiguration(ctx context.Context, key string) (*domain.Configuration, error) {
	var c domain.Configuration
	var raw []byte
	err := r.pool.QueryRow(ctx, `
		SELECT key, value, created_at, updated_at FROM configuration WHERE key = $1
	`, key).Scan(&c.Key, &raw, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}
	if err := json.Unmarshal(raw, &c.Value); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	return &c, nil
}

// WriteConfiguration создаёт или перезаписывает настройку.
func (r *ConfigurationRepo) WriteConfiguration(ctx context.Context, c *domain.Configuration) error {
	raw, err := json.Marshal(c.Value)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO configuration (key, value, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, c.Key, raw, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("write configuration: %w", err)
	}
	return nil
}
