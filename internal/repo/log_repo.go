package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conductor/internal/domain"
)

// maxQueryParameters — предел числа параметров одного запроса Postgres.
const maxQueryParameters = 32767

var logInsertColumns = []string{"id", "name", "level", "message", "run_id", "timestamp", "created_at"}

// LogBatchSize — сколько строк лога помещается в один INSERT.
var LogBatchSize = maxQueryParameters / len(logInsertColumns)

// LogRepo — репозиторий журнала runs.
type LogRepo struct {
	pool *pgxpool.Pool
}

// NewLogRepo создаёт новый LogRepo.
func NewLogRepo(pool *pgxpool.Pool) *LogRepo {
	return &LogRepo{pool: pool}
}

// CreateLogs вставляет строки пачками по LogBatchSize в одной транзакции.
func (r *LogRepo) CreateLogs(ctx context.Context, logs []domain.Log) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, batch := range SplitLogBatches(logs, LogBatchSize) {
		query, args := insertLogsQuery(batch)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert logs: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit logs: %w", err)
	}
	return nil
}

// SplitLogBatches режет logs на пачки не длиннее size.
func SplitLogBatches(logs []domain.Log, size int) [][]domain.Log {
	if size <= 0 {
		size = LogBatchSize
	}
	var batches [][]domain.Log
	for len(logs) > size {
		batches = append(batches, logs[:size:size])
		logs = logs[size:]
	}
	if len(logs) > 0 {
		batches = append(batches, logs)
	}
	return batches
}

func insertLogsQuery(batch []domain.Log) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO logs (")
	sb.WriteString(strings.Join(logInsertColumns, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(batch)*len(logInsertColumns))
	for i, l := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := range logInsertColumns {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+c+1)
		}
		sb.WriteByte(')')
		args = append(args, l.ID, l.Name, l.Level, l.Message, nullUUID(l.RunID), l.Timestamp, l.CreatedAt)
	}
	return sb.String(), args
}

// ReadLogs возвращает строки журнала по фильтру.
func (r *LogRepo) ReadLogs(ctx context.Context, filter LogFilter) ([]domain.Log, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(filter.RunIDs) > 0 {
		where = append(where, "run_id = ANY("+arg(filter.RunIDs)+")")
	}
	if filter.MinLevel > 0 {
		where = append(where, "level >= "+arg(filter.MinLevel))
	}
	if filter.After != nil {
		where = append(where, "timestamp >= "+arg(*filter.After))
	}
	if filter.Before != nil {
		where = append(where, "timestamp <= "+arg(*filter.Before))
	}

	query := `SELECT id, name, level, message, run_id, timestamp, created_at FROM logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Sort == LogSortTimestampDesc {
		query += " ORDER BY timestamp DESC, id"
	} else {
		query += " ORDER BY timestamp ASC, id"
	}
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Log, error) {
		var l domain.Log
		err := row.Scan(&l.ID, &l.Name, &l.Level, &l.Message, &l.RunID, &l.Timestamp, &l.CreatedAt)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan logs: %w", err)
	}
	return logs, nil
}
