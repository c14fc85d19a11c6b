package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Уровни логов совпадают с числовыми уровнями logging в агентах.
const (
	LogLevelDebug    = 10
	LogLevelInfo     = 20
	LogLevelWarning  = 30
	LogLevelError    = 40
	LogLevelCritical = 50
)

// Log — строка журнала, присланная агентом во время выполнения run.
type Log struct {
	ID uuid.UUID `json:"id"`

	// Name — имя логгера на стороне агента.
	Name    string `json:"name"`
	Level   int    `json:"level"`
	Message string `json:"message"`

	// RunID — run, к которому относится строка (может отсутствовать).
	RunID *uuid.UUID `json:"run_id,omitempty"`

	// Timestamp — время записи на стороне агента.
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate проверяет строку журнала перед сохранением.
func (l *Log) Validate() error {
	switch {
	case strings.TrimSpace(l.Name) == "":
		return errors.New("log name is required")
	case l.Level < 0:
		return errors.New("log level must be non-negative")
	case l.Timestamp.IsZero():
		return errors.New("log timestamp is required")
	}
	return nil
}

// Agent — процесс, который опрашивает work queue.
type Agent struct {
	ID          uuid.UUID `json:"id"`
	WorkQueueID uuid.UUID `json:"work_queue_id"`

	// LastActivityTime — время последнего опроса очереди.
	LastActivityTime time.Time `json:"last_activity_time"`
	CreatedAt        time.Time `json:"created_at"`
}
