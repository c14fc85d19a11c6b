package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduleKind — вид правила повторения.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
	ScheduleRRule    ScheduleKind = "rrule"
)

// Schedule — правило повторения. Ровно одно из полей заполнено.
//
// Примеры:
//
//	{"interval": {"interval_sec": 3600, "anchor_date": "2020-01-01T00:00:00Z"}}
//	{"cron": {"expr": "0 9 * * *", "timezone": "Europe/Moscow"}}
//	{"rrule": {"rule": "FREQ=WEEKLY;BYDAY=MO,WE"}}
type Schedule struct {
	Interval *IntervalSchedule `json:"interval,omitempty"`
	Cron     *CronSchedule     `json:"cron,omitempty"`
	RRule    *RRuleSchedule    `json:"rrule,omitempty"`
}

// IntervalSchedule — запуск каждые IntervalSec секунд, начиная с AnchorDate.
type IntervalSchedule struct {
	IntervalSec int64 `json:"interval_sec"`

	// AnchorDate — точка отсчёта. Нулевое значение — 2020-01-01 UTC.
	AnchorDate time.Time `json:"anchor_date"`

	// Timezone — часовой пояс. Для интервалов, кратных суткам,
	// шаг считается в календарных днях этого пояса.
	Timezone string `json:"timezone,omitempty"`
}

// Interval возвращает интервал как time.Duration.
func (s IntervalSchedule) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

// CronSchedule — cron-выражение из пяти полей.
type CronSchedule struct {
	Expr     string `json:"expr"`
	Timezone string `json:"timezone,omitempty"`
}

// RRuleSchedule — правило RFC 5545 (может содержать DTSTART).
type RRuleSchedule struct {
	Rule     string `json:"rule"`
	Timezone string `json:"timezone,omitempty"`
}

// DefaultAnchorDate — точка отсчёта интервального расписания по умолчанию.
var DefaultAnchorDate = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Kind возвращает вид расписания.
func (s Schedule) Kind() ScheduleKind {
	switch {
	case s.Interval != nil:
		return ScheduleInterval
	case s.Cron != nil:
		return ScheduleCron
	case s.RRule != nil:
		return ScheduleRRule
	default:
		return ""
	}
}

// Timezone возвращает часовой пояс расписания ("UTC" по умолчанию).
func (s Schedule) Timezone() string {
	var tz string
	switch {
	case s.Interval != nil:
		tz = s.Interval.Timezone
	case s.Cron != nil:
		tz = s.Cron.Timezone
	case s.RRule != nil:
		tz = s.RRule.Timezone
	}
	if tz == "" {
		return "UTC"
	}
	return tz
}

// MaxIntervalSec — верхняя граница интервала (10 лет): больший интервал
// переполняет time.Duration.
const MaxIntervalSec int64 = 10 * 366 * 24 * 3600

// Validate проверяет, что заполнен ровно один вариант и он корректен.
// Синтаксис cron и rrule проверяет планировщик.
func (s Schedule) Validate() error {
	n := 0
	if s.Interval != nil {
		n++
	}
	if s.Cron != nil {
		n++
	}
	if s.RRule != nil {
		n++
	}
	if n != 1 {
		return errors.New("schedule must define exactly one of interval, cron, rrule")
	}

	if _, err := time.LoadLocation(s.Timezone()); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", s.Timezone(), err)
	}

	switch {
	case s.Interval != nil && s.Interval.IntervalSec <= 0:
		return errors.New("interval must be positive")
	case s.Interval != nil && s.Interval.IntervalSec > MaxIntervalSec:
		return fmt.Errorf("interval must not exceed %d seconds", MaxIntervalSec)
	case s.Cron != nil && s.Cron.Expr == "":
		return errors.New("cron expression is required")
	case s.RRule != nil && s.RRule.Rule == "":
		return errors.New("rrule is required")
	}
	return nil
}

// DeploymentSchedule — расписание, привязанное к deployment.
//
// Деактивация или удаление расписания не отзывает уже созданные runs.
type DeploymentSchedule struct {
	ID           uuid.UUID `json:"id"`
	DeploymentID uuid.UUID `json:"deployment_id"`
	Schedule     Schedule  `json:"schedule"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ScheduledRunKey возвращает ключ идемпотентности run, созданного
// расписанием на момент occurrence.
func ScheduledRunKey(deploymentID, scheduleID uuid.UUID, occurrence time.Time) string {
	return fmt.Sprintf("scheduled %s %s %s", deploymentID, scheduleID, occurrence.UTC().Format(time.RFC3339))
}
