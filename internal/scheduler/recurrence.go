package scheduler

import (
	"fmt"
	"time"

	"github.com/shaiso/Conductor/internal/domain"
)

// Recurrence — правило повторения: следующий запуск не раньше t.
// ok == false, если запусков больше нет.
type Recurrence interface {
	Next(t time.Time) (next time.Time, ok bool)
}

// NewRecurrence строит Recurrence для расписания.
// createdAt используется как DTSTART для rrule без явного DTSTART.
func NewRecurrence(s domain.Schedule, createdAt time.Time) (Recurrence, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(s.Timezone())
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	switch s.Kind() {
	case domain.ScheduleInterval:
		return newIntervalRecurrence(*s.Interval, loc), nil
	case domain.ScheduleCron:
		return newCronRecurrence(s.Cron.Expr, loc)
	case domain.ScheduleRRule:
		return newRRuleRecurrence(s.RRule.Rule, createdAt, loc)
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", s.Kind())
	}
}

// Validate проверяет расписание, включая синтаксис cron и rrule.
func Validate(s domain.Schedule) error {
	_, err := NewRecurrence(s, time.Now())
	return err
}

// intervalRecurrence — запуски anchor + k*interval.
//
// Интервалы, кратные суткам, шагают календарными днями в часовом поясе
// расписания, поэтому время суток сохраняется при переходе на летнее время.
type intervalRecurrence struct {
	anchor   time.Time
	interval time.Duration
	days     int
}

func newIntervalRecurrence(s domain.IntervalSchedule, loc *time.Location) *intervalRecurrence {
	anchor := s.AnchorDate
	if anchor.IsZero() {
		anchor = domain.DefaultAnchorDate
	}
	r := &intervalRecurrence{
		anchor:   anchor.In(loc),
		interval: s.Interval(),
	}
	if r.interval%(24*time.Hour) == 0 {
		r.days = int(r.interval / (24 * time.Hour))
	}
	return r
}

func (r *intervalRecurrence) Next(t time.Time) (time.Time, bool) {
	if !t.After(r.anchor) {
		return r.anchor.UTC(), true
	}
	elapsed := t.Sub(r.anchor)
	k := int64(elapsed / r.interval)

	if r.days == 0 {
		next := r.anchor.Add(time.Duration(k) * r.interval)
		if next.Before(t) {
			next = next.Add(r.interval)
		}
		return next.UTC(), true
	}

	// Оценка по длительности может ошибиться на шаг из-за смены смещения.
	at := func(k int64) time.Time { return r.anchor.AddDate(0, 0, int(k)*r.days) }
	for k > 0 && !at(k).Before(t) {
		k--
	}
	for at(k).Before(t) {
		k++
	}
	return at(k).UTC(), true
}
