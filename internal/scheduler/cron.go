package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser — парсер cron-выражений (5 полей и дескрипторы вида @daily).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronRecurrence — запуски по cron-выражению в часовом поясе расписания.
type cronRecurrence struct {
	schedule cron.Schedule
	loc      *time.Location
}

func newCronRecurrence(expr string, loc *time.Location) (*cronRecurrence, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return &cronRecurrence{schedule: schedule, loc: loc}, nil
}

// Next возвращает первое срабатывание не раньше t.
// cron.Schedule.Next ищет строго после аргумента, поэтому сдвигаем на 1ns назад.
func (r *cronRecurrence) Next(t time.Time) (time.Time, bool) {
	next := r.schedule.Next(t.In(r.loc).Add(-time.Nanosecond))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next.UTC(), true
}
