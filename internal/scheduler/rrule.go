package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// rruleRecurrence — запуски по правилу RFC 5545.
type rruleRecurrence struct {
	set *rrule.Set
}

// newRRuleRecurrence разбирает правило. Если в нём нет DTSTART,
// отсчёт идёт от dtstart.
func newRRuleRecurrence(rule string, dtstart time.Time, loc *time.Location) (*rruleRecurrence, error) {
	text := normalizeRRule(rule)
	set, err := rrule.StrSliceToRRuleSetInLoc(rruleLines(text), loc)
	if err != nil {
		return nil, fmt.Errorf("parse rrule %q: %w", rule, err)
	}
	if !strings.Contains(strings.ToUpper(text), "DTSTART") {
		set.DTStart(dtstart.In(loc))
	}
	return &rruleRecurrence{set: set}, nil
}

// normalizeRRule добавляет префикс RRULE: к однострочному правилу без имени свойства.
func normalizeRRule(rule string) string {
	rule = strings.TrimSpace(rule)
	if !strings.Contains(rule, ":") {
		return "RRULE:" + rule
	}
	return rule
}

// rruleLines режет правило на свойства, отбрасывая пустые строки.
func rruleLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func (r *rruleRecurrence) Next(t time.Time) (time.Time, bool) {
	next := r.set.After(t, true)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next.UTC(), true
}
