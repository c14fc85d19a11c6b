package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// ConcurrencyLimit — ограничение числа одновременно занятых слотов по ключу.
//
// Ключ — тег run или "work_queue:<id>".
// Два режима:
//   - жёсткий лимит (SlotDecayPerSecond == 0): ActiveSlots хранит держателей,
//     |ActiveSlots| <= Limit;
//   - затухающий лимит (SlotDecayPerSecond > 0): занятость убывает со временем,
//     освобождение не требуется.
type ConcurrencyLimit struct {
	// ID — уникальный идентификатор лимита.
	ID uuid.UUID `json:"id"`

	// Key — тег или ключ work queue.
	Key string `json:"key"`

	// Limit — максимальное число слотов. 0 — запуск запрещён.
	Limit int `json:"limit"`

	// ActiveSlots — run, держащие слот (только для жёсткого лимита).
	ActiveSlots []uuid.UUID `json:"active_slots"`

	// SlotDecayPerSecond — скорость освобождения слотов.
	SlotDecayPerSecond float64 `json:"slot_decay_per_second,omitempty"`

	// DecayedOccupancy — занятость на момент DecayUpdatedAt.
	DecayedOccupancy float64 `json:"decayed_occupancy,omitempty"`

	// DecayUpdatedAt — момент последнего пересчёта DecayedOccupancy.
	DecayUpdatedAt *time.Time `json:"decay_updated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsDecaying возвращает true для лимита с затуханием.
func (l *ConcurrencyLimit) IsDecaying() bool {
	return l.SlotDecayPerSecond > 0
}

// HasSlot проверяет, держит ли run слот.
func (l *ConcurrencyLimit) HasSlot(runID uuid.UUID) bool {
	for _, id := range l.ActiveSlots {
		if id == runID {
			return true
		}
	}
	return false
}

// Occupancy возвращает занятость лимита на момент now.
func (l *ConcurrencyLimit) Occupancy(now time.Time) float64 {
	if !l.IsDecaying() {
		return float64(len(l.ActiveSlots))
	}
	occ := l.DecayedOccupancy
	if l.DecayUpdatedAt != nil {
		elapsed := now.Sub(*l.DecayUpdatedAt).Seconds()
		if elapsed > 0 {
			occ -= l.SlotDecayPerSecond * elapsed
		}
	}
	return math.Max(0, occ)
}

// OpenSlots возвращает число свободных слотов на момент now.
func (l *ConcurrencyLimit) OpenSlots(now time.Time) int {
	open := l.Limit - int(math.Ceil(l.Occupancy(now)))
	if open < 0 {
		return 0
	}
	return open
}

// CanAcquire проверяет, может ли run занять слот.
// Для затухающего лимита возвращает время, через которое слот освободится.
// Для жёсткого лимита подсказка не вычисляется (retryAfter == 0).
func (l *ConcurrencyLimit) CanAcquire(runID uuid.UUID, now time.Time) (ok bool, retryAfter time.Duration) {
	if l.Limit <= 0 {
		return false, 0
	}
	if !l.IsDecaying() {
		if l.HasSlot(runID) {
			return true, 0
		}
		return len(l.ActiveSlots) < l.Limit, 0
	}

	occ := l.Occupancy(now)
	if occ+1 <= float64(l.Limit) {
		return true, 0
	}
	wait := (occ + 1 - float64(l.Limit)) / l.SlotDecayPerSecond
	return false, time.Duration(math.Ceil(wait * float64(time.Second)))
}

// Acquire занимает слот. Вызывающий обязан сначала проверить CanAcquire.
func (l *ConcurrencyLimit) Acquire(runID uuid.UUID, now time.Time) {
	if !l.IsDecaying() {
		if !l.HasSlot(runID) {
			l.ActiveSlots = append(l.ActiveSlots, runID)
		}
	} else {
		l.DecayedOccupancy = l.Occupancy(now) + 1
		t := now
		l.DecayUpdatedAt = &t
	}
	l.UpdatedAt = now
}

// Release освобождает слот run. Для затухающего лимита ничего не делает.
// Возвращает true, если набор держателей изменился.
func (l *ConcurrencyLimit) Release(runID uuid.UUID, now time.Time) bool {
	if l.IsDecaying() {
		return false
	}
	for i, id := range l.ActiveSlots {
		if id == runID {
			l.ActiveSlots = append(l.ActiveSlots[:i], l.ActiveSlots[i+1:]...)
			l.UpdatedAt = now
			return true
		}
	}
	return false
}

// Refund возвращает затухающему лимиту токен, взятый Acquire.
// Для жёсткого лимита ничего не делает.
func (l *ConcurrencyLimit) Refund(now time.Time) bool {
	if !l.IsDecaying() {
		return false
	}
	l.DecayedOccupancy = math.Max(0, l.Occupancy(now)-1)
	t := now
	l.DecayUpdatedAt = &t
	l.UpdatedAt = now
	return true
}

// Clone возвращает копию лимита.
func (l *ConcurrencyLimit) Clone() *ConcurrencyLimit {
	out := *l
	out.ActiveSlots = append([]uuid.UUID(nil), l.ActiveSlots...)
	if l.DecayUpdatedAt != nil {
		t := *l.DecayUpdatedAt
		out.DecayUpdatedAt = &t
	}
	return &out
}
