package domain

import (
	"time"

	"github.com/google/uuid"
)

// NotificationPolicy — правило отправки уведомлений о смене состояния run.
type NotificationPolicy struct {
	ID       uuid.UUID `json:"id"`
	IsActive bool      `json:"is_active"`

	// StateNames — имена состояний, о которых уведомлять. Пусто — о любых.
	StateNames []string `json:"state_names,omitempty"`

	// Tags — теги run. Пусто — любые run.
	Tags []string `json:"tags,omitempty"`

	// Target — адрес доставки (интерпретирует внешний диспетчер).
	Target string `json:"target"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Matches проверяет, подпадает ли смена состояния run под политику.
func (p *NotificationPolicy) Matches(run *Run, stateName string) bool {
	if !p.IsActive {
		return false
	}
	if len(p.StateNames) > 0 && !contains(p.StateNames, stateName) {
		return false
	}
	if len(p.Tags) == 0 {
		return true
	}
	for _, t := range p.Tags {
		if run.HasTag(t) {
			return true
		}
	}
	return false
}

// NotificationRecord — уведомление, переданное диспетчеру.
type NotificationRecord struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	PolicyID  uuid.UUID `json:"policy_id"`
	Target    string    `json:"target"`
	StateType StateType `json:"state_type"`
	StateName string    `json:"state_name"`
	Timestamp time.Time `json:"timestamp"`
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
