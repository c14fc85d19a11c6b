package domain

import "time"

// Configuration — именованное значение настройки, хранящееся в БД.
type Configuration struct {
	Key       string         `json:"key"`
	Value     map[string]any `json:"value"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
