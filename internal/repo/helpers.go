package repo

import "github.com/google/uuid"

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullUUID возвращает nil для пустого UUID.
func nullUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}

// deref возвращает значение строки или "" для NULL.
func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// nonNilStrings заменяет nil на пустой срез (колонки TEXT[] NOT NULL).
func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
