package concurrency

import (
	"errors"
	"fmt"

	"github.com/shaiso/Conductor/internal/repo"
)

// Ошибки менеджера слотов.
// Исчерпание ёмкости — не ошибка, а Grant с Granted == false.
var (
	// ErrLimitNotFound — лимит с таким ключом не существует.
	ErrLimitNotFound = fmt.Errorf("concurrency limit %w", repo.ErrNotFound)

	// ErrInvalidSlotOverride — принудительный набор слотов больше лимита.
	ErrInvalidSlotOverride = fmt.Errorf("slot override exceeds limit: %w", repo.ErrInvalidState)

	// ErrInvalidLimit — отрицательный лимит или скорость затухания.
	ErrInvalidLimit = fmt.Errorf("limit and decay must be non-negative: %w", repo.ErrInvalidState)
)

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
