package orchestration

import (
	"errors"
	"fmt"

	"github.com/shaiso/Conductor/internal/repo"
)

// Ошибки движка.
//
// Reject, Abort и исчерпание слотов — не ошибки: это Result со статусом.
var (
	// ErrRunNotFound — run не существует.
	ErrRunNotFound = fmt.Errorf("run %w", repo.ErrNotFound)

	// ErrInvariantViolation — история run разошлась с текущим состоянием.
	// Данные не исправляются автоматически.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrInvalidProposal — предложено некорректное состояние.
	ErrInvalidProposal = fmt.Errorf("invalid proposed state: %w", repo.ErrInvalidState)
)
