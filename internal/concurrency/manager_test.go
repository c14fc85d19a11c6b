package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/memstore"
	"github.com/shaiso/Conductor/internal/repo"
)

func newManager(t *testing.T, now *time.Time) *Manager {
	t.Helper()
	return New(Config{
		Store: memstore.New(),
		Now:   func() time.Time { return *now },
	})
}

// --- Hard cap ---

func TestManager_GPUScenario(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newManager(t, &now)
	ctx := context.Background()

	if _, err := m.Create(ctx, "gpu", 2, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	for _, id := range []uuid.UUID{a, b} {
		g, err := m.Acquire(ctx, []string{"gpu"}, id)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if !g.Granted {
			t.Fatalf("expected grant for %s: %s", id, g.Reason)
		}
	}

	g, _ := m.Acquire(ctx, []string{"gpu"}, c)
	if g.Granted {
		t.Fatal("third acquire should be rejected")
	}
	if g.Never {
		t.Error("capacity exhaustion should not be Never")
	}
	if g.Reason == "" {
		t.Error("rejection should carry a reason")
	}

	if err := m.Release(ctx, []string{"gpu"}, a); err != nil {
		t.Fatalf("Release: %v", err)
	}

	g, _ = m.Acquire(ctx, []string{"gpu"}, c)
	if !g.Granted {
		t.Fatalf("acquire after release should be granted: %s", g.Reason)
	}
}

func TestManager_AllOrNothing(t *testing.T) {
	now := time.Now()
	m := newManager(t, &now)
	ctx := context.Background()

	_, _ = m.Create(ctx, "a", 5, 0)
	_, _ = m.Create(ctx, "b", 1, 0)

	holder := uuid.New()
	if g, _ := m.Acquire(ctx, []string{"b"}, holder); !g.Granted {
		t.Fatal("holder should acquire b")
	}

	runID := uuid.New()
	g, _ := m.Acquire(ctx, []string{"a", "b"}, runID)
	if g.Granted {
		t.Fatal("acquire across a,b should fail because b is full")
	}

	la, _ := m.Get(ctx, "a")
	if la.HasSlot(runID) {
		t.Error("a must not hold a slot after failed multi-key acquire")
	}
}

func TestManager_IdempotentAcquireAndRelease(t *testing.T) {
	now := time.Now()
	m := newManager(t, &now)
	ctx := context.Background()
	_, _ = m.Create(ctx, "db", 1, 0)

	id := uuid.New()
	for i := 0; i < 3; i++ {
		g, _ := m.Acquire(ctx, []string{"db"}, id)
		if !g.Granted {
			t.Fatalf("repeat acquire %d should be granted", i)
		}
		wantNew := 0
		if i == 0 {
			wantNew = 1
		}
		if len(g.Acquired) != wantNew {
			t.Errorf("acquire %d: newly acquired = %v, want %d keys", i, g.Acquired, wantNew)
		}
	}
	l, _ := m.Get(ctx, "db")
	if len(l.ActiveSlots) != 1 {
		t.Errorf("active slots = %d, want 1", len(l.ActiveSlots))
	}

	_ = m.Release(ctx, []string{"db"}, id)
	if err := m.Release(ctx, []string{"db"}, id); err != nil {
		t.Errorf("second release should be a no-op, got %v", err)
	}
}

func TestManager_UnknownKeysIgnored(t *testing.T) {
	now := time.Now()
	m := newManager(t, &now)

	g, err := m.Acquire(context.Background(), []string{"no-such-tag"}, uuid.New())
	if err != nil || !g.Granted {
		t.Errorf("keys without limits should be granted, got %+v, %v", g, err)
	}
}

func TestManager_ZeroLimitIsNever(t *testing.T) {
	now := time.Now()
	m := newManager(t, &now)
	ctx := context.Background()
	_, _ = m.Create(ctx, "frozen", 0, 0)

	g, _ := m.Acquire(ctx, []string{"frozen"}, uuid.New())
	if g.Granted || !g.Never {
		t.Errorf("expected Never grant, got %+v", g)
	}
}

func TestManager_ConcurrentAcquireNeverExceedsLimit(t *testing.T) {
	now := time.Now()
	m := newManager(t, &now)
	ctx := context.Background()

	const limit = 3
	const callers = 20
	_, _ = m.Create(ctx, "shared", limit, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := m.Acquire(ctx, []string{"shared"}, uuid.New())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			if g.Granted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != limit {
		t.Errorf("granted = %d, want %d", granted, limit)
	}
	l, _ := m.Get(ctx, "shared")
	if len(l.ActiveSlots) > limit {
		t.Errorf("active slots %d exceed limit %d", len(l.ActiveSlots), limit)
	}
}

// --- Decay ---

func TestManager_DecayLimit(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newManager(t, &now)
	ctx := context.Background()
	_, _ = m.Create(ctx, "api", 1, 1)

	if g, _ := m.Acquire(ctx, []string{"api"}, uuid.New()); !g.Granted {
		t.Fatal("first acquire should be granted")
	}

	g, _ := m.Acquire(ctx, []string{"api"}, uuid.New())
	if g.Granted {
		t.Fatal("bucket should be empty")
	}
	if g.RetryAfter != time.Second {
		t.Errorf("retry after = %v, want 1s", g.RetryAfter)
	}

	now = now.Add(time.Second)
	if g, _ := m.Acquire(ctx, []string{"api"}, uuid.New()); !g.Granted {
		t.Errorf("token should refill after 1s: %s", g.Reason)
	}
}

func TestManager_RefundDecayToken(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newManager(t, &now)
	ctx := context.Background()
	_, _ = m.Create(ctx, "api", 1, 0.001)
	_, _ = m.Create(ctx, "db", 1, 0)

	a := uuid.New()
	g, _ := m.Acquire(ctx, []string{"api", "db"}, a)
	if !g.Granted {
		t.Fatalf("acquire: %s", g.Reason)
	}
	if len(g.Consumed) != 1 || g.Consumed[0] != "api" {
		t.Errorf("consumed = %v, want [api]", g.Consumed)
	}
	if len(g.Acquired) != 1 || g.Acquired[0] != "db" {
		t.Errorf("acquired = %v, want [db]", g.Acquired)
	}

	if err := m.Refund(ctx, g.Consumed, a); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if err := m.Release(ctx, g.Acquired, a); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if g, _ := m.Acquire(ctx, []string{"api"}, uuid.New()); !g.Granted {
		t.Errorf("refunded token should be available: %s", g.Reason)
	}

	// Возврат не уводит занятость ниже нуля.
	for i := 0; i < 3; i++ {
		_ = m.Refund(ctx, []string{"api"}, a)
	}
	l, _ := m.Get(ctx, "api")
	if occ := l.Occupancy(now); occ != 0 {
		t.Errorf("occupancy after extra refunds = %v, want 0", occ)
	}
}

// --- Reset ---

func TestManager_Reset(t *testing.T) {
	now := time.Now()
	m := newManager(t, &now)
	ctx := context.Background()
	_, _ = m.Create(ctx, "gpu", 2, 0)
	_, _ = m.Acquire(ctx, []string{"gpu"}, uuid.New())
	_, _ = m.Acquire(ctx, []string{"gpu"}, uuid.New())

	l, err := m.Reset(ctx, "gpu", nil)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(l.ActiveSlots) != 0 {
		t.Errorf("active slots after reset = %d", len(l.ActiveSlots))
	}

	keep := uuid.New()
	l, _ = m.Reset(ctx, "gpu", []uuid.UUID{keep})
	if !l.HasSlot(keep) {
		t.Error("override should set holders")
	}

	_, err = m.Reset(ctx, "gpu", []uuid.UUID{uuid.New(), uuid.New(), uuid.New()})
	if !errors.Is(err, ErrInvalidSlotOverride) {
		t.Errorf("expected ErrInvalidSlotOverride, got %v", err)
	}

	_, err = m.Reset(ctx, "missing", nil)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestManager_CreateValidation(t *testing.T) {
	now := time.Now()
	m := newManager(t, &now)
	ctx := context.Background()

	if _, err := m.Create(ctx, "x", -1, 0); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("expected ErrInvalidLimit, got %v", err)
	}
	_, _ = m.Create(ctx, "x", 1, 0)
	if _, err := m.Create(ctx, "x", 1, 0); !errors.Is(err, repo.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestManager_UpsertKeepsHolders(t *testing.T) {
	now := time.Now()
	m := newManager(t, &now)
	ctx := context.Background()

	_, _ = m.Upsert(ctx, "q", 1, 0)
	id := uuid.New()
	_, _ = m.Acquire(ctx, []string{"q"}, id)

	l, err := m.Upsert(ctx, "q", 5, 0)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if l.Limit != 5 || !l.HasSlot(id) {
		t.Errorf("upsert should update capacity and keep holders: %+v", l)
	}

	open, ok, _ := m.OpenSlots(ctx, "q")
	if !ok || open != 4 {
		t.Errorf("open slots = %d, %v; want 4, true", open, ok)
	}
}
