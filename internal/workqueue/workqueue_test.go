package workqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/concurrency"
	"github.com/shaiso/Conductor/internal/domain"
	"github.com/shaiso/Conductor/internal/memstore"
	"github.com/shaiso/Conductor/internal/repo"
	"github.com/shaiso/Conductor/internal/settings"
)

type fixture struct {
	store    *memstore.Store
	limits   *concurrency.Manager
	settings *settings.Cache
	tracker  *Tracker
	service  *Service
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memstore.New(),
		now:   time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.store.Now = clock
	f.limits = concurrency.New(concurrency.Config{Store: f.store, Now: clock})
	f.settings = settings.New(settings.Config{Store: f.store, Now: clock})
	f.tracker = NewTracker(TrackerConfig{
		Queues:      f.store,
		Deployments: f.store,
		Settings:    f.settings,
		StaleAfter:  time.Minute,
		Now:         clock,
	})
	f.service = NewService(ServiceConfig{
		Queues:  f.store,
		Runs:    f.store,
		Limits:  f.limits,
		Tracker: f.tracker,
		Agents:  f.store,
		Now:     clock,
	})
	return f
}

func (f *fixture) createQueue(t *testing.T, name string, limit *int) *domain.WorkQueue {
	t.Helper()
	q, err := f.service.Create(context.Background(), CreateParams{Name: name, ConcurrencyLimit: limit})
	if err != nil {
		t.Fatalf("Create(%s): %v", name, err)
	}
	return q
}

func (f *fixture) createDeployment(t *testing.T, queueID uuid.UUID) *domain.Deployment {
	t.Helper()
	d := &domain.Deployment{
		ID:          uuid.New(),
		Name:        "dep-" + queueID.String(),
		WorkQueueID: &queueID,
		Status:      domain.DeploymentNotReady,
		CreatedAt:   f.now,
		UpdatedAt:   f.now,
	}
	if err := f.store.CreateDeployment(context.Background(), d); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
	return d
}

func (f *fixture) scheduleRun(t *testing.T, queueID uuid.UUID, at time.Time) *domain.Run {
	t.Helper()
	s := domain.Scheduled(at)
	s.Timestamp = f.now
	run := &domain.Run{
		ID:          uuid.New(),
		Kind:        domain.RunKindFlow,
		WorkQueueID: &queueID,
		CreatedAt:   f.now,
	}
	run.ApplyState(s)
	stored, _, err := f.store.CreateRun(context.Background(), run, nil)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return stored
}

func intPtr(v int) *int { return &v }

// --- Tracker Tests ---

func TestTracker_PollMakesReadyAndGoesStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.createQueue(t, "default", nil)
	d := f.createDeployment(t, q.ID)

	if err := f.tracker.RecordPoll(ctx, q.ID, f.now, true); err != nil {
		t.Fatalf("RecordPoll: %v", err)
	}
	got, _ := f.tracker.Status(ctx, q.ID)
	if got.Status != domain.WorkQueueReady {
		t.Fatalf("status after poll = %s, want READY", got.Status)
	}
	if st, _ := f.tracker.DeploymentStatus(ctx, d.ID); st != domain.DeploymentReady {
		t.Errorf("deployment status = %s, want READY", st)
	}

	f.now = f.now.Add(2 * time.Minute)
	got, _ = f.tracker.Status(ctx, q.ID)
	if got.Status != domain.WorkQueueNotReady {
		t.Errorf("status after staleness = %s, want NOT_READY", got.Status)
	}
	if st, _ := f.tracker.DeploymentStatus(ctx, d.ID); st != domain.DeploymentNotReady {
		t.Errorf("deployment status after staleness = %s, want NOT_READY", st)
	}

	n, err := f.tracker.SweepStale(ctx)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d queues, want 1", n)
	}
	stored, _ := f.store.GetWorkQueue(ctx, q.ID)
	if stored.Status != domain.WorkQueueNotReady {
		t.Errorf("persisted status = %s, want NOT_READY", stored.Status)
	}
}

func TestTracker_PollWithoutRunsKeepsNotReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.createQueue(t, "idle", nil)

	_ = f.tracker.RecordPoll(ctx, q.ID, f.now, false)
	got, _ := f.tracker.Status(ctx, q.ID)
	if got.Status != domain.WorkQueueNotReady {
		t.Errorf("status = %s, want NOT_READY", got.Status)
	}
	if got.LastPolled == nil || !got.LastPolled.Equal(f.now) {
		t.Errorf("last_polled = %v, want %v", got.LastPolled, f.now)
	}
}

func TestTracker_OutOfOrderPolls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.createQueue(t, "racy", nil)

	late := f.now
	early := f.now.Add(-30 * time.Second)
	_ = f.tracker.RecordPoll(ctx, q.ID, late, true)
	_ = f.tracker.RecordPoll(ctx, q.ID, early, true)

	got, _ := f.tracker.Status(ctx, q.ID)
	if !got.LastPolled.Equal(late) {
		t.Errorf("last_polled = %v, want %v", got.LastPolled, late)
	}
}

func TestTracker_MarkReadyBulk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createQueue(t, "a", nil)
	b := f.createQueue(t, "b", nil)
	c := f.createQueue(t, "c", nil)
	da := f.createDeployment(t, a.ID)
	dc := f.createDeployment(t, c.ID)
	if _, err := f.tracker.Pause(ctx, c.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	changed, err := f.tracker.MarkReady(ctx, []uuid.UUID{a.ID, b.ID, c.ID, a.ID})
	if err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	if len(changed) != 2 {
		t.Errorf("changed = %d queues, want 2", len(changed))
	}

	tests := []struct {
		id   uuid.UUID
		want domain.WorkQueueStatus
	}{
		{a.ID, domain.WorkQueueReady},
		{b.ID, domain.WorkQueueReady},
		{c.ID, domain.WorkQueuePaused},
	}
	for _, tt := range tests {
		got, _ := f.tracker.Status(ctx, tt.id)
		if got.Status != tt.want {
			t.Errorf("queue %s: status = %s, want %s", got.Name, got.Status, tt.want)
		}
	}

	if st, _ := f.tracker.DeploymentStatus(ctx, da.ID); st != domain.DeploymentReady {
		t.Errorf("deployment of ready queue = %s, want READY", st)
	}
	if st, _ := f.tracker.DeploymentStatus(ctx, dc.ID); st != domain.DeploymentNotReady {
		t.Errorf("deployment of paused queue = %s, want NOT_READY", st)
	}

	again, _ := f.tracker.MarkReady(ctx, []uuid.UUID{a.ID})
	if len(again) != 0 {
		t.Errorf("second MarkReady changed %d queues, want 0", len(again))
	}
}

func TestTracker_UnpauseReturnsToNotReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.createQueue(t, "ops", nil)
	_ = f.tracker.RecordPoll(ctx, q.ID, f.now, true)

	_, _ = f.tracker.Pause(ctx, q.ID)
	got, err := f.tracker.Unpause(ctx, q.ID)
	if err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	if got.IsPaused || got.Status != domain.WorkQueueNotReady {
		t.Errorf("after unpause: paused=%v status=%s, want false NOT_READY", got.IsPaused, got.Status)
	}
}

func TestTracker_StaleAfterFromSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.createQueue(t, "tuned", nil)
	_ = f.tracker.RecordPoll(ctx, q.ID, f.now, true)

	if _, err := f.settings.Write(ctx, settings.KeyStaleAfterSeconds, map[string]any{"value": 600}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.now = f.now.Add(5 * time.Minute)

	got, _ := f.tracker.Status(ctx, q.ID)
	if got.Status != domain.WorkQueueReady {
		t.Errorf("status = %s, want READY under 10m threshold", got.Status)
	}
}

// --- Service Tests ---

func TestService_DuplicateName(t *testing.T) {
	f := newFixture(t)
	f.createQueue(t, "default", nil)

	_, err := f.service.Create(context.Background(), CreateParams{Name: "default"})
	if !errors.Is(err, repo.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestService_ConcurrencyLimitSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.createQueue(t, "limited", intPtr(2))

	l, err := f.limits.Get(ctx, domain.WorkQueueLimitKey(q.ID))
	if err != nil {
		t.Fatalf("limit not created: %v", err)
	}
	if l.Limit != 2 {
		t.Errorf("limit = %d, want 2", l.Limit)
	}

	if _, err := f.service.Update(ctx, q.ID, UpdateParams{ConcurrencyLimit: intPtr(5)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	l, _ = f.limits.Get(ctx, domain.WorkQueueLimitKey(q.ID))
	if l.Limit != 5 {
		t.Errorf("limit after update = %d, want 5", l.Limit)
	}

	if _, err := f.service.Update(ctx, q.ID, UpdateParams{ClearConcurrencyLimit: true}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := f.limits.Get(ctx, domain.WorkQueueLimitKey(q.ID)); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("limit should be removed, got %v", err)
	}
}

func TestService_GetRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.createQueue(t, "work", intPtr(2))

	third := f.scheduleRun(t, q.ID, f.now.Add(-1*time.Minute))
	first := f.scheduleRun(t, q.ID, f.now.Add(-3*time.Minute))
	second := f.scheduleRun(t, q.ID, f.now.Add(-2*time.Minute))
	f.scheduleRun(t, q.ID, f.now.Add(time.Hour))

	runs, err := f.service.GetRuns(ctx, q.ID, GetRunsParams{Limit: 10})
	if err != nil {
		t.Fatalf("GetRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2 (capped by open slots)", len(runs))
	}
	if runs[0].ID != first.ID || runs[1].ID != second.ID {
		t.Errorf("runs not ordered by expected start")
	}
	_ = third

	got, _ := f.service.Get(ctx, q.ID)
	if got.Status != domain.WorkQueueReady {
		t.Errorf("status after poll = %s, want READY", got.Status)
	}
}

func TestService_GetRunsFullQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.createQueue(t, "full", intPtr(1))
	f.scheduleRun(t, q.ID, f.now.Add(-time.Minute))

	if g, _ := f.limits.Acquire(ctx, []string{domain.WorkQueueLimitKey(q.ID)}, uuid.New()); !g.Granted {
		t.Fatal("setup acquire should be granted")
	}

	runs, _ := f.service.GetRuns(ctx, q.ID, GetRunsParams{})
	if len(runs) != 0 {
		t.Errorf("full queue returned %d runs, want 0", len(runs))
	}
	got, _ := f.service.Get(ctx, q.ID)
	if got.Status != domain.WorkQueueNotReady {
		t.Errorf("status = %s, want NOT_READY", got.Status)
	}
	if got.LastPolled == nil {
		t.Error("poll should still be recorded")
	}
}

func TestService_GetRunsPausedAndUI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.createQueue(t, "ui", nil)
	f.scheduleRun(t, q.ID, f.now.Add(-time.Minute))

	runs, _ := f.service.GetRuns(ctx, q.ID, GetRunsParams{FromUI: true})
	if len(runs) != 1 {
		t.Errorf("UI read returned %d runs, want 1", len(runs))
	}
	got, _ := f.service.Get(ctx, q.ID)
	if got.LastPolled != nil {
		t.Error("UI read should not record a poll")
	}

	_, _ = f.tracker.Pause(ctx, q.ID)
	runs, _ = f.service.GetRuns(ctx, q.ID, GetRunsParams{})
	if len(runs) != 0 {
		t.Errorf("paused queue returned %d runs, want 0", len(runs))
	}
}

func TestService_GetRunsRecordsAgentPoll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.createQueue(t, "agents", nil)
	agent := uuid.New()

	if _, err := f.service.GetRuns(ctx, q.ID, GetRunsParams{FromUI: true, AgentID: &agent}); err != nil {
		t.Fatalf("GetRuns: %v", err)
	}
	if agents, _ := f.service.Agents(ctx, q.ID); len(agents) != 0 {
		t.Fatalf("UI read recorded agent: %+v", agents)
	}

	if _, err := f.service.GetRuns(ctx, q.ID, GetRunsParams{AgentID: &agent}); err != nil {
		t.Fatalf("GetRuns: %v", err)
	}
	f.now = f.now.Add(10 * time.Second)
	if _, err := f.service.GetRuns(ctx, q.ID, GetRunsParams{AgentID: &agent}); err != nil {
		t.Fatalf("GetRuns: %v", err)
	}

	agents, err := f.service.Agents(ctx, q.ID)
	if err != nil {
		t.Fatalf("Agents: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != agent {
		t.Fatalf("agents = %+v, want only %s", agents, agent)
	}
	if !agents[0].LastActivityTime.Equal(f.now) {
		t.Errorf("last activity = %v, want %v", agents[0].LastActivityTime, f.now)
	}

	if _, err := f.service.Agents(ctx, uuid.New()); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("unknown queue: expected ErrNotFound, got %v", err)
	}
}

func TestService_StatusDetail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.createQueue(t, "health", nil)

	detail, err := f.service.StatusDetail(ctx, q.ID)
	if err != nil {
		t.Fatalf("StatusDetail: %v", err)
	}
	if detail.Healthy {
		t.Error("never polled queue should not be healthy")
	}

	_ = f.tracker.RecordPoll(ctx, q.ID, f.now, true)
	detail, _ = f.service.StatusDetail(ctx, q.ID)
	if !detail.Healthy || detail.Status != domain.WorkQueueReady {
		t.Errorf("polled empty queue: healthy=%v status=%s, want true READY", detail.Healthy, detail.Status)
	}

	f.scheduleRun(t, q.ID, f.now.Add(-time.Minute))
	detail, _ = f.service.StatusDetail(ctx, q.ID)
	if detail.Healthy || detail.LateRuns != 1 {
		t.Errorf("late run: healthy=%v late=%d, want false 1", detail.Healthy, detail.LateRuns)
	}
}

func TestService_DeleteRemovesLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.createQueue(t, "gone", intPtr(3))

	if err := f.service.Delete(ctx, q.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.service.Get(ctx, q.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.limits.Get(ctx, domain.WorkQueueLimitKey(q.ID)); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("limit should be removed, got %v", err)
	}
}
