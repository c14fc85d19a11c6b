package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

// --- StateType Tests ---

func TestStateType_Phase(t *testing.T) {
	tests := []struct {
		typ   StateType
		phase StatePhase
	}{
		{StateScheduled, PhasePending},
		{StatePending, PhasePending},
		{StatePaused, PhasePending},
		{StateRunning, PhaseRunning},
		{StateCancelling, PhaseRunning},
		{StateCompleted, PhaseTerminal},
		{StateFailed, PhaseTerminal},
		{StateCancelled, PhaseTerminal},
		{StateCrashed, PhaseTerminal},
	}

	for _, tt := range tests {
		if got := tt.typ.Phase(); got != tt.phase {
			t.Errorf("%s.Phase() = %s, want %s", tt.typ, got, tt.phase)
		}
	}
}

func TestStateType_EveryTypeHasOnePhase(t *testing.T) {
	terminal := 0
	for _, typ := range AllStateTypes {
		if !typ.IsValid() {
			t.Errorf("%s should be valid", typ)
		}
		if typ.IsTerminal() {
			terminal++
		}
	}
	if terminal != len(TerminalStateTypes()) {
		t.Errorf("terminal count = %d, want %d", terminal, len(TerminalStateTypes()))
	}
	if StateType("BOGUS").IsValid() {
		t.Error("unknown type should be invalid")
	}
}

// --- State Tests ---

func TestAwaitingRetry(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := AwaitingRetry(at, 2, "retrying")

	if s.Type != StateScheduled {
		t.Errorf("expected SCHEDULED, got %s", s.Type)
	}
	if s.Name != "AwaitingRetry" {
		t.Errorf("expected AwaitingRetry name, got %s", s.Name)
	}
	got, ok := s.ScheduledAt()
	if !ok || !got.Equal(at) {
		t.Errorf("ScheduledAt = %v, %v", got, ok)
	}
	if s.Details.RetryAttempt != 2 {
		t.Errorf("expected attempt 2, got %d", s.Details.RetryAttempt)
	}
}

func TestState_CloneIsDeep(t *testing.T) {
	s := Scheduled(time.Now())
	s.Data = map[string]any{"k": 1}

	c := s.Clone()
	*c.Details.ScheduledTime = c.Details.ScheduledTime.Add(time.Hour)
	c.Data["k"] = 2

	if s.Details.ScheduledTime.Equal(*c.Details.ScheduledTime) {
		t.Error("clone should not share ScheduledTime")
	}
	if s.Data["k"] != 1 {
		t.Error("clone should not share Data")
	}
}

// --- Run Tests ---

func TestRun_ApplyState(t *testing.T) {
	run := &Run{ID: uuid.New(), Kind: RunKindFlow}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	sched := Scheduled(t0.Add(time.Hour))
	sched.Timestamp = t0
	run.ApplyState(sched)
	if run.ExpectedStartTime == nil || !run.ExpectedStartTime.Equal(t0.Add(time.Hour)) {
		t.Errorf("ExpectedStartTime = %v", run.ExpectedStartTime)
	}

	running := Running()
	running.Timestamp = t0.Add(2 * time.Hour)
	run.ApplyState(running)
	run.ApplyState(running)
	if run.RunCount != 2 {
		t.Errorf("RunCount = %d, want 2", run.RunCount)
	}
	if run.StartTime == nil || !run.StartTime.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("StartTime = %v", run.StartTime)
	}

	done := Completed()
	done.Timestamp = t0.Add(3 * time.Hour)
	run.ApplyState(done)
	if !run.IsFinished() {
		t.Error("run should be finished")
	}
	if run.EndTime == nil {
		t.Error("EndTime should be set")
	}
}

func TestRun_LimitKeys(t *testing.T) {
	q := uuid.New()
	run := &Run{Tags: []string{"gpu", "db", "gpu"}, WorkQueueID: &q}

	keys := run.LimitKeys()
	want := []string{"db", "gpu", WorkQueueLimitKey(q)}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
}

func TestRun_IdempotencyScope(t *testing.T) {
	dep := uuid.New()
	parent := uuid.New()

	flow := &Run{Kind: RunKindFlow, DeploymentID: &dep}
	if flow.IdempotencyScope() != dep {
		t.Error("flow scope should be deployment")
	}

	task := &Run{Kind: RunKindTask, ParentRunID: &parent, DeploymentID: &dep}
	if task.IdempotencyScope() != parent {
		t.Error("task scope should be parent")
	}

	bare := &Run{Kind: RunKindFlow}
	if bare.IdempotencyScope() != uuid.Nil {
		t.Error("bare scope should be nil uuid")
	}
}

func TestRunPolicy_RetryDelay(t *testing.T) {
	p := RunPolicy{RetryDelaysSec: []int{1, 5}}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 5 * time.Second},
		{7, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.RetryDelay(tt.attempt); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if (RunPolicy{}).RetryDelay(1) != 0 {
		t.Error("empty policy should have zero delay")
	}
}

// --- ConcurrencyLimit Tests ---

func TestConcurrencyLimit_HardCap(t *testing.T) {
	now := time.Now()
	l := &ConcurrencyLimit{Key: "gpu", Limit: 2}
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	for _, id := range []uuid.UUID{a, b} {
		ok, _ := l.CanAcquire(id, now)
		if !ok {
			t.Fatalf("expected acquire for %s", id)
		}
		l.Acquire(id, now)
	}

	if ok, _ := l.CanAcquire(c, now); ok {
		t.Error("third run should not acquire")
	}
	if ok, _ := l.CanAcquire(a, now); !ok {
		t.Error("holder re-acquire should be allowed")
	}
	l.Acquire(a, now)
	if len(l.ActiveSlots) != 2 {
		t.Errorf("re-acquire should not duplicate, got %d", len(l.ActiveSlots))
	}

	if !l.Release(a, now) {
		t.Error("release should report change")
	}
	if l.Release(a, now) {
		t.Error("second release should be a no-op")
	}
	if ok, _ := l.CanAcquire(c, now); !ok {
		t.Error("acquire after release should succeed")
	}
}

func TestConcurrencyLimit_ZeroLimit(t *testing.T) {
	l := &ConcurrencyLimit{Key: "blocked", Limit: 0}
	if ok, _ := l.CanAcquire(uuid.New(), time.Now()); ok {
		t.Error("zero limit should never allow acquire")
	}
}

func TestConcurrencyLimit_Decay(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := &ConcurrencyLimit{Key: "api", Limit: 2, SlotDecayPerSecond: 0.5}

	l.Acquire(uuid.New(), t0)
	l.Acquire(uuid.New(), t0)

	ok, wait := l.CanAcquire(uuid.New(), t0)
	if ok {
		t.Fatal("bucket should be full")
	}
	if wait != 2*time.Second {
		t.Errorf("retry after = %v, want 2s", wait)
	}

	if occ := l.Occupancy(t0.Add(2 * time.Second)); occ != 1 {
		t.Errorf("occupancy after 2s = %v, want 1", occ)
	}
	if ok, _ := l.CanAcquire(uuid.New(), t0.Add(2*time.Second)); !ok {
		t.Error("slot should decay after 2s")
	}
	if l.Release(uuid.New(), t0) {
		t.Error("release on decaying limit should be a no-op")
	}
	if occ := l.Occupancy(t0.Add(time.Hour)); occ != 0 {
		t.Errorf("occupancy should floor at 0, got %v", occ)
	}
}

// --- WorkQueue Tests ---

func TestWorkQueue_EffectiveStatus(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)
	recent := now.Add(-10 * time.Second)
	old := now.Add(-5 * time.Minute)

	tests := []struct {
		name string
		q    WorkQueue
		want WorkQueueStatus
	}{
		{"fresh ready", WorkQueue{Status: WorkQueueReady, LastPolled: &recent}, WorkQueueReady},
		{"stale ready", WorkQueue{Status: WorkQueueReady, LastPolled: &old}, WorkQueueNotReady},
		{"never polled", WorkQueue{Status: WorkQueueNotReady}, WorkQueueNotReady},
		{"paused", WorkQueue{Status: WorkQueueReady, IsPaused: true, LastPolled: &recent}, WorkQueuePaused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.EffectiveStatus(now, time.Minute); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

// --- Schedule Tests ---

func TestSchedule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		s       Schedule
		wantErr bool
	}{
		{"interval", Schedule{Interval: &IntervalSchedule{IntervalSec: 60}}, false},
		{"cron", Schedule{Cron: &CronSchedule{Expr: "0 9 * * *", Timezone: "Europe/Moscow"}}, false},
		{"rrule", Schedule{RRule: &RRuleSchedule{Rule: "FREQ=DAILY"}}, false},
		{"empty", Schedule{}, true},
		{"two variants", Schedule{Interval: &IntervalSchedule{IntervalSec: 60}, Cron: &CronSchedule{Expr: "* * * * *"}}, true},
		{"zero interval", Schedule{Interval: &IntervalSchedule{}}, true},
		{"ten year interval", Schedule{Interval: &IntervalSchedule{IntervalSec: MaxIntervalSec}}, false},
		{"overflowing interval", Schedule{Interval: &IntervalSchedule{IntervalSec: 1 << 34}}, true},
		{"bad timezone", Schedule{Cron: &CronSchedule{Expr: "* * * * *", Timezone: "Mars/Base"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestScheduledRunKey(t *testing.T) {
	dep := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	sch := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.FixedZone("MSK", 3*3600))

	got := ScheduledRunKey(dep, sch, at)
	want := "scheduled 11111111-1111-1111-1111-111111111111 22222222-2222-2222-2222-222222222222 2024-03-01T06:00:00Z"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// --- NotificationPolicy Tests ---

func TestNotificationPolicy_Matches(t *testing.T) {
	run := &Run{Tags: []string{"prod", "etl"}}

	tests := []struct {
		name   string
		policy NotificationPolicy
		state  string
		want   bool
	}{
		{"any", NotificationPolicy{IsActive: true}, "Failed", true},
		{"inactive", NotificationPolicy{IsActive: false}, "Failed", false},
		{"state match", NotificationPolicy{IsActive: true, StateNames: []string{"Failed"}}, "Failed", true},
		{"state miss", NotificationPolicy{IsActive: true, StateNames: []string{"Completed"}}, "Failed", false},
		{"tag overlap", NotificationPolicy{IsActive: true, Tags: []string{"etl"}}, "Failed", true},
		{"tag miss", NotificationPolicy{IsActive: true, Tags: []string{"dev"}}, "Failed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Matches(run, tt.state); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
