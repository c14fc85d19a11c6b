package scheduler

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/domain"
	"github.com/shaiso/Conductor/internal/memstore"
	"github.com/shaiso/Conductor/internal/orchestration"
	"github.com/shaiso/Conductor/internal/repo"
)

type fixture struct {
	store        *memstore.Store
	materializer *Materializer
	scheduler    *Scheduler
	now          time.Time
}

func newFixture(t *testing.T, cfg MaterializerConfig) *fixture {
	t.Helper()
	f := &fixture{
		store: memstore.New(),
		now:   time.Date(2024, 6, 15, 10, 30, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.store.Now = clock
	engine := orchestration.New(orchestration.Config{
		Runs:        f.store,
		Deployments: f.store,
		Now:         clock,
	})
	cfg.Deployments = f.store
	cfg.Runs = engine
	cfg.Now = clock
	f.materializer = NewMaterializer(cfg)
	f.scheduler = New(Config{Deployments: f.store, Materializer: f.materializer, Parallelism: 2})
	return f
}

func (f *fixture) addSchedule(t *testing.T, s domain.Schedule, paused bool) *domain.DeploymentSchedule {
	t.Helper()
	ctx := context.Background()
	dep := &domain.Deployment{
		ID:        uuid.New(),
		Name:      "dep-" + uuid.NewString()[:8],
		IsPaused:  paused,
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}
	if err := f.store.CreateDeployment(ctx, dep); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
	sch := &domain.DeploymentSchedule{
		ID:           uuid.New(),
		DeploymentID: dep.ID,
		Schedule:     s,
		Active:       true,
		CreatedAt:    f.now,
		UpdatedAt:    f.now,
	}
	if err := f.store.CreateSchedule(ctx, sch); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	return sch
}

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%s): %v", name, err)
	}
	return loc
}

func dailyFrom2020() domain.Schedule {
	return domain.Schedule{Interval: &domain.IntervalSchedule{
		IntervalSec: 86400,
		AnchorDate:  time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}}
}

// --- Recurrence Tests ---

func TestRecurrence_Next(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		schedule domain.Schedule
		from     time.Time
		want     time.Time
	}{
		{
			name:     "interval before anchor starts at anchor",
			schedule: dailyFrom2020(),
			from:     time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC),
			want:     time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "interval on occurrence is inclusive",
			schedule: dailyFrom2020(),
			from:     time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
			want:     time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "sub-day interval",
			schedule: domain.Schedule{Interval: &domain.IntervalSchedule{
				IntervalSec: 900,
				AnchorDate:  time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC),
			}},
			from: time.Date(2024, 1, 1, 10, 7, 0, 0, time.UTC),
			want: time.Date(2024, 1, 1, 10, 20, 0, 0, time.UTC),
		},
		{
			name: "daily interval keeps wall clock across DST",
			schedule: domain.Schedule{Interval: &domain.IntervalSchedule{
				IntervalSec: 86400,
				AnchorDate:  time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC), // 09:00 EST
				Timezone:    "America/New_York",
			}},
			from: time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC),
			want: time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC), // 09:00 EDT
		},
		{
			name:     "cron in timezone",
			schedule: domain.Schedule{Cron: &domain.CronSchedule{Expr: "0 9 * * *", Timezone: "Europe/Moscow"}},
			from:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			want:     time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC),
		},
		{
			name:     "cron on occurrence is inclusive",
			schedule: domain.Schedule{Cron: &domain.CronSchedule{Expr: "*/15 * * * *"}},
			from:     time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC),
			want:     time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC),
		},
		{
			name:     "cron descriptor",
			schedule: domain.Schedule{Cron: &domain.CronSchedule{Expr: "@daily"}},
			from:     time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC),
			want:     time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "rrule from creation time",
			schedule: domain.Schedule{RRule: &domain.RRuleSchedule{Rule: "FREQ=WEEKLY;BYDAY=MO;BYHOUR=9;BYMINUTE=0;BYSECOND=0"}},
			from:     time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			want:     time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "rrule with explicit DTSTART",
			schedule: domain.Schedule{RRule: &domain.RRuleSchedule{
				Rule: "DTSTART:20240105T120000Z\nRRULE:FREQ=DAILY;INTERVAL=2",
			}},
			from: time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC),
			want: time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "rrule with CRLF lines and timezone",
			schedule: domain.Schedule{RRule: &domain.RRuleSchedule{
				Rule:     "DTSTART;TZID=Europe/Moscow:20240105T090000\r\nRRULE:FREQ=DAILY\r\n",
				Timezone: "Europe/Moscow",
			}},
			from: time.Date(2024, 1, 6, 7, 0, 0, 0, time.UTC),
			want: time.Date(2024, 1, 7, 6, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := NewRecurrence(tt.schedule, created)
			if err != nil {
				t.Fatalf("NewRecurrence: %v", err)
			}
			got, ok := rec.Next(tt.from)
			if !ok {
				t.Fatal("expected an occurrence")
			}
			if !got.Equal(tt.want) {
				t.Errorf("Next(%v) = %v, want %v", tt.from, got, tt.want)
			}
		})
	}
}

func TestRecurrence_RRuleExhausted(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec, err := NewRecurrence(domain.Schedule{RRule: &domain.RRuleSchedule{Rule: "FREQ=DAILY;COUNT=2"}}, created)
	if err != nil {
		t.Fatalf("NewRecurrence: %v", err)
	}
	if _, ok := rec.Next(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)); ok {
		t.Error("exhausted rrule should have no next occurrence")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		s       domain.Schedule
		wantErr bool
	}{
		{"valid cron", domain.Schedule{Cron: &domain.CronSchedule{Expr: "0 * * * *"}}, false},
		{"bad cron", domain.Schedule{Cron: &domain.CronSchedule{Expr: "not a cron"}}, true},
		{"bad timezone", domain.Schedule{Cron: &domain.CronSchedule{Expr: "0 * * * *", Timezone: "Mars/Olympus"}}, true},
		{"bad rrule", domain.Schedule{RRule: &domain.RRuleSchedule{Rule: "FREQ=SOMETIMES"}}, true},
		{"empty", domain.Schedule{}, true},
		{"overflowing interval", domain.Schedule{Interval: &domain.IntervalSchedule{IntervalSec: 1 << 34}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.s)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// --- Materializer Tests ---

func TestMaterialize_DailyIntervalIsIdempotent(t *testing.T) {
	f := newFixture(t, MaterializerConfig{})
	ctx := context.Background()
	sch := f.addSchedule(t, dailyFrom2020(), false)

	first, err := f.materializer.Materialize(ctx, sch, Window{Count: 3})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if first.Created != 3 {
		t.Fatalf("created = %d, want 3", first.Created)
	}
	for i := 1; i < len(first.Occurrences); i++ {
		if gap := first.Occurrences[i].Sub(first.Occurrences[i-1]); gap != 24*time.Hour {
			t.Errorf("gap %d = %v, want 24h", i, gap)
		}
	}
	if !first.Occurrences[0].After(f.now) {
		t.Errorf("first occurrence %v should be in the future", first.Occurrences[0])
	}

	second, err := f.materializer.Materialize(ctx, sch, Window{Count: 3})
	if err != nil {
		t.Fatalf("second Materialize: %v", err)
	}
	if second.Created != 0 || second.Existing != 3 {
		t.Errorf("second run: created=%d existing=%d, want 0 and 3", second.Created, second.Existing)
	}

	runs, _ := f.store.ListRuns(ctx, repo.RunFilter{DeploymentID: &sch.DeploymentID})
	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
	for _, r := range runs {
		if r.StateType() != domain.StateScheduled {
			t.Errorf("run %s state = %s, want SCHEDULED", r.ID, r.StateType())
		}
	}
}

func TestMaterialize_HardMaxima(t *testing.T) {
	f := newFixture(t, MaterializerConfig{MaxRuns: 5, MaxScheduledTime: 3 * time.Hour})

	hourly := domain.Schedule{Interval: &domain.IntervalSchedule{IntervalSec: 3600}}
	sch := f.addSchedule(t, hourly, false)

	occ, err := f.materializer.Occurrences(sch, Window{Count: 1000})
	if err != nil {
		t.Fatalf("Occurrences: %v", err)
	}
	// 11:00, 12:00, 13:00: дальше горизонт в 3 часа.
	if len(occ) != 3 {
		t.Errorf("occurrences = %d, want 3", len(occ))
	}

	minutely := domain.Schedule{Cron: &domain.CronSchedule{Expr: "* * * * *"}}
	sch2 := f.addSchedule(t, minutely, false)
	occ, _ = f.materializer.Occurrences(sch2, Window{Count: 1000})
	if len(occ) != 5 {
		t.Errorf("occurrences = %d, want 5 (max runs)", len(occ))
	}
}

func TestMaterialize_InactiveOrPaused(t *testing.T) {
	f := newFixture(t, MaterializerConfig{})
	ctx := context.Background()

	paused := f.addSchedule(t, dailyFrom2020(), true)
	m, err := f.materializer.Materialize(ctx, paused, Window{Count: 3})
	if err != nil || m.Created != 0 {
		t.Errorf("paused deployment: created=%d err=%v, want 0 nil", m.Created, err)
	}

	inactive := f.addSchedule(t, dailyFrom2020(), false)
	inactive.Active = false
	m, err = f.materializer.Materialize(ctx, inactive, Window{Count: 3})
	if err != nil || m.Created != 0 {
		t.Errorf("inactive schedule: created=%d err=%v, want 0 nil", m.Created, err)
	}
}

// --- Scheduler Tests ---

func TestScheduler_Tick(t *testing.T) {
	f := newFixture(t, MaterializerConfig{MaxRuns: 3})
	ctx := context.Background()

	good := f.addSchedule(t, dailyFrom2020(), false)
	f.addSchedule(t, domain.Schedule{Cron: &domain.CronSchedule{Expr: "bogus"}}, false)
	f.addSchedule(t, dailyFrom2020(), true)

	res, err := f.scheduler.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Created != 3 {
		t.Errorf("created = %d, want 3", res.Created)
	}
	if res.Failed != 1 {
		t.Errorf("failed = %d, want 1", res.Failed)
	}

	// Деактивация не отзывает созданные runs.
	good.Active = false
	if err := f.store.UpdateSchedule(ctx, good); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	res, _ = f.scheduler.Tick(ctx)
	if res.Created != 0 {
		t.Errorf("created after deactivation = %d, want 0", res.Created)
	}
	runs, _ := f.store.ListRuns(ctx, repo.RunFilter{DeploymentID: &good.DeploymentID})
	if len(runs) != 3 {
		t.Errorf("runs after deactivation = %d, want 3", len(runs))
	}
}
