// Package memstore — in-memory реализация repo.Store.
//
// Используется в тестах и при локальном запуске без Postgres.
// Все операции сериализуются одним мьютексом, поэтому атомарность
// CommitTransition, UpdateLimits и CreateRun совпадает с транзакционной
// семантикой Postgres-реализации.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/domain"
	"github.com/shaiso/Conductor/internal/repo"
)

type idemKey struct {
	kind  domain.RunKind
	scope uuid.UUID
	key   string
}

// Store — in-memory хранилище.
type Store struct {
	mu sync.Mutex

	runs        map[uuid.UUID]*domain.Run
	history     map[uuid.UUID][]domain.State
	idempotency map[idemKey]uuid.UUID

	limits map[string]*domain.ConcurrencyLimit

	queues      map[uuid.UUID]*domain.WorkQueue
	deployments map[uuid.UUID]*domain.Deployment
	schedules   map[uuid.UUID]*domain.DeploymentSchedule

	effects  map[uuid.UUID]*domain.SideEffect
	policies map[uuid.UUID]*domain.NotificationPolicy
	config   map[string]*domain.Configuration

	logs   []domain.Log
	agents map[uuid.UUID]*domain.Agent

	// Now — источник времени для служебных полей.
	Now func() time.Time
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		runs:        make(map[uuid.UUID]*domain.Run),
		history:     make(map[uuid.UUID][]domain.State),
		idempotency: make(map[idemKey]uuid.UUID),
		limits:      make(map[string]*domain.ConcurrencyLimit),
		queues:      make(map[uuid.UUID]*domain.WorkQueue),
		deployments: make(map[uuid.UUID]*domain.Deployment),
		schedules:   make(map[uuid.UUID]*domain.DeploymentSchedule),
		effects:     make(map[uuid.UUID]*domain.SideEffect),
		policies:    make(map[uuid.UUID]*domain.NotificationPolicy),
		config:      make(map[string]*domain.Configuration),
		agents:      make(map[uuid.UUID]*domain.Agent),
		Now:         time.Now,
	}
}

var _ repo.Store = (*Store)(nil)

// --- Runs ---

func (s *Store) CreateRun(_ context.Context, run *domain.Run, effects []domain.SideEffect) (*domain.Run, bool, error) {
	if run.State == nil {
		return nil, false, repo.ErrInvalidState
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ik idemKey
	if run.IdempotencyKey != "" {
		ik = idemKey{kind: run.Kind, scope: run.IdempotencyScope(), key: run.IdempotencyKey}
		if id, ok := s.idempotency[ik]; ok {
			return s.runs[id].Clone(), false, nil
		}
	}
	if _, ok := s.runs[run.ID]; ok {
		return nil, false, repo.ErrAlreadyExists
	}

	stored := run.Clone()
	stored.Version = 1
	s.runs[stored.ID] = stored
	s.history[stored.ID] = []domain.State{stored.State.Clone()}
	if run.IdempotencyKey != "" {
		s.idempotency[ik] = stored.ID
	}
	s.insertEffects(effects)

	return stored.Clone(), true, nil
}

func (s *Store) GetRun(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return run.Clone(), nil
}

func (s *Store) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Run
	for _, run := range s.runs {
		if !matchRun(run, filter) {
			continue
		}
		out = append(out, *run.Clone())
	}

	switch filter.Sort {
	case repo.SortExpectedStartAsc:
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i].ExpectedStartTime, out[j].ExpectedStartTime
			switch {
			case a == nil && b == nil:
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			case a == nil:
				return false
			case b == nil:
				return true
			case a.Equal(*b):
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			default:
				return a.Before(*b)
			}
		})
	default:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		})
	}
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *Store) ListStates(_ context.Context, runID uuid.UUID) ([]domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, repo.ErrNotFound
	}
	h := s.history[runID]
	out := make([]domain.State, len(h))
	for i := range h {
		out[i] = h[i].Clone()
	}
	return out, nil
}

func (s *Store) CommitTransition(_ context.Context, c repo.TransitionCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.runs[c.Run.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if current.Version != c.ExpectedVersion {
		return repo.ErrVersionConflict
	}

	stored := c.Run.Clone()
	stored.Version = c.ExpectedVersion + 1
	s.runs[stored.ID] = stored
	s.history[stored.ID] = append(s.history[stored.ID], stored.State.Clone())
	s.insertEffects(c.Effects)

	c.Run.Version = stored.Version
	return nil
}

// CorruptCurrentState подменяет текущее состояние run без записи в историю.
// Только для тестов обнаружения расхождения истории.
func (s *Store) CorruptCurrentState(id uuid.UUID, st domain.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok {
		run.State = &st
	}
}

func matchRun(run *domain.Run, f repo.RunFilter) bool {
	if f.Kind != "" && run.Kind != f.Kind {
		return false
	}
	if f.DeploymentID != nil && !uuidPtrEq(run.DeploymentID, *f.DeploymentID) {
		return false
	}
	if f.WorkQueueID != nil && !uuidPtrEq(run.WorkQueueID, *f.WorkQueueID) {
		return false
	}
	if f.ParentRunID != nil && !uuidPtrEq(run.ParentRunID, *f.ParentRunID) {
		return false
	}
	if len(f.StateTypes) > 0 {
		found := false
		for _, t := range f.StateTypes {
			if run.StateType() == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ScheduledBefore != nil {
		if run.ExpectedStartTime == nil || run.ExpectedStartTime.After(*f.ScheduledBefore) {
			return false
		}
	}
	return true
}

func uuidPtrEq(p *uuid.UUID, id uuid.UUID) bool {
	return p != nil && *p == id
}

// --- Concurrency limits ---

func (s *Store) CreateLimit(_ context.Context, l *domain.ConcurrencyLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.limits[l.Key]; ok {
		return repo.ErrAlreadyExists
	}
	s.limits[l.Key] = l.Clone()
	return nil
}

func (s *Store) UpsertLimit(_ context.Context, l *domain.ConcurrencyLimit) (*domain.ConcurrencyLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.limits[l.Key]; ok {
		existing.Limit = l.Limit
		existing.SlotDecayPerSecond = l.SlotDecayPerSecond
		existing.UpdatedAt = l.UpdatedAt
		return existing.Clone(), nil
	}
	stored := l.Clone()
	stored.ActiveSlots = nil
	stored.DecayedOccupancy = 0
	stored.DecayUpdatedAt = nil
	stored.CreatedAt = l.UpdatedAt
	s.limits[l.Key] = stored
	return stored.Clone(), nil
}

func (s *Store) GetLimit(_ context.Context, key string) (*domain.ConcurrencyLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limits[key]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return l.Clone(), nil
}

func (s *Store) GetLimitByID(_ context.Context, id uuid.UUID) (*domain.ConcurrencyLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.limits {
		if l.ID == id {
			return l.Clone(), nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *Store) ListLimits(_ context.Context, limit, offset int) ([]domain.ConcurrencyLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ConcurrencyLimit, 0, len(s.limits))
	for _, l := range s.limits {
		out = append(out, *l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return paginate(out, limit, offset), nil
}

func (s *Store) DeleteLimit(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.limits[key]; !ok {
		return repo.ErrNotFound
	}
	delete(s.limits, key)
	return nil
}

func (s *Store) UpdateLimits(_ context.Context, keys []string, fn func([]*domain.ConcurrencyLimit) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var working []*domain.ConcurrencyLimit
	seen := make(map[string]bool, len(sorted))
	for _, k := range sorted {
		if seen[k] {
			continue
		}
		seen[k] = true
		if l, ok := s.limits[k]; ok {
			working = append(working, l.Clone())
		}
	}

	changed, err := fn(working)
	if err != nil || !changed {
		return err
	}
	for _, l := range working {
		s.limits[l.Key] = l.Clone()
	}
	return nil
}

// --- Work queues ---

func (s *Store) CreateWorkQueue(_ context.Context, q *domain.WorkQueue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.queues {
		if existing.Name == q.Name {
			return repo.ErrAlreadyExists
		}
	}
	s.queues[q.ID] = cloneQueue(q)
	return nil
}

func (s *Store) GetWorkQueue(_ context.Context, id uuid.UUID) (*domain.WorkQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return cloneQueue(q), nil
}

func (s *Store) GetWorkQueueByName(_ context.Context, name string) (*domain.WorkQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range s.queues {
		if q.Name == name {
			return cloneQueue(q), nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *Store) ListWorkQueues(_ context.Context, filter repo.WorkQueueFilter) ([]domain.WorkQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.WorkQueue
	for _, q := range s.queues {
		if filter.NamePrefix != "" && !strings.HasPrefix(q.Name, filter.NamePrefix) {
			continue
		}
		out = append(out, *cloneQueue(q))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *Store) UpdateWorkQueue(_ context.Context, q *domain.WorkQueue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.queues[q.ID]
	if !ok {
		return repo.ErrNotFound
	}
	existing.Description = q.Description
	existing.ConcurrencyLimit = cloneIntPtr(q.ConcurrencyLimit)
	existing.Priority = q.Priority
	existing.UpdatedAt = q.UpdatedAt
	return nil
}

func (s *Store) DeleteWorkQueue(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[id]; !ok {
		return repo.ErrNotFound
	}
	delete(s.queues, id)
	for _, d := range s.deployments {
		if uuidPtrEq(d.WorkQueueID, id) {
			d.WorkQueueID = nil
		}
	}
	for agentID, a := range s.agents {
		if a.WorkQueueID == id {
			delete(s.agents, agentID)
		}
	}
	return nil
}

func (s *Store) RecordPoll(_ context.Context, id uuid.UUID, polledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[id]
	if !ok {
		return repo.ErrNotFound
	}
	if q.LastPolled == nil || polledAt.After(*q.LastPolled) {
		t := polledAt
		q.LastPolled = &t
	}
	return nil
}

func (s *Store) SetWorkQueueStatus(_ context.Context, ids []uuid.UUID, status domain.WorkQueueStatus, polledAt *time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []uuid.UUID
	for _, id := range ids {
		q, ok := s.queues[id]
		if !ok || q.IsPaused {
			continue
		}
		if polledAt != nil && (q.LastPolled == nil || polledAt.After(*q.LastPolled)) {
			t := *polledAt
			q.LastPolled = &t
		}
		q.UpdatedAt = s.Now()
		if q.Status == status {
			continue
		}
		q.Status = status
		changed = append(changed, id)
	}
	return changed, nil
}

func (s *Store) SetWorkQueuePaused(_ context.Context, id uuid.UUID, paused bool) (*domain.WorkQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	q.IsPaused = paused
	if paused {
		q.Status = domain.WorkQueuePaused
	} else {
		q.Status = domain.WorkQueueNotReady
	}
	q.UpdatedAt = s.Now()
	return cloneQueue(q), nil
}

func (s *Store) ListStaleReady(_ context.Context, before time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for _, q := range s.queues {
		if q.Status != domain.WorkQueueReady || q.IsPaused {
			continue
		}
		if q.LastPolled == nil || q.LastPolled.Before(before) {
			ids = append(ids, q.ID)
		}
	}
	return ids, nil
}

// --- Deployments ---

func (s *Store) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.deployments {
		if existing.Name == d.Name {
			return repo.ErrAlreadyExists
		}
	}
	s.deployments[d.ID] = cloneDeployment(d)
	return nil
}

func (s *Store) GetDeployment(_ context.Context, id uuid.UUID) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deployments[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return cloneDeployment(d), nil
}

func (s *Store) ListDeployments(_ context.Context, limit, offset int) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		out = append(out, *cloneDeployment(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return paginate(out, limit, offset), nil
}

func (s *Store) UpdateDeployment(_ context.Context, d *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.deployments[d.ID]
	if !ok {
		return repo.ErrNotFound
	}
	updated := cloneDeployment(d)
	updated.Name = existing.Name
	updated.Status = existing.Status
	updated.LastPolled = existing.LastPolled
	updated.CreatedAt = existing.CreatedAt
	s.deployments[d.ID] = updated
	return nil
}

func (s *Store) DeleteDeployment(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deployments[id]; !ok {
		return repo.ErrNotFound
	}
	delete(s.deployments, id)
	for sid, sch := range s.schedules {
		if sch.DeploymentID == id {
			delete(s.schedules, sid)
		}
	}
	return nil
}

func (s *Store) SetDeploymentStatusByQueues(_ context.Context, queueIDs []uuid.UUID, status domain.DeploymentStatus, polledAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[uuid.UUID]bool, len(queueIDs))
	for _, id := range queueIDs {
		set[id] = true
	}
	for _, d := range s.deployments {
		if d.WorkQueueID == nil || !set[*d.WorkQueueID] {
			continue
		}
		if q, ok := s.queues[*d.WorkQueueID]; ok && q.IsPaused && status == domain.DeploymentReady {
			continue
		}
		d.Status = status
		if polledAt != nil && (d.LastPolled == nil || polledAt.After(*d.LastPolled)) {
			t := *polledAt
			d.LastPolled = &t
		}
		d.UpdatedAt = s.Now()
	}
	return nil
}

func (s *Store) CreateSchedule(_ context.Context, sch *domain.DeploymentSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deployments[sch.DeploymentID]; !ok {
		return repo.ErrNotFound
	}
	c := *sch
	s.schedules[sch.ID] = &c
	return nil
}

func (s *Store) GetSchedule(_ context.Context, id uuid.UUID) (*domain.DeploymentSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sch, ok := s.schedules[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	c := *sch
	return &c, nil
}

func (s *Store) ListSchedules(_ context.Context, deploymentID uuid.UUID) ([]domain.DeploymentSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.DeploymentSchedule
	for _, sch := range s.schedules {
		if sch.DeploymentID == deploymentID {
			out = append(out, *sch)
		}
	}
	sortSchedules(out)
	return out, nil
}

func (s *Store) ListActiveSchedules(_ context.Context) ([]domain.DeploymentSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.DeploymentSchedule
	for _, sch := range s.schedules {
		if !sch.Active {
			continue
		}
		if d, ok := s.deployments[sch.DeploymentID]; !ok || d.IsPaused {
			continue
		}
		out = append(out, *sch)
	}
	sortSchedules(out)
	return out, nil
}

func (s *Store) UpdateSchedule(_ context.Context, sch *domain.DeploymentSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.schedules[sch.ID]
	if !ok {
		return repo.ErrNotFound
	}
	existing.Schedule = sch.Schedule
	existing.Active = sch.Active
	existing.UpdatedAt = sch.UpdatedAt
	return nil
}

func (s *Store) DeleteSchedule(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return repo.ErrNotFound
	}
	delete(s.schedules, id)
	return nil
}

func sortSchedules(out []domain.DeploymentSchedule) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

// --- Side effects ---

// insertEffects вызывается под s.mu.
func (s *Store) insertEffects(effects []domain.SideEffect) {
	now := s.Now()
	for _, e := range effects {
		c := e
		c.LimitKeys = append([]string(nil), e.LimitKeys...)
		c.Status = domain.EffectPending
		c.Attempts = 0
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if c.AvailableAt.IsZero() {
			c.AvailableAt = c.CreatedAt
		}
		s.effects[c.ID] = &c
	}
}

func (s *Store) ClaimEffects(_ context.Context, now time.Time, lease time.Duration, limit int) ([]domain.SideEffect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*domain.SideEffect
	for _, e := range s.effects {
		if e.Status == domain.EffectPending && !e.AvailableAt.After(now) {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].AvailableAt.Equal(ready[j].AvailableAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].AvailableAt.Before(ready[j].AvailableAt)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]domain.SideEffect, 0, len(ready))
	for _, e := range ready {
		e.AvailableAt = now.Add(lease)
		e.Attempts++
		c := *e
		c.LimitKeys = append([]string(nil), e.LimitKeys...)
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) CompleteEffect(_ context.Context, id uuid.UUID) error {
	return s.setEffect(id, domain.EffectDone, nil, "")
}

func (s *Store) RetryEffect(_ context.Context, id uuid.UUID, availableAt time.Time, lastErr string) error {
	return s.setEffect(id, domain.EffectPending, &availableAt, lastErr)
}

func (s *Store) DeadLetterEffect(_ context.Context, id uuid.UUID, lastErr string) error {
	return s.setEffect(id, domain.EffectDead, nil, lastErr)
}

func (s *Store) setEffect(id uuid.UUID, status domain.SideEffectStatus, availableAt *time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.effects[id]
	if !ok {
		return repo.ErrNotFound
	}
	e.Status = status
	if availableAt != nil {
		e.AvailableAt = *availableAt
	}
	e.LastError = lastErr
	return nil
}

func (s *Store) ListEffects(_ context.Context, filter repo.EffectFilter) ([]domain.SideEffect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.SideEffect
	for _, e := range s.effects {
		if filter.RunID != nil && e.RunID != *filter.RunID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		c := *e
		c.LimitKeys = append([]string(nil), e.LimitKeys...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, filter.Limit, 0), nil
}

// --- Notification policies ---

func (s *Store) CreatePolicy(_ context.Context, p *domain.NotificationPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[p.ID]; ok {
		return repo.ErrAlreadyExists
	}
	s.policies[p.ID] = clonePolicy(p)
	return nil
}

func (s *Store) GetPolicy(_ context.Context, id uuid.UUID) (*domain.NotificationPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return clonePolicy(p), nil
}

func (s *Store) ListPolicies(_ context.Context, activeOnly bool) ([]domain.NotificationPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.NotificationPolicy
	for _, p := range s.policies {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, *clonePolicy(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdatePolicy(_ context.Context, p *domain.NotificationPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.policies[p.ID]
	if !ok {
		return repo.ErrNotFound
	}
	updated := clonePolicy(p)
	updated.CreatedAt = existing.CreatedAt
	s.policies[p.ID] = updated
	return nil
}

func (s *Store) DeletePolicy(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return repo.ErrNotFound
	}
	delete(s.policies, id)
	return nil
}

// --- Configuration ---

func (s *Store) ReadConfiguration(_ context.Context, key string) (*domain.Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.config[key]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return cloneConfig(c), nil
}

func (s *Store) WriteConfiguration(_ context.Context, c *domain.Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneConfig(c)
	if existing, ok := s.config[c.Key]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}
	s.config[c.Key] = stored
	return nil
}

// --- Logs ---

func (s *Store) CreateLogs(_ context.Context, logs []domain.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range logs {
		l.RunID = cloneUUIDPtr(l.RunID)
		s.logs = append(s.logs, l)
	}
	return nil
}

func (s *Store) ReadLogs(_ context.Context, filter repo.LogFilter) ([]domain.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Log
	for _, l := range s.logs {
		if !matchLog(&l, filter) {
			continue
		}
		l.RunID = cloneUUIDPtr(l.RunID)
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if filter.Sort == repo.LogSortTimestampDesc {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func matchLog(l *domain.Log, f repo.LogFilter) bool {
	if len(f.RunIDs) > 0 {
		if l.RunID == nil {
			return false
		}
		found := false
		for _, id := range f.RunIDs {
			if id == *l.RunID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if l.Level < f.MinLevel {
		return false
	}
	if f.After != nil && l.Timestamp.Before(*f.After) {
		return false
	}
	if f.Before != nil && l.Timestamp.After(*f.Before) {
		return false
	}
	return true
}

// --- Agents ---

func (s *Store) RecordAgentPoll(_ context.Context, agentID, workQueueID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[workQueueID]; !ok {
		return repo.ErrNotFound
	}
	a, ok := s.agents[agentID]
	if !ok {
		s.agents[agentID] = &domain.Agent{ID: agentID, WorkQueueID: workQueueID, LastActivityTime: at, CreatedAt: at}
		return nil
	}
	a.WorkQueueID = workQueueID
	if at.After(a.LastActivityTime) {
		a.LastActivityTime = at
	}
	return nil
}

func (s *Store) ListAgents(_ context.Context, workQueueID uuid.UUID) ([]domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Agent
	for _, a := range s.agents {
		if a.WorkQueueID == workQueueID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityTime.After(out[j].LastActivityTime) })
	return out, nil
}

// --- Helpers ---

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneQueue(q *domain.WorkQueue) *domain.WorkQueue {
	c := *q
	c.ConcurrencyLimit = cloneIntPtr(q.ConcurrencyLimit)
	if q.LastPolled != nil {
		t := *q.LastPolled
		c.LastPolled = &t
	}
	return &c
}

func cloneDeployment(d *domain.Deployment) *domain.Deployment {
	c := *d
	c.Tags = append([]string(nil), d.Tags...)
	c.Policy.RetryDelaysSec = append([]int(nil), d.Policy.RetryDelaysSec...)
	if d.WorkQueueID != nil {
		id := *d.WorkQueueID
		c.WorkQueueID = &id
	}
	if d.LastPolled != nil {
		t := *d.LastPolled
		c.LastPolled = &t
	}
	return &c
}

func clonePolicy(p *domain.NotificationPolicy) *domain.NotificationPolicy {
	c := *p
	c.StateNames = append([]string(nil), p.StateNames...)
	c.Tags = append([]string(nil), p.Tags...)
	return &c
}

func cloneConfig(cfg *domain.Configuration) *domain.Configuration {
	c := *cfg
	if cfg.Value != nil {
		c.Value = make(map[string]any, len(cfg.Value))
		for k, v := range cfg.Value {
			c.Value[k] = v
		}
	}
	return &c
}

func cloneUUIDPtr(p *uuid.UUID) *uuid.UUID {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
