package queue

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"eventbell/internal/types"
)

type memKey struct {
	queue Name
	id    string
}

// MemoryStore is an in-process Store with the same semantics as
// PostgresStore. Nothing survives a restart, so it only backs tests and
// single-process local runs.
type MemoryStore struct {
	mu        sync.Mutex
	clock     types.Clock
	jobs      map[memKey]*Job
	recurring map[memKey]*RecurringEntry
}

// NewMemoryStore returns an empty store. A nil clock uses the real clock.
func NewMemoryStore(clock types.Clock) *MemoryStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemoryStore{
		clock:     clock,
		jobs:      make(map[memKey]*Job),
		recurring: make(map[memKey]*RecurringEntry),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Enqueue(_ context.Context, queue Name, id string, payload any, opts JobOptions) (*Job, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	opts = normalizeOptions(queue, opts)
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	k := memKey{queue, id}
	if existing, ok := m.jobs[k]; ok && existing.State != StateCompleted && existing.State != StateFailed {
		return m.view(existing, now), nil
	}

	job := &Job{
		ID:          id,
		Queue:       queue,
		Payload:     body,
		State:       StateWaiting,
		RunAt:       now.Add(opts.Delay),
		MaxAttempts: opts.Attempts,
		Backoff:     opts.Backoff,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.jobs[k] = job
	return m.view(job, now), nil
}

func (m *MemoryStore) Remove(_ context.Context, queue Name, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, memKey{queue, id})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, queue Name, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[memKey{queue, id}]
	if !ok {
		return nil, jobNotFound(queue, id)
	}
	return m.view(job, m.clock.Now()), nil
}

func (m *MemoryStore) List(_ context.Context, queue Name, filter JobFilter) (types.ListResult[*Job], error) {
	now := m.clock.Now()
	m.mu.Lock()
	var matched []*Job
	for k, job := range m.jobs {
		if k.queue != queue || !strings.HasPrefix(job.ID, filter.IDPrefix) {
			continue
		}
		v := m.view(job, now)
		if len(filter.States) > 0 && !slices.Contains(filter.States, v.State) {
			continue
		}
		matched = append(matched, v)
	}
	m.mu.Unlock()

	slices.SortFunc(matched, func(a, b *Job) int {
		if c := a.RunAt.Compare(b.RunAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return paginate(matched, filter.Page, filter.PageSize), nil
}

func (m *MemoryStore) Counts(_ context.Context, queue Name) (Counts, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var c Counts
	for k, job := range m.jobs {
		if k.queue == queue {
			c.add(effectiveState(job.State, job.RunAt, now), 1)
		}
	}
	return c, nil
}

func (m *MemoryStore) UpsertRecurring(_ context.Context, queue Name, key string, spec RecurringSpec, payload any) (*RecurringEntry, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	next, err := NextRun(spec, now)
	if err != nil {
		return nil, err
	}
	tz := spec.Timezone
	if tz == "" {
		tz = "UTC"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := memKey{queue, key}
	created := now
	if existing, ok := m.recurring[k]; ok {
		created = existing.CreatedAt
	}
	entry := &RecurringEntry{
		Key:       key,
		Queue:     queue,
		Pattern:   spec.Pattern,
		Timezone:  tz,
		EndDate:   spec.EndDate,
		Payload:   body,
		NextRunAt: next,
		CreatedAt: created,
		UpdatedAt: now,
	}
	m.recurring[k] = entry
	c := *entry
	return &c, nil
}

func (m *MemoryStore) RemoveRecurring(_ context.Context, queue Name, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recurring, memKey{queue, key})
	return nil
}

func (m *MemoryStore) GetRecurring(_ context.Context, queue Name, key string) (*RecurringEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.recurring[memKey{queue, key}]
	if !ok {
		return nil, recurringNotFound(queue, key)
	}
	c := *entry
	return &c, nil
}

func (m *MemoryStore) ListRecurring(_ context.Context, queue Name, page, pageSize int) (types.ListResult[*RecurringEntry], error) {
	m.mu.Lock()
	var matched []*RecurringEntry
	for k, e := range m.recurring {
		if k.queue == queue {
			c := *e
			matched = append(matched, &c)
		}
	}
	m.mu.Unlock()

	slices.SortFunc(matched, func(a, b *RecurringEntry) int {
		if c := a.NextRunAt.Compare(b.NextRunAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
	return paginate(matched, page, pageSize), nil
}

func (m *MemoryStore) Claim(_ context.Context, queue Name, limit int) ([]*Job, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Job
	for k, job := range m.jobs {
		if k.queue == queue && job.State == StateWaiting && !job.RunAt.After(now) {
			due = append(due, job)
		}
	}
	slices.SortFunc(due, func(a, b *Job) int {
		if c := a.RunAt.Compare(b.RunAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Job, 0, len(due))
	for _, job := range due {
		job.State = StateActive
		job.Attempts++
		claimed := now
		job.ClaimedAt = &claimed
		job.UpdatedAt = now
		out = append(out, m.view(job, now))
	}
	return out, nil
}

func (m *MemoryStore) Complete(_ context.Context, job *Job) error {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.jobs[memKey{job.Queue, job.ID}]
	if !ok || stored.State != StateActive {
		return nil
	}
	stored.State = StateCompleted
	stored.LastError = ""
	stored.FinishedAt = &now
	stored.UpdatedAt = now
	return nil
}

func (m *MemoryStore) Fail(_ context.Context, job *Job, cause error, retryAt *time.Time) error {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.jobs[memKey{job.Queue, job.ID}]
	if !ok || stored.State != StateActive {
		return nil
	}
	if cause != nil {
		stored.LastError = cause.Error()
	}
	stored.UpdatedAt = now
	if retryAt != nil {
		stored.State = StateWaiting
		stored.RunAt = *retryAt
		stored.ClaimedAt = nil
		return nil
	}
	stored.State = StateFailed
	stored.FinishedAt = &now
	return nil
}

func (m *MemoryStore) FireRecurring(ctx context.Context, queue Name) (int, error) {
	now := m.clock.Now()

	type tick struct {
		id      string
		payload json.RawMessage
	}
	var ticks []tick

	m.mu.Lock()
	for k, e := range m.recurring {
		if k.queue != queue {
			continue
		}
		if e.EndDate != nil && now.After(*e.EndDate) {
			delete(m.recurring, k)
			continue
		}
		if e.NextRunAt.After(now) {
			continue
		}
		next, err := NextRun(RecurringSpec{Pattern: e.Pattern, Timezone: e.Timezone}, now)
		if err != nil {
			delete(m.recurring, k)
			continue
		}
		ticks = append(ticks, tick{id: TickJobID(e.Key, e.NextRunAt), payload: e.Payload})
		last := now
		e.LastRunAt = &last
		e.NextRunAt = next
		e.UpdatedAt = now
		if e.EndDate != nil && next.After(*e.EndDate) {
			delete(m.recurring, k)
		}
	}
	m.mu.Unlock()

	for _, t := range ticks {
		if _, err := m.Enqueue(ctx, queue, t.id, t.payload, DefaultOptions(queue)); err != nil {
			return 0, err
		}
	}
	return len(ticks), nil
}

func (m *MemoryStore) RequeueStalled(_ context.Context, cutoff time.Time) (int, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.jobs {
		if job.State == StateActive && job.ClaimedAt != nil && job.ClaimedAt.Before(cutoff) {
			job.State = StateWaiting
			job.ClaimedAt = nil
			job.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, job := range m.jobs {
		if (job.State == StateCompleted || job.State == StateFailed) &&
			job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(m.jobs, k)
			n++
		}
	}
	return n, nil
}

// view returns a copy of job with its effective state. Callers hold m.mu.
func (m *MemoryStore) view(job *Job, now time.Time) *Job {
	c := *job
	c.Payload = slices.Clone(job.Payload)
	c.State = effectiveState(job.State, job.RunAt, now)
	return &c
}

func paginate[T any](items []T, page, pageSize int) types.ListResult[T] {
	offset, limit := types.NormalizePage(page, pageSize)
	result := types.ListResult[T]{Data: []T{}, Total: len(items)}
	if offset >= len(items) {
		return result
	}
	end := min(offset+limit, len(items))
	result.Data = append(result.Data, items[offset:end]...)
	return result
}
