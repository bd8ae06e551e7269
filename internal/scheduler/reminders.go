// Package scheduler turns events into queue jobs and handles those jobs when
// they fire.
//
// ReminderScheduler keeps one delayed job per (event, offset) pair and
// reconciles the set on every edit. RecurrenceScheduler keeps one recurring
// entry per rule. ReminderHandler and TickHandler run inside the worker and
// always re-read the event before acting, because the row may have changed
// or been deleted after the job was scheduled.
package scheduler

import (
	"context"
	"errors"
	"slices"
	"time"

	"eventbell/internal/queue"
	"eventbell/internal/types"
)

// MinReminderDelay is the smallest delay given to a reminder job. Reminders
// whose time already passed fire almost immediately and are then judged by
// the staleness guard.
const MinReminderDelay = time.Second

// ReminderScheduler maps reminder offsets of an event to delayed jobs on the
// reminders queue.
type ReminderScheduler struct {
	q      queue.Queue
	clock  types.Clock
	logger types.Logger
}

// NewReminderScheduler creates a ReminderScheduler.
func NewReminderScheduler(q queue.Queue, clock types.Clock, logger types.Logger) *ReminderScheduler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &ReminderScheduler{q: q, clock: clock, logger: logger}
}

// Enqueue schedules one job per offset at start minus offset minutes.
// Enqueueing an offset that already has a live job leaves that job as is.
func (s *ReminderScheduler) Enqueue(ctx context.Context, event *types.Event, offsets []int) ([]*queue.Job, error) {
	offsets = types.NormalizeOffsets(offsets)
	if len(offsets) == 0 {
		return nil, nil
	}

	now := s.clock.Now()
	opts := queue.DefaultOptions(queue.Reminders)
	jobs := make([]*queue.Job, 0, len(offsets))

	for _, m := range offsets {
		scheduledAt := event.StartTime.Add(-time.Duration(m) * time.Minute)
		opts.Delay = max(scheduledAt.Sub(now), MinReminderDelay)

		job, err := s.q.Enqueue(ctx, queue.Reminders, ReminderJobID(event.ID, m),
			types.ReminderJobPayload{EventID: event.ID, ScheduledAt: scheduledAt}, opts)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}

	s.logger.Info("reminders scheduled", "event_id", event.ID, "offsets", offsets)
	return jobs, nil
}

// Dequeue removes the jobs of exactly the given offsets. Missing jobs and an
// empty list are no-ops.
func (s *ReminderScheduler) Dequeue(ctx context.Context, eventID string, offsets []int) error {
	var errs []error
	for _, m := range types.NormalizeOffsets(offsets) {
		if err := s.q.Remove(ctx, queue.Reminders, ReminderJobID(eventID, m)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(offsets) > 0 {
		s.logger.Info("reminders removed", "event_id", eventID, "offsets", offsets)
	}
	return errors.Join(errs...)
}

// ReminderPlan is the set of offsets to remove and to add when an event's
// reminders are reconciled.
type ReminderPlan struct {
	Remove []int
	Add    []int
}

// PlanReminders decides which jobs to touch when the offsets of an event go
// from previous to next:
//
//  1. next empty: remove everything.
//  2. previous empty: add everything.
//  3. start moved: remove and re-add everything, every scheduled time is wrong.
//  4. otherwise only the difference, so untouched jobs keep their state.
func PlanReminders(previous, next []int, startChanged bool) ReminderPlan {
	previous = types.NormalizeOffsets(previous)
	next = types.NormalizeOffsets(next)

	switch {
	case len(next) == 0:
		return ReminderPlan{Remove: previous}
	case len(previous) == 0:
		return ReminderPlan{Add: next}
	case startChanged:
		return ReminderPlan{Remove: previous, Add: next}
	}

	var plan ReminderPlan
	for _, m := range previous {
		if !slices.Contains(next, m) {
			plan.Remove = append(plan.Remove, m)
		}
	}
	for _, m := range next {
		if !slices.Contains(previous, m) {
			plan.Add = append(plan.Add, m)
		}
	}
	return plan
}

// StartChanged reports whether two start instants differ at minute
// precision.
func StartChanged(before, after time.Time) bool {
	return !before.Truncate(time.Minute).Equal(after.Truncate(time.Minute))
}

// Reconcile brings the reminder jobs of after in line with its offsets,
// given the state before the edit. Removals run before additions so that
// re-added ids get fresh jobs.
func (s *ReminderScheduler) Reconcile(ctx context.Context, before, after *types.Event) error {
	plan := PlanReminders(before.Reminders, after.Reminders, StartChanged(before.StartTime, after.StartTime))

	if err := s.Dequeue(ctx, after.ID, plan.Remove); err != nil {
		return err
	}
	_, err := s.Enqueue(ctx, after, plan.Add)
	return err
}

// ReminderJob is a reminder job with its decoded identity.
type ReminderJob struct {
	*queue.Job
	EventID     string    `json:"eventId"`
	Minutes     int       `json:"minutes"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

func newReminderJob(job *queue.Job) *ReminderJob {
	rj := &ReminderJob{Job: job}
	rj.EventID, rj.Minutes, _ = ParseReminderJobID(job.ID)
	var p types.ReminderJobPayload
	if job.Decode(&p) == nil {
		rj.ScheduledAt = p.ScheduledAt
	}
	return rj
}

// ReminderJobFilter narrows a reminder job listing.
type ReminderJobFilter struct {
	EventID  string
	States   []queue.State
	Page     int
	PageSize int
}

// List returns reminder jobs as {data, total}.
func (s *ReminderScheduler) List(ctx context.Context, filter ReminderJobFilter) (types.ListResult[*ReminderJob], error) {
	jf := queue.JobFilter{States: filter.States, Page: filter.Page, PageSize: filter.PageSize}
	if filter.EventID != "" {
		jf.IDPrefix = ReminderJobPrefix(filter.EventID)
	}

	res, err := s.q.List(ctx, queue.Reminders, jf)
	if err != nil {
		return types.ListResult[*ReminderJob]{}, err
	}
	out := types.ListResult[*ReminderJob]{Data: make([]*ReminderJob, 0, len(res.Data)), Total: res.Total}
	for _, job := range res.Data {
		out.Data = append(out.Data, newReminderJob(job))
	}
	return out, nil
}

// Status returns one reminder job or a not_found_job error.
func (s *ReminderScheduler) Status(ctx context.Context, jobID string) (*ReminderJob, error) {
	job, err := s.q.Get(ctx, queue.Reminders, jobID)
	if err != nil {
		return nil, err
	}
	return newReminderJob(job), nil
}

// Counts returns the number of reminder jobs per state.
func (s *ReminderScheduler) Counts(ctx context.Context) (queue.Counts, error) {
	return s.q.Counts(ctx, queue.Reminders)
}
