package scheduler

import (
	"context"
	"time"

	"eventbell/internal/queue"
	"eventbell/internal/recurrence"
	"eventbell/internal/types"
)

// StaleWindow is the largest distance between a reminder's intended time and
// the moment it runs. Reminders outside the window are dropped, which keeps
// a queue backlog from replaying old reminders after an outage.
const StaleWindow = 5 * time.Minute

// IsStale reports whether a reminder scheduled at scheduledAt must be
// skipped when it runs at now.
func IsStale(scheduledAt, now time.Time) bool {
	d := now.Sub(scheduledAt)
	return d > StaleWindow || d < -StaleWindow
}

// EventGetter reads an event fresh from the store.
type EventGetter interface {
	Get(ctx context.Context, id string) (*types.Event, error)
}

// TickStore resolves the current owner of a rule.
type TickStore interface {
	EventGetter
	GetRule(ctx context.Context, ruleID string) (*types.RecurrenceRule, error)
}

// Notifier delivers a payload to every live subscription. sourceJobID keys
// the deliveries so that a retried job does not notify twice.
type Notifier interface {
	NotifyAll(ctx context.Context, sourceJobID string, payload types.PushPayload) (int, error)
}

// PayloadBuilder renders the push message of a reminder.
type PayloadBuilder func(event *types.Event, now time.Time) types.PushPayload

// Materializer creates the next occurrence of a recurring event and moves
// the rule and its schedule to it.
type Materializer interface {
	MaterializeOccurrence(ctx context.Context, current *types.Event, start time.Time) (*types.Event, error)
}

// ReminderHandler runs reminder jobs.
type ReminderHandler struct {
	events   EventGetter
	notifier Notifier
	build    PayloadBuilder
	clock    types.Clock
	logger   types.Logger
}

// NewReminderHandler creates a ReminderHandler.
func NewReminderHandler(events EventGetter, notifier Notifier, build PayloadBuilder, clock types.Clock, logger types.Logger) *ReminderHandler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &ReminderHandler{events: events, notifier: notifier, build: build, clock: clock, logger: logger}
}

// Handle implements queue.Handler.
func (h *ReminderHandler) Handle(ctx context.Context, job *queue.Job) error {
	var p types.ReminderJobPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	logger := h.logger.With("job_id", job.ID, "event_id", p.EventID)

	now := h.clock.Now()
	if IsStale(p.ScheduledAt, now) {
		logger.Info("skipping stale reminder", "scheduled_at", p.ScheduledAt, "lag", now.Sub(p.ScheduledAt).String())
		return nil
	}

	event, err := h.events.Get(ctx, p.EventID)
	if err != nil {
		if types.IsNotFound(err) {
			logger.Info("skipping reminder, event not found")
			return nil
		}
		return err
	}
	if !event.IsActive() {
		logger.Info("skipping reminder, event deleted")
		return nil
	}

	n, err := h.notifier.NotifyAll(ctx, job.ID, h.build(event, now))
	if err != nil {
		logger.Warn("reminder fan-out incomplete", "queued", n, "error", err)
		return err
	}
	logger.Info("reminder dispatched", "subscriptions", n)
	return nil
}

// TickHandler runs recurrence ticks.
type TickHandler struct {
	store        TickStore
	materializer Materializer
	recurrences  *RecurrenceScheduler
	clock        types.Clock
	logger       types.Logger
}

// NewTickHandler creates a TickHandler. The recurrence scheduler provides
// the zone occurrences are computed in and removes entries that have run
// past their end date.
func NewTickHandler(store TickStore, materializer Materializer, recurrences *RecurrenceScheduler, clock types.Clock, logger types.Logger) *TickHandler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &TickHandler{store: store, materializer: materializer, recurrences: recurrences, clock: clock, logger: logger}
}

// Handle implements queue.Handler. Failed checks are logged and swallowed;
// only store failures are returned for retry.
func (h *TickHandler) Handle(ctx context.Context, job *queue.Job) error {
	var p types.RecurrenceJobPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	logger := h.logger.With("job_id", job.ID, "rule_id", p.RuleID)

	created, err := h.tick(ctx, p, logger)
	if err != nil {
		switch {
		case types.IsNotFound(err):
			logger.Info("skipping tick, row disappeared", "error", err)
			return nil
		case types.CodeOf(err) == types.ErrCodeConflictEventExists:
			logger.Info("skipping tick, occurrence already exists", "error", err)
			return nil
		}
		return err
	}
	if created != nil {
		logger.Info("occurrence materialized", "event_id", created.ID, "start_time", created.StartTime)
	}
	return nil
}

func (h *TickHandler) tick(ctx context.Context, p types.RecurrenceJobPayload, logger types.Logger) (*types.Event, error) {
	rule, err := h.store.GetRule(ctx, p.RuleID)
	if err != nil {
		return nil, err
	}
	event, err := h.store.Get(ctx, rule.EventID)
	if err != nil {
		return nil, err
	}
	logger = logger.With("event_id", event.ID)

	now := h.clock.Now()
	switch {
	case !event.IsActive():
		logger.Info("skipping tick, event deleted")
		return nil, nil
	case event.Rule == nil || event.Rule.ID != p.RuleID:
		logger.Info("skipping tick, rule replaced")
		return nil, nil
	case event.Rule.Ended(now):
		logger.Info("skipping tick, rule ended", "end_date", event.Rule.EndDate)
		return nil, nil
	case event.StartTime.After(now):
		logger.Info("skipping tick, occurrence not started", "start_time", event.StartTime)
		return nil, nil
	}

	r := event.Rule
	next := recurrence.NextOccurrenceOnDay(event.StartTime.In(h.recurrences.Location()), r.Type, r.Interval, r.AnchorDay, now)
	if event.Rule.EndDate != nil && next.After(*event.Rule.EndDate) {
		logger.Info("recurrence finished, next occurrence is past the end date", "next", next)
		return nil, h.recurrences.Dequeue(ctx, event.Rule.ID)
	}

	return h.materializer.MaterializeOccurrence(ctx, event, next.UTC())
}
