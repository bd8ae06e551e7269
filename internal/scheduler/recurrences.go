package scheduler

import (
	"context"
	"time"

	"eventbell/internal/queue"
	"eventbell/internal/recurrence"
	"eventbell/internal/types"
)

// RecurrenceScheduler keeps one recurring entry per rule on the recurrences
// queue. The entry fires at the end of every occurrence and its tick
// materializes the next one.
type RecurrenceScheduler struct {
	q      queue.Queue
	clock  types.Clock
	loc    *time.Location
	logger types.Logger
}

// NewRecurrenceScheduler creates a RecurrenceScheduler. Patterns are built
// and evaluated in loc.
func NewRecurrenceScheduler(q queue.Queue, clock types.Clock, loc *time.Location, logger types.Logger) *RecurrenceScheduler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &RecurrenceScheduler{q: q, clock: clock, loc: loc, logger: logger}
}

// Location returns the zone patterns are evaluated in.
func (s *RecurrenceScheduler) Location() *time.Location {
	return s.loc
}

// Enqueue creates or replaces the recurring entry of rule, anchored at the
// end of event. An ended rule schedules nothing and returns nil.
func (s *RecurrenceScheduler) Enqueue(ctx context.Context, event *types.Event, rule *types.RecurrenceRule) (*queue.RecurringEntry, error) {
	if rule == nil || rule.Ended(s.clock.Now()) {
		return nil, nil
	}

	pattern, err := recurrence.Pattern(event.EndTime().In(s.loc), rule.Type)
	if err != nil {
		return nil, err
	}

	spec := queue.RecurringSpec{Pattern: pattern, Timezone: s.loc.String(), EndDate: rule.EndDate}
	entry, err := s.q.UpsertRecurring(ctx, queue.Recurrences, RecurrenceKey(rule.ID), spec,
		types.RecurrenceJobPayload{EventID: event.ID, RuleID: rule.ID})
	if err != nil {
		return nil, err
	}

	s.logger.Info("recurrence scheduled",
		"event_id", event.ID,
		"rule_id", rule.ID,
		"pattern", pattern,
		"next", entry.NextRunAt,
	)
	return entry, nil
}

// Dequeue removes the recurring entry of a rule. A missing entry is a no-op.
func (s *RecurrenceScheduler) Dequeue(ctx context.Context, ruleID string) error {
	if err := s.q.RemoveRecurring(ctx, queue.Recurrences, RecurrenceKey(ruleID)); err != nil {
		return err
	}
	s.logger.Info("recurrence removed", "rule_id", ruleID)
	return nil
}

// RecurrenceStatus is the inspection view of a recurring entry.
type RecurrenceStatus struct {
	Key      string     `json:"key"`
	RuleID   string     `json:"ruleId"`
	EventID  string     `json:"eventId"`
	Pattern  string     `json:"pattern"`
	Timezone string     `json:"tz"`
	Next     time.Time  `json:"next"`
	EndDate  *time.Time `json:"endDate,omitempty"`
	LastRun  *time.Time `json:"lastRunAt,omitempty"`
}

func newRecurrenceStatus(entry *queue.RecurringEntry) *RecurrenceStatus {
	st := &RecurrenceStatus{
		Key:      entry.Key,
		Pattern:  entry.Pattern,
		Timezone: entry.Timezone,
		Next:     entry.NextRunAt,
		EndDate:  entry.EndDate,
		LastRun:  entry.LastRunAt,
	}
	var p types.RecurrenceJobPayload
	if entry.Decode(&p) == nil {
		st.RuleID, st.EventID = p.RuleID, p.EventID
	}
	return st
}

// List returns the recurring entries as {data, total}.
func (s *RecurrenceScheduler) List(ctx context.Context, page, pageSize int) (types.ListResult[*RecurrenceStatus], error) {
	res, err := s.q.ListRecurring(ctx, queue.Recurrences, page, pageSize)
	if err != nil {
		return types.ListResult[*RecurrenceStatus]{}, err
	}
	out := types.ListResult[*RecurrenceStatus]{Data: make([]*RecurrenceStatus, 0, len(res.Data)), Total: res.Total}
	for _, e := range res.Data {
		out.Data = append(out.Data, newRecurrenceStatus(e))
	}
	return out, nil
}

// Status looks an entry up by key or rule id.
func (s *RecurrenceScheduler) Status(ctx context.Context, keyOrRuleID string) (*RecurrenceStatus, error) {
	entry, err := s.q.GetRecurring(ctx, queue.Recurrences, normalizeRecurrenceKey(keyOrRuleID))
	if err != nil {
		return nil, err
	}
	return newRecurrenceStatus(entry), nil
}
