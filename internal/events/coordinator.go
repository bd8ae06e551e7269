// Package events owns the lifecycle of calendar events. Every write goes
// through the Coordinator, which persists the row and then brings the
// reminder jobs and the recurrence entry in line with it.
package events

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"eventbell/internal/scheduler"
	"eventbell/internal/types"
)

// Store is the persistence the Coordinator needs. db.EventRepository
// implements it.
type Store interface {
	Create(ctx context.Context, e *types.Event) error
	Get(ctx context.Context, id string) (*types.Event, error)
	List(ctx context.Context, f types.EventFilter) (types.ListResult[*types.Event], error)
	// Update reports the id of the rule row it removed when replaceRule is
	// set, or "" when the event no longer owned one.
	Update(ctx context.Context, e *types.Event, replaceRule bool) (removedRuleID string, err error)
	SoftDelete(ctx context.Context, id string) error
	GetRule(ctx context.Context, ruleID string) (*types.RecurrenceRule, error)
	Materialize(ctx context.Context, ruleID, fromEventID string, next *types.Event) error
}

// batchConcurrency bounds parallel creates in BatchCreate.
const batchConcurrency = 4

// Coordinator implements the event operations.
type Coordinator struct {
	store       Store
	reminders   *scheduler.ReminderScheduler
	recurrences *scheduler.RecurrenceScheduler
	clock       types.Clock
	logger      types.Logger
}

// CoordinatorConfig holds the dependencies of a Coordinator.
type CoordinatorConfig struct {
	Store       Store
	Reminders   *scheduler.ReminderScheduler
	Recurrences *scheduler.RecurrenceScheduler
	Clock       types.Clock
	Logger      types.Logger
}

// NewCoordinator creates a Coordinator. A nil Clock means RealClock and a
// nil Logger discards output.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Coordinator{
		store:       cfg.Store,
		reminders:   cfg.Reminders,
		recurrences: cfg.Recurrences,
		clock:       clock,
		logger:      logger,
	}
}

// Create persists a new event, then schedules its recurrence entry and its
// reminders. A conflict leaves no schedule behind.
func (c *Coordinator) Create(ctx context.Context, in types.EventInput) (*types.Event, error) {
	e, err := newEvent(in, c.recurrences.Location())
	if err != nil {
		return nil, err
	}
	if err := c.store.Create(ctx, e); err != nil {
		return nil, err
	}

	logger := c.logger.With("event_id", e.ID)
	if e.Rule != nil {
		if _, err := c.recurrences.Enqueue(ctx, e, e.Rule); err != nil {
			return nil, err
		}
	}
	if len(e.Reminders) > 0 {
		if _, err := c.reminders.Enqueue(ctx, e, e.Reminders); err != nil {
			return nil, err
		}
	}
	logger.Info("event created", "start_time", e.StartTime, "reminders", len(e.Reminders), "recurring", e.Rule != nil)
	return e, nil
}

// Get returns an active event.
func (c *Coordinator) Get(ctx context.Context, id string) (*types.Event, error) {
	return c.store.Get(ctx, id)
}

// List returns a page of active events.
func (c *Coordinator) List(ctx context.Context, f types.EventFilter) (types.ListResult[*types.Event], error) {
	return c.store.List(ctx, f)
}

// Update replaces the mutable fields of an event, then reconciles the
// recurrence entry and the reminder jobs against the previous state. The
// two run concurrently since they touch different queues.
func (c *Coordinator) Update(ctx context.Context, id string, in types.EventInput) (*types.Event, error) {
	before, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	after := before.Clone()
	applyInput(after, in)

	replaceRule := !RuleUnchanged(before, after, in.Recurrence)
	if replaceRule {
		after.Rule = newRule(after.ID, after.StartTime.In(c.recurrences.Location()), in.Recurrence)
	}
	removedRuleID, err := c.store.Update(ctx, after, replaceRule)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	if replaceRule {
		if before.Rule != nil && removedRuleID == "" {
			c.logger.Info("rule moved to a later occurrence, keeping its entry",
				"event_id", after.ID, "rule_id", before.Rule.ID)
		}
		g.Go(func() error {
			if removedRuleID != "" {
				if err := c.recurrences.Dequeue(gctx, removedRuleID); err != nil {
					return err
				}
			}
			if after.Rule != nil {
				_, err := c.recurrences.Enqueue(gctx, after, after.Rule)
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		return c.reminders.Reconcile(gctx, before, after)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.logger.Info("event updated", "event_id", after.ID, "rule_replaced", replaceRule)
	return after, nil
}

// Delete soft-deletes an event and cancels its recurrence entry and its
// reminders. Subscriptions are not touched.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	before, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := c.store.SoftDelete(ctx, id); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if before.Rule != nil {
		g.Go(func() error {
			owned, err := c.ownsRule(gctx, before.ID, before.Rule.ID)
			if err != nil || !owned {
				return err
			}
			return c.recurrences.Dequeue(gctx, before.Rule.ID)
		})
	}
	g.Go(func() error {
		return c.reminders.Dequeue(gctx, before.ID, before.Reminders)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	c.logger.Info("event deleted", "event_id", id)
	return nil
}

// ownsRule re-reads the rule so that a tick which handed it to a later
// occurrence meanwhile does not lose that occurrence's entry.
func (c *Coordinator) ownsRule(ctx context.Context, eventID, ruleID string) (bool, error) {
	rule, err := c.store.GetRule(ctx, ruleID)
	if err != nil {
		if types.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	if rule.EventID != eventID {
		c.logger.Info("rule moved to a later occurrence, keeping its entry",
			"event_id", eventID, "rule_id", ruleID, "owner", rule.EventID)
		return false, nil
	}
	return true, nil
}

// Copy creates a new event with the fields of an existing one at a new
// start time. The copy gets its own rule and schedule.
func (c *Coordinator) Copy(ctx context.Context, id string, start time.Time) (*types.Event, error) {
	src, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	in := InputOf(src)
	in.StartTime = start
	return c.Create(ctx, in)
}

// BatchItemError reports the failure of one input of a batch.
type BatchItemError struct {
	Index   int             `json:"index"`
	Code    types.ErrorCode `json:"code"`
	Message string          `json:"message"`
}

// BatchResult lists the created events in input order and the failures.
type BatchResult struct {
	Created []*types.Event   `json:"created"`
	Errors  []BatchItemError `json:"errors"`
}

// BatchCreate creates each input independently; one failure does not stop
// the others.
func (c *Coordinator) BatchCreate(ctx context.Context, inputs []types.EventInput) BatchResult {
	created := make([]*types.Event, len(inputs))
	errs := make([]error, len(inputs))

	var g errgroup.Group
	g.SetLimit(batchConcurrency)
	for i, in := range inputs {
		g.Go(func() error {
			created[i], errs[i] = c.Create(ctx, in)
			return nil
		})
	}
	_ = g.Wait()

	res := BatchResult{Created: []*types.Event{}, Errors: []BatchItemError{}}
	for i := range inputs {
		if errs[i] != nil {
			item := BatchItemError{Index: i}
			var appErr *types.AppError
			if errors.As(errs[i], &appErr) {
				item.Code, item.Message = appErr.Code, appErr.Message
			} else {
				item.Code = types.ErrCodeInternalUnexpected
				item.Message = "unexpected error"
				c.logger.Error("batch create failed", "index", i, "error", errs[i])
			}
			res.Errors = append(res.Errors, item)
			continue
		}
		res.Created = append(res.Created, created[i])
	}
	return res
}

// MaterializeOccurrence creates the occurrence of current at start and
// hands the rule over to it, then schedules the new occurrence. The
// historical event keeps its row and loses the rule.
func (c *Coordinator) MaterializeOccurrence(ctx context.Context, current *types.Event, start time.Time) (*types.Event, error) {
	if current.Rule == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundRecurrence, "event has no recurrence rule", nil)
	}

	next := current.Clone()
	next.ID = types.NewID(types.PrefixEvent)
	next.StartTime = start
	next.DeletedAt = nil
	next.Rule.EventID = next.ID

	if err := c.store.Materialize(ctx, current.Rule.ID, current.ID, next); err != nil {
		return nil, err
	}

	if _, err := c.recurrences.Enqueue(ctx, next, next.Rule); err != nil {
		return nil, err
	}
	if len(next.Reminders) > 0 {
		if _, err := c.reminders.Enqueue(ctx, next, next.Reminders); err != nil {
			return nil, err
		}
	}
	return next, nil
}
