package events

import (
	"slices"
	"time"

	"eventbell/internal/scheduler"
	"eventbell/internal/types"
)

func validateInput(in types.EventInput) error {
	for _, m := range in.Reminders {
		if m < 0 {
			return types.NewAppErrorWithDetails(types.ErrCodeValidationReminder,
				"reminder offsets must not be negative", nil, map[string]any{"reminder": m})
		}
	}
	r := in.Recurrence
	if r == nil {
		return nil
	}
	if !r.Type.Valid() {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationRecurrence,
			"recurrence type must be daily, weekly or monthly", nil, map[string]any{"type": r.Type})
	}
	if r.Interval < 0 {
		return types.NewAppError(types.ErrCodeValidationRecurrence, "recurrence interval must be at least 1", nil)
	}
	if r.EndDate != nil && r.EndDate.Before(in.StartTime) {
		return types.NewAppError(types.ErrCodeValidationRecurrence, "recurrence end date is before the start time", nil)
	}
	return nil
}

func newEvent(in types.EventInput, loc *time.Location) (*types.Event, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	e := &types.Event{ID: types.NewID(types.PrefixEvent)}
	applyInput(e, in)
	e.Rule = newRule(e.ID, e.StartTime.In(loc), in.Recurrence)
	return e, nil
}

// applyInput copies the mutable fields of in onto e. The rule is left to
// the caller.
func applyInput(e *types.Event, in types.EventInput) {
	e.Name = in.Name
	e.Description = in.Description
	e.StartTime = in.StartTime.UTC()
	e.DurationMinutes = in.DurationMinutes
	e.Locations = slices.Clone(in.Locations)
	e.Reminders = types.NormalizeOffsets(in.Reminders)
}

// newRule builds the rule for a series starting at start, given in the zone
// the recurrence arithmetic runs in.
func newRule(eventID string, start time.Time, in *types.RecurrenceInput) *types.RecurrenceRule {
	if in == nil {
		return nil
	}
	interval := in.Interval
	if interval == 0 {
		interval = 1
	}
	rule := &types.RecurrenceRule{
		ID:       types.NewID(types.PrefixRule),
		EventID:  eventID,
		Type:     in.Type,
		Interval: interval,
	}
	if in.Type == types.RecurrenceMonthly {
		rule.AnchorDay = start.Day()
	}
	if in.EndDate != nil {
		end := in.EndDate.UTC()
		rule.EndDate = &end
	}
	return rule
}

// RuleUnchanged reports whether the rule of before can be kept for after
// given the requested recurrence. A change to the duration, the start
// minute, the type, the interval or the end date's calendar day needs a new
// rule.
func RuleUnchanged(before, after *types.Event, in *types.RecurrenceInput) bool {
	if before.Rule == nil || in == nil {
		return before.Rule == nil && in == nil
	}
	interval := in.Interval
	if interval == 0 {
		interval = 1
	}
	r := before.Rule
	return before.DurationMinutes == after.DurationMinutes &&
		!scheduler.StartChanged(before.StartTime, after.StartTime) &&
		r.Type == in.Type &&
		r.Interval == interval &&
		sameDay(r.EndDate, in.EndDate)
}

func sameDay(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// InputOf returns the input that would recreate e.
func InputOf(e *types.Event) types.EventInput {
	in := types.EventInput{
		Name:            e.Name,
		Description:     e.Description,
		StartTime:       e.StartTime,
		DurationMinutes: e.DurationMinutes,
		Locations:       slices.Clone(e.Locations),
		Reminders:       slices.Clone(e.Reminders),
	}
	if e.Rule != nil {
		in.Recurrence = &types.RecurrenceInput{
			Type:     e.Rule.Type,
			Interval: e.Rule.Interval,
			EndDate:  e.Rule.EndDate,
		}
	}
	return in
}
