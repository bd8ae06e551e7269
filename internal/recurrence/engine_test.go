package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"eventbell/internal/types"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestNextOccurrence_WeeklyIntervalTwo(t *testing.T) {
	anchor := utc(2026, time.March, 2, 10, 0) // Monday
	now := anchor.Add(time.Hour)

	next := NextOccurrence(anchor, types.RecurrenceWeekly, 2, now)

	assert.Equal(t, utc(2026, time.March, 16, 10, 0), next)
	assert.Equal(t, time.Monday, next.Weekday())
}

func TestNextOccurrence_DailyBacklogCollapses(t *testing.T) {
	anchor := utc(2026, time.January, 1, 8, 30)
	now := utc(2026, time.January, 10, 9, 0)

	next := NextOccurrence(anchor, types.RecurrenceDaily, 1, now)

	assert.Equal(t, utc(2026, time.January, 11, 8, 30), next)
}

func TestNextOccurrence_AnchorInFuture(t *testing.T) {
	anchor := utc(2026, time.June, 1, 12, 0)
	now := utc(2026, time.May, 1, 12, 0)

	// Zero periods after the anchor is already after now.
	next := NextOccurrence(anchor, types.RecurrenceDaily, 1, now)
	assert.Equal(t, anchor, next)
}

func TestNextOccurrence_ExactlyNowIsNotAfter(t *testing.T) {
	anchor := utc(2026, time.April, 1, 9, 0)
	now := utc(2026, time.April, 3, 9, 0)

	next := NextOccurrence(anchor, types.RecurrenceDaily, 1, now)
	assert.Equal(t, utc(2026, time.April, 4, 9, 0), next)
}

func TestNextOccurrence_MonthlyClamp(t *testing.T) {
	anchor := utc(2026, time.January, 31, 18, 0)

	next := NextOccurrence(anchor, types.RecurrenceMonthly, 1, anchor.Add(time.Minute))
	assert.Equal(t, utc(2026, time.February, 28, 18, 0), next)

	next = NextOccurrence(anchor, types.RecurrenceMonthly, 1, utc(2026, time.March, 1, 0, 0))
	assert.Equal(t, utc(2026, time.March, 31, 18, 0), next, "steps are measured from the anchor, not chained")

	leap := utc(2028, time.January, 31, 18, 0)
	assert.Equal(t, utc(2028, time.February, 29, 18, 0), NextOccurrence(leap, types.RecurrenceMonthly, 1, leap))
}

func TestNextOccurrenceOnDay_ChainedMonthsKeepDay(t *testing.T) {
	jan := utc(2026, time.January, 31, 18, 0)

	feb := NextOccurrenceOnDay(jan, types.RecurrenceMonthly, 1, 31, jan.Add(time.Hour))
	assert.Equal(t, utc(2026, time.February, 28, 18, 0), feb)

	mar := NextOccurrenceOnDay(feb, types.RecurrenceMonthly, 1, 31, feb.Add(time.Hour))
	assert.Equal(t, utc(2026, time.March, 31, 18, 0), mar)

	apr := NextOccurrenceOnDay(mar, types.RecurrenceMonthly, 1, 31, mar.Add(time.Hour))
	assert.Equal(t, utc(2026, time.April, 30, 18, 0), apr)

	assert.Equal(t, utc(2026, time.March, 28, 18, 0),
		NextOccurrence(feb, types.RecurrenceMonthly, 1, feb.Add(time.Hour)), "without a day the clamp carries over")

	late := utc(2026, time.March, 29, 0, 0)
	assert.Equal(t, utc(2026, time.March, 31, 18, 0), NextOccurrenceOnDay(feb, types.RecurrenceMonthly, 1, 31, late))
}

func TestNextOccurrenceOnDay_FallsBackToAnchorDay(t *testing.T) {
	anchor := utc(2026, time.March, 15, 9, 0)
	now := anchor.Add(time.Hour)

	assert.Equal(t, utc(2026, time.April, 15, 9, 0), NextOccurrenceOnDay(anchor, types.RecurrenceMonthly, 1, 0, now))
	assert.Equal(t, utc(2026, time.April, 15, 9, 0), NextOccurrenceOnDay(anchor, types.RecurrenceMonthly, 1, 3, now))
	assert.Equal(t, utc(2026, time.March, 16, 9, 0), NextOccurrenceOnDay(anchor, types.RecurrenceDaily, 1, 31, now))
}

func TestNextOccurrence_MonthlyInterval(t *testing.T) {
	anchor := utc(2026, time.January, 15, 7, 0)
	now := utc(2026, time.August, 20, 0, 0)

	next := NextOccurrence(anchor, types.RecurrenceMonthly, 3, now)
	assert.Equal(t, utc(2026, time.October, 15, 7, 0), next)
}

func TestNextOccurrence_Properties(t *testing.T) {
	anchors := []time.Time{
		utc(2025, time.December, 31, 23, 59),
		utc(2026, time.February, 28, 0, 0),
		utc(2026, time.July, 4, 12, 0),
	}
	nows := []time.Time{
		utc(2026, time.March, 1, 0, 0),
		utc(2026, time.September, 17, 13, 45),
		utc(2027, time.January, 1, 0, 0),
	}
	ruleTypes := []types.RecurrenceType{types.RecurrenceDaily, types.RecurrenceWeekly, types.RecurrenceMonthly}

	for _, a := range anchors {
		for _, now := range nows {
			for _, rt := range ruleTypes {
				for _, interval := range []int{1, 2, 5} {
					next := NextOccurrence(a, rt, interval, now)
					assert.True(t, next.After(now), "%s x%d from %v at %v gave %v", rt, interval, a, now, next)

					prev := step(a, rt, interval, next, -1)
					if prev.After(a) || prev.Equal(a) {
						assert.False(t, prev.After(now), "previous multiple %v must not be after now", prev)
					}

					later := NextOccurrence(a, rt, interval, next)
					assert.True(t, later.After(next), "monotonic")

					if rt == types.RecurrenceDaily || rt == types.RecurrenceWeekly {
						period := 24 * time.Hour * time.Duration(interval)
						if rt == types.RecurrenceWeekly {
							period *= 7
						}
						assert.Zero(t, next.Sub(a)%period, "whole multiple of the period")
					}
				}
			}
		}
	}
}

// step moves one period from next in direction dir, measured from anchor.
func step(anchor time.Time, rt types.RecurrenceType, interval int, next time.Time, dir int) time.Time {
	switch rt {
	case types.RecurrenceMonthly:
		months := monthsBetween(anchor, next)
		return AddMonthsClamped(anchor, months+dir*interval)
	case types.RecurrenceWeekly:
		return next.AddDate(0, 0, 7*interval*dir)
	default:
		return next.AddDate(0, 0, interval*dir)
	}
}

func TestNextOccurrence_ZeroIntervalTreatedAsOne(t *testing.T) {
	anchor := utc(2026, time.March, 2, 10, 0)
	assert.Equal(t, utc(2026, time.March, 3, 10, 0), NextOccurrence(anchor, types.RecurrenceDaily, 0, anchor))
}

func TestNextOccurrence_DSTKeepsWallClock(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	anchor := time.Date(2026, time.March, 7, 9, 0, 0, 0, ny) // day before DST starts
	next := NextOccurrence(anchor, types.RecurrenceDaily, 1, anchor)
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 8, next.Day())
}

func TestAddMonthsClamped(t *testing.T) {
	assert.Equal(t, utc(2026, time.April, 30, 1, 2), AddMonthsClamped(utc(2026, time.March, 31, 1, 2), 1))
	assert.Equal(t, utc(2027, time.January, 31, 0, 0), AddMonthsClamped(utc(2026, time.December, 31, 0, 0), 1))
	assert.Equal(t, utc(2026, time.May, 15, 0, 0), AddMonthsClamped(utc(2026, time.May, 15, 0, 0), 0))
}
