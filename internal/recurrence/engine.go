// Package recurrence computes occurrence instants and cron patterns for
// recurring events. It performs no I/O and holds no timezone policy: callers
// pass instants already in the zone they want the arithmetic done in.
package recurrence

import (
	"time"

	"eventbell/internal/types"
)

// NextOccurrence returns the first instant strictly after now that lies a
// whole number of periods after anchor. The period is interval days, weeks or
// months depending on ruleType.
//
// The anchor must be the event's current start. A backlog of missed periods
// collapses into one forward jump.
//
// Monthly steps land on the anchor's day of month, clamped to the last day
// of the target month. Since the anchor is the current start, a clamped
// occurrence carries its shorter day forward; use NextOccurrenceOnDay to
// keep the day the series started on.
func NextOccurrence(anchor time.Time, ruleType types.RecurrenceType, interval int, now time.Time) time.Time {
	return NextOccurrenceOnDay(anchor, ruleType, interval, anchor.Day(), now)
}

// NextOccurrenceOnDay is NextOccurrence with monthly steps aimed at day
// rather than at the anchor's own day, so a series that started on Jan 31
// runs Jan 31, Feb 28 (or 29), Mar 31. A day of zero, or one before the
// anchor's day, falls back to the anchor's day. Daily and weekly rules
// ignore day.
func NextOccurrenceOnDay(anchor time.Time, ruleType types.RecurrenceType, interval, day int, now time.Time) time.Time {
	if interval < 1 {
		interval = 1
	}
	day = max(day, anchor.Day())

	switch ruleType {
	case types.RecurrenceDaily, types.RecurrenceWeekly:
		period := 24 * time.Hour * time.Duration(interval)
		days := interval
		if ruleType == types.RecurrenceWeekly {
			period *= 7
			days *= 7
		}
		// Skip whole periods in one step, then walk the calendar so that DST
		// transitions keep the wall-clock time.
		k := 0
		if now.After(anchor) {
			k = int(now.Sub(anchor) / period)
			if k > 0 {
				k--
			}
		}
		next := anchor.AddDate(0, 0, days*k)
		for !next.After(now) {
			k++
			next = anchor.AddDate(0, 0, days*k)
		}
		return next

	case types.RecurrenceMonthly:
		k := 0
		if now.After(anchor) {
			k = monthsBetween(anchor, now) / interval
			if k > 0 {
				k--
			}
		}
		next := addMonthsOnDay(anchor, interval*k, day)
		for !next.After(now) {
			k++
			next = addMonthsOnDay(anchor, interval*k, day)
		}
		return next
	}

	return anchor
}

// AddMonthsClamped adds n months to t, clamping the day to the last day of
// the resulting month instead of overflowing into the next one.
func AddMonthsClamped(t time.Time, n int) time.Time {
	return addMonthsOnDay(t, n, t.Day())
}

func addMonthsOnDay(t time.Time, n, day int) time.Time {
	y, m, _ := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return first.AddDate(0, 0, day-1)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func monthsBetween(from, to time.Time) int {
	fy, fm, _ := from.Date()
	ty, tm, _ := to.Date()
	n := (ty-fy)*12 + int(tm-fm)
	if n < 0 {
		return 0
	}
	return n
}
