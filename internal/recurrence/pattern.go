package recurrence

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"eventbell/internal/types"
)

var patternParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Pattern builds the tick pattern for a rule from the end of the current
// occurrence, expressed in the caller's zone:
//
//	daily    "m h * * *"
//	weekly   "m h * * dow"
//	monthly  "m h dom * *"
//
// Monthly rules anchored after the 28th fire on every day from the 28th to
// the end of the month so that short months still get a tick; the tick
// handler ignores firings while the current occurrence is in the future.
func Pattern(end time.Time, ruleType types.RecurrenceType) (string, error) {
	var p string
	switch ruleType {
	case types.RecurrenceDaily:
		p = fmt.Sprintf("%d %d * * *", end.Minute(), end.Hour())
	case types.RecurrenceWeekly:
		p = fmt.Sprintf("%d %d * * %d", end.Minute(), end.Hour(), int(end.Weekday()))
	case types.RecurrenceMonthly:
		if end.Day() > 28 {
			p = fmt.Sprintf("%d %d 28-31 * *", end.Minute(), end.Hour())
		} else {
			p = fmt.Sprintf("%d %d %d * *", end.Minute(), end.Hour(), end.Day())
		}
	default:
		return "", types.NewAppError(types.ErrCodeValidationRecurrence,
			fmt.Sprintf("unsupported recurrence type %q", ruleType), nil)
	}

	if _, err := patternParser.Parse(p); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "generated an invalid cron pattern", err)
	}
	return p, nil
}
