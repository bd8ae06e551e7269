package scheduler

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	reminderPrefix   = "rem:"
	recurrencePrefix = "rec:"
)

// ReminderJobID is the queue id of the reminder firing minutes before the
// start of an event. The same pair always yields the same id.
func ReminderJobID(eventID string, minutes int) string {
	return fmt.Sprintf("%s%s:%d", reminderPrefix, eventID, minutes)
}

// ReminderJobPrefix matches every reminder job of one event.
func ReminderJobPrefix(eventID string) string {
	return reminderPrefix + eventID + ":"
}

// ParseReminderJobID splits a reminder job id into its event id and offset.
func ParseReminderJobID(id string) (eventID string, minutes int, ok bool) {
	rest, found := strings.CutPrefix(id, reminderPrefix)
	if !found {
		return "", 0, false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return "", 0, false
	}
	m, err := strconv.Atoi(rest[i+1:])
	if err != nil {
		return "", 0, false
	}
	return rest[:i], m, true
}

// RecurrenceKey is the recurring entry key of a rule.
func RecurrenceKey(ruleID string) string {
	return recurrencePrefix + ruleID
}

// normalizeRecurrenceKey accepts either a rule id or a full entry key.
func normalizeRecurrenceKey(keyOrRuleID string) string {
	if strings.HasPrefix(keyOrRuleID, recurrencePrefix) {
		return keyOrRuleID
	}
	return RecurrenceKey(keyOrRuleID)
}
