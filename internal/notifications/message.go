package notifications

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"eventbell/internal/types"
)

// Welcome message sent to a device when it first subscribes.
const (
	WelcomeTitle = "Subscribed"
	WelcomeBody  = "You will receive notifications for all events"
)

var untilMagnitudes = []humanize.RelTimeMagnitude{
	{D: 2 * time.Minute, Format: "in 1 minute", DivBy: 1},
	{D: time.Hour, Format: "in %d minutes", DivBy: time.Minute},
	{D: 2 * time.Hour, Format: "in 1 hour", DivBy: 1},
	{D: humanize.Day, Format: "in %d hours", DivBy: time.Hour},
	{D: 2 * humanize.Day, Format: "in 1 day", DivBy: 1},
	{D: humanize.Week, Format: "in %d days", DivBy: humanize.Day},
	{D: 2 * humanize.Week, Format: "in 1 week", DivBy: 1},
	{D: humanize.Month, Format: "in %d weeks", DivBy: humanize.Week},
	{D: 2 * humanize.Month, Format: "in 1 month", DivBy: 1},
	{D: humanize.Year, Format: "in %d months", DivBy: humanize.Month},
	{D: humanize.LongTime, Format: "in %d years", DivBy: humanize.Year},
}

// Until renders the distance from now to t, rounded to the minute, e.g.
// "in 30 minutes".
func Until(t, now time.Time) string {
	d := t.Sub(now).Round(time.Minute)
	return humanize.CustomRelTime(t.Add(-d), t, "", "", untilMagnitudes)
}

// ReminderMessage renders the push message of a reminder for event at now.
// The body prefers the locations and falls back to the description.
func ReminderMessage(event *types.Event, now time.Time) types.PushPayload {
	title := event.Name + " - starting soon"
	if event.StartTime.Sub(now) > time.Minute {
		title = event.Name + " - starting " + Until(event.StartTime, now)
	}

	var body string
	switch {
	case len(event.Locations) > 0:
		body = strings.Join(event.Locations, " - ")
	case event.Description != nil:
		body = *event.Description
	}
	return types.PushPayload{Title: title, Body: body}
}
