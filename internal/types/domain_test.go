package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeOffsets(t *testing.T) {
	assert.Nil(t, NormalizeOffsets(nil))
	assert.Equal(t, []int{5, 10, 30}, NormalizeOffsets([]int{30, 10, 5, 10}))

	in := []int{3, 1}
	_ = NormalizeOffsets(in)
	assert.Equal(t, []int{3, 1}, in, "input must not be reordered")
}

func TestEvent_EndTimeAndClone(t *testing.T) {
	desc := "weekly sync"
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	e := &Event{
		ID:              "evt_1",
		StartTime:       start,
		DurationMinutes: 45,
		Description:     &desc,
		Locations:       []string{"Room 1"},
		Reminders:       []int{10},
		Rule:            &RecurrenceRule{ID: "rr_1", Type: RecurrenceWeekly, Interval: 1},
	}

	assert.Equal(t, start.Add(45*time.Minute), e.EndTime())
	assert.True(t, e.IsActive())

	c := e.Clone()
	c.Locations[0] = "Room 2"
	c.Reminders[0] = 99
	*c.Description = "changed"
	c.Rule.Interval = 3

	assert.Equal(t, "Room 1", e.Locations[0])
	assert.Equal(t, 10, e.Reminders[0])
	assert.Equal(t, "weekly sync", *e.Description)
	assert.Equal(t, 1, e.Rule.Interval)
}

func TestRecurrenceRule_Ended(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&RecurrenceRule{}).Ended(now))
	assert.True(t, (&RecurrenceRule{EndDate: &past}).Ended(now))
	assert.False(t, (&RecurrenceRule{EndDate: &future}).Ended(now))
}

func TestRecurrenceType_Valid(t *testing.T) {
	assert.True(t, RecurrenceDaily.Valid())
	assert.True(t, RecurrenceWeekly.Valid())
	assert.True(t, RecurrenceMonthly.Valid())
	assert.False(t, RecurrenceType("yearly").Valid())
}

func TestJobPayloads_WireNames(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	b, err := json.Marshal(ReminderJobPayload{EventID: "evt_1", ScheduledAt: at})
	require.NoError(t, err)
	assert.JSONEq(t, `{"eventId":"evt_1","scheduledAt":"2026-03-02T09:30:00Z"}`, string(b))

	b, err = json.Marshal(RecurrenceJobPayload{EventID: "evt_1", RuleID: "rr_1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"eventId":"evt_1","ruleId":"rr_1"}`, string(b))

	b, err = json.Marshal(NotificationJobPayload{SubscriptionID: "sub_1", Payload: PushPayload{Title: "t", Body: "b"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"subscriptionId":"sub_1","payload":{"title":"t","body":"b"}}`, string(b))
}

func TestNewID_Prefix(t *testing.T) {
	a, b := NewID(PrefixEvent), NewID(PrefixEvent)
	assert.True(t, strings.HasPrefix(a, "evt_"))
	assert.NotEqual(t, a, b)
}

func TestNormalizePage(t *testing.T) {
	off, lim := NormalizePage(0, 0)
	assert.Equal(t, 0, off)
	assert.Equal(t, DefaultPageSize, lim)

	off, lim = NormalizePage(3, 10)
	assert.Equal(t, 20, off)
	assert.Equal(t, 10, lim)

	_, lim = NormalizePage(1, 1000)
	assert.Equal(t, MaxPageSize, lim)
}

func TestSecretString_Redacts(t *testing.T) {
	s := SecretString("vapid-private")

	assert.Equal(t, redactedPlaceholder, s.String())
	assert.NotContains(t, fmt.Sprintf("%v %s %#v", s, s, s), "vapid-private")

	b, err := json.Marshal(struct{ Key SecretString }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "vapid-private")

	assert.Equal(t, "vapid-private", s.Unmask())
	assert.False(t, s.IsZero())
	assert.True(t, SecretString("").IsZero())
}
