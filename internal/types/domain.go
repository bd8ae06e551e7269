package types

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// ID prefixes for the persisted entities.
const (
	PrefixEvent        = "evt_"
	PrefixRule         = "rr_"
	PrefixSubscription = "sub_"
	PrefixNotification = "ntf_"
)

// NewID returns a random identifier with the given prefix.
func NewID(prefix string) string {
	return prefix + uuid.NewString()
}

// RecurrenceType is the period unit of a recurrence rule.
type RecurrenceType string

const (
	RecurrenceDaily   RecurrenceType = "daily"
	RecurrenceWeekly  RecurrenceType = "weekly"
	RecurrenceMonthly RecurrenceType = "monthly"
)

// Valid reports whether t is one of the supported rule types.
func (t RecurrenceType) Valid() bool {
	switch t {
	case RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
		return true
	}
	return false
}

// RecurrenceRule belongs to exactly one event at a time. When a tick
// materializes the next occurrence the rule moves to the new event.
type RecurrenceRule struct {
	ID        string         `json:"id"`
	EventID   string         `json:"eventId"`
	Type      RecurrenceType `json:"type"`
	Interval  int            `json:"interval"`
	EndDate   *time.Time     `json:"endDate,omitempty"`
	// AnchorDay is the day of month a monthly series started on. Occurrences
	// in shorter months are clamped, later ones return to this day.
	AnchorDay int            `json:"anchorDay,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Ended reports whether the rule's end date is strictly before now.
func (r *RecurrenceRule) Ended(now time.Time) bool {
	return r.EndDate != nil && now.After(*r.EndDate)
}

// Event is one concrete occurrence of a (possibly recurring) calendar event.
// Rows are soft-deleted so that in-flight jobs can still resolve them.
type Event struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     *string         `json:"description,omitempty"`
	StartTime       time.Time       `json:"startTime"`
	DurationMinutes int             `json:"durationMinutes"`
	Locations       []string        `json:"locations"`
	Reminders       []int           `json:"reminders"`
	Rule            *RecurrenceRule `json:"recurrenceRule,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	DeletedAt       *time.Time      `json:"deletedAt,omitempty"`
}

// EndTime returns the end of the occurrence (start + duration).
func (e *Event) EndTime() time.Time {
	return e.StartTime.Add(time.Duration(e.DurationMinutes) * time.Minute)
}

// IsActive reports whether the event has not been soft-deleted.
func (e *Event) IsActive() bool {
	return e.DeletedAt == nil
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	c := *e
	c.Locations = slices.Clone(e.Locations)
	c.Reminders = slices.Clone(e.Reminders)
	if e.Description != nil {
		d := *e.Description
		c.Description = &d
	}
	if e.Rule != nil {
		r := *e.Rule
		c.Rule = &r
	}
	return &c
}

// RecurrenceInput is the caller-supplied recurrence policy for an event.
type RecurrenceInput struct {
	Type     RecurrenceType `json:"type" validate:"required,oneof=daily weekly monthly"`
	Interval int            `json:"interval,omitempty" validate:"omitempty,min=1,max=365"`
	EndDate  *time.Time     `json:"endDate,omitempty"`
}

// EventInput carries the mutable fields of an event for create and update.
// A nil Recurrence clears the rule on update.
type EventInput struct {
	Name            string           `json:"name" validate:"required,max=200"`
	Description     *string          `json:"description,omitempty" validate:"omitempty,max=2000"`
	StartTime       time.Time        `json:"startTime" validate:"required"`
	DurationMinutes int              `json:"durationMinutes" validate:"min=0,max=10080"`
	Locations       []string         `json:"locations,omitempty" validate:"omitempty,max=20,dive,max=200"`
	Reminders       []int            `json:"reminders,omitempty" validate:"omitempty,max=20,dive,min=0,max=40320"`
	Recurrence      *RecurrenceInput `json:"recurrence,omitempty"`
}

// SortOrder selects ascending or descending start time ordering.
type SortOrder string

const (
	SortAscend  SortOrder = "ascend"
	SortDescend SortOrder = "descend"
)

// EventFilter narrows an event listing.
type EventFilter struct {
	StartFrom *time.Time
	StartTo   *time.Time
	Name      string
	Sort      SortOrder
	Page      int
	PageSize  int
}

// Subscription is a push endpoint registered by a device.
type Subscription struct {
	ID         string     `json:"id"`
	Endpoint   string     `json:"endpoint"`
	Auth       string     `json:"auth"`
	P256dh     string     `json:"p256dh"`
	DeviceCode string     `json:"deviceCode"`
	UserAgent  string     `json:"userAgent,omitempty"`
	Key        string     `json:"key"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

// SubscriptionInput registers or refreshes a device's push endpoint.
type SubscriptionInput struct {
	Endpoint   string `json:"endpoint" validate:"required,url"`
	Auth       string `json:"auth" validate:"required"`
	P256dh     string `json:"p256dh" validate:"required"`
	DeviceCode string `json:"deviceCode" validate:"required,max=200"`
	UserAgent  string `json:"userAgent,omitempty" validate:"omitempty,max=500"`
}

// SubscriptionPatch is a partial update of a subscription.
type SubscriptionPatch struct {
	Endpoint  *string `json:"endpoint,omitempty" validate:"omitempty,url"`
	Auth      *string `json:"auth,omitempty"`
	P256dh    *string `json:"p256dh,omitempty"`
	UserAgent *string `json:"userAgent,omitempty" validate:"omitempty,max=500"`
}

// SubscriptionFilter narrows a subscription listing.
type SubscriptionFilter struct {
	EndpointPrefix string
	Page           int
	PageSize       int
}

// DefaultPushIcon is used when a payload does not name an icon.
const DefaultPushIcon = "/images/icon_128x128.png"

// PushPayload is the JSON document delivered to the browser.
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
}

// ReminderJobPayload is the body of a reminder job.
type ReminderJobPayload struct {
	EventID     string    `json:"eventId"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

// RecurrenceJobPayload is the body of a recurrence tick.
type RecurrenceJobPayload struct {
	EventID string `json:"eventId"`
	RuleID  string `json:"ruleId"`
}

// NotificationJobPayload is the body of a notification delivery job. Either
// SubscriptionID or an inline Subscription must be set; the ID is preferred
// so that the worker reads the subscription fresh.
type NotificationJobPayload struct {
	SubscriptionID string        `json:"subscriptionId,omitempty"`
	Subscription   *Subscription `json:"subscription,omitempty"`
	Payload        PushPayload   `json:"payload"`
}

// NormalizeOffsets returns the distinct offsets in ascending order.
func NormalizeOffsets(offsets []int) []int {
	if len(offsets) == 0 {
		return nil
	}
	out := slices.Clone(offsets)
	slices.Sort(out)
	return slices.Compact(out)
}
