// Package queue is the durable job queue behind reminder, recurrence and
// notification delivery. Jobs are keyed by caller-chosen ids so that
// repeated scheduling converges on one job per key. Recurring entries are a
// separate primitive: a cron pattern plus optional end date that re-fires a
// fresh job on every tick.
//
// Two stores implement the contract: PostgresStore for production and
// MemoryStore for tests and local runs. SQSEnqueuer covers the enqueue-only
// path when notification delivery runs on Lambda.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"eventbell/internal/types"
)

// Name identifies a logical queue.
type Name string

const (
	Notifications Name = "notifications"
	Reminders     Name = "reminders"
	Recurrences   Name = "recurrences"
)

// State is the lifecycle state of a job. Delayed is derived on read for
// waiting jobs whose run time is in the future.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// BackoffType selects how retry delays grow.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// MaxBackoff caps exponential retry delays.
const MaxBackoff = time.Hour

// Backoff is the retry spacing policy of a job.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// JobOptions control when a job first runs and how it is retried.
type JobOptions struct {
	Delay    time.Duration
	Attempts int
	Backoff  Backoff
}

// DefaultOptions returns the per-queue retry policy: fixed backoff for
// notification delivery, exponential for reminder and recurrence work.
func DefaultOptions(name Name) JobOptions {
	switch name {
	case Notifications:
		return JobOptions{Attempts: 3, Backoff: Backoff{Type: BackoffFixed, Delay: time.Second}}
	default:
		return JobOptions{Attempts: 3, Backoff: Backoff{Type: BackoffExponential, Delay: time.Second}}
	}
}

// RetryDelay computes the wait before the next attempt. attempt is the number
// of attempts already made (1 after the first failure).
// Exponential: delay = min(Delay * 2^(attempt-1), MaxBackoff).
func RetryDelay(b Backoff, attempt int) time.Duration {
	if b.Type != BackoffExponential || attempt <= 1 {
		return b.Delay
	}

	delay := float64(b.Delay)
	for i := 1; i < attempt; i++ {
		delay *= 2
	}

	d := time.Duration(delay)
	if d > MaxBackoff || d < 0 {
		d = MaxBackoff
	}
	return d
}

// Job is a unit of work stored in a queue.
type Job struct {
	ID          string          `json:"id"`
	Queue       Name            `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	RunAt       time.Time       `json:"runAt"`
	Attempts    int             `json:"attemptsMade"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     Backoff         `json:"backoff"`
	LastError   string          `json:"failedReason,omitempty"`
	ClaimedAt   *time.Time      `json:"processedOn,omitempty"`
	FinishedAt  *time.Time      `json:"finishedOn,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decoding %s job %s: %w", j.Queue, j.ID, err))
	}
	return nil
}

// effectiveState reports waiting jobs that are not yet due as delayed.
func effectiveState(s State, runAt, now time.Time) State {
	if s == StateWaiting && runAt.After(now) {
		return StateDelayed
	}
	return s
}

// JobFilter narrows a job listing. Empty fields match everything.
type JobFilter struct {
	States   []State
	IDPrefix string
	Page     int
	PageSize int
}

// Counts is the number of jobs per state in one queue.
type Counts struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (c *Counts) add(s State, n int) {
	switch s {
	case StateWaiting:
		c.Waiting += n
	case StateDelayed:
		c.Delayed += n
	case StateActive:
		c.Active += n
	case StateCompleted:
		c.Completed += n
	case StateFailed:
		c.Failed += n
	}
}

// RecurringSpec describes when a recurring entry fires. Timezone is an IANA
// name; the pattern is evaluated in that zone.
type RecurringSpec struct {
	Pattern  string
	Timezone string
	EndDate  *time.Time
}

// RecurringEntry is a stored recurring schedule.
type RecurringEntry struct {
	Key       string          `json:"key"`
	Queue     Name            `json:"queue"`
	Pattern   string          `json:"pattern"`
	Timezone  string          `json:"tz"`
	EndDate   *time.Time      `json:"endDate,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	NextRunAt time.Time       `json:"next"`
	LastRunAt *time.Time      `json:"lastRunAt,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Decode unmarshals the payload fired by the entry into v.
func (e *RecurringEntry) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// TickJobID is the id of the job fired by entry key at instant at. It is
// deterministic so that concurrent firings of the same tick collapse.
func TickJobID(key string, at time.Time) string {
	return fmt.Sprintf("%s:%d", key, at.Unix())
}

// Enqueuer is the enqueue-only subset of a queue. Notification fan-out
// depends on it so that delivery can be routed to SQS.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue Name, id string, payload any, opts JobOptions) (*Job, error)
}

// Queue is the producer and inspection contract used by the schedulers.
type Queue interface {
	Enqueuer

	// Remove deletes a job. A missing job is not an error.
	Remove(ctx context.Context, queue Name, id string) error
	// Get returns a job or a not_found_job error.
	Get(ctx context.Context, queue Name, id string) (*Job, error)
	List(ctx context.Context, queue Name, filter JobFilter) (types.ListResult[*Job], error)
	Counts(ctx context.Context, queue Name) (Counts, error)

	// UpsertRecurring creates or replaces the entry stored under key.
	UpsertRecurring(ctx context.Context, queue Name, key string, spec RecurringSpec, payload any) (*RecurringEntry, error)
	// RemoveRecurring deletes an entry. A missing entry is not an error.
	RemoveRecurring(ctx context.Context, queue Name, key string) error
	// GetRecurring returns an entry or a not_found_recurrence error.
	GetRecurring(ctx context.Context, queue Name, key string) (*RecurringEntry, error)
	ListRecurring(ctx context.Context, queue Name, page, pageSize int) (types.ListResult[*RecurringEntry], error)
}

// Source is the consumer contract driven by Worker.
type Source interface {
	// Claim moves up to limit due jobs to active and returns them with their
	// attempt counter already incremented.
	Claim(ctx context.Context, queue Name, limit int) ([]*Job, error)
	Complete(ctx context.Context, job *Job) error
	// Fail records a failed attempt. A nil retryAt marks the job failed for
	// good; otherwise it waits until retryAt.
	Fail(ctx context.Context, job *Job, cause error, retryAt *time.Time) error
	// FireRecurring enqueues one job for every due entry, advances the
	// entries and removes those whose end date has passed.
	FireRecurring(ctx context.Context, queue Name) (int, error)
	// RequeueStalled returns active jobs claimed before cutoff to waiting.
	RequeueStalled(ctx context.Context, cutoff time.Time) (int, error)
	// Prune deletes finished jobs older than cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// Store is a queue backend usable by both producers and workers.
type Store interface {
	Queue
	Source
}

// cronParser accepts standard five-field patterns and descriptors. A
// CRON_TZ= prefix selects the evaluation zone.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRun returns the first instant after from at which spec fires.
func NextRun(spec RecurringSpec, from time.Time) (time.Time, error) {
	expr := spec.Pattern
	if spec.Timezone != "" {
		expr = "CRON_TZ=" + spec.Timezone + " " + expr
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationRecurrence,
			fmt.Sprintf("invalid recurring pattern %q", spec.Pattern), err)
	}
	return sched.Next(from).UTC(), nil
}

// permanentError marks a handler failure that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that the worker fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationPayload, "job payload is not serializable", err)
	}
	return b, nil
}

func normalizeOptions(queue Name, opts JobOptions) JobOptions {
	def := DefaultOptions(queue)
	if opts.Attempts < 1 {
		opts.Attempts = def.Attempts
	}
	if opts.Backoff.Type == "" {
		opts.Backoff = def.Backoff
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	return opts
}

func jobNotFound(queue Name, id string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeNotFoundJob,
		"job not found", nil, map[string]any{"queue": string(queue), "jobId": id})
}

func recurringNotFound(queue Name, key string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeNotFoundRecurrence,
		"recurring entry not found", nil, map[string]any{"queue": string(queue), "key": key})
}
