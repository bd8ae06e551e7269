package notifications

import (
	"context"
	"errors"

	"eventbell/internal/queue"
	"eventbell/internal/types"
)

// SubscriptionLister lists the live subscriptions.
type SubscriptionLister interface {
	ListActive(ctx context.Context) ([]*types.Subscription, error)
}

// NotificationJobID keys the delivery of sourceJobID to one subscription, so
// that a retried source job does not enqueue the same delivery twice.
func NotificationJobID(sourceJobID, subscriptionID string) string {
	return sourceJobID + ":" + subscriptionID
}

// FanOut enqueues notification jobs. The enqueuer is either the Postgres
// store or the SQS enqueuer, depending on the configured transport.
type FanOut struct {
	q      queue.Enqueuer
	subs   SubscriptionLister
	logger types.Logger
}

// NewFanOut creates a FanOut.
func NewFanOut(q queue.Enqueuer, subs SubscriptionLister, logger types.Logger) *FanOut {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &FanOut{q: q, subs: subs, logger: logger}
}

// NotifyAll enqueues one delivery per live subscription and returns how many
// were enqueued. Every subscription is attempted; failures are joined.
func (f *FanOut) NotifyAll(ctx context.Context, sourceJobID string, payload types.PushPayload) (int, error) {
	subs, err := f.subs.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		f.logger.Warn("no subscriptions to notify", "source_job_id", sourceJobID)
		return 0, nil
	}

	var (
		n    int
		errs []error
	)
	for _, sub := range subs {
		_, err := f.q.Enqueue(ctx, queue.Notifications, NotificationJobID(sourceJobID, sub.ID),
			types.NotificationJobPayload{SubscriptionID: sub.ID, Payload: payload}, queue.JobOptions{})
		if err != nil {
			f.logger.Error("failed to enqueue notification", "subscription_id", sub.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Enqueue queues a single delivery to sub under a fresh id.
func (f *FanOut) Enqueue(ctx context.Context, sub *types.Subscription, payload types.PushPayload) (*queue.Job, error) {
	job, err := f.q.Enqueue(ctx, queue.Notifications, types.NewID(types.PrefixNotification),
		types.NotificationJobPayload{SubscriptionID: sub.ID, Payload: payload}, queue.JobOptions{})
	if err != nil {
		return nil, err
	}
	f.logger.Info("notification enqueued", "subscription_id", sub.ID, "job_id", job.ID)
	return job, nil
}
