package notifications

import (
	"context"
	"errors"

	"eventbell/internal/queue"
	"eventbell/internal/types"
)

// SubscriptionGetter reads one live subscription.
type SubscriptionGetter interface {
	Get(ctx context.Context, id string) (*types.Subscription, error)
}

// Handler runs notification delivery jobs, from the Postgres worker or the
// SQS consumer.
type Handler struct {
	subs       SubscriptionGetter
	dispatcher *Dispatcher
	logger     types.Logger
}

// NewHandler creates a Handler.
func NewHandler(subs SubscriptionGetter, dispatcher *Dispatcher, logger types.Logger) *Handler {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Handler{subs: subs, dispatcher: dispatcher, logger: logger}
}

// Handle implements queue.Handler. Transient push failures are returned so
// the queue retries them; a gone endpoint completes the job.
func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	var p types.NotificationJobPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	logger := h.logger.With("job_id", job.ID)

	if !job.RunAt.IsZero() {
		h.dispatcher.metrics.RecordQueueLag(ctx, h.dispatcher.clock.Now().Sub(job.RunAt))
	}

	sub, err := h.resolve(ctx, p)
	if err != nil {
		if types.IsNotFound(err) {
			logger.Info("skipping notification, subscription removed", "subscription_id", p.SubscriptionID)
			return nil
		}
		return err
	}

	res := h.dispatcher.DispatchToOne(ctx, sub, p.Payload)
	switch {
	case res.Delivered:
		logger.Info("notification delivered", "subscription_id", sub.ID, "attempt", job.Attempts)
		return nil
	case res.Permanent:
		return nil
	case types.CodeOf(res.Err) == types.ErrCodeValidationPayload:
		return queue.Permanent(res.Err)
	}
	return res.Err
}

// resolve prefers a fresh read so that a subscription removed or refreshed
// after the job was queued is honoured.
func (h *Handler) resolve(ctx context.Context, p types.NotificationJobPayload) (*types.Subscription, error) {
	switch {
	case p.SubscriptionID != "":
		return h.subs.Get(ctx, p.SubscriptionID)
	case p.Subscription != nil:
		return p.Subscription, nil
	}
	return nil, queue.Permanent(errors.New("notification job names no subscription"))
}
