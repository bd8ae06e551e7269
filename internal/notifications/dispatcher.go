// Package notifications delivers push messages to subscribed devices.
//
// Dispatcher sends one payload to one or all live subscriptions and demotes
// subscriptions whose endpoint is permanently gone. FanOut turns a payload
// into one notification job per subscription so that each delivery retries
// on its own. Handler runs those jobs inside the worker.
package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"syscall"

	"golang.org/x/sync/errgroup"

	"eventbell/internal/security"
	"eventbell/internal/types"
)

// DefaultDispatchConcurrency bounds parallel sends in DispatchToAll.
const DefaultDispatchConcurrency = 10

// Sender delivers an encoded payload to one subscription. Failures that
// carry an HTTP status expose it through a StatusCode() int method.
type Sender interface {
	Send(ctx context.Context, sub *types.Subscription, payload []byte) error
}

// SubscriptionStore is the subscription access the dispatcher needs.
type SubscriptionStore interface {
	ListActive(ctx context.Context) ([]*types.Subscription, error)
	SoftDelete(ctx context.Context, id string) error
}

// Result is the outcome of one delivery.
type Result struct {
	SubscriptionID string `json:"subscriptionId"`
	Delivered      bool   `json:"delivered"`
	// Permanent is set when the endpoint is gone and the subscription was
	// removed.
	Permanent bool  `json:"permanent,omitempty"`
	Err       error `json:"-"`
}

// Summary aggregates a DispatchToAll run. Removed counts the failures that
// led to a subscription being deleted; they are included in Failed.
type Summary struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Removed   int `json:"removed"`
}

// Dispatcher sends push payloads.
type Dispatcher struct {
	subs        SubscriptionStore
	sender      Sender
	metrics     Metrics
	clock       types.Clock
	logger      types.Logger
	icon        string
	concurrency int
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDefaultIcon sets the icon used when a payload names none.
func WithDefaultIcon(icon string) DispatcherOption {
	return func(d *Dispatcher) { d.icon = icon }
}

// WithConcurrency bounds the parallel sends of DispatchToAll.
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithClock sets the clock used for latency measurement.
func WithClock(c types.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(subs SubscriptionStore, sender Sender, logger types.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = types.NopLogger{}
	}
	d := &Dispatcher{
		subs:        subs,
		sender:      sender,
		metrics:     NoopMetrics{},
		clock:       types.RealClock{},
		logger:      logger,
		icon:        types.DefaultPushIcon,
		concurrency: DefaultDispatchConcurrency,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchToOne sends payload to sub. A permanent failure soft-deletes the
// subscription; any other failure is returned in Result.Err for the caller
// to retry.
func (d *Dispatcher) DispatchToOne(ctx context.Context, sub *types.Subscription, payload types.PushPayload) Result {
	logger := d.logger.With("subscription_id", sub.ID)
	res := Result{SubscriptionID: sub.ID}

	if payload.Icon == "" {
		payload.Icon = d.icon
	}
	body, err := json.Marshal(payload)
	if err != nil {
		res.Err = types.NewAppError(types.ErrCodeValidationPayload, "push payload is not serializable", err)
		return res
	}

	start := d.clock.Now()
	err = d.sender.Send(ctx, sub, body)
	d.metrics.RecordLatency(ctx, d.clock.Now().Sub(start))

	if err == nil {
		res.Delivered = true
		d.metrics.RecordDelivery(ctx, ResultDelivered)
		return res
	}
	res.Err = err

	if !IsPermanentFailure(err) {
		d.metrics.RecordDelivery(ctx, ResultTransient)
		logger.Warn("push delivery failed", "error", err)
		return res
	}

	res.Permanent = true
	d.metrics.RecordDelivery(ctx, ResultRemoved)
	if derr := d.subs.SoftDelete(ctx, sub.ID); derr != nil && !types.IsNotFound(derr) {
		logger.Error("failed to remove dead subscription", "error", derr)
		return res
	}
	logger.Info("subscription endpoint is gone, removed", "reason", err.Error())
	return res
}

// DispatchToAll sends payload to every live subscription. One failing
// subscription never stops the others; only listing failures are returned.
func (d *Dispatcher) DispatchToAll(ctx context.Context, payload types.PushPayload) (Summary, error) {
	subs, err := d.subs.ListActive(ctx)
	if err != nil {
		return Summary{}, err
	}

	results := make([]Result, len(subs))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, sub := range subs {
		g.Go(func() error {
			results[i] = d.DispatchToOne(ctx, sub, payload)
			return nil
		})
	}
	_ = g.Wait()

	var sum Summary
	for _, r := range results {
		switch {
		case r.Delivered:
			sum.Delivered++
		case r.Permanent:
			sum.Failed++
			sum.Removed++
		default:
			sum.Failed++
		}
	}

	d.logger.Info("broadcast finished",
		"subscriptions", len(subs),
		"delivered", sum.Delivered,
		"failed", sum.Failed,
		"removed", sum.Removed,
	)
	return sum, nil
}

// IsPermanentFailure reports whether err means the endpoint will never
// accept deliveries again: HTTP 410, 404 or 400, a refused connection, or an
// endpoint that resolves to a non-routable address.
func IsPermanentFailure(err error) bool {
	if err == nil {
		return false
	}
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case http.StatusGone, http.StatusNotFound, http.StatusBadRequest:
			return true
		}
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, security.ErrBlockedAddress)
}

