package notifications

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"eventbell/internal/queue"
	"eventbell/internal/types"
)

// Registry is the subscription persistence used by SubscriptionService.
// db.SubscriptionRepository implements it.
type Registry interface {
	Upsert(ctx context.Context, s *types.Subscription) (bool, error)
	GetByDeviceCode(ctx context.Context, deviceCode string) (*types.Subscription, error)
	Update(ctx context.Context, s *types.Subscription) error
	SoftDeleteByDeviceCode(ctx context.Context, deviceCode string) error
	List(ctx context.Context, f types.SubscriptionFilter) (types.ListResult[*types.Subscription], error)
}

// SubscriptionKey fingerprints the delivery credentials of a subscription.
func SubscriptionKey(endpoint, auth, p256dh string) string {
	sum := sha256.Sum256([]byte(endpoint + "|" + auth + "|" + p256dh))
	return hex.EncodeToString(sum[:])
}

// SubscriptionService manages device subscriptions and direct messages.
type SubscriptionService struct {
	registry   Registry
	fanout     *FanOut
	dispatcher *Dispatcher
	logger     types.Logger
}

// NewSubscriptionService creates a SubscriptionService.
func NewSubscriptionService(registry Registry, fanout *FanOut, dispatcher *Dispatcher, logger types.Logger) *SubscriptionService {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &SubscriptionService{registry: registry, fanout: fanout, dispatcher: dispatcher, logger: logger}
}

// Subscribe registers or refreshes the subscription of a device. A device
// without a live subscription gets a welcome notification; failing to queue
// it does not fail the registration.
func (s *SubscriptionService) Subscribe(ctx context.Context, in types.SubscriptionInput) (*types.Subscription, bool, error) {
	sub := &types.Subscription{
		ID:         types.NewID(types.PrefixSubscription),
		Endpoint:   in.Endpoint,
		Auth:       in.Auth,
		P256dh:     in.P256dh,
		DeviceCode: in.DeviceCode,
		UserAgent:  in.UserAgent,
		Key:        SubscriptionKey(in.Endpoint, in.Auth, in.P256dh),
	}
	created, err := s.registry.Upsert(ctx, sub)
	if err != nil {
		return nil, false, err
	}

	logger := s.logger.With("subscription_id", sub.ID, "device_code", sub.DeviceCode)
	if created {
		welcome := types.PushPayload{Title: WelcomeTitle, Body: WelcomeBody}
		if _, err := s.fanout.Enqueue(ctx, sub, welcome); err != nil {
			logger.Warn("failed to queue welcome notification", "error", err)
		}
		logger.Info("device subscribed")
	} else {
		logger.Info("subscription refreshed")
	}
	return sub, created, nil
}

// Update applies a partial change to the subscription of a device.
func (s *SubscriptionService) Update(ctx context.Context, deviceCode string, patch types.SubscriptionPatch) (*types.Subscription, error) {
	sub, err := s.registry.GetByDeviceCode(ctx, deviceCode)
	if err != nil {
		return nil, err
	}
	if patch.Endpoint != nil {
		sub.Endpoint = *patch.Endpoint
	}
	if patch.Auth != nil {
		sub.Auth = *patch.Auth
	}
	if patch.P256dh != nil {
		sub.P256dh = *patch.P256dh
	}
	if patch.UserAgent != nil {
		sub.UserAgent = *patch.UserAgent
	}
	sub.Key = SubscriptionKey(sub.Endpoint, sub.Auth, sub.P256dh)

	if err := s.registry.Update(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe soft-deletes the subscription of a device.
func (s *SubscriptionService) Unsubscribe(ctx context.Context, deviceCode string) error {
	if err := s.registry.SoftDeleteByDeviceCode(ctx, deviceCode); err != nil {
		return err
	}
	s.logger.Info("device unsubscribed", "device_code", deviceCode)
	return nil
}

// List returns a page of live subscriptions.
func (s *SubscriptionService) List(ctx context.Context, f types.SubscriptionFilter) (types.ListResult[*types.Subscription], error) {
	return s.registry.List(ctx, f)
}

// SendToDevice queues one notification for the device.
func (s *SubscriptionService) SendToDevice(ctx context.Context, deviceCode string, payload types.PushPayload) (*queue.Job, error) {
	sub, err := s.registry.GetByDeviceCode(ctx, deviceCode)
	if err != nil {
		return nil, err
	}
	return s.fanout.Enqueue(ctx, sub, payload)
}

// Broadcast delivers payload to every live subscription now and reports
// the outcome.
func (s *SubscriptionService) Broadcast(ctx context.Context, payload types.PushPayload) (Summary, error) {
	return s.dispatcher.DispatchToAll(ctx, payload)
}
