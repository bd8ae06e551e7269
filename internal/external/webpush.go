package external

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"eventbell/internal/types"
)

// PushError is a rejection by the push service. Status is the HTTP status it
// answered with.
type PushError struct {
	Status int
	Body   string
}

func (e *PushError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("push service responded %d", e.Status)
	}
	return fmt.Sprintf("push service responded %d: %s", e.Status, e.Body)
}

// StatusCode exposes the status for failure classification.
func (e *PushError) StatusCode() int { return e.Status }

// WebPushConfig carries the VAPID identity and delivery options.
type WebPushConfig struct {
	PublicKey  string
	PrivateKey types.SecretString
	// Subject is a mailto: address or https: URL identifying the sender.
	Subject string
	TTL     int
	Timeout time.Duration
}

// WebPushSender delivers encrypted payloads with the Web Push protocol.
type WebPushSender struct {
	client webpush.HTTPClient
	cfg    WebPushConfig
}

// NewWebPushSender creates a sender. client is usually a BaseClient; nil
// falls back to http.DefaultClient.
func NewWebPushSender(client webpush.HTTPClient, cfg WebPushConfig) *WebPushSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebPushSender{client: client, cfg: cfg}
}

// PublicKey returns the VAPID public key browsers subscribe with.
func (s *WebPushSender) PublicKey() string {
	return s.cfg.PublicKey
}

// Send encrypts payload for sub and posts it to the subscription endpoint.
// Statuses of 400 and above come back as *PushError.
func (s *WebPushSender) Send(ctx context.Context, sub *types.Subscription, payload []byte) error {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{Auth: sub.Auth, P256dh: sub.P256dh},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.cfg.Subject,
		TTL:             s.cfg.TTL,
		Urgency:         webpush.UrgencyHigh,
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey.Unmask(),
	})
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return err
		}
		return types.NewAppError(types.ErrCodeUpstreamPush, "push request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &PushError{Status: resp.StatusCode, Body: string(body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// GenerateVAPIDKeys returns a fresh VAPID key pair, base64url encoded.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}
