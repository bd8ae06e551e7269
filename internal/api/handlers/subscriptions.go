package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"eventbell/internal/core"
	"eventbell/internal/notifications"
	"eventbell/internal/queue"
	"eventbell/internal/types"
)

// SubscriptionService manages device subscriptions and direct messages.
// notifications.SubscriptionService implements it.
type SubscriptionService interface {
	Subscribe(ctx context.Context, in types.SubscriptionInput) (*types.Subscription, bool, error)
	Update(ctx context.Context, deviceCode string, patch types.SubscriptionPatch) (*types.Subscription, error)
	Unsubscribe(ctx context.Context, deviceCode string) error
	List(ctx context.Context, f types.SubscriptionFilter) (types.ListResult[*types.Subscription], error)
	SendToDevice(ctx context.Context, deviceCode string, payload types.PushPayload) (*queue.Job, error)
	Broadcast(ctx context.Context, payload types.PushPayload) (notifications.Summary, error)
}

// SendMessageRequest is the body of POST /v1/notifications.
type SendMessageRequest struct {
	DeviceCode string `json:"deviceCode" validate:"required"`
	Title      string `json:"title" validate:"required,max=200"`
	Body       string `json:"body" validate:"max=2000"`
	Icon       string `json:"icon,omitempty" validate:"omitempty,max=500"`
}

// BroadcastRequest is the body of POST /v1/notifications/broadcast.
type BroadcastRequest struct {
	Title string `json:"title" validate:"required,max=200"`
	Body  string `json:"body" validate:"max=2000"`
	Icon  string `json:"icon,omitempty" validate:"omitempty,max=500"`
}

// SentMessage is the response of a direct message.
type SentMessage struct {
	JobID string `json:"jobId"`
}

// SubscriptionHandler serves subscription and message routes.
type SubscriptionHandler struct {
	svc            SubscriptionService
	validator      *core.Validator
	vapidPublicKey string
}

// NewSubscriptionHandler creates a SubscriptionHandler. vapidPublicKey is
// what browsers need to create a subscription.
func NewSubscriptionHandler(svc SubscriptionService, v *core.Validator, vapidPublicKey string) *SubscriptionHandler {
	return &SubscriptionHandler{svc: svc, validator: v, vapidPublicKey: vapidPublicKey}
}

// RegisterRoutes mounts the subscription, notification and push routes.
// Devices manage their own subscription by device code; listing and sending
// need the operator key.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router, operatorOnly func(http.Handler) http.Handler) {
	r.Get("/push/public-key", h.PublicKey)
	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", h.Subscribe)
		r.Patch("/{deviceCode}", h.Update)
		r.Delete("/{deviceCode}", h.Unsubscribe)
		r.With(operatorOnly).Get("/", h.List)
	})
	r.Route("/notifications", func(r chi.Router) {
		r.Use(operatorOnly)
		r.Post("/", h.Send)
		r.Post("/broadcast", h.Broadcast)
	})
}

// Subscribe handles POST /v1/subscriptions. A new device gets 201 and a
// welcome notification; a known device gets 200 with its refreshed row.
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var in types.SubscriptionInput
	if !h.decode(w, r, &in) {
		return
	}
	sub, created, err := h.svc.Subscribe(r.Context(), in)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	core.Data(w, r, status, sub)
}

// List handles GET /v1/subscriptions?endpoint=<prefix>&page=&pageSize=.
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := types.SubscriptionFilter{EndpointPrefix: q.Get("endpoint")}
	var err error
	if f.Page, f.PageSize, err = pageParams(q); err != nil {
		core.Error(w, r, err)
		return
	}
	res, err := h.svc.List(r.Context(), f)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	writeList(w, r, res)
}

// Update handles PATCH /v1/subscriptions/{deviceCode}.
func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch types.SubscriptionPatch
	if !h.decode(w, r, &patch) {
		return
	}
	sub, err := h.svc.Update(r.Context(), pathParam(r, "deviceCode"), patch)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, sub)
}

// Unsubscribe handles DELETE /v1/subscriptions/{deviceCode}.
func (h *SubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Unsubscribe(r.Context(), pathParam(r, "deviceCode")); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Send handles POST /v1/notifications. The message is queued, not
// delivered inline; the response carries the notification job id.
func (h *SubscriptionHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	job, err := h.svc.SendToDevice(r.Context(), req.DeviceCode,
		types.PushPayload{Title: req.Title, Body: req.Body, Icon: req.Icon})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusAccepted, SentMessage{JobID: job.ID})
}

// Broadcast handles POST /v1/notifications/broadcast. Delivery runs inline
// and the response reports how many devices were reached.
func (h *SubscriptionHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if !h.decode(w, r, &req) {
		return
	}
	summary, err := h.svc.Broadcast(r.Context(), types.PushPayload{Title: req.Title, Body: req.Body, Icon: req.Icon})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, summary)
}

// PublicKey handles GET /v1/push/public-key.
func (h *SubscriptionHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	core.Data(w, r, http.StatusOK, map[string]string{"publicKey": h.vapidPublicKey})
}

func (h *SubscriptionHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := core.DecodeJSON(w, r, dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	return true
}
