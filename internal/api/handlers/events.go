package handlers

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"eventbell/internal/core"
	"eventbell/internal/events"
	"eventbell/internal/types"
)

// maxBatchSize caps POST /v1/events/batch.
const maxBatchSize = 100

// EventService is the event lifecycle used by EventHandler.
// events.Coordinator implements it.
type EventService interface {
	Create(ctx context.Context, in types.EventInput) (*types.Event, error)
	Get(ctx context.Context, id string) (*types.Event, error)
	List(ctx context.Context, f types.EventFilter) (types.ListResult[*types.Event], error)
	Update(ctx context.Context, id string, in types.EventInput) (*types.Event, error)
	Delete(ctx context.Context, id string) error
	Copy(ctx context.Context, id string, start time.Time) (*types.Event, error)
	BatchCreate(ctx context.Context, inputs []types.EventInput) events.BatchResult
}

// CopyEventRequest is the body of POST /v1/events/{id}/copy.
type CopyEventRequest struct {
	StartTime time.Time `json:"startTime" validate:"required"`
}

// EventHandler serves the event routes.
type EventHandler struct {
	svc       EventService
	validator *core.Validator
	logger    types.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(svc EventService, v *core.Validator, l types.Logger) *EventHandler {
	if l == nil {
		l = types.NopLogger{}
	}
	return &EventHandler{svc: svc, validator: v, logger: l}
}

// RegisterRoutes mounts the event routes. Reads are public; writes need
// the operator key.
func (h *EventHandler) RegisterRoutes(r chi.Router, operatorOnly func(http.Handler) http.Handler) {
	r.Route("/events", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)

		r.Group(func(r chi.Router) {
			r.Use(operatorOnly)
			r.Post("/", h.Create)
			r.Post("/batch", h.BatchCreate)
			r.Put("/{id}", h.Update)
			r.Delete("/{id}", h.Delete)
			r.Post("/{id}/copy", h.Copy)
		})
	})
}

// Create handles POST /v1/events.
func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeInput(w, r)
	if !ok {
		return
	}
	event, err := h.svc.Create(r.Context(), in)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusCreated, event)
}

// BatchCreate handles POST /v1/events/batch. The body is an array of event
// inputs. Each is validated and created on its own; the response lists what
// was created and what failed by index. The status is 201 when anything was
// created and 400 when nothing was.
func (h *EventHandler) BatchCreate(w http.ResponseWriter, r *http.Request) {
	var inputs []types.EventInput
	if err := core.DecodeJSON(w, r, &inputs); err != nil {
		core.Error(w, r, err)
		return
	}
	if len(inputs) == 0 || len(inputs) > maxBatchSize {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationPayload,
			"batch must contain between 1 and 100 events", nil, map[string]any{"max": maxBatchSize}))
		return
	}

	var (
		valid   = make([]types.EventInput, 0, len(inputs))
		indexOf = make([]int, 0, len(inputs))
		invalid []events.BatchItemError
	)
	for i, in := range inputs {
		if err := h.validator.ValidateStruct(in); err != nil {
			invalid = append(invalid, batchItemError(i, err))
			continue
		}
		valid = append(valid, in)
		indexOf = append(indexOf, i)
	}

	res := events.BatchResult{Created: []*types.Event{}, Errors: []events.BatchItemError{}}
	if len(valid) > 0 {
		res = h.svc.BatchCreate(r.Context(), valid)
		for i := range res.Errors {
			res.Errors[i].Index = indexOf[res.Errors[i].Index]
		}
	}
	res.Errors = append(res.Errors, invalid...)
	slices.SortFunc(res.Errors, func(a, b events.BatchItemError) int { return a.Index - b.Index })

	status := http.StatusCreated
	if len(res.Created) == 0 {
		status = http.StatusBadRequest
	}
	core.Data(w, r, status, res)
}

func batchItemError(index int, err error) events.BatchItemError {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return events.BatchItemError{Index: index, Code: appErr.Code, Message: appErr.Message}
	}
	return events.BatchItemError{Index: index, Code: types.ErrCodeValidationPayload, Message: "invalid event"}
}

// List handles GET /v1/events.
//
// Query parameters: startFrom, startTo (RFC 3339), name (substring),
// sort (ascend|descend by start time), page, pageSize.
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilter(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	res, err := h.svc.List(r.Context(), filter)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	writeList(w, r, res)
}

func eventFilter(r *http.Request) (types.EventFilter, error) {
	q := r.URL.Query()
	var (
		f   types.EventFilter
		err error
	)
	if f.StartFrom, err = timeParam("startFrom", q.Get("startFrom")); err != nil {
		return f, err
	}
	if f.StartTo, err = timeParam("startTo", q.Get("startTo")); err != nil {
		return f, err
	}
	if f.StartFrom != nil && f.StartTo != nil && f.StartTo.Before(*f.StartFrom) {
		return f, filterError("startTo", "must not be before startFrom", nil)
	}
	if f.Page, f.PageSize, err = pageParams(q); err != nil {
		return f, err
	}

	f.Name = q.Get("name")
	switch sort := types.SortOrder(q.Get("sort")); sort {
	case "", types.SortAscend, types.SortDescend:
		f.Sort = sort
	default:
		return f, filterError("sort", "must be ascend or descend", nil)
	}
	return f, nil
}

// Get handles GET /v1/events/{id}.
func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	event, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, event)
}

// Update handles PUT /v1/events/{id}. The body replaces every mutable
// field; omitting recurrence clears the rule.
func (h *EventHandler) Update(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeInput(w, r)
	if !ok {
		return
	}
	event, err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, event)
}

// Delete handles DELETE /v1/events/{id}.
func (h *EventHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Copy handles POST /v1/events/{id}/copy.
func (h *EventHandler) Copy(w http.ResponseWriter, r *http.Request) {
	var req CopyEventRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	event, err := h.svc.Copy(r.Context(), chi.URLParam(r, "id"), req.StartTime)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusCreated, event)
}

func (h *EventHandler) decodeInput(w http.ResponseWriter, r *http.Request) (types.EventInput, bool) {
	var in types.EventInput
	if err := core.DecodeJSON(w, r, &in); err != nil {
		core.Error(w, r, err)
		return in, false
	}
	if err := h.validator.ValidateStruct(in); err != nil {
		core.Error(w, r, err)
		return in, false
	}
	return in, true
}
