package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"eventbell/internal/core"
	"eventbell/internal/queue"
	"eventbell/internal/scheduler"
	"eventbell/internal/types"
)

// ReminderInspector is the read side of the reminder queue.
// scheduler.ReminderScheduler implements it.
type ReminderInspector interface {
	List(ctx context.Context, filter scheduler.ReminderJobFilter) (types.ListResult[*scheduler.ReminderJob], error)
	Status(ctx context.Context, jobID string) (*scheduler.ReminderJob, error)
	Counts(ctx context.Context) (queue.Counts, error)
}

// RecurrenceInspector is the read side of the recurrence entries.
// scheduler.RecurrenceScheduler implements it.
type RecurrenceInspector interface {
	List(ctx context.Context, page, pageSize int) (types.ListResult[*scheduler.RecurrenceStatus], error)
	Status(ctx context.Context, keyOrRuleID string) (*scheduler.RecurrenceStatus, error)
}

// JobHandler serves read-only queue inspection.
type JobHandler struct {
	reminders   ReminderInspector
	recurrences RecurrenceInspector
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(reminders ReminderInspector, recurrences RecurrenceInspector) *JobHandler {
	return &JobHandler{reminders: reminders, recurrences: recurrences}
}

// RegisterRoutes mounts the inspection routes, all reserved for the
// operator.
func (h *JobHandler) RegisterRoutes(r chi.Router, operatorOnly func(http.Handler) http.Handler) {
	r.Route("/jobs", func(r chi.Router) {
		r.Use(operatorOnly)
		r.Get("/reminders", h.ListReminders)
		r.Get("/reminders/counts", h.ReminderCounts)
		r.Get("/reminders/{jobId}", h.ReminderStatus)
		r.Get("/recurrences", h.ListRecurrences)
		r.Get("/recurrences/{key}", h.RecurrenceStatus)
	})
}

var validStates = map[queue.State]bool{
	queue.StateWaiting:   true,
	queue.StateDelayed:   true,
	queue.StateActive:    true,
	queue.StateCompleted: true,
	queue.StateFailed:    true,
}

// ListReminders handles GET /v1/jobs/reminders.
//
// Query parameters: eventId, state (comma separated), page, pageSize.
func (h *JobHandler) ListReminders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := scheduler.ReminderJobFilter{EventID: q.Get("eventId")}

	if raw := q.Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			state := queue.State(strings.TrimSpace(s))
			if !validStates[state] {
				core.Error(w, r, filterError("state", "must be one of waiting, delayed, active, completed, failed", nil))
				return
			}
			filter.States = append(filter.States, state)
		}
	}

	var err error
	if filter.Page, filter.PageSize, err = pageParams(q); err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := h.reminders.List(r.Context(), filter)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	writeList(w, r, res)
}

// ReminderCounts handles GET /v1/jobs/reminders/counts.
func (h *JobHandler) ReminderCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.reminders.Counts(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, counts)
}

// ReminderStatus handles GET /v1/jobs/reminders/{jobId}.
func (h *JobHandler) ReminderStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.reminders.Status(r.Context(), pathParam(r, "jobId"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, job)
}

// ListRecurrences handles GET /v1/jobs/recurrences.
func (h *JobHandler) ListRecurrences(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pageParams(r.URL.Query())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	res, err := h.recurrences.List(r.Context(), page, pageSize)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	writeList(w, r, res)
}

// RecurrenceStatus handles GET /v1/jobs/recurrences/{key}. The key may be
// the entry key or the bare rule id.
func (h *JobHandler) RecurrenceStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.recurrences.Status(r.Context(), pathParam(r, "key"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, st)
}
