package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/calsync/internal/auth"
	"github.com/dukerupert/calsync/internal/model"
	"github.com/dukerupert/calsync/internal/reconcile"
	"github.com/dukerupert/calsync/internal/store"
)

type CalendarEventHandler struct {
	eventStore *store.EventStore
	notifier   reconcile.Notifier
	enricher   reconcile.Enricher
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewCalendarEventHandler builds the event API. notifier and enricher may be nil.
func NewCalendarEventHandler(es *store.EventStore, notifier reconcile.Notifier, enricher reconcile.Enricher, logger *slog.Logger) *CalendarEventHandler {
	return &CalendarEventHandler{
		eventStore: es,
		notifier:   notifier,
		enricher:   enricher,
		validate:   newValidator(),
		logger:     logger,
	}
}

func (h *CalendarEventHandler) publish(userID int64, kind string, e *model.CalendarEvent) {
	if h.notifier != nil {
		h.notifier.Notify(userID, kind, e)
	}
}

func (h *CalendarEventHandler) enrich(e *model.CalendarEvent) {
	if h.enricher != nil {
		h.enricher.Enqueue(*e)
	}
}

type eventRequest struct {
	Title             string `json:"title" validate:"required,max=500"`
	Description       string `json:"description" validate:"max=10000"`
	StartTime         string `json:"start_time" validate:"required"`
	EndTime           string `json:"end_time"`
	AllDay            bool   `json:"all_day"`
	Location          string `json:"location" validate:"max=500"`
	Calendar          string `json:"calendar" validate:"omitempty,oneof=Google Personal Task"`
	TimeZone          string `json:"time_zone" validate:"omitempty,timezone"`
	Recurrence        string `json:"recurrence" validate:"max=500"`
	ServerID          *int64 `json:"server_id"`
	IncludeInPersonal *bool  `json:"include_in_personal"`
}

// parseAndValidate decodes the body into an event owned by userID.
func (h *CalendarEventHandler) parseAndValidate(w http.ResponseWriter, r *http.Request, userID int64) (*model.CalendarEvent, bool) {
	var req eventRequest
	if !decodeJSON(w, r, &req) {
		return nil, false
	}
	req.Title = strings.TrimSpace(req.Title)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return nil, false
	}

	loc := time.UTC
	if req.TimeZone == "" {
		req.TimeZone = "UTC"
	} else {
		loc, _ = time.LoadLocation(req.TimeZone)
	}

	start, err := parseFlexibleTime(req.StartTime, loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start_time must be RFC3339 or YYYY-MM-DD format")
		return nil, false
	}
	end := start
	if req.EndTime != "" {
		end, err = parseFlexibleTime(req.EndTime, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end_time must be RFC3339 or YYYY-MM-DD format")
			return nil, false
		}
	}

	if req.AllDay {
		start = midnight(start.In(loc))
		end = midnight(end.In(loc))
		if !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
	}
	if start.After(end) {
		writeError(w, http.StatusBadRequest, "start_time must not be after end_time")
		return nil, false
	}

	e := &model.CalendarEvent{
		UserID:            userID,
		Title:             req.Title,
		Description:       req.Description,
		StartTime:         start,
		EndTime:           end,
		Location:          strings.TrimSpace(req.Location),
		Recurrence:        recurrenceLabel(req.Recurrence),
		Calendar:          req.Calendar,
		TimeZone:          req.TimeZone,
		ServerID:          req.ServerID,
		IncludeInPersonal: req.IncludeInPersonal,
	}
	if e.Calendar == "" {
		e.Calendar = model.CalendarPersonal
	}
	return e, true
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// recurrenceLabel accepts a display label or a raw RRULE.
func recurrenceLabel(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return model.RecurrenceNone
	case strings.HasPrefix(strings.ToUpper(s), "RRULE:"):
		return reconcile.RecurrenceLabel([]string{s})
	case strings.HasPrefix(strings.ToUpper(s), "FREQ="):
		return reconcile.RecurrenceLabel([]string{"RRULE:" + s})
	default:
		return s
	}
}

func (h *CalendarEventHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	e, ok := h.parseAndValidate(w, r, userID)
	if !ok {
		return
	}

	event, err := h.eventStore.Create(r.Context(), e)
	if errors.Is(err, store.ErrDuplicateEvent) {
		writeError(w, http.StatusConflict, "an identical event already exists")
		return
	}
	if err != nil {
		h.logger.Error("create calendar event", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create event")
		return
	}

	h.publish(userID, reconcile.KindCreated, event)
	h.enrich(event)
	writeJSON(w, http.StatusCreated, event)
}

func (h *CalendarEventHandler) List(w http.ResponseWriter, r *http.Request) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		writeError(w, http.StatusBadRequest, "start and end query parameters are required")
		return
	}

	start, err := parseFlexibleTime(startStr, time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be RFC3339 or YYYY-MM-DD format")
		return
	}

	end, err := parseFlexibleTime(endStr, time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be RFC3339 or YYYY-MM-DD format")
		return
	}

	events, err := h.eventStore.ListByDateRange(r.Context(), auth.UserID(r.Context()), start, end)
	if err != nil {
		h.logger.Error("list calendar events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []model.CalendarEvent{}
	}

	writeJSON(w, http.StatusOK, events)
}

// lookup loads the event named by the path id for the current user. It
// writes the error response and returns nil when there is none.
func (h *CalendarEventHandler) lookup(w http.ResponseWriter, r *http.Request) *model.CalendarEvent {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return nil
	}

	event, err := h.eventStore.GetByID(r.Context(), id, auth.UserID(r.Context()))
	if err != nil {
		h.logger.Error("get calendar event", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get event")
		return nil
	}
	if event == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return nil
	}
	return event
}

func (h *CalendarEventHandler) Get(w http.ResponseWriter, r *http.Request) {
	if event := h.lookup(w, r); event != nil {
		writeJSON(w, http.StatusOK, event)
	}
}

func (h *CalendarEventHandler) Update(w http.ResponseWriter, r *http.Request) {
	existing := h.lookup(w, r)
	if existing == nil {
		return
	}

	e, ok := h.parseAndValidate(w, r, existing.UserID)
	if !ok {
		return
	}
	e.ID = existing.ID
	e.Completed = existing.Completed

	clash, err := h.eventStore.GetByKey(r.Context(), e.Key())
	if err != nil {
		h.logger.Error("check event key", "id", e.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update event")
		return
	}
	if clash != nil && clash.ID != e.ID {
		writeError(w, http.StatusConflict, "an identical event already exists")
		return
	}

	event, err := h.eventStore.Update(r.Context(), e)
	if err != nil {
		h.logger.Error("update calendar event", "id", e.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update event")
		return
	}

	h.publish(event.UserID, reconcile.KindUpdated, event)
	if event.Key() != existing.Key() || event.Description != existing.Description {
		h.enrich(event)
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *CalendarEventHandler) Delete(w http.ResponseWriter, r *http.Request) {
	existing := h.lookup(w, r)
	if existing == nil {
		return
	}

	if err := h.eventStore.Delete(r.Context(), existing.ID, existing.UserID); err != nil {
		h.logger.Error("delete calendar event", "id", existing.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete event")
		return
	}

	h.publish(existing.UserID, reconcile.KindDeleted, existing)
	w.WriteHeader(http.StatusNoContent)
}

type completeRequest struct {
	Completed *bool `json:"completed"`
}

// Complete marks a task done, or not done with {"completed": false}.
func (h *CalendarEventHandler) Complete(w http.ResponseWriter, r *http.Request) {
	existing := h.lookup(w, r)
	if existing == nil {
		return
	}
	if !existing.IsTask() {
		writeError(w, http.StatusBadRequest, "only tasks can be completed")
		return
	}

	completed := true
	if r.ContentLength != 0 {
		var req completeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Completed != nil {
			completed = *req.Completed
		}
	}

	event, err := h.eventStore.SetCompleted(r.Context(), existing.ID, existing.UserID, completed)
	if err != nil {
		h.logger.Error("complete calendar event", "id", existing.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update event")
		return
	}

	h.publish(event.UserID, reconcile.KindUpdated, event)
	writeJSON(w, http.StatusOK, event)
}
