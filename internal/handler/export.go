package handler

import (
	"fmt"
	"net/http"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/dukerupert/calsync/internal/auth"
	"github.com/dukerupert/calsync/internal/model"
)

const (
	exportPast   = 30 * 24 * time.Hour
	exportFuture = 365 * 24 * time.Hour
)

// PropertyRecurrenceLabel carries the stored recurrence label on exported events.
const PropertyRecurrenceLabel ical.ComponentProperty = "X-CALSYNC-RECURRENCE"

// Export writes the user's events as an iCalendar feed. The range defaults
// to the last 30 days through the next year.
func (h *CalendarEventHandler) Export(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	start, end := now.Add(-exportPast), now.Add(exportFuture)

	var err error
	if s := r.URL.Query().Get("start"); s != "" {
		if start, err = parseFlexibleTime(s, time.UTC); err != nil {
			writeError(w, http.StatusBadRequest, "start must be RFC3339 or YYYY-MM-DD format")
			return
		}
	}
	if s := r.URL.Query().Get("end"); s != "" {
		if end, err = parseFlexibleTime(s, time.UTC); err != nil {
			writeError(w, http.StatusBadRequest, "end must be RFC3339 or YYYY-MM-DD format")
			return
		}
	}

	events, err := h.eventStore.ListByDateRange(r.Context(), auth.UserID(r.Context()), start, end)
	if err != nil {
		h.logger.Error("list events for export", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to export events")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="calsync.ics"`)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(buildCalendar(events, now).Serialize()))
}

func buildCalendar(events []model.CalendarEvent, stamp time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//calsync//calendar export//EN")

	for i := range events {
		e := &events[i]
		ev := cal.AddEvent(fmt.Sprintf("event-%d@calsync", e.ID))
		ev.SetDtStampTime(stamp)
		ev.SetCreatedTime(e.CreatedAt)
		ev.SetModifiedAt(e.UpdatedAt)
		ev.SetSummary(e.Title)
		if e.Description != "" {
			ev.SetDescription(e.Description)
		}
		if e.Location != "" {
			ev.SetLocation(e.Location)
		}

		if e.IsAllDay() {
			loc := e.Zone()
			ev.SetAllDayStartAt(e.StartTime.In(loc))
			ev.SetAllDayEndAt(e.EndTime.In(loc))
		} else {
			ev.SetStartAt(e.StartTime.UTC())
			ev.SetEndAt(e.EndTime.UTC())
		}

		if e.Recurrence != "" && e.Recurrence != model.RecurrenceNone {
			ev.SetProperty(PropertyRecurrenceLabel, e.Recurrence)
		}
	}
	return cal
}
