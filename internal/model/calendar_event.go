package model

import (
	"math"
	"time"
)

// Calendar labels used by the event store.
const (
	CalendarGoogle   = "Google"
	CalendarPersonal = "Personal"
	CalendarTask     = "Task"
)

// RecurrenceNone is the recurrence label of a one-off event.
const RecurrenceNone = "None"

type CalendarEvent struct {
	ID                int64     `json:"id"`
	UserID            int64     `json:"user_id" validate:"required"`
	Title             string    `json:"title" validate:"required"`
	Description       string    `json:"description"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time" validate:"gtefield=StartTime"`
	Location          string    `json:"location"`
	Recurrence        string    `json:"recurrence"`
	Calendar          string    `json:"calendar" validate:"required"`
	TimeZone          string    `json:"time_zone"`
	ImportedFrom      *string   `json:"imported_from,omitempty"`
	ImportedUsername  *string   `json:"imported_username,omitempty"`
	Embedding         []float32 `json:"-"`
	ServerID          *int64    `json:"server_id,omitempty"`
	IncludeInPersonal *bool     `json:"include_in_personal,omitempty"`
	Completed         *bool     `json:"completed,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NaturalKey identifies an event for idempotent inserts. Two events of the
// same user with equal title, location, start and end are the same event.
type NaturalKey struct {
	UserID   int64
	Title    string
	Location string
	Start    time.Time
	End      time.Time
}

func (e *CalendarEvent) Key() NaturalKey {
	return NaturalKey{
		UserID:   e.UserID,
		Title:    e.Title,
		Location: e.Location,
		Start:    e.StartTime.UTC(),
		End:      e.EndTime.UTC(),
	}
}

// Zone returns the event's originating timezone, UTC when unknown.
func (e *CalendarEvent) Zone() *time.Location {
	if e.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(e.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsAllDay reports whether the event starts at local midnight and ends at
// local midnight a whole number of calendar days later.
func (e *CalendarEvent) IsAllDay() bool {
	loc := e.Zone()
	start := e.StartTime.In(loc)
	end := e.EndTime.In(loc)

	if !isMidnight(start) || !isMidnight(end) || !end.After(start) {
		return false
	}

	days := int(math.Round(end.Sub(start).Hours() / 24))
	if days < 1 {
		return false
	}
	return start.AddDate(0, 0, days).Equal(end)
}

// IsTask reports whether the event is a completable task.
func (e *CalendarEvent) IsTask() bool {
	return e.Calendar == CalendarTask
}

func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}
