package reconcile

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/dukerupert/calsync/internal/model"
)

// DefaultTitle is used for provider items without a summary.
const DefaultTitle = "Untitled Event"

const dateLayout = "2006-01-02"

var freqLabels = map[rrule.Frequency]string{
	rrule.YEARLY:   "Yearly",
	rrule.MONTHLY:  "Monthly",
	rrule.WEEKLY:   "Weekly",
	rrule.DAILY:    "Daily",
	rrule.HOURLY:   "Hourly",
	rrule.MINUTELY: "Minutely",
	rrule.SECONDLY: "Secondly",
}

var freqUnits = map[rrule.Frequency]string{
	rrule.YEARLY:   "years",
	rrule.MONTHLY:  "months",
	rrule.WEEKLY:   "weeks",
	rrule.DAILY:    "days",
	rrule.HOURLY:   "hours",
	rrule.MINUTELY: "minutes",
	rrule.SECONDLY: "seconds",
}

// Normalizer maps provider items onto local event records.
//
// Missing-time policy:
//   - timed start without an end: zero-length event at start
//   - all-day start without an end: one full day
//   - end without a start: ErrIncompleteItem
//   - neither: ErrIncompleteItem
type Normalizer struct {
	Calendar string
}

func NewNormalizer() *Normalizer {
	return &Normalizer{Calendar: model.CalendarGoogle}
}

// Normalize returns nil, nil for items that should be skipped silently
// (cancelled).
func (n *Normalizer) Normalize(raw RawEvent, userID int64) (*model.CalendarEvent, error) {
	if raw.Status == StatusCancelled {
		return nil, nil
	}
	if raw.Start == nil || (raw.Start.DateTime == "" && raw.Start.Date == "") {
		return nil, ErrIncompleteItem
	}

	zoneName := zoneOf(raw.Start, raw.End)
	loc, err := time.LoadLocation(zoneName)
	if err != nil {
		zoneName, loc = "UTC", time.UTC
	}

	ev := &model.CalendarEvent{
		UserID:      userID,
		Title:       strings.TrimSpace(raw.Summary),
		Description: raw.Description,
		Location:    raw.Location,
		Recurrence:  RecurrenceLabel(raw.Recurrence),
		Calendar:    n.Calendar,
		TimeZone:    zoneName,
	}
	if ev.Title == "" {
		ev.Title = DefaultTitle
	}

	if raw.Start.DateTime != "" {
		ev.StartTime, ev.EndTime, err = timedRange(raw.Start, raw.End)
	} else {
		ev.StartTime, ev.EndTime, err = allDayRange(raw.Start, raw.End, loc)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func zoneOf(start, end *EventTime) string {
	if start != nil && start.TimeZone != "" {
		return start.TimeZone
	}
	if end != nil && end.TimeZone != "" {
		return end.TimeZone
	}
	return "UTC"
}

func timedRange(start, end *EventTime) (time.Time, time.Time, error) {
	s, err := time.Parse(time.RFC3339, start.DateTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse start %q: %w", start.DateTime, err)
	}
	if end == nil || end.DateTime == "" {
		return s.UTC(), s.UTC(), nil
	}
	e, err := time.Parse(time.RFC3339, end.DateTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse end %q: %w", end.DateTime, err)
	}
	return s.UTC(), e.UTC(), nil
}

// allDayRange encodes an all-day item as local midnight to local midnight.
// The provider's end date is exclusive; a missing or non-advancing end
// yields a single day.
func allDayRange(start, end *EventTime, loc *time.Location) (time.Time, time.Time, error) {
	s, err := time.ParseInLocation(dateLayout, start.Date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse start date %q: %w", start.Date, err)
	}

	e := s.AddDate(0, 0, 1)
	if end != nil && end.Date != "" {
		parsed, err := time.ParseInLocation(dateLayout, end.Date, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse end date %q: %w", end.Date, err)
		}
		if parsed.After(s) {
			e = parsed
		}
	}
	return s.UTC(), e.UTC(), nil
}

// RecurrenceLabel turns the item's RRULE lines into a short label such as
// "Weekly" or "Every 2 weeks". Items without a rule are "None".
func RecurrenceLabel(lines []string) string {
	for _, line := range lines {
		if !strings.HasPrefix(strings.ToUpper(line), "RRULE:") {
			continue
		}
		opt, err := rrule.StrToROption(line[len("RRULE:"):])
		if err != nil {
			return "Custom"
		}
		label, ok := freqLabels[opt.Freq]
		if !ok {
			return "Custom"
		}
		if opt.Interval > 1 {
			return fmt.Sprintf("Every %d %s", opt.Interval, freqUnits[opt.Freq])
		}
		return label
	}
	return model.RecurrenceNone
}
