package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/calsync/internal/model"
)

// Upserter is the storage primitive behind Writer.
type Upserter interface {
	Upsert(ctx context.Context, e *model.CalendarEvent) (*model.CalendarEvent, bool, error)
}

// Writer validates normalized events and upserts them on the natural key.
// Errors are per item; the caller decides whether to continue.
type Writer struct {
	events   Upserter
	validate *validator.Validate
}

func NewWriter(events Upserter) *Writer {
	return &Writer{events: events, validate: validator.New()}
}

var errZeroStart = errors.New("event has no start time")

func (w *Writer) Write(ctx context.Context, e *model.CalendarEvent) (*model.CalendarEvent, bool, error) {
	if e.StartTime.IsZero() {
		return nil, false, errZeroStart
	}
	if err := w.validate.Struct(e); err != nil {
		return nil, false, fmt.Errorf("invalid event %q: %w", e.Title, err)
	}
	row, inserted, err := w.events.Upsert(ctx, e)
	if err != nil {
		return nil, false, err
	}
	if row == nil {
		return nil, false, fmt.Errorf("upsert %q returned no row", e.Title)
	}
	return row, inserted, nil
}
