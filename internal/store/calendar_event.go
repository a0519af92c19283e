package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/calsync/internal/database"
	"github.com/dukerupert/calsync/internal/model"
)

// ErrDuplicateEvent is returned by Create when the natural key already exists.
var ErrDuplicateEvent = errors.New("event with the same title, location and times already exists")

type EventStore struct {
	db *database.DB
}

func NewEventStore(db *database.DB) *EventStore {
	return &EventStore{db: db}
}

const eventCols = `id, user_id, title, description, start_time, end_time, location, recurrence, calendar, time_zone,
	imported_from, imported_username, embedding, server_id, include_in_personal, completed, created_at, updated_at`

func scanEvent(scanner interface{ Scan(...any) error }) (*model.CalendarEvent, error) {
	var e model.CalendarEvent
	var importedFrom, importedUsername, embedding sql.NullString
	var serverID sql.NullInt64
	var includeInPersonal, completed sql.NullBool

	err := scanner.Scan(&e.ID, &e.UserID, &e.Title, &e.Description, &e.StartTime, &e.EndTime, &e.Location,
		&e.Recurrence, &e.Calendar, &e.TimeZone, &importedFrom, &importedUsername, &embedding, &serverID,
		&includeInPersonal, &completed, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if importedFrom.Valid {
		e.ImportedFrom = &importedFrom.String
	}
	if importedUsername.Valid {
		e.ImportedUsername = &importedUsername.String
	}
	if serverID.Valid {
		e.ServerID = &serverID.Int64
	}
	if includeInPersonal.Valid {
		e.IncludeInPersonal = &includeInPersonal.Bool
	}
	if completed.Valid {
		e.Completed = &completed.Bool
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &e.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
	}
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]model.CalendarEvent, error) {
	defer rows.Close()

	var events []model.CalendarEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calendar event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

const insertEvent = `INSERT INTO calendar_events (user_id, title, description, start_time, end_time, location,
	recurrence, calendar, time_zone, imported_from, imported_username, server_id, include_in_personal, completed)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (user_id, title, location, start_time, end_time) DO NOTHING
	RETURNING ` + eventCols

func insertArgs(e *model.CalendarEvent) []any {
	return []any{
		e.UserID, e.Title, e.Description, e.StartTime.UTC(), e.EndTime.UTC(), e.Location,
		e.Recurrence, e.Calendar, e.TimeZone, nullString(e.ImportedFrom), nullString(e.ImportedUsername),
		nullInt64(e.ServerID), nullBool(e.IncludeInPersonal), nullBool(e.Completed),
	}
}

// Upsert inserts e unless an event with the same natural key exists, in
// which case the existing row wins and is returned untouched. inserted
// reports whether a new row was created.
func (s *EventStore) Upsert(ctx context.Context, e *model.CalendarEvent) (row *model.CalendarEvent, inserted bool, err error) {
	row, err = scanEvent(s.db.QueryRowContext(ctx, s.db.Rebind(insertEvent), insertArgs(e)...))
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := s.GetByKey(ctx, e.Key())
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("upsert calendar event: %w", err)
	}
	return row, true, nil
}

// Create inserts a user-authored event. It fails with ErrDuplicateEvent
// rather than silently returning an existing row.
func (s *EventStore) Create(ctx context.Context, e *model.CalendarEvent) (*model.CalendarEvent, error) {
	row, inserted, err := s.Upsert(ctx, e)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, ErrDuplicateEvent
	}
	return row, nil
}

func (s *EventStore) GetByID(ctx context.Context, id, userID int64) (*model.CalendarEvent, error) {
	row := s.db.QueryRowContext(ctx,
		s.db.Rebind(`SELECT `+eventCols+` FROM calendar_events WHERE id = ? AND user_id = ?`),
		id, userID,
	)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query calendar event: %w", err)
	}
	return e, nil
}

func (s *EventStore) GetByKey(ctx context.Context, key model.NaturalKey) (*model.CalendarEvent, error) {
	row := s.db.QueryRowContext(ctx,
		s.db.Rebind(`SELECT `+eventCols+` FROM calendar_events
		 WHERE user_id = ? AND title = ? AND location = ? AND start_time = ? AND end_time = ?`),
		key.UserID, key.Title, key.Location, key.Start.UTC(), key.End.UTC(),
	)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query calendar event by key: %w", err)
	}
	return e, nil
}

func (s *EventStore) ListByDateRange(ctx context.Context, userID int64, start, end time.Time) ([]model.CalendarEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		s.db.Rebind(`SELECT `+eventCols+` FROM calendar_events
		 WHERE user_id = ? AND start_time < ? AND end_time > ?
		 ORDER BY start_time ASC, id ASC`),
		userID, end.UTC(), start.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query calendar events: %w", err)
	}
	return scanEvents(rows)
}

// ListWithEmbeddings returns the user's events that carry a similarity vector.
func (s *EventStore) ListWithEmbeddings(ctx context.Context, userID int64) ([]model.CalendarEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		s.db.Rebind(`SELECT `+eventCols+` FROM calendar_events
		 WHERE user_id = ? AND embedding IS NOT NULL
		 ORDER BY start_time ASC`),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query embedded events: %w", err)
	}
	return scanEvents(rows)
}

func (s *EventStore) Update(ctx context.Context, e *model.CalendarEvent) (*model.CalendarEvent, error) {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE calendar_events
		 SET title = ?, description = ?, start_time = ?, end_time = ?, location = ?, recurrence = ?,
		     calendar = ?, time_zone = ?, server_id = ?, include_in_personal = ?, completed = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`),
		e.Title, e.Description, e.StartTime.UTC(), e.EndTime.UTC(), e.Location, e.Recurrence,
		e.Calendar, e.TimeZone, nullInt64(e.ServerID), nullBool(e.IncludeInPersonal), nullBool(e.Completed), time.Now().UTC(),
		e.ID, e.UserID,
	)
	if err != nil {
		return nil, fmt.Errorf("update calendar event: %w", err)
	}
	return s.GetByID(ctx, e.ID, e.UserID)
}

func (s *EventStore) SetCompleted(ctx context.Context, id, userID int64, completed bool) (*model.CalendarEvent, error) {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE calendar_events SET completed = ?, updated_at = ? WHERE id = ? AND user_id = ?`),
		completed, time.Now().UTC(), id, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("set event completed: %w", err)
	}
	return s.GetByID(ctx, id, userID)
}

// SetEmbedding attaches a vector to the event identified by its natural key.
// It returns the number of rows updated.
func (s *EventStore) SetEmbedding(ctx context.Context, key model.NaturalKey, vec []float32) (int64, error) {
	data, err := json.Marshal(vec)
	if err != nil {
		return 0, fmt.Errorf("encode embedding: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE calendar_events SET embedding = ?
		 WHERE user_id = ? AND title = ? AND location = ? AND start_time = ? AND end_time = ?`),
		string(data), key.UserID, key.Title, key.Location, key.Start.UTC(), key.End.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("set embedding: %w", err)
	}
	return result.RowsAffected()
}

func (s *EventStore) Delete(ctx context.Context, id, userID int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM calendar_events WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return fmt.Errorf("delete calendar event: %w", err)
	}
	return nil
}
