package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/calsync/internal/database"
	"github.com/dukerupert/calsync/internal/model"
)

// RunStore records the outcome of each sync run so failures are queryable.
type RunStore struct {
	db *database.DB
}

func NewRunStore(db *database.DB) *RunStore {
	return &RunStore{db: db}
}

const runCols = `id, user_id, calendar_id, trigger_source, status, inserted_count, error, started_at, finished_at`

func scanRun(scanner interface{ Scan(...any) error }) (*model.SyncRun, error) {
	var r model.SyncRun
	var finishedAt sql.NullTime
	err := scanner.Scan(&r.ID, &r.UserID, &r.CalendarID, &r.Trigger, &r.Status, &r.Inserted, &r.Error,
		&r.StartedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return &r, nil
}

func (s *RunStore) Start(ctx context.Context, userID int64, calendarID, trigger string) (*model.SyncRun, error) {
	row := s.db.QueryRowContext(ctx,
		s.db.Rebind(`INSERT INTO sync_runs (user_id, calendar_id, trigger_source, status, started_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING `+runCols),
		userID, calendarID, trigger, model.RunRunning, time.Now().UTC(),
	)
	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("start sync run: %w", err)
	}
	return r, nil
}

func (s *RunStore) Finish(ctx context.Context, id int64, status string, inserted int, errText string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE sync_runs SET status = ?, inserted_count = ?, error = ?, finished_at = ? WHERE id = ?`),
		status, inserted, errText, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("finish sync run: %w", err)
	}
	return nil
}

// ListByUser returns the user's most recent runs, newest first.
func (s *RunStore) ListByUser(ctx context.Context, userID int64, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		s.db.Rebind(`SELECT `+runCols+` FROM sync_runs WHERE user_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`),
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
