package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/calsync/internal/database"
)

// CursorStore persists opaque provider sync tokens per user/calendar pair.
// An absent cursor means the next walk must be a full fetch.
type CursorStore struct {
	db *database.DB
}

func NewCursorStore(db *database.DB) *CursorStore {
	return &CursorStore{db: db}
}

func (s *CursorStore) Get(ctx context.Context, userID int64, calendarID string) (string, bool, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		s.db.Rebind(`SELECT sync_token FROM sync_cursors WHERE user_id = ? AND calendar_id = ?`),
		userID, calendarID,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get sync cursor: %w", err)
	}
	return token, true, nil
}

func (s *CursorStore) Set(ctx context.Context, userID int64, calendarID, token string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO sync_cursors (user_id, calendar_id, sync_token, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, calendar_id)
		 DO UPDATE SET sync_token = excluded.sync_token, updated_at = excluded.updated_at`),
		userID, calendarID, token, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set sync cursor: %w", err)
	}
	return nil
}

// Invalidate removes the cursor. It returns only after the delete has
// committed, so the next Get observes the absence.
func (s *CursorStore) Invalidate(ctx context.Context, userID int64, calendarID string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM sync_cursors WHERE user_id = ? AND calendar_id = ?`),
		userID, calendarID,
	)
	if err != nil {
		return fmt.Errorf("invalidate sync cursor: %w", err)
	}
	return nil
}
