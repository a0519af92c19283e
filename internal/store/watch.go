package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/calsync/internal/database"
	"github.com/dukerupert/calsync/internal/model"
)

type WatchStore struct {
	db *database.DB
}

func NewWatchStore(db *database.DB) *WatchStore {
	return &WatchStore{db: db}
}

const watchCols = `id, user_id, calendar_id, channel_id, resource_id, channel_token, expires_at, disabled, credential_failures, created_at`

func scanWatch(scanner interface{ Scan(...any) error }) (*model.WatchSubscription, error) {
	var w model.WatchSubscription
	var expiresAt sql.NullTime
	err := scanner.Scan(&w.ID, &w.UserID, &w.CalendarID, &w.ChannelID, &w.ResourceID, &w.ChannelToken,
		&expiresAt, &w.Disabled, &w.CredentialFailures, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		w.ExpiresAt = &expiresAt.Time
	}
	return &w, nil
}

func (s *WatchStore) list(ctx context.Context, query string, args ...any) ([]model.WatchSubscription, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query watches: %w", err)
	}
	defer rows.Close()

	var watches []model.WatchSubscription
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan watch: %w", err)
		}
		watches = append(watches, *w)
	}
	return watches, rows.Err()
}

func (s *WatchStore) Create(ctx context.Context, w *model.WatchSubscription) (*model.WatchSubscription, error) {
	row := s.db.QueryRowContext(ctx,
		s.db.Rebind(`INSERT INTO watch_subscriptions (user_id, calendar_id, channel_id, resource_id, channel_token, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 RETURNING `+watchCols),
		w.UserID, w.CalendarID, w.ChannelID, w.ResourceID, w.ChannelToken, nullTime(w.ExpiresAt),
	)
	created, err := scanWatch(row)
	if err != nil {
		return nil, fmt.Errorf("insert watch: %w", err)
	}
	return created, nil
}

func (s *WatchStore) GetByID(ctx context.Context, id, userID int64) (*model.WatchSubscription, error) {
	row := s.db.QueryRowContext(ctx,
		s.db.Rebind(`SELECT `+watchCols+` FROM watch_subscriptions WHERE id = ? AND user_id = ?`),
		id, userID,
	)
	w, err := scanWatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watch: %w", err)
	}
	return w, nil
}

// ListByChannel resolves a push notification to the enabled subscriptions
// it refers to. An empty resourceID on either side matches any resource.
func (s *WatchStore) ListByChannel(ctx context.Context, channelID, resourceID string) ([]model.WatchSubscription, error) {
	watches, err := s.list(ctx,
		`SELECT `+watchCols+` FROM watch_subscriptions WHERE channel_id = ? AND disabled = ? ORDER BY id`,
		channelID, false,
	)
	if err != nil {
		return nil, err
	}

	matched := watches[:0]
	for _, w := range watches {
		if resourceID == "" || w.ResourceID == "" || w.ResourceID == resourceID {
			matched = append(matched, w)
		}
	}
	return matched, nil
}

func (s *WatchStore) ListEnabled(ctx context.Context) ([]model.WatchSubscription, error) {
	return s.list(ctx, `SELECT `+watchCols+` FROM watch_subscriptions WHERE disabled = ? ORDER BY id`, false)
}

func (s *WatchStore) ListByUser(ctx context.Context, userID int64) ([]model.WatchSubscription, error) {
	return s.list(ctx, `SELECT `+watchCols+` FROM watch_subscriptions WHERE user_id = ? ORDER BY id`, userID)
}

// ListExpiringBefore returns enabled subscriptions whose channel expires before t.
func (s *WatchStore) ListExpiringBefore(ctx context.Context, t time.Time) ([]model.WatchSubscription, error) {
	return s.list(ctx,
		`SELECT `+watchCols+` FROM watch_subscriptions
		 WHERE disabled = ? AND expires_at IS NOT NULL AND expires_at < ? ORDER BY expires_at`,
		false, t.UTC(),
	)
}

// UpdateChannel points an existing subscription at a renewed provider channel.
func (s *WatchStore) UpdateChannel(ctx context.Context, id int64, channelID, resourceID, token string, expiresAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE watch_subscriptions
		 SET channel_id = ?, resource_id = ?, channel_token = ?, expires_at = ?
		 WHERE id = ?`),
		channelID, resourceID, token, nullTime(expiresAt), id,
	)
	if err != nil {
		return fmt.Errorf("update watch channel: %w", err)
	}
	return nil
}

// RecordCredentialFailure increments the consecutive credential failure
// counter and returns the new value.
func (s *WatchStore) RecordCredentialFailure(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		s.db.Rebind(`UPDATE watch_subscriptions SET credential_failures = credential_failures + 1
		 WHERE id = ? RETURNING credential_failures`),
		id,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("record credential failure: %w", err)
	}
	return count, nil
}

func (s *WatchStore) ResetCredentialFailures(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE watch_subscriptions SET credential_failures = 0 WHERE id = ? AND credential_failures <> 0`),
		id,
	)
	if err != nil {
		return fmt.Errorf("reset credential failures: %w", err)
	}
	return nil
}

func (s *WatchStore) Disable(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE watch_subscriptions SET disabled = ? WHERE id = ?`), true, id)
	if err != nil {
		return fmt.Errorf("disable watch: %w", err)
	}
	return nil
}

func (s *WatchStore) Delete(ctx context.Context, id, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM watch_subscriptions WHERE id = ? AND user_id = ?`),
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("delete watch: %w", err)
	}
	return nil
}
