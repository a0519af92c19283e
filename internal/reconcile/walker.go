package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/calsync/internal/model"
)

// DefaultCallTimeout bounds a single provider request.
const DefaultCallTimeout = 15 * time.Second

// maxAttempts is the initial walk plus at most one forced full resync.
const maxAttempts = 2

// Cursors stores the provider sync token per user/calendar pair.
type Cursors interface {
	Get(ctx context.Context, userID int64, calendarID string) (string, bool, error)
	Set(ctx context.Context, userID int64, calendarID, token string) error
	Invalidate(ctx context.Context, userID int64, calendarID string) error
}

// EventWriter persists one normalized event.
type EventWriter interface {
	Write(ctx context.Context, e *model.CalendarEvent) (*model.CalendarEvent, bool, error)
}

// Target identifies one walk. WatchID is zero when the walk was not
// triggered through a watch subscription. Full ignores the stored cursor.
type Target struct {
	UserID     int64
	CalendarID string
	WatchID    int64
	Full       bool
}

type Result struct {
	Inserted   int
	Skipped    int
	NextCursor string
	Restarted  bool
}

type Walker struct {
	provider    Provider
	cursors     Cursors
	normalizer  *Normalizer
	writer      EventWriter
	enricher    Enricher
	notifier    Notifier
	callTimeout time.Duration
	logger      *slog.Logger
}

type WalkerOption func(*Walker)

func WithEnricher(e Enricher) WalkerOption { return func(w *Walker) { w.enricher = e } }

func WithNotifier(n Notifier) WalkerOption { return func(w *Walker) { w.notifier = n } }

func WithCallTimeout(d time.Duration) WalkerOption {
	return func(w *Walker) {
		if d > 0 {
			w.callTimeout = d
		}
	}
}

func NewWalker(provider Provider, cursors Cursors, writer EventWriter, logger *slog.Logger, opts ...WalkerOption) *Walker {
	w := &Walker{
		provider:    provider,
		cursors:     cursors,
		normalizer:  NewNormalizer(),
		writer:      writer,
		enricher:    nopEnricher{},
		notifier:    nopNotifier{},
		callTimeout: DefaultCallTimeout,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Walk drains the provider's event list for t and persists the final sync
// cursor. A stale cursor triggers exactly one restart as a full fetch; a
// second stale-cursor response, or one on a full fetch, is a *FetchError.
// Rows inserted before a restart still count.
func (w *Walker) Walk(ctx context.Context, t Target, sess *Session) (Result, error) {
	var res Result

	for attempt := 0; attempt < maxAttempts; attempt++ {
		cursor := ""
		if !t.Full && attempt == 0 {
			stored, ok, err := w.cursors.Get(ctx, t.UserID, t.CalendarID)
			if err != nil {
				return res, fmt.Errorf("load sync cursor: %w", err)
			}
			if ok {
				cursor = stored
			}
		}

		next, err := w.drain(ctx, t, sess, cursor, &res)
		if errors.Is(err, ErrCursorGone) {
			if cursor == "" {
				return res, &FetchError{UserID: t.UserID, CalendarID: t.CalendarID, Err: err}
			}
			w.logger.Info("sync cursor gone, restarting as full sync",
				"user_id", t.UserID, "calendar_id", t.CalendarID)
			if err := w.cursors.Invalidate(ctx, t.UserID, t.CalendarID); err != nil {
				return res, fmt.Errorf("invalidate sync cursor: %w", err)
			}
			res.Restarted = true
			continue
		}
		if err != nil {
			return res, err
		}

		if next != "" {
			if err := w.cursors.Set(ctx, t.UserID, t.CalendarID, next); err != nil {
				return res, fmt.Errorf("save sync cursor: %w", err)
			}
			res.NextCursor = next
		}
		return res, nil
	}

	return res, &FetchError{UserID: t.UserID, CalendarID: t.CalendarID, Err: ErrCursorGone}
}

// drain follows page tokens until the provider stops returning one and
// returns the final sync token, which may be empty.
func (w *Walker) drain(ctx context.Context, t Target, sess *Session, cursor string, res *Result) (string, error) {
	pageToken := ""
	for {
		req := ListRequest{CalendarID: t.CalendarID, SyncToken: cursor, PageToken: pageToken}

		var page *Page
		err := sess.Do(ctx, func(ctx context.Context, accessToken string) error {
			p, err := w.list(ctx, accessToken, req)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			var credErr *CredentialError
			if errors.Is(err, ErrCursorGone) || errors.As(err, &credErr) {
				return "", err
			}
			return "", &FetchError{UserID: t.UserID, CalendarID: t.CalendarID, Err: err}
		}

		w.apply(ctx, t, page.Items, res)

		if page.NextPageToken == "" {
			return page.NextSyncToken, nil
		}
		pageToken = page.NextPageToken
	}
}

func (w *Walker) list(ctx context.Context, accessToken string, req ListRequest) (*Page, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()

	page, err := w.provider.ListEvents(callCtx, accessToken, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("list events timed out after %s: %w", w.callTimeout, err)
		}
		return nil, err
	}
	if page == nil {
		page = &Page{}
	}
	return page, nil
}

// apply handles one page in item order. Item failures are logged and
// skipped.
func (w *Walker) apply(ctx context.Context, t Target, items []RawEvent, res *Result) {
	for _, raw := range items {
		ev, err := w.normalizer.Normalize(raw, t.UserID)
		if err != nil {
			res.Skipped++
			w.logger.Warn("skip provider item", "user_id", t.UserID, "item_id", raw.ID, "error", err)
			continue
		}
		if ev == nil {
			continue
		}

		row, inserted, err := w.writer.Write(ctx, ev)
		if err != nil {
			res.Skipped++
			w.logger.Warn("write provider item", "user_id", t.UserID, "item_id", raw.ID, "error", err)
			continue
		}
		if !inserted {
			continue
		}

		res.Inserted++
		w.notifier.Notify(t.UserID, KindCreated, row)
		w.enricher.Enqueue(*row)
	}
}
