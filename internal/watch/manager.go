package watch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/calsync/internal/google"
	"github.com/dukerupert/calsync/internal/model"
	"github.com/dukerupert/calsync/internal/reconcile"
)

var (
	ErrNoCredential = errors.New("no credential on file")
	ErrNotFound     = errors.New("watch subscription not found")
)

// Channels registers and tears down provider push channels.
type Channels interface {
	Watch(ctx context.Context, accessToken, calendarID, channelID, address, channelToken string) (*google.Channel, error)
	Stop(ctx context.Context, accessToken, channelID, resourceID string) error
}

// Store persists watch subscriptions.
type Store interface {
	Create(ctx context.Context, w *model.WatchSubscription) (*model.WatchSubscription, error)
	GetByID(ctx context.Context, id, userID int64) (*model.WatchSubscription, error)
	Delete(ctx context.Context, id, userID int64) error
	ListExpiringBefore(ctx context.Context, t time.Time) ([]model.WatchSubscription, error)
	UpdateChannel(ctx context.Context, id int64, channelID, resourceID, token string, expiresAt *time.Time) error
}

// Manager owns the lifecycle of watch subscriptions: the provider channel
// and the local row move together.
type Manager struct {
	channels  Channels
	watches   Store
	creds     reconcile.CredentialSource
	refresher reconcile.Refresher
	address   string
	logger    *slog.Logger

	now func() time.Time
}

// NewManager returns a Manager that registers channels delivering to address.
func NewManager(channels Channels, watches Store, creds reconcile.CredentialSource, refresher reconcile.Refresher, address string, logger *slog.Logger) *Manager {
	return &Manager{
		channels:  channels,
		watches:   watches,
		creds:     creds,
		refresher: refresher,
		address:   address,
		logger:    logger,
		now:       time.Now,
	}
}

func (m *Manager) session(ctx context.Context, userID int64) (*reconcile.Session, error) {
	cred, err := m.creds.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return nil, ErrNoCredential
	}
	return reconcile.NewSession(cred, m.refresher, m.creds, m.logger), nil
}

func (m *Manager) open(ctx context.Context, sess *reconcile.Session, calendarID string) (*google.Channel, error) {
	channelID := uuid.NewString()
	token, err := newChannelToken()
	if err != nil {
		return nil, err
	}

	var ch *google.Channel
	err = sess.Do(ctx, func(ctx context.Context, accessToken string) error {
		var err error
		ch, err = m.channels.Watch(ctx, accessToken, calendarID, channelID, m.address, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	if ch.ID == "" {
		ch.ID = channelID
	}
	if ch.Token == "" {
		ch.Token = token
	}
	return ch, nil
}

func (m *Manager) stop(ctx context.Context, sess *reconcile.Session, channelID, resourceID string) error {
	return sess.Do(ctx, func(ctx context.Context, accessToken string) error {
		return m.channels.Stop(ctx, accessToken, channelID, resourceID)
	})
}

// Subscribe opens a push channel for the user's calendar and stores it.
func (m *Manager) Subscribe(ctx context.Context, userID int64, calendarID string) (*model.WatchSubscription, error) {
	sess, err := m.session(ctx, userID)
	if err != nil {
		return nil, err
	}

	ch, err := m.open(ctx, sess, calendarID)
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	w, err := m.watches.Create(ctx, &model.WatchSubscription{
		UserID:       userID,
		CalendarID:   calendarID,
		ChannelID:    ch.ID,
		ResourceID:   ch.ResourceID,
		ChannelToken: ch.Token,
		ExpiresAt:    ch.ExpiresAt,
	})
	if err != nil {
		if serr := m.stop(context.WithoutCancel(ctx), sess, ch.ID, ch.ResourceID); serr != nil {
			m.logger.Warn("stop orphaned channel", "channel_id", ch.ID, "error", serr)
		}
		return nil, err
	}

	m.logger.Info("watch subscribed", "user_id", userID, "calendar_id", calendarID, "watch_id", w.ID, "channel_id", w.ChannelID)
	return w, nil
}

// Unsubscribe stops the provider channel and deletes the subscription. A
// channel that cannot be stopped is left to expire on its own.
func (m *Manager) Unsubscribe(ctx context.Context, userID, watchID int64) error {
	w, err := m.watches.GetByID(ctx, watchID, userID)
	if err != nil {
		return err
	}
	if w == nil {
		return ErrNotFound
	}

	sess, err := m.session(ctx, userID)
	switch {
	case err == nil:
		if err := m.stop(ctx, sess, w.ChannelID, w.ResourceID); err != nil {
			m.logger.Warn("stop channel", "watch_id", w.ID, "channel_id", w.ChannelID, "error", err)
		}
	case errors.Is(err, ErrNoCredential):
		m.logger.Warn("no credential to stop channel", "watch_id", w.ID)
	default:
		return err
	}

	if err := m.watches.Delete(ctx, w.ID, userID); err != nil {
		return err
	}
	m.logger.Info("watch unsubscribed", "user_id", userID, "watch_id", w.ID)
	return nil
}

// RenewExpiring replaces every enabled channel that expires within the
// given window. Failures are logged per subscription; the count of renewed
// subscriptions is returned.
func (m *Manager) RenewExpiring(ctx context.Context, within time.Duration) (int, error) {
	due, err := m.watches.ListExpiringBefore(ctx, m.now().Add(within))
	if err != nil {
		return 0, err
	}

	renewed := 0
	for _, w := range due {
		if err := ctx.Err(); err != nil {
			return renewed, err
		}
		if err := m.renew(ctx, w); err != nil {
			m.logger.Error("renew watch", "watch_id", w.ID, "user_id", w.UserID, "error", err)
			continue
		}
		renewed++
	}
	return renewed, nil
}

func (m *Manager) renew(ctx context.Context, w model.WatchSubscription) error {
	sess, err := m.session(ctx, w.UserID)
	if err != nil {
		return err
	}

	ch, err := m.open(ctx, sess, w.CalendarID)
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := m.watches.UpdateChannel(ctx, w.ID, ch.ID, ch.ResourceID, ch.Token, ch.ExpiresAt); err != nil {
		return err
	}

	if err := m.stop(ctx, sess, w.ChannelID, w.ResourceID); err != nil {
		m.logger.Warn("stop replaced channel", "watch_id", w.ID, "channel_id", w.ChannelID, "error", err)
	}
	m.logger.Info("watch renewed", "watch_id", w.ID, "channel_id", ch.ID)
	return nil
}

func newChannelToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate channel token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
