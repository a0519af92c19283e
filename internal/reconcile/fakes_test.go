package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/dukerupert/calsync/internal/database"
	"github.com/dukerupert/calsync/internal/model"
	"github.com/dukerupert/calsync/internal/store"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type step func(ctx context.Context, accessToken string, req ListRequest) (*Page, error)

func pageOf(items []RawEvent, nextPage, nextSync string) step {
	return func(context.Context, string, ListRequest) (*Page, error) {
		return &Page{Items: items, NextPageToken: nextPage, NextSyncToken: nextSync}, nil
	}
}

func fail(err error) step {
	return func(context.Context, string, ListRequest) (*Page, error) {
		return nil, err
	}
}

// fakeProvider replays steps in order, repeating the last one.
type fakeProvider struct {
	mu     sync.Mutex
	steps  []step
	calls  []ListRequest
	tokens []string
}

func (p *fakeProvider) ListEvents(ctx context.Context, accessToken string, req ListRequest) (*Page, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.tokens = append(p.tokens, accessToken)
	idx := len(p.calls) - 1
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	s := p.steps[idx]
	p.mu.Unlock()
	return s(ctx, accessToken, req)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeRefresher struct {
	mu      sync.Mutex
	calls   int
	token   string
	rotated string
	err     error
}

func (r *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return Tokens{}, r.err
	}
	return Tokens{AccessToken: r.token, RefreshToken: r.rotated}, nil
}

type fakeSaver struct {
	saved     []string
	refreshes []string
}

func (s *fakeSaver) UpdateTokens(ctx context.Context, userID int64, accessToken, refreshToken string) error {
	s.saved = append(s.saved, accessToken)
	s.refreshes = append(s.refreshes, refreshToken)
	return nil
}

type notification struct {
	userID  int64
	kind    string
	payload any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(userID int64, kind string, payload any) {
	n.mu.Lock()
	n.sent = append(n.sent, notification{userID, kind, payload})
	n.mu.Unlock()
}

type recordingEnricher struct {
	mu   sync.Mutex
	rows []model.CalendarEvent
}

func (e *recordingEnricher) Enqueue(row model.CalendarEvent) {
	e.mu.Lock()
	e.rows = append(e.rows, row)
	e.mu.Unlock()
}

type harness struct {
	db       *database.DB
	userID   int64
	events   *store.EventStore
	cursors  *store.CursorStore
	provider *fakeProvider
	notifier *recordingNotifier
	enricher *recordingEnricher
	walker   *Walker
}

func newHarness(t *testing.T, steps ...step) *harness {
	t.Helper()
	db, err := database.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	u, err := store.NewUserStore(db).Create(context.Background(), "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	h := &harness{
		db:       db,
		userID:   u.ID,
		events:   store.NewEventStore(db),
		cursors:  store.NewCursorStore(db),
		provider: &fakeProvider{steps: steps},
		notifier: &recordingNotifier{},
		enricher: &recordingEnricher{},
	}
	h.walker = NewWalker(h.provider, h.cursors, NewWriter(h.events), discardLogger,
		WithNotifier(h.notifier), WithEnricher(h.enricher))
	return h
}

func (h *harness) target() Target {
	return Target{UserID: h.userID, CalendarID: "primary"}
}

func (h *harness) session(refresher Refresher) *Session {
	if refresher == nil {
		refresher = &fakeRefresher{err: errors.New("unexpected refresh")}
	}
	cred := &model.Credential{UserID: h.userID, AccessToken: "access-0", RefreshToken: "refresh-0"}
	return NewSession(cred, refresher, &fakeSaver{}, discardLogger)
}
