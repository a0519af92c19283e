package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dukerupert/calsync/internal/auth"
	"github.com/dukerupert/calsync/internal/database"
	"github.com/dukerupert/calsync/internal/model"
	"github.com/dukerupert/calsync/internal/store"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestUser(t *testing.T, db *database.DB, email string) int64 {
	t.Helper()
	u, err := store.NewUserStore(db).Create(context.Background(), email, "Test User")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u.ID
}

// request builds an authenticated request for userID with optional path id.
func request(method, target, body string, userID int64, id string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if id != "" {
		req.SetPathValue("id", id)
	}
	return req.WithContext(auth.WithAuth(req.Context(), auth.AuthContext{UserID: userID}))
}

func serve(h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rec)["error"]
}

type published struct {
	userID  int64
	kind    string
	payload any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []published
}

func (n *recordingNotifier) Notify(userID int64, kind string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, published{userID: userID, kind: kind, payload: payload})
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		out = append(out, e.kind)
	}
	return out
}

type recordingEnricher struct {
	mu   sync.Mutex
	rows []model.CalendarEvent
}

func (e *recordingEnricher) Enqueue(row model.CalendarEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rows = append(e.rows, row)
}
