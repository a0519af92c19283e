package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dukerupert/calsync/internal/reconcile"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(WithEndpoint(srv.URL + "/"))
}

func writeError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": http.StatusText(code)},
	})
}

func TestListEventsMapsItems(t *testing.T) {
	var gotAuth, gotSync, gotPage string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/calendars/primary/events") {
			t.Errorf("path = %q, want calendar events list", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotSync = r.URL.Query().Get("syncToken")
		gotPage = r.URL.Query().Get("pageToken")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"items": [
				{"id": "a", "status": "confirmed", "summary": "Lunch",
				 "start": {"date": "2024-11-04"}, "end": {"date": "2024-11-05"},
				 "recurrence": ["RRULE:FREQ=WEEKLY"]},
				{"id": "b", "status": "cancelled"}
			],
			"nextSyncToken": "abc123"
		}`))
	})

	page, err := c.ListEvents(context.Background(), "access-0", reconcile.ListRequest{
		CalendarID: "primary", SyncToken: "prev", PageToken: "p2",
	})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}

	if gotAuth != "Bearer access-0" {
		t.Errorf("authorization = %q, want %q", gotAuth, "Bearer access-0")
	}
	if gotSync != "prev" || gotPage != "p2" {
		t.Errorf("sync/page = %q/%q, want prev/p2", gotSync, gotPage)
	}
	if page.NextSyncToken != "abc123" {
		t.Errorf("next sync token = %q, want %q", page.NextSyncToken, "abc123")
	}
	if len(page.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(page.Items))
	}
	lunch := page.Items[0]
	if lunch.Summary != "Lunch" || lunch.Start == nil || lunch.Start.Date != "2024-11-04" {
		t.Errorf("lunch = %+v", lunch)
	}
	if len(lunch.Recurrence) != 1 {
		t.Errorf("recurrence = %v, want one rule", lunch.Recurrence)
	}
	if page.Items[1].Status != reconcile.StatusCancelled || page.Items[1].Start != nil {
		t.Errorf("cancelled item = %+v", page.Items[1])
	}
}

func TestListEventsClassifiesErrors(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusUnauthorized, reconcile.ErrUnauthorized},
		{http.StatusForbidden, reconcile.ErrUnauthorized},
		{http.StatusGone, reconcile.ErrCursorGone},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeError(w, tt.code)
			})
			_, err := c.ListEvents(context.Background(), "tok", reconcile.ListRequest{CalendarID: "primary"})
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestListEventsServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusBadRequest)
	})
	_, err := c.ListEvents(context.Background(), "tok", reconcile.ListRequest{CalendarID: "primary"})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, reconcile.ErrUnauthorized) || errors.Is(err, reconcile.ErrCursorGone) {
		t.Errorf("400 misclassified: %v", err)
	}
}

func TestWatchAndStop(t *testing.T) {
	var watchBody, stopBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/events/watch"):
			json.NewDecoder(r.Body).Decode(&watchBody)
			w.Write([]byte(`{"id": "chan-1", "resourceId": "res-1", "expiration": "1767225600000"}`))
		case strings.HasSuffix(r.URL.Path, "/channels/stop"):
			json.NewDecoder(r.Body).Decode(&stopBody)
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	ch, err := c.Watch(ctx, "tok", "primary", "chan-1", "https://example.com/webhooks/google", "secret")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if watchBody["type"] != "web_hook" || watchBody["address"] != "https://example.com/webhooks/google" {
		t.Errorf("watch body = %v", watchBody)
	}
	if watchBody["token"] != "secret" {
		t.Errorf("channel token = %v, want secret", watchBody["token"])
	}
	if ch.ResourceID != "res-1" {
		t.Errorf("resource id = %q, want %q", ch.ResourceID, "res-1")
	}
	if ch.ExpiresAt == nil || ch.ExpiresAt.Year() != 2026 {
		t.Errorf("expires at = %v, want 2026-01-01", ch.ExpiresAt)
	}

	if err := c.Stop(ctx, "tok", "chan-1", "res-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopBody["id"] != "chan-1" || stopBody["resourceId"] != "res-1" {
		t.Errorf("stop body = %v", stopBody)
	}
}

func TestStopUnknownChannel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound)
	})
	if err := c.Stop(context.Background(), "tok", "gone", "res"); err != nil {
		t.Errorf("stop unknown channel: %v", err)
	}
}
