package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dukerupert/calsync/internal/model"
)

func lunch() RawEvent {
	return RawEvent{
		ID:      "evt-lunch",
		Status:  "confirmed",
		Summary: "Lunch",
		Start:   &EventTime{Date: "2024-11-04"},
		End:     &EventTime{Date: "2024-11-05"},
	}
}

func timed(id, title string, start, end time.Time) RawEvent {
	return RawEvent{
		ID:      id,
		Status:  "confirmed",
		Summary: title,
		Start:   &EventTime{DateTime: start.Format(time.RFC3339)},
		End:     &EventTime{DateTime: end.Format(time.RFC3339)},
	}
}

func TestWalkEndToEnd(t *testing.T) {
	h := newHarness(t, pageOf([]RawEvent{lunch()}, "", "abc123"))
	ctx := context.Background()

	res, err := h.walker.Walk(ctx, h.target(), h.session(nil))
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if res.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", res.Inserted)
	}

	rows, err := h.events.ListByDateRange(ctx, h.userID,
		time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 11, 30, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	row := rows[0]
	if want := time.Date(2024, 11, 4, 0, 0, 0, 0, time.UTC); !row.StartTime.Equal(want) {
		t.Errorf("start = %v, want %v", row.StartTime, want)
	}
	if want := time.Date(2024, 11, 5, 0, 0, 0, 0, time.UTC); !row.EndTime.Equal(want) {
		t.Errorf("end = %v, want %v", row.EndTime, want)
	}
	if row.Calendar != "Google" {
		t.Errorf("calendar = %q, want %q", row.Calendar, "Google")
	}
	if !row.IsAllDay() {
		t.Error("stored row not classified as all-day")
	}

	cursor, ok, _ := h.cursors.Get(ctx, h.userID, "primary")
	if !ok || cursor != "abc123" {
		t.Errorf("cursor = %q (ok=%v), want %q", cursor, ok, "abc123")
	}

	if len(h.notifier.sent) != 1 {
		t.Fatalf("got %d notifications, want 1", len(h.notifier.sent))
	}
	if n := h.notifier.sent[0]; n.kind != KindCreated || n.userID != h.userID {
		t.Errorf("notification = %+v, want created for user %d", n, h.userID)
	}
	if len(h.enricher.rows) != 1 {
		t.Errorf("enqueued %d rows, want 1", len(h.enricher.rows))
	}
}

func TestWalkIdempotent(t *testing.T) {
	start := time.Date(2024, 11, 6, 12, 0, 0, 0, time.UTC)
	items := []RawEvent{lunch(), timed("evt-2", "Review", start, start.Add(time.Hour))}
	h := newHarness(t, pageOf(items, "", "tok-1"))
	ctx := context.Background()

	first, err := h.walker.Walk(ctx, Target{UserID: h.userID, CalendarID: "primary", Full: true}, h.session(nil))
	if err != nil {
		t.Fatalf("first walk: %v", err)
	}
	if first.Inserted != 2 {
		t.Fatalf("first inserted = %d, want 2", first.Inserted)
	}

	second, err := h.walker.Walk(ctx, Target{UserID: h.userID, CalendarID: "primary", Full: true}, h.session(nil))
	if err != nil {
		t.Fatalf("second walk: %v", err)
	}
	if second.Inserted != 0 {
		t.Errorf("second inserted = %d, want 0", second.Inserted)
	}
	if len(h.enricher.rows) != 2 {
		t.Errorf("enqueued %d rows, want 2 (new rows only)", len(h.enricher.rows))
	}
	if len(h.notifier.sent) != 2 {
		t.Errorf("got %d notifications, want 2", len(h.notifier.sent))
	}
}

func TestWalkSkipsCancelled(t *testing.T) {
	cancelled := lunch()
	cancelled.Status = StatusCancelled
	h := newHarness(t, pageOf([]RawEvent{cancelled}, "", "tok"))

	res, err := h.walker.Walk(context.Background(), h.target(), h.session(nil))
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if res.Inserted != 0 {
		t.Errorf("inserted = %d, want 0", res.Inserted)
	}
	if res.Skipped != 0 {
		t.Errorf("skipped = %d, want 0 (cancelled is not a failure)", res.Skipped)
	}
	if len(h.notifier.sent) != 0 {
		t.Errorf("got %d notifications, want 0", len(h.notifier.sent))
	}
}

func TestWalkPartialPage(t *testing.T) {
	base := time.Date(2024, 11, 6, 9, 0, 0, 0, time.UTC)
	page1 := []RawEvent{
		timed("a", "First", base, base.Add(time.Hour)),
		timed("b", "Backwards", base, base.Add(-time.Hour)),
		timed("c", "Third", base.Add(2*time.Hour), base.Add(3*time.Hour)),
	}
	page2 := []RawEvent{timed("d", "Fourth", base.Add(4*time.Hour), base.Add(5*time.Hour))}

	h := newHarness(t,
		pageOf(page1, "page-2", ""),
		pageOf(page2, "", "final"),
	)

	res, err := h.walker.Walk(context.Background(), h.target(), h.session(nil))
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if res.Inserted != 3 {
		t.Errorf("inserted = %d, want 3", res.Inserted)
	}
	if res.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", res.Skipped)
	}
	if res.NextCursor != "final" {
		t.Errorf("cursor = %q, want %q", res.NextCursor, "final")
	}
}

func TestWalkFollowsPages(t *testing.T) {
	base := time.Date(2024, 11, 6, 9, 0, 0, 0, time.UTC)
	h := newHarness(t,
		pageOf([]RawEvent{timed("a", "One", base, base.Add(time.Hour))}, "p2", ""),
		pageOf([]RawEvent{timed("b", "Two", base, base.Add(time.Hour))}, "p3", ""),
		pageOf([]RawEvent{timed("c", "Three", base, base.Add(time.Hour))}, "", "done"),
	)
	ctx := context.Background()
	h.cursors.Set(ctx, h.userID, "primary", "prev")

	if _, err := h.walker.Walk(ctx, h.target(), h.session(nil)); err != nil {
		t.Fatalf("walk: %v", err)
	}

	calls := h.provider.calls
	if len(calls) != 3 {
		t.Fatalf("got %d calls, want 3", len(calls))
	}
	wantPages := []string{"", "p2", "p3"}
	for i, c := range calls {
		if c.PageToken != wantPages[i] {
			t.Errorf("call %d page token = %q, want %q", i, c.PageToken, wantPages[i])
		}
		if c.SyncToken != "prev" {
			t.Errorf("call %d sync token = %q, want %q", i, c.SyncToken, "prev")
		}
	}

	// Notifications follow provider order.
	var titles []string
	for _, n := range h.notifier.sent {
		titles = append(titles, n.payload.(*model.CalendarEvent).Title)
	}
	if fmt.Sprint(titles) != "[One Two Three]" {
		t.Errorf("notification order = %v, want [One Two Three]", titles)
	}
}

func TestWalkMissingFinalCursorKeepsPrevious(t *testing.T) {
	h := newHarness(t, pageOf([]RawEvent{lunch()}, "", ""))
	ctx := context.Background()
	h.cursors.Set(ctx, h.userID, "primary", "prev")

	res, err := h.walker.Walk(ctx, h.target(), h.session(nil))
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if res.NextCursor != "" {
		t.Errorf("next cursor = %q, want empty", res.NextCursor)
	}
	cursor, ok, _ := h.cursors.Get(ctx, h.userID, "primary")
	if !ok || cursor != "prev" {
		t.Errorf("cursor = %q (ok=%v), want unchanged %q", cursor, ok, "prev")
	}
}

func TestWalkCursorGoneRecovers(t *testing.T) {
	h := newHarness(t,
		fail(fmt.Errorf("list: %w", ErrCursorGone)),
		pageOf([]RawEvent{lunch()}, "", "fresh"),
	)
	ctx := context.Background()
	h.cursors.Set(ctx, h.userID, "primary", "stale")

	res, err := h.walker.Walk(ctx, h.target(), h.session(nil))
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if !res.Restarted {
		t.Error("expected restart to be reported")
	}
	if res.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", res.Inserted)
	}

	calls := h.provider.calls
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].SyncToken != "stale" {
		t.Errorf("first call sync token = %q, want %q", calls[0].SyncToken, "stale")
	}
	if calls[1].SyncToken != "" {
		t.Errorf("restart carried sync token %q, want full fetch", calls[1].SyncToken)
	}

	cursor, _, _ := h.cursors.Get(ctx, h.userID, "primary")
	if cursor != "fresh" {
		t.Errorf("cursor = %q, want %q", cursor, "fresh")
	}
}

func TestWalkCursorGoneTwiceFails(t *testing.T) {
	h := newHarness(t, fail(ErrCursorGone))
	ctx := context.Background()
	h.cursors.Set(ctx, h.userID, "primary", "stale")

	_, err := h.walker.Walk(ctx, h.target(), h.session(nil))

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if !errors.Is(err, ErrCursorGone) {
		t.Errorf("err = %v, want it to wrap ErrCursorGone", err)
	}
	if n := h.provider.callCount(); n != 2 {
		t.Errorf("got %d calls, want 2", n)
	}
	if _, ok, _ := h.cursors.Get(ctx, h.userID, "primary"); ok {
		t.Error("stale cursor should have been invalidated")
	}
}

func TestWalkCursorGoneOnFullFetchFails(t *testing.T) {
	h := newHarness(t, fail(ErrCursorGone))

	_, err := h.walker.Walk(context.Background(), h.target(), h.session(nil))

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if n := h.provider.callCount(); n != 1 {
		t.Errorf("got %d calls, want 1", n)
	}
}

func TestWalkRefreshesOnceOnUnauthorized(t *testing.T) {
	h := newHarness(t,
		fail(ErrUnauthorized),
		pageOf([]RawEvent{lunch()}, "", "tok"),
	)
	refresher := &fakeRefresher{token: "access-1"}
	saver := &fakeSaver{}
	sess := NewSession(&model.Credential{UserID: h.userID, AccessToken: "access-0", RefreshToken: "refresh-0"},
		refresher, saver, discardLogger)

	res, err := h.walker.Walk(context.Background(), h.target(), sess)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if res.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", res.Inserted)
	}
	if refresher.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", refresher.calls)
	}
	if got := h.provider.tokens; len(got) != 2 || got[0] != "access-0" || got[1] != "access-1" {
		t.Errorf("tokens used = %v, want [access-0 access-1]", got)
	}
	if len(saver.saved) != 1 || saver.saved[0] != "access-1" {
		t.Errorf("saved tokens = %v, want [access-1]", saver.saved)
	}
	if len(saver.refreshes) != 1 || saver.refreshes[0] != "" {
		t.Errorf("saved refresh tokens = %q, want one empty entry", saver.refreshes)
	}
}

func TestSessionKeepsRotatedRefreshToken(t *testing.T) {
	refresher := &fakeRefresher{token: "access-1", rotated: "refresh-1"}
	saver := &fakeSaver{}
	sess := NewSession(&model.Credential{UserID: 1, AccessToken: "access-0", RefreshToken: "refresh-0"},
		refresher, saver, discardLogger)

	calls := 0
	err := sess.Do(context.Background(), func(ctx context.Context, token string) error {
		calls++
		if token == "access-0" {
			return ErrUnauthorized
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if len(saver.refreshes) != 1 || saver.refreshes[0] != "refresh-1" {
		t.Errorf("saved refresh tokens = %q, want [refresh-1]", saver.refreshes)
	}
}

func TestSessionIgnoresUnchangedRefreshToken(t *testing.T) {
	refresher := &fakeRefresher{token: "access-1", rotated: "refresh-0"}
	saver := &fakeSaver{}
	sess := NewSession(&model.Credential{UserID: 1, AccessToken: "access-0", RefreshToken: "refresh-0"},
		refresher, saver, discardLogger)

	sess.Do(context.Background(), func(ctx context.Context, token string) error {
		if token == "access-0" {
			return ErrUnauthorized
		}
		return nil
	})
	if len(saver.refreshes) != 1 || saver.refreshes[0] != "" {
		t.Errorf("saved refresh tokens = %q, want one empty entry", saver.refreshes)
	}
}

func TestWalkUnauthorizedTwiceFails(t *testing.T) {
	h := newHarness(t, fail(ErrUnauthorized))
	refresher := &fakeRefresher{token: "access-1"}

	_, err := h.walker.Walk(context.Background(), h.target(), h.session(refresher))

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if refresher.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", refresher.calls)
	}
	if n := h.provider.callCount(); n != 2 {
		t.Errorf("got %d calls, want 2", n)
	}
}

func TestWalkRefreshFailureIsCredentialError(t *testing.T) {
	h := newHarness(t, fail(ErrUnauthorized))
	refresher := &fakeRefresher{err: errors.New("invalid_grant")}

	_, err := h.walker.Walk(context.Background(), h.target(), h.session(refresher))

	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("err = %v, want *CredentialError", err)
	}
	if credErr.UserID != h.userID {
		t.Errorf("user id = %d, want %d", credErr.UserID, h.userID)
	}
	if n := h.provider.callCount(); n != 1 {
		t.Errorf("got %d calls, want 1 (no retry after failed refresh)", n)
	}
}

func TestWalkMissingRefreshToken(t *testing.T) {
	h := newHarness(t, fail(ErrUnauthorized))
	refresher := &fakeRefresher{token: "never"}
	sess := NewSession(&model.Credential{UserID: h.userID, AccessToken: "access-0"}, refresher, nil, discardLogger)

	_, err := h.walker.Walk(context.Background(), h.target(), sess)

	if !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("err = %v, want ErrNoRefreshToken", err)
	}
	if refresher.calls != 0 {
		t.Errorf("refresh calls = %d, want 0", refresher.calls)
	}
}

func TestWalkProviderErrorIsFetchError(t *testing.T) {
	h := newHarness(t, fail(errors.New("500 backend error")))

	_, err := h.walker.Walk(context.Background(), h.target(), h.session(nil))

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if fetchErr.CalendarID != "primary" {
		t.Errorf("calendar id = %q, want %q", fetchErr.CalendarID, "primary")
	}
}

func TestWalkCallTimeout(t *testing.T) {
	hang := func(ctx context.Context, _ string, _ ListRequest) (*Page, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h := newHarness(t, hang)
	h.walker = NewWalker(h.provider, h.cursors, NewWriter(h.events), discardLogger,
		WithCallTimeout(20*time.Millisecond))

	_, err := h.walker.Walk(context.Background(), h.target(), h.session(nil))

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want it to wrap context.DeadlineExceeded", err)
	}
}
