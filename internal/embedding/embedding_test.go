package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukerupert/calsync/internal/model"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestOpenAIEmbedder(t *testing.T) {
	var gotModel, gotAuth string
	var gotInput []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			t.Errorf("path = %q, want /embeddings", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		var body struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotModel, gotInput = body.Model, body.Input

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.5,-0.25,1]}],"model":"m","usage":{"prompt_tokens":1,"total_tokens":1}}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder("sk-test", srv.URL+"/v1", "")
	vec, err := e.Embed(context.Background(), "Lunch")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 3 || vec[1] != -0.25 {
		t.Errorf("vector = %v, want [0.5 -0.25 1]", vec)
	}
	if gotModel != DefaultModel {
		t.Errorf("model = %q, want %q", gotModel, DefaultModel)
	}
	if len(gotInput) != 1 || gotInput[0] != "Lunch" {
		t.Errorf("input = %v, want [Lunch]", gotInput)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("authorization = %q, want %q", gotAuth, "Bearer sk-test")
	}
}

func TestOpenAIEmbedderRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder("sk-test", srv.URL+"/v1", "")
	if _, err := e.Embed(context.Background(), "Lunch"); err == nil {
		t.Fatal("expected error on 429")
	}
}

type fakeEmbedder struct {
	mu    sync.Mutex
	texts []string
	vec   []float32
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

type fakeVectorStore struct {
	mu   sync.Mutex
	keys []model.NaturalKey
	vecs [][]float32
}

func (s *fakeVectorStore) SetEmbedding(ctx context.Context, key model.NaturalKey, vec []float32) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	s.vecs = append(s.vecs, vec)
	return 1, nil
}

func testRow(title string) model.CalendarEvent {
	start := time.Date(2024, 11, 4, 12, 0, 0, 0, time.UTC)
	return model.CalendarEvent{
		UserID:    7,
		Title:     title,
		Location:  "Cafe",
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Calendar:  model.CalendarGoogle,
		TimeZone:  "UTC",
	}
}

func TestEnricherStoresByNaturalKey(t *testing.T) {
	emb := &fakeEmbedder{vec: []float32{1, 2, 3}}
	vs := &fakeVectorStore{}
	e := NewEnricher(emb, vs, 2, discardLogger)

	row := testRow("Lunch")
	e.Enqueue(row)
	e.Wait()

	if len(vs.keys) != 1 {
		t.Fatalf("stored %d vectors, want 1", len(vs.keys))
	}
	if vs.keys[0] != row.Key() {
		t.Errorf("key = %+v, want %+v", vs.keys[0], row.Key())
	}
	if !strings.Contains(emb.texts[0], "Title: Lunch") || !strings.Contains(emb.texts[0], "Location: Cafe") {
		t.Errorf("embedded text = %q", emb.texts[0])
	}
}

func TestEnricherSwallowsFailures(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("429 quota exceeded")}
	vs := &fakeVectorStore{}
	e := NewEnricher(emb, vs, 1, discardLogger)

	for _, title := range []string{"A", "B", "C"} {
		e.Enqueue(testRow(title))
	}
	e.Wait()

	if len(emb.texts) != 3 {
		t.Errorf("embed calls = %d, want 3", len(emb.texts))
	}
	if len(vs.keys) != 0 {
		t.Errorf("stored %d vectors, want 0", len(vs.keys))
	}
}

type gatedEmbedder struct {
	release chan struct{}
	active  atomic.Int64
	peak    atomic.Int64
	calls   atomic.Int64
}

func (g *gatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	<-g.release
	g.calls.Add(1)
	return []float32{1}, nil
}

func TestEnricherBoundsWorkers(t *testing.T) {
	emb := &gatedEmbedder{release: make(chan struct{})}
	vs := &fakeVectorStore{}
	e := NewEnricher(emb, vs, 2, discardLogger)

	before := runtime.NumGoroutine()
	for i := 0; i < 500; i++ {
		e.Enqueue(testRow(fmt.Sprintf("Event %d", i)))
	}
	if got := runtime.NumGoroutine() - before; got > 10 {
		t.Errorf("goroutines started = %d, want at most a handful", got)
	}

	close(emb.release)
	e.Wait()

	if got := emb.calls.Load(); got != 500 {
		t.Errorf("embed calls = %d, want 500", got)
	}
	if got := emb.peak.Load(); got > 2 {
		t.Errorf("peak concurrent embeds = %d, want <= 2", got)
	}
	if len(vs.keys) != 500 {
		t.Errorf("stored %d vectors, want 500", len(vs.keys))
	}
}

func TestEnricherReusableAfterDrain(t *testing.T) {
	emb := &fakeEmbedder{vec: []float32{1}}
	vs := &fakeVectorStore{}
	e := NewEnricher(emb, vs, 1, discardLogger)

	e.Enqueue(testRow("First"))
	e.Wait()
	e.Enqueue(testRow("Second"))
	e.Wait()

	if len(vs.keys) != 2 {
		t.Errorf("stored %d vectors, want 2", len(vs.keys))
	}
}

func TestContentAllDay(t *testing.T) {
	row := testRow("Holiday")
	row.StartTime = time.Date(2024, 11, 4, 0, 0, 0, 0, time.UTC)
	row.EndTime = row.StartTime.AddDate(0, 0, 1)
	row.Recurrence = "Yearly"

	got := Content(&row)
	if !strings.Contains(got, "Date: Monday, November 4, 2024 (all day)") {
		t.Errorf("content = %q, want all-day date line", got)
	}
	if !strings.Contains(got, "Repeats: Yearly") {
		t.Errorf("content = %q, want recurrence line", got)
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 1}, []float32{-1, -1}, -1},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"empty", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cosine = %v, want %v", got, tt.want)
			}
		})
	}
}

type fakeLister struct {
	events []model.CalendarEvent
}

func (l *fakeLister) ListWithEmbeddings(ctx context.Context, userID int64) ([]model.CalendarEvent, error) {
	return l.events, nil
}

func TestSearcherRanksBySimilarity(t *testing.T) {
	withVec := func(title string, v ...float32) model.CalendarEvent {
		e := testRow(title)
		e.Embedding = v
		return e
	}
	lister := &fakeLister{events: []model.CalendarEvent{
		withVec("Far", 0, 1),
		withVec("Near", 1, 0.1),
		withVec("Exact", 1, 0),
		withVec("Wrong dims", 1, 0, 0),
	}}
	emb := &fakeEmbedder{vec: []float32{1, 0}}

	matches, err := NewSearcher(emb, lister).Similar(context.Background(), 7, "lunch", 2)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].Event.Title != "Exact" || matches[1].Event.Title != "Near" {
		t.Errorf("order = %q, %q; want Exact, Near", matches[0].Event.Title, matches[1].Event.Title)
	}
}
