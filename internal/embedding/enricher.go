package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dukerupert/calsync/internal/model"
)

const (
	defaultConcurrency = 4
	defaultTimeout     = 20 * time.Second
)

// VectorStore attaches a vector to the event with the given natural key.
type VectorStore interface {
	SetEmbedding(ctx context.Context, key model.NaturalKey, vec []float32) (int64, error)
}

// Enricher embeds newly inserted events in the background. Failures are
// logged and dropped; an event without a vector is still a valid event.
type Enricher struct {
	embedder Embedder
	store    VectorStore
	sem      *semaphore.Weighted
	timeout  time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup

	mu      sync.Mutex
	pending []model.CalendarEvent
}

func NewEnricher(embedder Embedder, store VectorStore, concurrency int, logger *slog.Logger) *Enricher {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Enricher{
		embedder: embedder,
		store:    store,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		timeout:  defaultTimeout,
		logger:   logger,
	}
}

// Enqueue schedules row for embedding and returns immediately. Rows queue
// in memory; at most concurrency workers drain them.
func (e *Enricher) Enqueue(row model.CalendarEvent) {
	e.wg.Add(1)

	e.mu.Lock()
	e.pending = append(e.pending, row)
	spawn := e.sem.TryAcquire(1)
	e.mu.Unlock()

	if spawn {
		go e.work()
	}
}

// work drains the queue and releases its slot once the queue is empty.
// The release happens under mu so an Enqueue never sees a full pool with
// no worker left to pick its row up.
func (e *Enricher) work() {
	for {
		e.mu.Lock()
		if len(e.pending) == 0 {
			e.sem.Release(1)
			e.mu.Unlock()
			return
		}
		row := e.pending[0]
		e.pending[0] = model.CalendarEvent{}
		e.pending = e.pending[1:]
		e.mu.Unlock()

		e.enrich(context.Background(), row)
		e.wg.Done()
	}
}

// Wait blocks until every enqueued row has been processed.
func (e *Enricher) Wait() {
	e.wg.Wait()
}

func (e *Enricher) enrich(ctx context.Context, row model.CalendarEvent) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vec, err := e.embedder.Embed(ctx, Content(&row))
	if err != nil {
		e.logger.Warn("embed event", "user_id", row.UserID, "title", row.Title, "error", err)
		return
	}

	n, err := e.store.SetEmbedding(ctx, row.Key(), vec)
	if err != nil {
		e.logger.Warn("store embedding", "user_id", row.UserID, "title", row.Title, "error", err)
		return
	}
	if n == 0 {
		e.logger.Debug("event gone before embedding was stored", "user_id", row.UserID, "title", row.Title)
	}
}

// Content serializes the fields of an event that carry meaning for
// similarity search.
func Content(e *model.CalendarEvent) string {
	loc := e.Zone()
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", e.Title)
	if e.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", e.Description)
	}
	if e.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", e.Location)
	}
	if e.IsAllDay() {
		fmt.Fprintf(&b, "Date: %s (all day)\n", e.StartTime.In(loc).Format("Monday, January 2, 2006"))
	} else {
		fmt.Fprintf(&b, "Start: %s\n", e.StartTime.In(loc).Format("Monday, January 2, 2006 15:04 MST"))
		fmt.Fprintf(&b, "End: %s\n", e.EndTime.In(loc).Format("Monday, January 2, 2006 15:04 MST"))
	}
	if e.Recurrence != "" && e.Recurrence != model.RecurrenceNone {
		fmt.Fprintf(&b, "Repeats: %s\n", e.Recurrence)
	}
	fmt.Fprintf(&b, "Calendar: %s", e.Calendar)
	return b.String()
}
