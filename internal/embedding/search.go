package embedding

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/dukerupert/calsync/internal/model"
)

// EventLister returns a user's events that carry a vector.
type EventLister interface {
	ListWithEmbeddings(ctx context.Context, userID int64) ([]model.CalendarEvent, error)
}

type Match struct {
	Event model.CalendarEvent `json:"event"`
	Score float64             `json:"score"`
}

// Searcher ranks a user's events by similarity to a free-text query.
type Searcher struct {
	embedder Embedder
	events   EventLister
}

func NewSearcher(embedder Embedder, events EventLister) *Searcher {
	return &Searcher{embedder: embedder, events: events}
}

// Similar returns up to k events, most similar first.
func (s *Searcher) Similar(ctx context.Context, userID int64, query string, k int) ([]Match, error) {
	if k <= 0 {
		k = 5
	}

	q, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	events, err := s.events.ListWithEmbeddings(ctx, userID)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(events))
	for _, e := range events {
		if len(e.Embedding) != len(q) {
			continue
		}
		matches = append(matches, Match{Event: e, Score: Cosine(q, e.Embedding)})
	}

	slices.SortStableFunc(matches, func(a, b Match) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when they differ
// in length or either is all zeros.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
