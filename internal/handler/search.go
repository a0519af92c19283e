package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/calsync/internal/auth"
	"github.com/dukerupert/calsync/internal/embedding"
)

// Searcher ranks a user's events against a free-text query.
type Searcher interface {
	Similar(ctx context.Context, userID int64, query string, k int) ([]embedding.Match, error)
}

type SearchHandler struct {
	searcher Searcher
	logger   *slog.Logger
}

// NewSearchHandler returns a handler that answers 503 when searcher is nil.
func NewSearchHandler(searcher Searcher, logger *slog.Logger) *SearchHandler {
	return &SearchHandler{searcher: searcher, logger: logger}
}

func (h *SearchHandler) Similar(w http.ResponseWriter, r *http.Request) {
	if h.searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "similarity search is not configured")
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	k, err := queryInt(r, "k", 5, 1, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	matches, err := h.searcher.Similar(r.Context(), auth.UserID(r.Context()), q, k)
	if err != nil {
		h.logger.Error("similarity search", "error", err)
		writeError(w, http.StatusBadGateway, "similarity search failed")
		return
	}
	if matches == nil {
		matches = []embedding.Match{}
	}
	writeJSON(w, http.StatusOK, matches)
}
