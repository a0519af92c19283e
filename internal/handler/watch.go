package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/calsync/internal/auth"
	"github.com/dukerupert/calsync/internal/model"
	"github.com/dukerupert/calsync/internal/reconcile"
	"github.com/dukerupert/calsync/internal/store"
	"github.com/dukerupert/calsync/internal/watch"
)

// WatchManager opens and closes provider push channels.
type WatchManager interface {
	Subscribe(ctx context.Context, userID int64, calendarID string) (*model.WatchSubscription, error)
	Unsubscribe(ctx context.Context, userID, watchID int64) error
}

type WatchHandler struct {
	manager    WatchManager
	watchStore *store.WatchStore
	logger     *slog.Logger
}

func NewWatchHandler(manager WatchManager, ws *store.WatchStore, logger *slog.Logger) *WatchHandler {
	return &WatchHandler{manager: manager, watchStore: ws, logger: logger}
}

type watchRequest struct {
	CalendarID string `json:"calendar_id"`
}

func calendarOrPrimary(id string) string {
	if id = strings.TrimSpace(id); id == "" {
		return "primary"
	}
	return id
}

func (h *WatchHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	userID := auth.UserID(r.Context())
	sub, err := h.manager.Subscribe(r.Context(), userID, calendarOrPrimary(req.CalendarID))
	switch {
	case errors.Is(err, watch.ErrNoCredential):
		writeError(w, http.StatusConflict, "connect a calendar credential first")
		return
	case isCredentialError(err):
		writeError(w, http.StatusConflict, "calendar credential was rejected, reconnect the calendar")
		return
	case err != nil:
		h.logger.Error("subscribe watch", "user_id", userID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to open push channel")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *WatchHandler) List(w http.ResponseWriter, r *http.Request) {
	watches, err := h.watchStore.ListByUser(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.logger.Error("list watches", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list watches")
		return
	}
	if watches == nil {
		watches = []model.WatchSubscription{}
	}
	writeJSON(w, http.StatusOK, watches)
}

func (h *WatchHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	err = h.manager.Unsubscribe(r.Context(), auth.UserID(r.Context()), id)
	if errors.Is(err, watch.ErrNotFound) {
		writeError(w, http.StatusNotFound, "watch not found")
		return
	}
	if err != nil {
		h.logger.Error("unsubscribe watch", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete watch")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func isCredentialError(err error) bool {
	var credErr *reconcile.CredentialError
	return errors.As(err, &credErr)
}
