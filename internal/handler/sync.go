package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/calsync/internal/auth"
	"github.com/dukerupert/calsync/internal/model"
	"github.com/dukerupert/calsync/internal/reconcile"
	"github.com/dukerupert/calsync/internal/store"
)

// SyncRunner performs one reconciliation.
type SyncRunner interface {
	Run(ctx context.Context, t reconcile.Target, trigger string) (reconcile.Result, error)
}

type SyncHandler struct {
	runner   SyncRunner
	runStore *store.RunStore
	notifier reconcile.Notifier
	logger   *slog.Logger
}

func NewSyncHandler(runner SyncRunner, rs *store.RunStore, notifier reconcile.Notifier, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{runner: runner, runStore: rs, notifier: notifier, logger: logger}
}

type syncRequest struct {
	CalendarID string `json:"calendar_id"`
}

// ImportedBatch is the payload published after a manual import.
type ImportedBatch struct {
	CalendarID string `json:"calendar_id"`
	Inserted   int    `json:"inserted"`
	Skipped    int    `json:"skipped"`
	Restarted  bool   `json:"restarted"`
}

// Import runs a full, cursorless fetch of the calendar and answers with
// what it stored.
func (h *SyncHandler) Import(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	userID := auth.UserID(r.Context())
	target := reconcile.Target{UserID: userID, CalendarID: calendarOrPrimary(req.CalendarID), Full: true}

	res, err := h.runner.Run(r.Context(), target, model.TriggerManual)
	if err != nil {
		var fetchErr *reconcile.FetchError
		switch {
		case isCredentialError(err):
			writeError(w, http.StatusConflict, "calendar credential was rejected, reconnect the calendar")
		case errors.As(err, &fetchErr):
			writeError(w, http.StatusBadGateway, "calendar provider request failed")
		default:
			h.logger.Error("manual import", "user_id", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "import failed")
		}
		return
	}

	batch := ImportedBatch{
		CalendarID: target.CalendarID,
		Inserted:   res.Inserted,
		Skipped:    res.Skipped,
		Restarted:  res.Restarted,
	}
	if h.notifier != nil {
		h.notifier.Notify(userID, reconcile.KindImportedBatch, batch)
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *SyncHandler) Runs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20, 1, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := h.runStore.ListByUser(r.Context(), auth.UserID(r.Context()), limit)
	if err != nil {
		h.logger.Error("list sync runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sync runs")
		return
	}
	if runs == nil {
		runs = []model.SyncRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}
