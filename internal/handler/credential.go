package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/calsync/internal/auth"
	"github.com/dukerupert/calsync/internal/store"
)

type CredentialHandler struct {
	credStore *store.CredentialStore
	validate  *validator.Validate
	logger    *slog.Logger
}

func NewCredentialHandler(cs *store.CredentialStore, logger *slog.Logger) *CredentialHandler {
	return &CredentialHandler{credStore: cs, validate: newValidator(), logger: logger}
}

type credentialRequest struct {
	Provider     string `json:"provider" validate:"omitempty,oneof=google"`
	AccessToken  string `json:"access_token" validate:"required,max=4096"`
	RefreshToken string `json:"refresh_token" validate:"max=4096"`
}

type credentialStatus struct {
	Connected       bool       `json:"connected"`
	Provider        string     `json:"provider,omitempty"`
	HasRefreshToken bool       `json:"has_refresh_token"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// Put stores the tokens handed over by the login flow, replacing any
// previous grant.
func (h *CredentialHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if req.Provider == "" {
		req.Provider = "google"
	}

	userID := auth.UserID(r.Context())
	if err := h.credStore.Put(r.Context(), userID, req.Provider, req.AccessToken, req.RefreshToken); err != nil {
		h.logger.Error("store credential", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store credential")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Get reports whether a credential is on file without revealing it.
func (h *CredentialHandler) Get(w http.ResponseWriter, r *http.Request) {
	cred, err := h.credStore.Get(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.logger.Error("load credential", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load credential")
		return
	}
	if cred == nil {
		writeJSON(w, http.StatusOK, credentialStatus{})
		return
	}
	writeJSON(w, http.StatusOK, credentialStatus{
		Connected:       true,
		Provider:        cred.Provider,
		HasRefreshToken: cred.RefreshToken != "",
		UpdatedAt:       &cred.UpdatedAt,
	})
}
