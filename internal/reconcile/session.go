package reconcile

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukerupert/calsync/internal/model"
)

// Tokens is the result of a refresh. RefreshToken is set only when the
// provider issued a new one.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// Refresher exchanges a refresh token for new tokens.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

// TokenSaver persists refreshed tokens. An empty refreshToken leaves the
// stored one in place.
type TokenSaver interface {
	UpdateTokens(ctx context.Context, userID int64, accessToken, refreshToken string) error
}

// Session carries one user's credential through a single walk. It is not
// safe for concurrent use.
type Session struct {
	userID       int64
	accessToken  string
	refreshToken string
	refresher    Refresher
	saver        TokenSaver
	logger       *slog.Logger

	refreshes int
}

func NewSession(cred *model.Credential, refresher Refresher, saver TokenSaver, logger *slog.Logger) *Session {
	return &Session{
		userID:       cred.UserID,
		accessToken:  cred.AccessToken,
		refreshToken: cred.RefreshToken,
		refresher:    refresher,
		saver:        saver,
		logger:       logger,
	}
}

// Refreshes reports how many token refreshes this session performed.
func (s *Session) Refreshes() int { return s.refreshes }

// Do calls fn with the current access token. If fn fails with
// ErrUnauthorized the token is refreshed once and fn is retried once; the
// retry's error, unauthorized or not, is returned as is. A failed refresh
// returns a *CredentialError.
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context, accessToken string) error) error {
	err := fn(ctx, s.accessToken)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	token, err := s.refresh(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, token)
}

func (s *Session) refresh(ctx context.Context) (string, error) {
	if s.refreshToken == "" {
		return "", &CredentialError{UserID: s.userID, Err: ErrNoRefreshToken}
	}

	s.refreshes++
	tok, err := s.refresher.Refresh(ctx, s.refreshToken)
	if err != nil {
		var credErr *CredentialError
		if errors.As(err, &credErr) {
			if credErr.UserID == 0 {
				credErr.UserID = s.userID
			}
			return "", err
		}
		return "", &CredentialError{UserID: s.userID, Err: err}
	}
	s.accessToken = tok.AccessToken

	rotated := ""
	if tok.RefreshToken != "" && tok.RefreshToken != s.refreshToken {
		rotated = tok.RefreshToken
		s.refreshToken = rotated
	}

	if s.saver != nil {
		if err := s.saver.UpdateTokens(ctx, s.userID, tok.AccessToken, rotated); err != nil {
			s.logger.Warn("persist refreshed token", "user_id", s.userID, "error", err)
		}
	}
	return tok.AccessToken, nil
}
