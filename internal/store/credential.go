package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/calsync/internal/database"
	"github.com/dukerupert/calsync/internal/model"
	"github.com/dukerupert/calsync/internal/secret"
)

// CredentialStore keeps OAuth tokens sealed at rest.
type CredentialStore struct {
	db     *database.DB
	sealer *secret.Sealer
}

func NewCredentialStore(db *database.DB, sealer *secret.Sealer) *CredentialStore {
	return &CredentialStore{db: db, sealer: sealer}
}

func (s *CredentialStore) Put(ctx context.Context, userID int64, provider, accessToken, refreshToken string) error {
	access, err := s.sealer.Seal(accessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := s.sealer.Seal(refreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO credentials (user_id, provider, access_token, refresh_token, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id)
		 DO UPDATE SET provider = excluded.provider, access_token = excluded.access_token,
		     refresh_token = excluded.refresh_token, updated_at = excluded.updated_at`),
		userID, provider, access, refresh, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *CredentialStore) Get(ctx context.Context, userID int64) (*model.Credential, error) {
	var c model.Credential
	var access, refresh string
	err := s.db.QueryRowContext(ctx,
		s.db.Rebind(`SELECT user_id, provider, access_token, refresh_token, updated_at FROM credentials WHERE user_id = ?`),
		userID,
	).Scan(&c.UserID, &c.Provider, &access, &refresh, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}

	if c.AccessToken, err = s.sealer.Open(access); err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	if c.RefreshToken, err = s.sealer.Open(refresh); err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	return &c, nil
}

// UpdateTokens stores a freshly refreshed access token and, when
// refreshToken is non-empty, a rotated refresh token.
func (s *CredentialStore) UpdateTokens(ctx context.Context, userID int64, accessToken, refreshToken string) error {
	access, err := s.sealer.Seal(accessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}

	if refreshToken == "" {
		_, err = s.db.ExecContext(ctx,
			s.db.Rebind(`UPDATE credentials SET access_token = ?, updated_at = ? WHERE user_id = ?`),
			access, time.Now().UTC(), userID,
		)
	} else {
		var refresh string
		if refresh, err = s.sealer.Seal(refreshToken); err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
		_, err = s.db.ExecContext(ctx,
			s.db.Rebind(`UPDATE credentials SET access_token = ?, refresh_token = ?, updated_at = ? WHERE user_id = ?`),
			access, refresh, time.Now().UTC(), userID,
		)
	}
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	return nil
}
