package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/dukerupert/calsync/internal/reconcile"
)

// DefaultTokenURL is Google's OAuth 2.0 token endpoint.
const DefaultTokenURL = "https://oauth2.googleapis.com/token"

// OAuthRefresher exchanges refresh tokens at an OAuth 2.0 token endpoint.
type OAuthRefresher struct {
	config     *oauth2.Config
	httpClient *http.Client
}

func NewOAuthRefresher(clientID, clientSecret, tokenURL string, httpClient *http.Client) *OAuthRefresher {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &OAuthRefresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}
}

// Refresh returns a new access token, plus the refresh token when the
// endpoint rotated it. Every failure is a *reconcile.CredentialError; the
// caller fills in the user.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (reconcile.Tokens, error) {
	if refreshToken == "" {
		return reconcile.Tokens{}, &reconcile.CredentialError{Err: reconcile.ErrNoRefreshToken}
	}
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return reconcile.Tokens{}, &reconcile.CredentialError{Err: fmt.Errorf("refresh access token: %w", err)}
	}
	if tok.AccessToken == "" {
		return reconcile.Tokens{}, &reconcile.CredentialError{Err: errors.New("token endpoint returned no access token")}
	}
	out := reconcile.Tokens{AccessToken: tok.AccessToken}
	if tok.RefreshToken != refreshToken {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}
