package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned by a Provider when the access token was
	// rejected (401/403).
	ErrUnauthorized = errors.New("provider rejected access token")

	// ErrCursorGone is returned by a Provider when the sync cursor is too
	// old to resume from (410). The walker recovers from it with a single
	// full resync; it never escapes Walk.
	ErrCursorGone = errors.New("sync cursor is no longer valid")

	// ErrIncompleteItem marks a provider item with an end but no start.
	ErrIncompleteItem = errors.New("item has no usable start time")

	// ErrNoRefreshToken is wrapped in a CredentialError when a refresh is
	// needed but the user never granted offline access.
	ErrNoRefreshToken = errors.New("no refresh token on file")
)

// CredentialError means the user's grant cannot produce a working access
// token. It is terminal for the run and never retried automatically.
type CredentialError struct {
	UserID int64
	Err    error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential for user %d: %v", e.UserID, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// FetchError is a non-recoverable provider failure for one user/calendar pair.
type FetchError struct {
	UserID     int64
	CalendarID string
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s for user %d: %v", e.CalendarID, e.UserID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
