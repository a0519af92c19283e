package auth

import (
	"context"
	"time"
)

type contextKey struct{}

// AuthContext describes the caller of an authenticated API request.
type AuthContext struct {
	UserID    int64
	TokenID   string
	ExpiresAt time.Time
}

func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(AuthContext)
	return ac, ok
}

func UserID(ctx context.Context) int64 {
	ac, ok := FromContext(ctx)
	if !ok {
		return 0
	}
	return ac.UserID
}
