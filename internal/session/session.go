// Package session carries the opaque caller identity through a context.
package session

import "context"

type ctxKey string

const userIDKey ctxKey = "user_id"

// WithUserID stores the caller identity in ctx.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserID returns the caller identity, or "" and false when absent.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
