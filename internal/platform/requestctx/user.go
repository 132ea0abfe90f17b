// Package requestctx carries the authenticated chat principal through
// request contexts, from the HTTP handshake down to frame handlers.
package requestctx

import "context"

type userKey struct{}

// WithUserID returns a context carrying the authenticated user. An empty
// id marks the request anonymous.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserID returns the authenticated user id, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(userKey{}).(string)
	return id
}
