package server

import (
	"context"
	"net/http"
)

type contextKey int

const (
	ctxKeyRequestID contextKey = iota
	ctxKeyUserID
)

func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID, userID)
}

// UserIDFromContext returns the caller identity from the context, or "".
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

// contextWithoutRequest detaches background work from the request's
// cancellation while keeping its values (request ID, caller identity).
func contextWithoutRequest(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
