package api

import (
	"context"
	"net/http"

	"github.com/GoCodeAlone/taskmarket/market"
)

type contextKey int

const ctxKeyCaller contextKey = 0

// ContextWithCaller stashes the authenticated caller for handlers.
func ContextWithCaller(ctx context.Context, c market.Caller) context.Context {
	return context.WithValue(ctx, ctxKeyCaller, c)
}

// CallerFrom extracts the caller placed by the auth middleware.
func CallerFrom(ctx context.Context) (market.Caller, bool) {
	c, ok := ctx.Value(ctxKeyCaller).(market.Caller)
	return c, ok
}

func callerFrom(r *http.Request) (market.Caller, bool) {
	return CallerFrom(r.Context())
}
