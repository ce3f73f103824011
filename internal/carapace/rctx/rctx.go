// Package rctx carries the per-request context (§4.11) that every handler
// invocation and every core service call runs with: group, session id, and
// when the request started. It is stored on a context.Context under an
// unexported key so only this package can attach or read it, and it is
// never defaulted — a call made without one fails deterministically instead
// of silently falling back to some other request's scope.
package rctx

import (
	"context"
	"errors"
	"time"
)

type key struct{}

// ErrNoContext is returned by FromContext when ctx carries no Context.
var ErrNoContext = errors.New("rctx: no request context present")

// Context is the trusted, host-assigned per-request scope.
type Context struct {
	Group     string
	SessionID string
	StartedAt time.Time
}

// With returns a derived context carrying rc.
func With(ctx context.Context, rc Context) context.Context {
	return context.WithValue(ctx, key{}, rc)
}

// FromContext retrieves the Context attached by With. It never returns a
// default group: an absent context is always an error.
func FromContext(ctx context.Context) (Context, error) {
	rc, ok := ctx.Value(key{}).(Context)
	if !ok {
		return Context{}, ErrNoContext
	}
	return rc, nil
}

// MustFromContext is like FromContext but panics on a missing context. Only
// use it where the caller has already established the invariant (e.g.
// inside code that only ever runs as part of stage 6 dispatch).
func MustFromContext(ctx context.Context) Context {
	rc, err := FromContext(ctx)
	if err != nil {
		panic(err)
	}
	return rc
}
