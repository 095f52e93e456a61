// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values.
//
// Context keys and getter/setter functions live here so that values set by
// middleware can be consumed by services without those services importing
// net/http.
//
// Usage in services (read values):
//
//	actorID := requestcontext.ActorID(ctx)
//	now := requestcontext.Now(ctx)
//
// Usage in middleware (set values):
//
//	ctx = requestcontext.WithActor(ctx, actorID, role)
//	ctx = requestcontext.WithRequestID(ctx, requestID)
//
// Usage in tests (inject values):
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
package requestcontext

import (
	"context"
	"time"

	"trainshare/pkg/domain"
)

type (
	actorIDKey     struct{}
	actorRoleKey   struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
)

// Exported context keys for tests that need raw context.WithValue.
var (
	ContextKeyActorID     = actorIDKey{}
	ContextKeyActorRole   = actorRoleKey{}
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// WithActor stores the authenticated actor's id and role.
func WithActor(ctx context.Context, actorID string, role domain.Role) context.Context {
	ctx = context.WithValue(ctx, ContextKeyActorID, actorID)
	return context.WithValue(ctx, ContextKeyActorRole, role)
}

// ActorID retrieves the authenticated actor id, or "" when unset.
func ActorID(ctx context.Context) string {
	v, _ := ctx.Value(ContextKeyActorID).(string)
	return v
}

// ActorRole retrieves the authenticated actor role, or "" when unset.
func ActorRole(ctx context.Context) domain.Role {
	v, _ := ctx.Value(ContextKeyActorRole).(domain.Role)
	return v
}

// WithRequestID stores the request correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, id)
}

// RequestID retrieves the request correlation id, or "" when unset.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(ContextKeyRequestID).(string)
	return v
}

// WithTime injects a request-scoped "now" so all operations within one
// request observe the same timestamp.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}

// Now retrieves the request-scoped time, falling back to the wall clock when
// no middleware captured one (background jobs, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}
