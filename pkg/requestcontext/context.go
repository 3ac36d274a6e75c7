// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values. Middleware sets them; services read them without
// importing net/http.
//
// Usage in services:
//
//	actorID := requestcontext.UserID(ctx)
//	now := requestcontext.Now(ctx)
//
// Usage in tests:
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
package requestcontext

import (
	"context"
	"time"

	id "almoner/pkg/domain"
)

type (
	userIDKey      struct{}
	rolesKey       struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
)

// Exported context keys for tests that need raw context.WithValue.
var (
	ContextKeyUserID      = userIDKey{}
	ContextKeyRoles       = rolesKey{}
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// UserID retrieves the authenticated actor from the context. Returns the zero
// UUID when unauthenticated.
func UserID(ctx context.Context) id.UserID {
	if userID, ok := ctx.Value(ContextKeyUserID).(id.UserID); ok {
		return userID
	}
	return id.UserID{}
}

// WithUserID injects an actor ID into the context.
func WithUserID(ctx context.Context, userID id.UserID) context.Context {
	return context.WithValue(ctx, ContextKeyUserID, userID)
}

// Roles retrieves the verified roles of the authenticated actor.
func Roles(ctx context.Context) []id.Role {
	if roles, ok := ctx.Value(ContextKeyRoles).([]id.Role); ok {
		return roles
	}
	return nil
}

// WithRoles injects verified roles into the context.
func WithRoles(ctx context.Context, roles []id.Role) context.Context {
	return context.WithValue(ctx, ContextKeyRoles, roles)
}

// HasRole reports whether the context carries the given role.
func HasRole(ctx context.Context, role id.Role) bool {
	for _, r := range Roles(ctx) {
		if r == role {
			return true
		}
	}
	return false
}

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// Now retrieves the request-scoped time from context, falling back to
// time.Now() for workers and tests that did not set one.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context. Useful for service unit
// tests and for workers that need consistent time within a batch.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
