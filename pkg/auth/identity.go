package auth

import (
	"context"

	"github.com/google/uuid"
)

// Identity is the authenticated caller attached to a request's context by
// Middleware. It carries just enough to drive RBAC checks and audit writes
// downstream without a second database round-trip per request.
type Identity struct {
	UserID       uuid.UUID
	Email        string
	DisplayName  string
	RolesVersion int64
}

type contextKey int

const identityKey contextKey = 0

// NewContext returns a context carrying identity.
func NewContext(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// FromContext extracts the Identity stored by Middleware, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}
