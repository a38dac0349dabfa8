// Package requestctx carries the authenticated caller through request and
// connection contexts.
package requestctx

import (
	"context"
	"slices"
	"strings"
)

// Identity is the caller resolved at handshake. It is trusted for the
// lifetime of the connection.
type Identity struct {
	UserID string
	// Rooms lists the rooms the caller may join.
	Rooms []string
}

// Anonymous reports whether the identity carries no user.
func (i Identity) Anonymous() bool {
	return strings.TrimSpace(i.UserID) == ""
}

// CanJoin reports whether room is listed in the identity's rooms.
func (i Identity) CanJoin(room string) bool {
	return slices.Contains(i.Rooms, room)
}

// identityContextKey is the context key for the authenticated identity.
type identityContextKey struct{}

// WithIdentity stores an identity in context.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext returns the identity stored in context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(identityContextKey{}).(Identity)
	return identity, ok
}

// UserIDFromContext returns the user identifier stored in context.
func UserIDFromContext(ctx context.Context) string {
	identity, _ := IdentityFromContext(ctx)
	return identity.UserID
}
