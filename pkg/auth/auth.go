// Package auth implements the kernel's bearer-token auth layer (spec
// §4.J): HMAC-signed access/refresh tokens, principal loading, and the
// workspace-role checks middleware guards declare.
package auth

import "context"

// Role is the principal's coarse privilege level, carried in the token and
// rechecked against the live user record on every request when a UserLoader
// is configured.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// TokenType distinguishes short-lived access tokens from long-lived,
// single-use refresh tokens (spec §4.J.1 supplement).
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Identity is the authenticated principal for the current request.
type Identity struct {
	SubjectID string
	Email     string
	Role      Role
}

// IsAdmin reports whether the identity holds the admin role.
func (id Identity) IsAdmin() bool { return id.Role == RoleAdmin }

type ctxKey string

const identityKey ctxKey = "kernel_auth_identity"

// NewContext stores id in ctx.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the Identity set by the auth middleware, or nil if
// the request was not authenticated.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}
