package auth

import (
	"net/http"
	"strings"

	"github.com/wisbric/kernel/pkg/kerrors"
)

// Authenticator decodes a bearer token into an Identity, optionally
// consulting a UserLoader to populate extended identity and enforce
// is_active.
type Authenticator struct {
	issuer *Issuer
	users  UserLoader
}

// NewAuthenticator constructs an Authenticator. users may be nil, in which
// case the token's own claims are trusted without a live lookup.
func NewAuthenticator(issuer *Issuer, users UserLoader) *Authenticator {
	return &Authenticator{issuer: issuer, users: users}
}

// ExtractBearer pulls the raw token out of an Authorization header,
// accepting either case of the "Bearer" scheme.
func ExtractBearer(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		raw, ok = strings.CutPrefix(header, "bearer ")
	}
	if !ok {
		return "", false
	}
	return strings.TrimSpace(raw), true
}

// Authenticate validates an Authorization header value and returns the
// resulting Identity. It rejects refresh tokens — only access tokens
// authenticate requests.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	raw, ok := ExtractBearer(r)
	if !ok {
		return nil, kerrors.New(kerrors.Unauthenticated, "missing or malformed Authorization header")
	}

	claims, err := a.issuer.ValidateType(raw, TokenAccess)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Unauthenticated, "invalid or expired token", err)
	}

	id := &Identity{SubjectID: claims.SubjectID, Email: claims.Email, Role: claims.Role}

	if a.users != nil {
		u, err := a.users.LoadUser(r.Context(), claims.SubjectID)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.Unauthenticated, "principal no longer resolvable", err)
		}
		if u == nil || !u.IsActive {
			return nil, kerrors.New(kerrors.Unauthenticated, "principal is inactive")
		}
		id.Email = u.Email
		id.Role = u.Role
	}

	return id, nil
}

// Middleware authenticates every request, storing the resulting Identity in
// the request context on success. On failure it delegates to onError,
// keeping this package decoupled from pkg/httpkernel's response envelope.
func (a *Authenticator) Middleware(onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), id)))
		})
	}
}

// RequireAdmin wraps a handler so only admin-role principals may reach it;
// it assumes auth Middleware has already populated the context.
func RequireAdmin(onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				onError(w, r, kerrors.New(kerrors.Unauthenticated, "authentication required"))
				return
			}
			if !id.IsAdmin() {
				onError(w, r, kerrors.New(kerrors.Forbidden, "admin role required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
