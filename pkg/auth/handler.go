package auth

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/kernel/pkg/httpresp"
	"github.com/wisbric/kernel/pkg/kerrors"
	"github.com/wisbric/kernel/pkg/storage"
)

// Handler exposes the local-auth HTTP surface (spec §6): registration,
// login, refresh rotation, the current principal, password change, and
// logout.
type Handler struct {
	store      *Store
	issuer     *Issuer
	pool       storage.Pool
	refreshTTL time.Duration
}

// NewHandler constructs an auth Handler.
func NewHandler(store *Store, issuer *Issuer, pool storage.Pool, refreshTTL time.Duration) *Handler {
	return &Handler{store: store, issuer: issuer, pool: pool, refreshTTL: refreshTTL}
}

// Mount registers the auth routes onto r. Login, register, and refresh must
// be reachable before a bearer token exists, so the caller mounts this onto
// the router's public group rather than the auth-gated one; me/change-password
// /logout re-check FromContext themselves and 401 if absent.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.register)
		r.Post("/login", h.login)
		r.Post("/refresh", h.refresh)
		r.Get("/me", h.me)
		r.Post("/change-password", h.changePassword)
		r.Post("/logout", h.logout)
	})
}

func (h *Handler) withConn(w http.ResponseWriter, r *http.Request, fn func(conn storage.Connection) error) {
	conn, err := h.pool.Acquire(r.Context(), 5*time.Second)
	if err != nil {
		httpresp.RespondError(w, r, kerrors.Wrap(kerrors.Unavailable, "storage unavailable", err))
		return
	}
	defer h.pool.Release(conn)

	if err := fn(conn); err != nil {
		httpresp.RespondError(w, r, err)
	}
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Name     string `json:"name"`
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

func (h *Handler) issueTokenPair(r *http.Request, conn storage.Connection, u *User) (*tokenPair, error) {
	access, err := h.issuer.IssueAccessToken(u.ID, u.Email, u.Role)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, "issuing access token", err)
	}
	refresh, err := h.issuer.IssueRefreshToken(u.ID, u.Email, u.Role)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, "issuing refresh token", err)
	}
	if err := h.store.IssueRefreshToken(r.Context(), conn, u.ID, refresh, h.refreshTTL); err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, "persisting refresh token", err)
	}
	return &tokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer"}, nil
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpresp.DecodeAndValidate(r, &req); err != nil {
		httpresp.RespondError(w, r, err)
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		httpresp.RespondError(w, r, kerrors.Wrap(kerrors.Internal, "hashing password", err))
		return
	}

	h.withConn(w, r, func(conn storage.Connection) error {
		u, err := h.store.CreateUser(r.Context(), conn, req.Email, hash, req.Name, RoleUser)
		if err != nil {
			return err
		}
		pair, err := h.issueTokenPair(r, conn, u)
		if err != nil {
			return err
		}
		httpresp.Respond(w, http.StatusCreated, pair)
		return nil
	})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpresp.DecodeAndValidate(r, &req); err != nil {
		httpresp.RespondError(w, r, err)
		return
	}

	h.withConn(w, r, func(conn storage.Connection) error {
		u, hash, err := h.store.GetUserByEmail(r.Context(), conn, req.Email)
		if err != nil {
			return err
		}
		if u == nil || !u.IsActive || !CheckPassword(hash, req.Password) {
			return kerrors.Unauthenticatedf("invalid email or password")
		}
		pair, err := h.issueTokenPair(r, conn, u)
		if err != nil {
			return err
		}
		httpresp.Respond(w, http.StatusOK, pair)
		return nil
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// refresh rotates a refresh token: the presented token is validated,
// revoked, and replaced with a new access/refresh pair in one call, so a
// token can never be redeemed twice even under concurrent use (spec
// §4.J.1's single-use rotation requirement).
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httpresp.DecodeAndValidate(r, &req); err != nil {
		httpresp.RespondError(w, r, err)
		return
	}

	if _, err := h.issuer.ValidateType(req.RefreshToken, TokenRefresh); err != nil {
		httpresp.RespondError(w, r, kerrors.Wrap(kerrors.Unauthenticated, "invalid or expired refresh token", err))
		return
	}

	h.withConn(w, r, func(conn storage.Connection) error {
		u, err := h.store.RotateRefreshToken(r.Context(), conn, req.RefreshToken)
		if err != nil {
			return err
		}
		pair, err := h.issueTokenPair(r, conn, u)
		if err != nil {
			return err
		}
		httpresp.Respond(w, http.StatusOK, pair)
		return nil
	})
}

type meResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  Role   `json:"role"`
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpresp.RespondError(w, r, kerrors.New(kerrors.Unauthenticated, "authentication required"))
		return
	}
	h.withConn(w, r, func(conn storage.Connection) error {
		u, err := h.store.loadUser(r.Context(), conn, id.SubjectID)
		if err != nil {
			return err
		}
		if u == nil {
			return kerrors.New(kerrors.NotFound, "principal no longer exists")
		}
		httpresp.Respond(w, http.StatusOK, meResponse{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role})
		return nil
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8"`
}

// changePassword requires the current password and revokes every
// outstanding refresh token on success, forcing re-authentication on other
// sessions (spec §4.J.1 supplement).
func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpresp.RespondError(w, r, kerrors.New(kerrors.Unauthenticated, "authentication required"))
		return
	}

	var req changePasswordRequest
	if err := httpresp.DecodeAndValidate(r, &req); err != nil {
		httpresp.RespondError(w, r, err)
		return
	}

	h.withConn(w, r, func(conn storage.Connection) error {
		u, hash, err := h.store.GetUserByEmail(r.Context(), conn, id.Email)
		if err != nil {
			return err
		}
		if u == nil || !CheckPassword(hash, req.CurrentPassword) {
			return kerrors.Unauthenticatedf("current password is incorrect")
		}

		newHash, err := HashPassword(req.NewPassword)
		if err != nil {
			return kerrors.Wrap(kerrors.Internal, "hashing password", err)
		}
		if err := h.store.SetPasswordHash(r.Context(), conn, u.ID, newHash); err != nil {
			return err
		}
		if err := h.store.RevokeAllRefreshTokens(r.Context(), conn, u.ID); err != nil {
			return err
		}
		httpresp.Respond(w, http.StatusNoContent, nil)
		return nil
	})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpresp.RespondError(w, r, kerrors.New(kerrors.Unauthenticated, "authentication required"))
		return
	}
	h.withConn(w, r, func(conn storage.Connection) error {
		if err := h.store.RevokeAllRefreshTokens(r.Context(), conn, id.SubjectID); err != nil {
			return err
		}
		httpresp.Respond(w, http.StatusNoContent, nil)
		return nil
	})
}
