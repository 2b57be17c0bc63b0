package workspace

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/kernel/pkg/auth"
	"github.com/wisbric/kernel/pkg/httpkernel"
	"github.com/wisbric/kernel/pkg/kerrors"
	"github.com/wisbric/kernel/pkg/storage"
)

// defaultInviteTTL is how long an invite token stays acceptable.
const defaultInviteTTL = 7 * 24 * time.Hour

// Handler exposes the workspace/membership surface described in SPEC_FULL's
// workspace HTTP supplement: creation, listing, membership, and invites.
type Handler struct {
	store *Store
	check *EntityChecker
	pool  storage.Pool
}

// NewHandler constructs a workspace Handler.
func NewHandler(store *Store, check *EntityChecker, pool storage.Pool) *Handler {
	return &Handler{store: store, check: check, pool: pool}
}

// Mount registers the workspace routes onto r. r is expected to already
// carry the kernel's auth middleware, so every handler here can assume
// auth.FromContext(r.Context()) is non-nil.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/workspaces", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Patch("/{id}", h.update)
		r.Delete("/{id}", h.delete)
		r.Post("/{id}/members", h.addMember)
		r.Post("/{id}/invites", h.createInvite)
	})
	r.Post("/invites/accept/{token}", h.acceptInvite)
}

func (h *Handler) withConn(w http.ResponseWriter, r *http.Request, fn func(conn storage.Connection) error) {
	conn, err := h.pool.Acquire(r.Context(), 5*time.Second)
	if err != nil {
		httpkernel.RespondError(w, r, kerrors.Wrap(kerrors.Unavailable, "storage unavailable", err))
		return
	}
	defer h.pool.Release(conn)

	if err := fn(conn); err != nil {
		httpkernel.RespondError(w, r, err)
	}
}

type createWorkspaceRequest struct {
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	IsPersonal bool   `json:"is_personal"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	var req createWorkspaceRequest
	if err := httpkernel.DecodeJSON(r, &req); err != nil {
		httpkernel.RespondError(w, r, err)
		return
	}
	if req.Name == "" || req.Slug == "" {
		httpkernel.RespondError(w, r, kerrors.Validationf("name and slug are required"))
		return
	}

	h.withConn(w, r, func(conn storage.Connection) error {
		ws, err := h.store.CreateWorkspace(r.Context(), conn, req.Name, req.Slug, id.SubjectID, req.IsPersonal)
		if err != nil {
			return err
		}
		httpkernel.Respond(w, http.StatusCreated, ws)
		return nil
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	h.withConn(w, r, func(conn storage.Connection) error {
		list, err := h.store.ListWorkspacesForUser(r.Context(), conn, id.SubjectID)
		if err != nil {
			return err
		}
		httpkernel.Respond(w, http.StatusOK, list)
		return nil
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	wsID := chi.URLParam(r, "id")
	id := auth.FromContext(r.Context())

	h.withConn(w, r, func(conn storage.Connection) error {
		if err := h.requireMember(r, conn, wsID, id.SubjectID); err != nil {
			return err
		}
		ws, err := h.store.GetWorkspace(r.Context(), conn, wsID)
		if err != nil {
			return err
		}
		httpkernel.Respond(w, http.StatusOK, ws)
		return nil
	})
}

type updateWorkspaceRequest struct {
	Name     *string        `json:"name,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	wsID := chi.URLParam(r, "id")
	id := auth.FromContext(r.Context())

	var req updateWorkspaceRequest
	if err := httpkernel.DecodeJSON(r, &req); err != nil {
		httpkernel.RespondError(w, r, err)
		return
	}

	h.withConn(w, r, func(conn storage.Connection) error {
		if err := h.check.RequireRole(r.Context(), conn, wsID, id.SubjectID, RoleAdmin); err != nil {
			return kerrors.Wrap(kerrors.Forbidden, "admin role required in this workspace", err)
		}

		patch := storage.Row{}
		if req.Name != nil {
			patch["name"] = *req.Name
		}
		if req.Settings != nil {
			patch["settings"] = req.Settings
		}

		ws, err := h.store.UpdateWorkspace(r.Context(), conn, wsID, patch)
		if err != nil {
			return err
		}
		httpkernel.Respond(w, http.StatusOK, ws)
		return nil
	})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	wsID := chi.URLParam(r, "id")
	id := auth.FromContext(r.Context())

	h.withConn(w, r, func(conn storage.Connection) error {
		isOwner, err := h.check.IsOwner(r.Context(), conn, wsID, id.SubjectID)
		if err != nil {
			return err
		}
		if !isOwner {
			return kerrors.Forbiddenf("only the workspace owner may delete it")
		}
		if err := h.store.DeleteWorkspace(r.Context(), conn, wsID); err != nil {
			return err
		}
		httpkernel.Respond(w, http.StatusNoContent, nil)
		return nil
	})
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

func (h *Handler) addMember(w http.ResponseWriter, r *http.Request) {
	wsID := chi.URLParam(r, "id")
	id := auth.FromContext(r.Context())

	var req addMemberRequest
	if err := httpkernel.DecodeJSON(r, &req); err != nil {
		httpkernel.RespondError(w, r, err)
		return
	}
	if req.UserID == "" || req.Role == "" {
		httpkernel.RespondError(w, r, kerrors.Validationf("user_id and role are required"))
		return
	}

	h.withConn(w, r, func(conn storage.Connection) error {
		if err := h.check.RequireRole(r.Context(), conn, wsID, id.SubjectID, RoleAdmin); err != nil {
			return kerrors.Wrap(kerrors.Forbidden, "admin role required in this workspace", err)
		}
		member, err := h.store.AddMember(r.Context(), conn, wsID, req.UserID, req.Role, id.SubjectID)
		if err != nil {
			return err
		}
		httpkernel.Respond(w, http.StatusCreated, member)
		return nil
	})
}

type createInviteRequest struct {
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

func (h *Handler) createInvite(w http.ResponseWriter, r *http.Request) {
	wsID := chi.URLParam(r, "id")
	id := auth.FromContext(r.Context())

	var req createInviteRequest
	if err := httpkernel.DecodeJSON(r, &req); err != nil {
		httpkernel.RespondError(w, r, err)
		return
	}
	if req.Email == "" || req.Role == "" {
		httpkernel.RespondError(w, r, kerrors.Validationf("email and role are required"))
		return
	}

	h.withConn(w, r, func(conn storage.Connection) error {
		if err := h.check.RequireRole(r.Context(), conn, wsID, id.SubjectID, RoleAdmin); err != nil {
			return kerrors.Wrap(kerrors.Forbidden, "admin role required in this workspace", err)
		}
		invite, err := h.store.CreateInvite(r.Context(), conn, wsID, req.Email, req.Role, defaultInviteTTL)
		if err != nil {
			return err
		}
		httpkernel.Respond(w, http.StatusCreated, invite)
		return nil
	})
}

func (h *Handler) acceptInvite(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	id := auth.FromContext(r.Context())

	h.withConn(w, r, func(conn storage.Connection) error {
		member, err := h.store.AcceptInvite(r.Context(), conn, token, id.SubjectID)
		if err != nil {
			return err
		}
		httpkernel.Respond(w, http.StatusOK, member)
		return nil
	})
}

func (h *Handler) requireMember(r *http.Request, conn storage.Connection, workspaceID, userID string) error {
	ok, err := h.check.IsMember(r.Context(), conn, workspaceID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return kerrors.Forbiddenf("not a member of this workspace")
	}
	return nil
}
