package workspace

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/wisbric/kernel/pkg/kerrors"
	"github.com/wisbric/kernel/pkg/storage"
)

// Workspace is the application-level view of a workspaces row.
type Workspace struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Slug       string         `json:"slug"`
	OwnerID    string         `json:"owner_id"`
	IsPersonal bool           `json:"is_personal"`
	Settings   map[string]any `json:"settings,omitempty"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

// Member is the application-level view of a workspace_members row.
type Member struct {
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
	Role        Role   `json:"role"`
	InvitedBy   string `json:"invited_by,omitempty"`
}

// Invite is the application-level view of a workspace_invites row.
type Invite struct {
	Token       string       `json:"token"`
	WorkspaceID string       `json:"workspace_id"`
	Email       string       `json:"email"`
	Role        Role         `json:"role"`
	Status      InviteStatus `json:"status"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// Store implements the workspace/membership operations on top of the
// kernel's generic entity CRUD.
type Store struct {
	entities *storage.EntityStore
}

// NewStore constructs a Store bound to the kernel's entity registry.
func NewStore(entities *storage.EntityStore) *Store {
	return &Store{entities: entities}
}

// CreateWorkspace creates a workspace owned by ownerID, rejecting a
// duplicate non-deleted slug (spec §9 "duplicate" ambiguity decision:
// uniqueness excludes soft-deleted rows).
func (s *Store) CreateWorkspace(ctx context.Context, conn storage.Connection, name, slug, ownerID string, isPersonal bool) (*Workspace, error) {
	existing, err := s.entities.FindEntities(ctx, conn, TableWorkspaces, storage.FindOptions{
		Where: "[slug] = ?", Params: []any{slug}, Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("checking slug uniqueness: %w", err)
	}
	if len(existing) > 0 {
		return nil, kerrors.Conflictf("workspace slug %q is already taken", slug)
	}

	row, err := s.entities.SaveEntity(ctx, conn, TableWorkspaces, storage.Row{
		"name": name, "slug": slug, "owner_id": ownerID, "is_personal": isPersonal,
	})
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	ws := rowToWorkspace(row)

	if _, err := s.entities.SaveEntity(ctx, conn, TableMembers, storage.Row{
		"workspace_id": ws.ID, "user_id": ownerID, "role": string(RoleOwner),
	}); err != nil {
		return nil, fmt.Errorf("adding owner as member: %w", err)
	}

	return ws, nil
}

// GetWorkspace fetches one workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, conn storage.Connection, id string) (*Workspace, error) {
	row, err := s.entities.GetEntity(ctx, conn, TableWorkspaces, id)
	if err != nil {
		return nil, err
	}
	return rowToWorkspace(row), nil
}

// ListWorkspacesForUser returns every workspace userID is a member of.
func (s *Store) ListWorkspacesForUser(ctx context.Context, conn storage.Connection, userID string) ([]*Workspace, error) {
	memberRows, err := s.entities.FindEntities(ctx, conn, TableMembers, storage.FindOptions{
		Where: "[user_id] = ?", Params: []any{userID},
	})
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}

	ids := make([]string, 0, len(memberRows))
	for _, m := range memberRows {
		ids = append(ids, fmt.Sprintf("%v", m["workspace_id"]))
	}
	wsRows, err := s.entities.GetEntities(ctx, conn, TableWorkspaces, ids)
	if err != nil {
		return nil, fmt.Errorf("loading workspaces: %w", err)
	}

	out := make([]*Workspace, 0, len(wsRows))
	for _, r := range wsRows {
		out = append(out, rowToWorkspace(r))
	}
	return out, nil
}

// UpdateWorkspace patches name/settings on an existing workspace.
func (s *Store) UpdateWorkspace(ctx context.Context, conn storage.Connection, id string, patch storage.Row) (*Workspace, error) {
	patch["id"] = id
	row, err := s.entities.SaveEntity(ctx, conn, TableWorkspaces, patch)
	if err != nil {
		return nil, fmt.Errorf("updating workspace %s: %w", id, err)
	}
	return rowToWorkspace(row), nil
}

// DeleteWorkspace soft-deletes a workspace and cascades the soft-delete to
// its members and invites (spec §3 ownership: cascade on delete).
func (s *Store) DeleteWorkspace(ctx context.Context, conn storage.Connection, id string) error {
	members, err := s.entities.FindEntities(ctx, conn, TableMembers, storage.FindOptions{Where: "[workspace_id] = ?", Params: []any{id}})
	if err != nil {
		return fmt.Errorf("listing members to cascade: %w", err)
	}
	for _, m := range members {
		if err := s.entities.SoftDelete(ctx, conn, TableMembers, fmt.Sprintf("%v", m["id"])); err != nil {
			return fmt.Errorf("cascading delete to member: %w", err)
		}
	}

	invites, err := s.entities.FindEntities(ctx, conn, TableInvites, storage.FindOptions{Where: "[workspace_id] = ?", Params: []any{id}})
	if err != nil {
		return fmt.Errorf("listing invites to cascade: %w", err)
	}
	for _, inv := range invites {
		if err := s.entities.SoftDelete(ctx, conn, TableInvites, fmt.Sprintf("%v", inv["id"])); err != nil {
			return fmt.Errorf("cascading delete to invite: %w", err)
		}
	}

	return s.entities.SoftDelete(ctx, conn, TableWorkspaces, id)
}

// AddMember inserts a membership row for userID at role, rejecting with
// Conflict when userID is already a live member of the workspace.
func (s *Store) AddMember(ctx context.Context, conn storage.Connection, workspaceID, userID string, role Role, invitedBy string) (*Member, error) {
	existing, err := s.entities.FindEntities(ctx, conn, TableMembers, storage.FindOptions{
		Where: "[workspace_id] = ? AND [user_id] = ?", Params: []any{workspaceID, userID}, Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("checking existing membership: %w", err)
	}
	if len(existing) > 0 {
		return nil, kerrors.Conflictf("user %s is already a member of workspace %s", userID, workspaceID)
	}

	row, err := s.entities.SaveEntity(ctx, conn, TableMembers, storage.Row{
		"workspace_id": workspaceID, "user_id": userID, "role": string(role), "invited_by": invitedBy,
	})
	if err != nil {
		return nil, fmt.Errorf("adding member: %w", err)
	}
	return rowToMember(row), nil
}

// CreateInvite mints a URL-safe, ≥256-bit token and stores a pending
// invite (spec §3).
func (s *Store) CreateInvite(ctx context.Context, conn storage.Connection, workspaceID, email string, role Role, ttl time.Duration) (*Invite, error) {
	token, err := generateInviteToken()
	if err != nil {
		return nil, fmt.Errorf("generating invite token: %w", err)
	}

	row, err := s.entities.SaveEntity(ctx, conn, TableInvites, storage.Row{
		"token":        token,
		"workspace_id": workspaceID,
		"email":        strings.ToLower(email),
		"role":         string(role),
		"status":       string(InviteStatusPending),
		"expires_at":   time.Now().UTC().Add(ttl).Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("creating invite: %w", err)
	}
	return rowToInvite(row), nil
}

// AcceptInvite looks up a pending, unexpired invite by token and admits
// userID to its workspace at the invited role.
func (s *Store) AcceptInvite(ctx context.Context, conn storage.Connection, token, userID string) (*Member, error) {
	rows, err := s.entities.FindEntities(ctx, conn, TableInvites, storage.FindOptions{
		Where: "[token] = ?", Params: []any{token}, Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("looking up invite: %w", err)
	}
	if len(rows) == 0 {
		return nil, kerrors.NotFoundf("invite not found")
	}
	inv := rowToInvite(rows[0])

	if inv.Status != InviteStatusPending {
		return nil, kerrors.Conflictf("invite is %s, not pending", inv.Status)
	}
	if time.Now().After(inv.ExpiresAt) {
		_, _ = s.entities.SaveEntity(ctx, conn, TableInvites, storage.Row{"id": rows[0]["id"], "status": string(InviteStatusExpired)})
		return nil, kerrors.Conflictf("invite has expired")
	}

	member, err := s.AddMember(ctx, conn, inv.WorkspaceID, userID, inv.Role, "")
	if err != nil {
		return nil, err
	}

	if _, err := s.entities.SaveEntity(ctx, conn, TableInvites, storage.Row{"id": rows[0]["id"], "status": string(InviteStatusAccepted)}); err != nil {
		return nil, fmt.Errorf("marking invite accepted: %w", err)
	}

	return member, nil
}

func generateInviteToken() (string, error) {
	// 32 bytes = 256 bits of entropy, URL-safe base64 without padding.
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func rowToWorkspace(row storage.Row) *Workspace {
	ws := &Workspace{
		ID:         str(row["id"]),
		Name:       str(row["name"]),
		Slug:       str(row["slug"]),
		OwnerID:    str(row["owner_id"]),
		IsPersonal: row["is_personal"] == "true" || row["is_personal"] == true,
		CreatedAt:  str(row["created_at"]),
		UpdatedAt:  str(row["updated_at"]),
	}
	return ws
}

func rowToMember(row storage.Row) *Member {
	return &Member{
		WorkspaceID: str(row["workspace_id"]),
		UserID:      str(row["user_id"]),
		Role:        Role(str(row["role"])),
		InvitedBy:   str(row["invited_by"]),
	}
}

func rowToInvite(row storage.Row) *Invite {
	expires, _ := time.Parse(time.RFC3339, str(row["expires_at"]))
	return &Invite{
		Token:       str(row["token"]),
		WorkspaceID: str(row["workspace_id"]),
		Email:       str(row["email"]),
		Role:        Role(str(row["role"])),
		Status:      InviteStatus(str(row["status"])),
		ExpiresAt:   expires,
	}
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
