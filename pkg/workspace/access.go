package workspace

import (
	"context"
	"fmt"

	"github.com/wisbric/kernel/pkg/storage"
)

// Checker answers the three access questions product routes need without
// exposing the raw member/invite tables.
type Checker interface {
	IsMember(ctx context.Context, conn storage.Connection, workspaceID, userID string) (bool, error)
	IsOwner(ctx context.Context, conn storage.Connection, workspaceID, userID string) (bool, error)
	GetRole(ctx context.Context, conn storage.Connection, workspaceID, userID string) (Role, bool, error)
}

// EntityChecker implements Checker directly against the entity store, with
// no caching layer — workspace membership changes are rare enough that a
// cache would add staleness risk for little benefit.
type EntityChecker struct {
	entities *storage.EntityStore
}

// NewEntityChecker constructs an EntityChecker.
func NewEntityChecker(entities *storage.EntityStore) *EntityChecker {
	return &EntityChecker{entities: entities}
}

// GetRole returns the caller's role in the workspace, or ok=false if they
// are not a member.
func (c *EntityChecker) GetRole(ctx context.Context, conn storage.Connection, workspaceID, userID string) (Role, bool, error) {
	rows, err := c.entities.FindEntities(ctx, conn, TableMembers, storage.FindOptions{
		Where: "[workspace_id] = ? AND [user_id] = ?", Params: []any{workspaceID, userID}, Limit: 1,
	})
	if err != nil {
		return "", false, fmt.Errorf("looking up membership: %w", err)
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	return Role(str(rows[0]["role"])), true, nil
}

// IsMember reports whether userID holds any role in workspaceID.
func (c *EntityChecker) IsMember(ctx context.Context, conn storage.Connection, workspaceID, userID string) (bool, error) {
	_, ok, err := c.GetRole(ctx, conn, workspaceID, userID)
	return ok, err
}

// IsOwner reports whether userID is the workspace's owner member.
func (c *EntityChecker) IsOwner(ctx context.Context, conn storage.Connection, workspaceID, userID string) (bool, error) {
	role, ok, err := c.GetRole(ctx, conn, workspaceID, userID)
	if err != nil || !ok {
		return false, err
	}
	return role == RoleOwner, nil
}

// RequireRole checks that userID's role in workspaceID meets min, returning
// a descriptive error when it does not. Callers in pkg/httpkernel translate
// the error into a 403 response.
func (c *EntityChecker) RequireRole(ctx context.Context, conn storage.Connection, workspaceID, userID string, min Role) error {
	role, ok, err := c.GetRole(ctx, conn, workspaceID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %s is not a member of workspace %s", userID, workspaceID)
	}
	if !role.AtLeast(min) {
		return fmt.Errorf("role %s does not meet required role %s", role, min)
	}
	return nil
}

var _ Checker = (*EntityChecker)(nil)
