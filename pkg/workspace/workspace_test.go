package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/kernel/pkg/entity"
	"github.com/wisbric/kernel/pkg/storage"
)

// newTestStore spins up an in-memory sqlite-backed EntityStore with the
// workspace tables already created, skipping the migration engine to keep
// these tests focused on workspace semantics rather than DDL diffing.
func newTestStore(t *testing.T) (*Store, *EntityChecker, storage.Connection) {
	t.Helper()
	ctx := context.Background()

	pool, err := storage.NewSQLitePool(ctx, ":memory:", 1, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	conn, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Release(conn) })

	for _, ddl := range []string{
		`CREATE TABLE [workspaces] ([id] TEXT PRIMARY KEY, [created_at] TEXT, [updated_at] TEXT, [deleted_at] TEXT, [created_by] TEXT, [updated_by] TEXT, [name] TEXT, [slug] TEXT, [owner_id] TEXT, [is_personal] TEXT, [settings] TEXT)`,
		`CREATE TABLE [workspaces_history] ([id] TEXT, [created_at] TEXT, [updated_at] TEXT, [deleted_at] TEXT, [created_by] TEXT, [updated_by] TEXT, [name] TEXT, [slug] TEXT, [owner_id] TEXT, [is_personal] TEXT, [settings] TEXT, [version] TEXT, [history_timestamp] TEXT)`,
		`CREATE TABLE [workspace_members] ([id] TEXT PRIMARY KEY, [created_at] TEXT, [updated_at] TEXT, [deleted_at] TEXT, [created_by] TEXT, [updated_by] TEXT, [workspace_id] TEXT, [user_id] TEXT, [role] TEXT, [invited_by] TEXT)`,
		`CREATE TABLE [workspace_invites] ([id] TEXT PRIMARY KEY, [created_at] TEXT, [updated_at] TEXT, [deleted_at] TEXT, [created_by] TEXT, [updated_by] TEXT, [token] TEXT, [workspace_id] TEXT, [email] TEXT, [role] TEXT, [status] TEXT, [expires_at] TEXT)`,
	} {
		_, err := conn.Execute(ctx, ddl)
		require.NoError(t, err)
	}

	reg := entity.NewRegistry()
	RegisterEntities(reg)
	entities := storage.NewEntityStore(reg)
	store := NewStore(entities)
	check := NewEntityChecker(entities)

	return store, check, conn
}

func TestCreateWorkspaceAddsOwnerAsMember(t *testing.T) {
	store, check, conn := newTestStore(t)
	ctx := context.Background()

	ws, err := store.CreateWorkspace(ctx, conn, "Acme", "acme", "user-1", false)
	require.NoError(t, err)
	require.NotEmpty(t, ws.ID)

	role, ok, err := check.GetRole(ctx, conn, ws.ID, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, RoleOwner, role)
}

func TestCreateWorkspaceDuplicateSlugRejected(t *testing.T) {
	store, _, conn := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateWorkspace(ctx, conn, "Acme", "acme", "user-1", false)
	require.NoError(t, err)

	_, err = store.CreateWorkspace(ctx, conn, "Acme Two", "acme", "user-2", false)
	require.Error(t, err)
}

func TestAddMemberRejectsDuplicate(t *testing.T) {
	store, _, conn := newTestStore(t)
	ctx := context.Background()

	ws, err := store.CreateWorkspace(ctx, conn, "Acme", "acme", "user-1", false)
	require.NoError(t, err)

	_, err = store.AddMember(ctx, conn, ws.ID, "user-2", RoleMember, "user-1")
	require.NoError(t, err)

	_, err = store.AddMember(ctx, conn, ws.ID, "user-2", RoleAdmin, "user-1")
	require.Error(t, err)
}

func TestInviteLifecycleAcceptGrantsMembership(t *testing.T) {
	store, check, conn := newTestStore(t)
	ctx := context.Background()

	ws, err := store.CreateWorkspace(ctx, conn, "Acme", "acme", "user-1", false)
	require.NoError(t, err)

	invite, err := store.CreateInvite(ctx, conn, ws.ID, "New.Person@Example.com", RoleMember, time.Hour)
	require.NoError(t, err)
	require.Equal(t, "new.person@example.com", invite.Email)
	require.Len(t, invite.Token, 43) // 32 raw bytes, base64 RawURLEncoding

	member, err := store.AcceptInvite(ctx, conn, invite.Token, "user-2")
	require.NoError(t, err)
	require.Equal(t, RoleMember, member.Role)

	ok, err := check.IsMember(ctx, conn, ws.ID, "user-2")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAcceptExpiredInviteFails(t *testing.T) {
	store, _, conn := newTestStore(t)
	ctx := context.Background()

	ws, err := store.CreateWorkspace(ctx, conn, "Acme", "acme", "user-1", false)
	require.NoError(t, err)

	invite, err := store.CreateInvite(ctx, conn, ws.ID, "late@example.com", RoleMember, -time.Minute)
	require.NoError(t, err)

	_, err = store.AcceptInvite(ctx, conn, invite.Token, "user-2")
	require.Error(t, err)
}

func TestAcceptInviteTwiceFails(t *testing.T) {
	store, _, conn := newTestStore(t)
	ctx := context.Background()

	ws, err := store.CreateWorkspace(ctx, conn, "Acme", "acme", "user-1", false)
	require.NoError(t, err)

	invite, err := store.CreateInvite(ctx, conn, ws.ID, "twice@example.com", RoleMember, time.Hour)
	require.NoError(t, err)

	_, err = store.AcceptInvite(ctx, conn, invite.Token, "user-2")
	require.NoError(t, err)

	_, err = store.AcceptInvite(ctx, conn, invite.Token, "user-3")
	require.Error(t, err)
}

func TestDeleteWorkspaceCascadesToMembersAndInvites(t *testing.T) {
	store, check, conn := newTestStore(t)
	ctx := context.Background()

	ws, err := store.CreateWorkspace(ctx, conn, "Acme", "acme", "user-1", false)
	require.NoError(t, err)

	_, err = store.AddMember(ctx, conn, ws.ID, "user-2", RoleMember, "user-1")
	require.NoError(t, err)

	require.NoError(t, store.DeleteWorkspace(ctx, conn, ws.ID))

	ok, err := check.IsMember(ctx, conn, ws.ID, "user-2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRoleAtLeast(t *testing.T) {
	require.True(t, RoleOwner.AtLeast(RoleAdmin))
	require.True(t, RoleAdmin.AtLeast(RoleAdmin))
	require.False(t, RoleMember.AtLeast(RoleAdmin))
}
