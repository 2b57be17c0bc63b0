package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/kernel/pkg/entity"
	"github.com/wisbric/kernel/pkg/storage"
)

// newTestStore spins up an in-memory sqlite-backed EntityStore with the
// auth tables already created, skipping the migration engine to keep these
// tests focused on store semantics rather than DDL diffing.
func newTestStore(t *testing.T) (*Store, storage.Pool, storage.Connection) {
	t.Helper()
	ctx := context.Background()

	pool, err := storage.NewSQLitePool(ctx, ":memory:", 1, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	conn, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Release(conn) })

	for _, ddl := range []string{
		`CREATE TABLE [users] ([id] TEXT PRIMARY KEY, [created_at] TEXT, [updated_at] TEXT, [deleted_at] TEXT, [created_by] TEXT, [updated_by] TEXT, [email] TEXT, [password_hash] TEXT, [name] TEXT, [role] TEXT, [is_active] TEXT)`,
		`CREATE TABLE [users_history] ([id] TEXT, [created_at] TEXT, [updated_at] TEXT, [deleted_at] TEXT, [created_by] TEXT, [updated_by] TEXT, [email] TEXT, [password_hash] TEXT, [name] TEXT, [role] TEXT, [is_active] TEXT, [version] TEXT, [history_timestamp] TEXT)`,
		`CREATE TABLE [refresh_tokens] ([id] TEXT PRIMARY KEY, [created_at] TEXT, [updated_at] TEXT, [deleted_at] TEXT, [created_by] TEXT, [updated_by] TEXT, [user_id] TEXT, [token_hash] TEXT, [expires_at] TEXT, [revoked] TEXT)`,
	} {
		_, err := conn.Execute(ctx, ddl)
		require.NoError(t, err)
	}

	reg := entity.NewRegistry()
	RegisterEntities(reg)
	entities := storage.NewEntityStore(reg)

	return NewStore(entities), pool, conn
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	store, _, conn := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateUser(ctx, conn, "Alice@Example.com", "hash", "Alice", RoleUser)
	require.NoError(t, err)

	_, err = store.CreateUser(ctx, conn, "alice@example.com", "hash2", "Alice Two", RoleUser)
	require.Error(t, err)
}

func TestGetUserByEmailIsCaseInsensitive(t *testing.T) {
	store, _, conn := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateUser(ctx, conn, "Bob@Example.com", "hash", "Bob", RoleUser)
	require.NoError(t, err)

	u, hash, err := store.GetUserByEmail(ctx, conn, "bob@EXAMPLE.com")
	require.NoError(t, err)
	require.NotNil(t, u)
	require.Equal(t, "hash", hash)
	require.Equal(t, "bob@example.com", u.Email)
}

func TestRefreshTokenRotationIsSingleUse(t *testing.T) {
	store, _, conn := newTestStore(t)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, conn, "carol@example.com", "hash", "Carol", RoleUser)
	require.NoError(t, err)

	require.NoError(t, store.IssueRefreshToken(ctx, conn, u.ID, "raw-token-1", time.Hour))

	got, err := store.RotateRefreshToken(ctx, conn, "raw-token-1")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)

	_, err = store.RotateRefreshToken(ctx, conn, "raw-token-1")
	require.Error(t, err, "a rotated token must not be redeemable a second time")
}

func TestRefreshTokenRotationRejectsExpired(t *testing.T) {
	store, _, conn := newTestStore(t)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, conn, "dave@example.com", "hash", "Dave", RoleUser)
	require.NoError(t, err)

	require.NoError(t, store.IssueRefreshToken(ctx, conn, u.ID, "raw-token-2", -time.Minute))

	_, err = store.RotateRefreshToken(ctx, conn, "raw-token-2")
	require.Error(t, err)
}

func TestRevokeAllRefreshTokensBlocksFutureRotation(t *testing.T) {
	store, _, conn := newTestStore(t)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, conn, "erin@example.com", "hash", "Erin", RoleUser)
	require.NoError(t, err)

	require.NoError(t, store.IssueRefreshToken(ctx, conn, u.ID, "raw-token-3", time.Hour))
	require.NoError(t, store.RevokeAllRefreshTokens(ctx, conn, u.ID))

	_, err = store.RotateRefreshToken(ctx, conn, "raw-token-3")
	require.Error(t, err)
}

func TestPoolLoaderLoadsActiveUser(t *testing.T) {
	store, pool, conn := newTestStore(t)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, conn, "frank@example.com", "hash", "Frank", RoleAdmin)
	require.NoError(t, err)

	loader := NewPoolLoader(store, pool)
	loaded, err := loader.LoadUser(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, RoleAdmin, loaded.Role)
	require.True(t, loaded.IsActive)
}
