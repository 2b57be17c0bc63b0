package migration

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/kernel/pkg/entity"
	"github.com/wisbric/kernel/pkg/storage"
)

func newTestEngine(t *testing.T, policy Policy) (*Engine, storage.Connection, *entity.Registry) {
	t.Helper()
	ctx := context.Background()
	pool, err := storage.NewSQLitePool(ctx, ":memory:", 1, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	conn, err := pool.Acquire(ctx, 0)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Release(conn) })

	reg := entity.NewRegistry()
	e := NewEngine(reg, pool.Generator(), policy, t.TempDir(), slog.Default())
	return e, conn, reg
}

func TestDiffNeverDropsTablesWhenPolicyDisallows(t *testing.T) {
	ctx := context.Background()
	e, conn, reg := newTestEngine(t, Policy{})
	reg.Register(entity.Descriptor{TableName: "widgets"})

	_, err := conn.Execute(ctx, "CREATE TABLE [gadgets] ([id] TEXT PRIMARY KEY)")
	require.NoError(t, err)

	ops, err := e.diff(ctx, conn)
	require.NoError(t, err)
	for _, op := range ops {
		require.NotContains(t, op.Description, "drop table gadgets")
	}
}

func TestDiffDropsUnregisteredTableWhenAllowed(t *testing.T) {
	ctx := context.Background()
	e, conn, reg := newTestEngine(t, Policy{AllowTableDeletion: true})
	reg.Register(entity.Descriptor{TableName: "widgets"})

	_, err := conn.Execute(ctx, "CREATE TABLE [gadgets] ([id] TEXT PRIMARY KEY)")
	require.NoError(t, err)

	ops, err := e.diff(ctx, conn)
	require.NoError(t, err)

	found := false
	for _, op := range ops {
		if op.Description == "drop table gadgets" {
			found = true
		}
		require.NotContains(t, op.Description, "drop table widgets", "registered tables are never drop candidates")
	}
	require.True(t, found, "expected a drop_table op for the unregistered gadgets table")
}

func TestDiffProtectsRenameSourceTableEvenWhenAllowed(t *testing.T) {
	ctx := context.Background()
	e, conn, reg := newTestEngine(t, Policy{AllowTableDeletion: true})
	reg.Register(entity.Descriptor{TableName: "widgets_v2", RenamedFromTable: "widgets"})

	_, err := conn.Execute(ctx, "CREATE TABLE [widgets] ([id] TEXT PRIMARY KEY)")
	require.NoError(t, err)

	ops, err := e.diff(ctx, conn)
	require.NoError(t, err)
	for _, op := range ops {
		require.NotContains(t, op.Description, "drop table widgets\n", "rename source must survive even with deletion allowed")
		require.NotEqual(t, "drop table widgets", op.Description)
	}
}

func TestDiffDoesNotDropOwnHistoryTable(t *testing.T) {
	ctx := context.Background()
	e, conn, reg := newTestEngine(t, Policy{AllowTableDeletion: true})
	reg.Register(entity.Descriptor{TableName: "widgets", KeepHistory: true})

	_, err := conn.Execute(ctx, "CREATE TABLE [widgets] ([id] TEXT PRIMARY KEY)")
	require.NoError(t, err)
	_, err = conn.Execute(ctx, "CREATE TABLE [widgets_history] ([id] TEXT)")
	require.NoError(t, err)

	ops, err := e.diff(ctx, conn)
	require.NoError(t, err)
	for _, op := range ops {
		require.NotEqual(t, "drop table widgets_history", op.Description)
	}
}
