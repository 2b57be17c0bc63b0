package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/kernel/pkg/entity"
	"github.com/wisbric/kernel/pkg/storage"
)

const widgetsTable = "widgets"

func newTestEnv(t *testing.T) (*Manager, storage.Pool, storage.Connection) {
	t.Helper()
	ctx := context.Background()

	pool, err := storage.NewSQLitePool(ctx, ":memory:", 1, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	conn, err := pool.Acquire(ctx, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Release(conn) })

	for _, ddl := range []string{
		`CREATE TABLE [widgets] ([id] TEXT PRIMARY KEY, [created_at] TEXT, [updated_at] TEXT, [deleted_at] TEXT, [created_by] TEXT, [updated_by] TEXT, [name] TEXT, [color] TEXT)`,
		`CREATE TABLE [widgets_history] ([id] TEXT, [created_at] TEXT, [updated_at] TEXT, [deleted_at] TEXT, [created_by] TEXT, [updated_by] TEXT, [name] TEXT, [color] TEXT, [version] TEXT, [history_timestamp] TEXT)`,
	} {
		_, err := conn.Execute(ctx, ddl)
		require.NoError(t, err)
	}

	reg := entity.NewRegistry()
	reg.Register(entity.Descriptor{
		TableName:   widgetsTable,
		Fields:      []entity.Field{{Name: "name", DeclaredType: "text"}, {Name: "color", DeclaredType: "text"}},
		KeepHistory: true,
	})

	mgr := NewManager(reg, nil)
	return mgr, pool, conn
}

func TestBackupProducesCSVAndMetadata(t *testing.T) {
	mgr, pool, conn := newTestEnv(t)
	ctx := context.Background()

	entities := storage.NewEntityStore(mustRegistry(mgr))
	_, err := entities.SaveEntity(ctx, conn, widgetsTable, storage.Row{"name": "sprocket", "color": "red"})
	require.NoError(t, err)

	dir := t.TempDir()
	result, err := mgr.Backup(ctx, conn, pool, dir, true, true)
	require.NoError(t, err)
	require.NotEmpty(t, result.CSVDir)
	require.FileExists(t, filepath.Join(result.CSVDir, "widgets.csv"))
	require.FileExists(t, result.MetadataFile)
	// sqlite supports VACUUM INTO directly over the live connection.
	require.NotEmpty(t, result.NativeFile)
	require.FileExists(t, result.NativeFile)
}

func TestFullRollbackRestoresData(t *testing.T) {
	mgr, pool, conn := newTestEnv(t)
	ctx := context.Background()
	entities := storage.NewEntityStore(mustRegistry(mgr))

	_, err := entities.SaveEntity(ctx, conn, widgetsTable, storage.Row{"id": "w1", "name": "sprocket", "color": "red"})
	require.NoError(t, err)

	dir := t.TempDir()
	result, err := mgr.Backup(ctx, conn, pool, dir, false, true)
	require.NoError(t, err)

	_, err = entities.SaveEntity(ctx, conn, widgetsTable, storage.Row{"id": "w2", "name": "gizmo", "color": "blue"})
	require.NoError(t, err)

	auditDir := t.TempDir()
	auditContent := "-- recreate widgets\n" +
		"CREATE TABLE [widgets] ([id] TEXT PRIMARY KEY, [created_at] TEXT, [updated_at] TEXT, [deleted_at] TEXT, [created_by] TEXT, [updated_by] TEXT, [name] TEXT, [color] TEXT);\n" +
		"-- recreate widgets_history\n" +
		"CREATE TABLE [widgets_history] ([id] TEXT, [created_at] TEXT, [updated_at] TEXT, [deleted_at] TEXT, [created_by] TEXT, [updated_by] TEXT, [name] TEXT, [color] TEXT, [version] TEXT, [history_timestamp] TEXT);\n"
	require.NoError(t, os.WriteFile(filepath.Join(auditDir, "20260101_000000_"+result.SchemaHash+".sql"), []byte(auditContent), 0o644))

	require.NoError(t, mgr.FullRollback(ctx, conn, auditDir, RestorePoint{
		Timestamp:  result.Timestamp,
		SchemaHash: result.SchemaHash,
		CSVDir:     result.CSVDir,
	}))

	// widgets table must exist again post-drop, with only the backed-up row.
	row, err := entities.GetEntity(ctx, conn, widgetsTable, "w1")
	require.NoError(t, err)
	require.Equal(t, "sprocket", row["name"])

	_, err = entities.GetEntity(ctx, conn, widgetsTable, "w2")
	require.Error(t, err)
}

func TestAdditiveImportRetainsNewerRows(t *testing.T) {
	mgr, pool, conn := newTestEnv(t)
	ctx := context.Background()
	entities := storage.NewEntityStore(mustRegistry(mgr))

	_, err := entities.SaveEntity(ctx, conn, widgetsTable, storage.Row{"id": "w1", "name": "sprocket", "color": "red"})
	require.NoError(t, err)

	dir := t.TempDir()
	result, err := mgr.Backup(ctx, conn, pool, dir, false, true)
	require.NoError(t, err)

	_, err = entities.SaveEntity(ctx, conn, widgetsTable, storage.Row{"id": "w2", "name": "gizmo", "color": "blue"})
	require.NoError(t, err)

	require.NoError(t, mgr.AdditiveImport(ctx, conn, result.CSVDir))

	_, err = entities.GetEntity(ctx, conn, widgetsTable, "w1")
	require.NoError(t, err)
	_, err = entities.GetEntity(ctx, conn, widgetsTable, "w2")
	require.NoError(t, err, "additive import must not remove rows written after the backup")
}

func TestRevertTableRestoresPastVersionAndDeletesLaterRows(t *testing.T) {
	mgr, pool, conn := newTestEnv(t)
	_ = pool
	ctx := context.Background()
	entities := storage.NewEntityStore(mustRegistry(mgr))

	_, err := entities.SaveEntity(ctx, conn, widgetsTable, storage.Row{"id": "w1", "name": "sprocket", "color": "red"})
	require.NoError(t, err)

	cutoff := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)

	_, err = entities.SaveEntity(ctx, conn, widgetsTable, storage.Row{"id": "w1", "name": "sprocket", "color": "green"})
	require.NoError(t, err)
	_, err = entities.SaveEntity(ctx, conn, widgetsTable, storage.Row{"id": "w2", "name": "new-after-cutoff", "color": "blue"})
	require.NoError(t, err)

	require.NoError(t, mgr.RevertTable(ctx, conn, widgetsTable, cutoff))

	row, err := entities.GetEntity(ctx, conn, widgetsTable, "w1")
	require.NoError(t, err)
	require.Equal(t, "red", row["color"])

	w2, err := entities.GetEntity(ctx, conn, widgetsTable, "w2")
	require.NoError(t, err)
	require.NotEmpty(t, w2["deleted_at"], "w2 did not exist at cutoff and must be soft-deleted by the revert")
}

func TestScanOrphansFindsUnregisteredTableAndColumn(t *testing.T) {
	mgr, _, conn := newTestEnv(t)
	ctx := context.Background()

	_, err := conn.Execute(ctx, `CREATE TABLE [leftover_table] ([id] TEXT)`)
	require.NoError(t, err)
	_, err = conn.Execute(ctx, `ALTER TABLE [widgets] ADD COLUMN [legacy_flag] TEXT`)
	require.NoError(t, err)

	report, err := mgr.ScanOrphans(ctx, conn)
	require.NoError(t, err)
	require.Contains(t, report.OrphanTables, "leftover_table")
	require.Contains(t, report.OrphanColumns["widgets"], "legacy_flag")
}

func TestListRestorePointsSortsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"csv_20260101_100000_aaaa1111", "csv_20260102_100000_bbbb2222"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))
	}

	points, err := ListRestorePoints(dir, t.TempDir())
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, "20260102_100000", points[0].Timestamp)
}

func TestFindRestorePointPicksClosestNotAfterTarget(t *testing.T) {
	points := []RestorePoint{
		{Timestamp: "20260103_100000"},
		{Timestamp: "20260102_100000"},
		{Timestamp: "20260101_100000"},
	}
	target, err := time.Parse(timestampLayout, "20260102_120000")
	require.NoError(t, err)

	rp, err := FindRestorePoint(points, target)
	require.NoError(t, err)
	require.Equal(t, "20260102_100000", rp.Timestamp)
}

func mustRegistry(m *Manager) *entity.Registry { return m.registry }
