package backup

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/wisbric/kernel/pkg/migration"
	"github.com/wisbric/kernel/pkg/storage"
)

// ErrManualRestoreRequired is returned by NativeRestore for every backend:
// the native snapshot is restored by hand (copying the sqlite file,
// pg_restore, or the mysql client), and the wrapped message says how.
var ErrManualRestoreRequired = errors.New("native restore requires an external tool")

var restorePointPattern = regexp.MustCompile(`^csv_(\d{8}_\d{6})_([0-9a-f]+)$`)

// RestorePoint is a discovered backup: a CSV export, optionally paired with
// a native snapshot and the migration audit file that produced its schema.
type RestorePoint struct {
	Timestamp     string
	SchemaHash    string
	CSVDir        string
	NativeFile    string
	MigrationFile string
}

// Time parses the restore point's embedded timestamp.
func (rp RestorePoint) Time() (time.Time, error) {
	return time.Parse(timestampLayout, rp.Timestamp)
}

// ListRestorePoints discovers every CSV backup directory under backupDir,
// newest first, pairing each with a same-named native file (if present)
// and the migration audit file whose hash suffix matches.
func ListRestorePoints(backupDir, migrationDir string) ([]RestorePoint, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup dir: %w", err)
	}

	var points []RestorePoint
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := restorePointPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		rp := RestorePoint{
			Timestamp:  m[1],
			SchemaHash: m[2],
			CSVDir:     filepath.Join(backupDir, e.Name()),
		}
		rp.NativeFile = findNativeFile(backupDir, rp.Timestamp, rp.SchemaHash)
		rp.MigrationFile = findMigrationFile(migrationDir, rp.SchemaHash)
		points = append(points, rp)
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp > points[j].Timestamp })
	return points, nil
}

func findNativeFile(backupDir, timestamp, hash string) string {
	matches, _ := filepath.Glob(filepath.Join(backupDir, fmt.Sprintf("native_%s_%s.*", timestamp, hash)))
	if len(matches) == 0 {
		return ""
	}
	return matches[0]
}

func findMigrationFile(migrationDir, hash string) string {
	matches, _ := filepath.Glob(filepath.Join(migrationDir, fmt.Sprintf("*_%s*.sql", hash)))
	if len(matches) == 0 {
		return ""
	}
	return matches[0]
}

// FindRestorePoint returns the restore point closest to, but not after,
// target — or the oldest available point if every point is after target.
func FindRestorePoint(points []RestorePoint, target time.Time) (*RestorePoint, error) {
	if len(points) == 0 {
		return nil, nil
	}
	for i := range points {
		t, err := points[i].Time()
		if err != nil {
			continue
		}
		if !t.After(target) {
			return &points[i], nil
		}
	}
	return &points[len(points)-1], nil
}

// FullRollback drops every live table, replays the migration audit trail
// up to rp's schema hash, and imports rp's CSV export. This is the
// authoritative restore path across schema changes — the only one that
// works when the live schema has moved on since rp was taken.
func (m *Manager) FullRollback(ctx context.Context, conn storage.Connection, auditDir string, rp RestorePoint) error {
	if err := m.clearDatabase(ctx, conn); err != nil {
		return fmt.Errorf("clearing database: %w", err)
	}

	files, err := migration.AuditFilesUpToHash(auditDir, rp.SchemaHash)
	if err != nil {
		return fmt.Errorf("finding migration audit files: %w", err)
	}
	for _, f := range files {
		if err := migration.ReplayFile(ctx, conn, f); err != nil {
			return fmt.Errorf("replaying %s: %w", f, err)
		}
	}

	if err := m.AdditiveImport(ctx, conn, rp.CSVDir); err != nil {
		return fmt.Errorf("importing csv backup: %w", err)
	}
	return nil
}

func (m *Manager) clearDatabase(ctx context.Context, conn storage.Connection) error {
	tables, err := conn.ListTables(ctx)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if _, err := conn.Execute(ctx, fmt.Sprintf("DROP TABLE IF EXISTS [%s]", t)); err != nil {
			return fmt.Errorf("dropping %s: %w", t, err)
		}
	}
	return nil
}

// NativeRestore restores a native snapshot, valid only when backend
// matches the backend the snapshot was taken on. SQLite native restore
// additionally requires the caller to have already closed every other
// connection onto the target file — this method alone cannot enforce
// that, so it refuses rather than risk corrupting a live database.
func (m *Manager) NativeRestore(pool storage.Pool, nativeFile string) error {
	switch pool.Backend() {
	case storage.BackendSQLite:
		return fmt.Errorf("%w: copy %s over the target database file with all connections closed, then restart", ErrManualRestoreRequired, nativeFile)
	case storage.BackendPostgres:
		return fmt.Errorf("%w: run `pg_restore -d <dbname> %s`", ErrManualRestoreRequired, nativeFile)
	case storage.BackendMySQL:
		return fmt.Errorf("%w: run `mysql <dbname> < %s`", ErrManualRestoreRequired, nativeFile)
	default:
		return fmt.Errorf("unknown backend %q", pool.Backend())
	}
}

// AdditiveImport upserts every row from csvDir's CSV files into the live
// schema without touching DDL. Rows written since the backup are
// retained — this never deletes.
func (m *Manager) AdditiveImport(ctx context.Context, conn storage.Connection, csvDir string) error {
	files, err := filepath.Glob(filepath.Join(csvDir, "*.csv"))
	if err != nil {
		return fmt.Errorf("globbing csv dir: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		table := strings.TrimSuffix(filepath.Base(f), ".csv")
		if _, ok := m.registry.Get(table); !ok {
			m.logger("skipping csv file for unregistered table", "table", table, "file", f)
			continue
		}
		if err := m.importTableCSV(ctx, conn, table, f); err != nil {
			return fmt.Errorf("importing %s: %w", table, err)
		}
	}
	return nil
}

const importBatchSize = 100

func (m *Manager) importTableCSV(ctx context.Context, conn storage.Connection, table, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}

	var batch []storage.Row
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := m.entities.SaveEntities(ctx, conn, table, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		record, err := r.Read()
		if err != nil {
			break // io.EOF or malformed trailing line; either way, stop reading
		}
		row := storage.Row{}
		for i, col := range header {
			if i < len(record) && record[i] != "" {
				row[col] = record[i]
			}
		}
		batch = append(batch, row)
		if len(batch) >= importBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// RevertTable reconstructs table's state as of asOf for a historied
// entity: for every id that ever appeared in its history, the row is
// upserted at its last version at-or-before asOf, or soft-deleted if it
// did not yet exist at that time. Nothing in the history table is
// modified — the revert itself lands as a new version.
func (m *Manager) RevertTable(ctx context.Context, conn storage.Connection, table string, asOf time.Time) error {
	d, ok := m.registry.Get(table)
	if !ok {
		return fmt.Errorf("table %q is not in the current registry — cannot revert across a rename", table)
	}
	if !d.KeepHistory {
		return fmt.Errorf("table %q does not keep history, nothing to revert to", table)
	}

	idRows, err := conn.Execute(ctx, fmt.Sprintf("SELECT DISTINCT [id] FROM [%s]", d.HistoryTableName()))
	if err != nil {
		return fmt.Errorf("listing historied ids: %w", err)
	}

	for _, idRow := range idRows {
		id := fmt.Sprintf("%v", idRow["id"])

		versionRow, err := m.entities.GetVersion(ctx, conn, table, id, asOf)
		if err != nil {
			return fmt.Errorf("reading version for %s: %w", id, err)
		}

		if versionRow == nil {
			if err := m.entities.SoftDelete(ctx, conn, table, id); err != nil {
				return fmt.Errorf("soft-deleting %s (did not exist at %s): %w", id, asOf, err)
			}
			continue
		}

		row := storage.Row{}
		for _, c := range d.AllColumnNames() {
			row[c] = versionRow[c]
		}
		row["id"] = id
		if _, err := m.entities.SaveEntity(ctx, conn, table, row); err != nil {
			return fmt.Errorf("restoring %s to version as of %s: %w", id, asOf, err)
		}
	}
	return nil
}
