// Package backup implements the kernel's hybrid backup strategy (spec
// §4.D): a portable CSV export beside an optional backend-native snapshot,
// plus the restore family and orphan-scan tool built on top of them.
package backup

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wisbric/kernel/pkg/entity"
	"github.com/wisbric/kernel/pkg/storage"
)

// timestampLayout is shared with the restore-point filename parser so
// discovery and creation stay in lockstep.
const timestampLayout = "20060102_150405"

// Result reports what Backup actually produced.
type Result struct {
	Timestamp    string `json:"timestamp"`
	SchemaHash   string `json:"schema_hash"`
	NativeFile   string `json:"native_file,omitempty"`
	CSVDir       string `json:"csv_dir,omitempty"`
	MetadataFile string `json:"metadata_file"`
}

// Manager implements backup, restore, and orphan-scan operations against
// one registry/storage pairing.
type Manager struct {
	registry *entity.Registry
	entities *storage.EntityStore
	logger   func(msg string, args ...any)
}

// NewManager constructs a Manager. log may be nil, in which case warnings
// (e.g. an unsupported native-backup path) are silently dropped.
func NewManager(registry *entity.Registry, log func(msg string, args ...any)) *Manager {
	if log == nil {
		log = func(string, ...any) {}
	}
	return &Manager{registry: registry, entities: storage.NewEntityStore(registry), logger: log}
}

// Backup writes a CSV export (always, when includeCSV) and a native
// snapshot (best-effort, when includeNative) under dir, alongside a JSON
// metadata header. Filenames encode the registry's current schema
// fingerprint so restore can later match a backup to the migration audit
// trail that produced its schema.
func (m *Manager) Backup(ctx context.Context, conn storage.Connection, pool storage.Pool, dir string, includeNative, includeCSV bool) (*Result, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup dir: %w", err)
	}

	hash, err := m.registry.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("computing schema fingerprint: %w", err)
	}
	shortHash := hash
	if len(shortHash) > 8 {
		shortHash = shortHash[:8]
	}
	timestamp := time.Now().UTC().Format(timestampLayout)

	result := &Result{Timestamp: timestamp, SchemaHash: shortHash}

	if includeNative {
		nativeFile := filepath.Join(dir, fmt.Sprintf("native_%s_%s%s", timestamp, shortHash, nativeExtension(pool.Backend())))
		if err := m.nativeBackup(ctx, conn, pool, nativeFile); err != nil {
			m.logger("native backup skipped", "backend", pool.Backend(), "error", err)
		} else {
			result.NativeFile = nativeFile
		}
	}

	if includeCSV {
		csvDir := filepath.Join(dir, fmt.Sprintf("csv_%s_%s", timestamp, shortHash))
		if err := m.csvBackup(ctx, conn, csvDir); err != nil {
			return nil, fmt.Errorf("csv backup: %w", err)
		}
		result.CSVDir = csvDir
	}

	metaFile := filepath.Join(dir, fmt.Sprintf("metadata_%s.json", timestamp))
	if err := m.writeMetadata(ctx, conn, pool, metaFile, timestamp); err != nil {
		return nil, fmt.Errorf("writing metadata: %w", err)
	}
	result.MetadataFile = metaFile

	return result, nil
}

func nativeExtension(backend storage.Backend) string {
	switch backend {
	case storage.BackendPostgres:
		return ".dump"
	case storage.BackendMySQL:
		return ".sql"
	default:
		return ".backup"
	}
}

// nativeBackup performs the fast backend-specific snapshot. Only SQLite's
// VACUUM INTO is executable over the live connection; Postgres/MySQL
// require an external dump tool, exactly as the original implementation
// documents, so those return a descriptive error rather than attempting
// one (shelling out to pg_dump/mysqldump from within the kernel process
// would require credentials this connection already has in a different
// shape, and is left to operator tooling).
func (m *Manager) nativeBackup(ctx context.Context, conn storage.Connection, pool storage.Pool, outputFile string) error {
	switch pool.Backend() {
	case storage.BackendSQLite:
		escaped := strings.ReplaceAll(outputFile, "'", "''")
		_, err := conn.Execute(ctx, fmt.Sprintf("VACUUM INTO '%s'", escaped))
		return err
	case storage.BackendPostgres:
		return fmt.Errorf("postgres native backup requires pg_dump: run `pg_dump -Fc -f %s <dbname>`", outputFile)
	case storage.BackendMySQL:
		return fmt.Errorf("mysql native backup requires mysqldump: run `mysqldump <dbname> > %s`", outputFile)
	default:
		return fmt.Errorf("unknown backend %q", pool.Backend())
	}
}

// csvBackup exports every registered entity table (main tables only —
// history tables are reconstructed by revert, never restored directly) to
// one CSV file per table, including soft-deleted rows. A table with no
// rows gets no CSV file.
func (m *Manager) csvBackup(ctx context.Context, conn storage.Connection, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating csv dir: %w", err)
	}

	for _, d := range m.registry.All() {
		rows, err := m.entities.FindEntities(ctx, conn, d.TableName, storage.FindOptions{IncludeDeleted: true})
		if err != nil {
			return fmt.Errorf("reading %s for export: %w", d.TableName, err)
		}
		if len(rows) == 0 {
			continue
		}
		if err := writeCSVFile(filepath.Join(dir, d.TableName+".csv"), d.AllColumnNames(), rows); err != nil {
			return fmt.Errorf("writing %s.csv: %w", d.TableName, err)
		}
	}
	return nil
}

func writeCSVFile(path string, cols []string, rows storage.Rows) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(cols); err != nil {
		return err
	}
	for _, row := range rows {
		record := make([]string, len(cols))
		for i, c := range cols {
			record[i] = stringify(row[c])
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func (m *Manager) writeMetadata(ctx context.Context, conn storage.Connection, pool storage.Pool, path, timestamp string) error {
	tables, err := conn.ListTables(ctx)
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}
	sort.Strings(tables)

	meta := struct {
		Timestamp string   `json:"timestamp"`
		Backend   string   `json:"backend"`
		Tables    []string `json:"tables"`
	}{Timestamp: timestamp, Backend: string(pool.Backend()), Tables: tables}

	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// OrphanReport lists live database state the current registry no longer
// declares: tables with no owning entity, and columns on a still-owned
// table that the descriptor doesn't name.
type OrphanReport struct {
	OrphanTables  []string            `json:"orphan_tables"`
	OrphanColumns map[string][]string `json:"orphan_columns,omitempty"`
}

// ScanOrphans compares the live schema against the registry, surfacing
// drift left behind by a reverted code deploy or a hand-edited database.
func (m *Manager) ScanOrphans(ctx context.Context, conn storage.Connection) (*OrphanReport, error) {
	liveTables, err := conn.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}

	known := map[string]entity.Descriptor{}
	for _, d := range m.registry.All() {
		known[d.TableName] = d
		if d.KeepHistory {
			known[d.HistoryTableName()] = d
		}
	}
	known["_schema_migrations"] = entity.Descriptor{}

	report := &OrphanReport{OrphanColumns: map[string][]string{}}
	for _, t := range liveTables {
		d, ok := known[t]
		if !ok {
			report.OrphanTables = append(report.OrphanTables, t)
			continue
		}
		if d.TableName == "" {
			continue // synthetic entries like _schema_migrations have no column set to diff
		}

		cols, err := conn.ListColumns(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("listing columns for %s: %w", t, err)
		}
		declared := map[string]bool{}
		for _, c := range d.AllColumnNames() {
			declared[c] = true
		}
		if t == d.HistoryTableName() {
			declared["version"] = true
			declared["history_timestamp"] = true
		}

		var extra []string
		for _, c := range cols {
			if !declared[c.Name] {
				extra = append(extra, c.Name)
			}
		}
		if len(extra) > 0 {
			report.OrphanColumns[t] = extra
		}
	}

	sort.Strings(report.OrphanTables)
	return report, nil
}
