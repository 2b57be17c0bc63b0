package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

type sqliteGenerator struct{}

func (sqliteGenerator) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (sqliteGenerator) Placeholder(int) string { return "?" }

func (g sqliteGenerator) CreateTable(table string, columns []ColumnInfo, ifNotExists bool) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	if ifNotExists {
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(g.QuoteIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(g.QuoteIdent(c.Name))
		b.WriteString(" ")
		b.WriteString(c.Type)
	}
	b.WriteString(")")
	return b.String()
}

func (g sqliteGenerator) AddColumn(table, column, neutralType string, nullable bool) string {
	s := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", g.QuoteIdent(table), g.QuoteIdent(column), g.NativeColumnType(neutralType))
	if !nullable {
		s += " NOT NULL DEFAULT ''"
	}
	return s
}

func (g sqliteGenerator) AddIndex(table, indexName string, columns []string, unique bool) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = g.QuoteIdent(c)
	}
	kw := "INDEX"
	if unique {
		kw = "UNIQUE INDEX"
	}
	return fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)", kw, g.QuoteIdent(indexName), g.QuoteIdent(table), strings.Join(quoted, ", "))
}

func (g sqliteGenerator) DropColumn(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", g.QuoteIdent(table), g.QuoteIdent(column))
}

func (g sqliteGenerator) DropTable(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", g.QuoteIdent(table))
}

func (sqliteGenerator) NativeColumnType(neutralType string) string {
	switch neutralType {
	case "bigserial":
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	default:
		return "TEXT"
	}
}

// NewSQLitePool opens the embedded file-based backend at path using the
// pure-Go, cgo-free ncruces/go-sqlite3 driver. Every new connection is
// configured per the storage design: WAL journaling, a 5s busy-wait
// timeout, foreign keys on, and NORMAL synchronous mode.
func NewSQLitePool(ctx context.Context, path string, minConns, maxConns int) (Pool, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite pool: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if minConns > 0 {
		db.SetMaxIdleConns(minConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	return &sqlPool{db: db, backend: BackendSQLite, gen: sqliteGenerator{}, paramStyle: ParamStyleQuestion}, nil
}
