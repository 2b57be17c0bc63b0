// Package storage implements the kernel's dialect-neutral relational
// storage adapter: a single Connection interface with one implementation
// per backend (postgres, mysql, sqlite), fed neutral SQL that each backend
// translates to its own quoting and placeholder syntax before execution.
package storage

import (
	"context"
	"time"
)

// Backend names the three supported storage dialects.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendMySQL    Backend = "mysql"
	BackendSQLite   Backend = "sqlite"
)

// Row is a single result row as column name -> value. Values are the
// driver's native Go representation; callers that need a specific type
// convert explicitly.
type Row map[string]any

// Rows is an ordered result set.
type Rows []Row

// ColumnInfo describes one column as reported by the live database.
type ColumnInfo struct {
	Name string
	Type string
}

// Queryer is satisfied by both a Connection and a Tx, so generic entity
// operations (pkg/storage's own CRUD helpers) can run inside or outside an
// explicit transaction without duplicating logic.
type Queryer interface {
	// Execute runs one neutral-SQL statement and returns its result rows.
	// sql uses [ident] quoting and ? placeholders (?? for a literal '?').
	Execute(ctx context.Context, sql string, params ...any) (Rows, error)
}

// Tx is an open transaction. Nested calls into entity operations detect an
// existing Tx on the context and reuse it rather than opening a new one.
type Tx interface {
	Queryer
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Connection is one pooled handle to the backend database.
type Connection interface {
	Queryer

	// ExecuteMany runs the same statement once per parameter batch,
	// inside a single transaction.
	ExecuteMany(ctx context.Context, sql string, paramBatches [][]any) error

	// Begin starts a transaction on this connection.
	Begin(ctx context.Context) (Tx, error)

	ListTables(ctx context.Context) ([]string, error)
	ListColumns(ctx context.Context, table string) ([]ColumnInfo, error)
	TableExists(ctx context.Context, table string) (bool, error)

	// Close releases the underlying driver resource back to the pool.
	Close(ctx context.Context) error
}

// Pool acquires and releases Connections, enforcing the fixed-minimum,
// bounded-maximum warm pool described by the storage design.
type Pool interface {
	// Acquire waits up to timeout for a free connection. A zero timeout
	// means "use the pool's configured default".
	Acquire(ctx context.Context, timeout time.Duration) (Connection, error)
	Release(conn Connection)
	Backend() Backend
	Close()

	// Generator returns the SqlGenerator this pool's connections translate
	// neutral SQL through — exposed so startup code can hand the migration
	// engine a generator without branching on Backend() itself.
	Generator() SqlGenerator
}

// SqlGenerator produces backend-specific DDL and quoting. Each backend
// implements it directly rather than branching on backend kind from a
// single concrete type (per the "no dynamic dispatch over a conditional"
// design note).
type SqlGenerator interface {
	QuoteIdent(name string) string
	Placeholder(position int) string // "?" for mysql/sqlite, "$n" for postgres

	CreateTable(table string, columns []ColumnInfo, ifNotExists bool) string
	AddColumn(table, column, neutralType string, nullable bool) string
	AddIndex(table, indexName string, columns []string, unique bool) string
	DropColumn(table, column string) string
	DropTable(table string) string

	// NativeColumnType maps a neutral declared type ("text", "integer",
	// "real", "boolean", "timestamp", "json") to the backend's storage
	// type. Per the migration design, values are always stored as TEXT —
	// this exists for the rare DDL-level typed column (e.g. the
	// monotonic migration record id).
	NativeColumnType(neutralType string) string
}
