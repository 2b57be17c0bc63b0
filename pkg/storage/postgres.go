package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresGenerator struct{}

func (postgresGenerator) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (postgresGenerator) Placeholder(position int) string {
	return "$" + strconv.Itoa(position)
}

func (g postgresGenerator) CreateTable(table string, columns []ColumnInfo, ifNotExists bool) string {
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

func (g postgresGenerator) AddColumn(table, column, neutralType string, nullable bool) string {
	s := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", g.QuoteIdent(table), g.QuoteIdent(column), g.NativeColumnType(neutralType))
	if !nullable {
		s += " NOT NULL DEFAULT ''"
	}
	return s
}

func (g postgresGenerator) AddIndex(table, indexName string, columns []string, unique bool) string {
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

func (g postgresGenerator) DropColumn(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", g.QuoteIdent(table), g.QuoteIdent(column))
}

func (g postgresGenerator) DropTable(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", g.QuoteIdent(table))
}

func (postgresGenerator) NativeColumnType(neutralType string) string {
	// Every entity column is stored as TEXT; values are serialized by the
	// entity layer before INSERT. Only a handful of internal, non-entity
	// tables (the monotonic migration id) need a typed column.
	switch neutralType {
	case "bigserial":
		return "BIGSERIAL"
	case "timestamp":
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// postgresPool implements Pool over a *pgxpool.Pool, adding the kernel's own
// Acquire-with-timeout semantics on top of pgxpool's native pooling.
type postgresPool struct {
	pool *pgxpool.Pool
}

// NewPostgresPool creates a connection pool against dsn, honoring minConns
// and maxConns. It blocks until the pool can reach at least one live
// connection.
func NewPostgresPool(ctx context.Context, dsn string, minConns, maxConns int32) (Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &postgresPool{pool: pool}, nil
}

func (p *postgresPool) Backend() Backend { return BackendPostgres }

func (p *postgresPool) Generator() SqlGenerator { return postgresGenerator{} }

func (p *postgresPool) Acquire(ctx context.Context, timeout time.Duration) (Connection, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := p.pool.Acquire(acquireCtx)
	if err != nil {
		return nil, fmt.Errorf("acquiring postgres connection: %w: %w", ErrPoolTimeout, err)
	}
	return &postgresConn{conn: conn, gen: postgresGenerator{}}, nil
}

func (p *postgresPool) Release(conn Connection) {
	_ = conn.Close(context.Background())
}

func (p *postgresPool) Close() { p.pool.Close() }

// PoolRaw exposes the underlying *pgxpool.Pool for callers that need the
// native client rather than the neutral Connection interface.
func (p *postgresPool) PoolRaw() *pgxpool.Pool { return p.pool }

type postgresConn struct {
	conn *pgxpool.Conn
	tx   pgx.Tx // set when a transaction is open directly on this connection
	gen  postgresGenerator
}

func (c *postgresConn) querier() interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
} {
	if c.tx != nil {
		return c.tx
	}
	return c.conn
}

func (c *postgresConn) Execute(ctx context.Context, sql string, params ...any) (Rows, error) {
	native := Translate(c.gen, sql, ParamStyleDollar)
	var rows pgx.Rows
	var err error
	err = withLockRetry(ctx, func() error {
		rows, err = c.querier().Query(ctx, native, params...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()
	return scanPgxRows(rows)
}

func scanPgxRows(rows pgx.Rows) (Rows, error) {
	fields := rows.FieldDescriptions()
	var out Rows
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("reading row values: %w", err)
		}
		row := make(Row, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

func (c *postgresConn) ExecuteMany(ctx context.Context, sql string, paramBatches [][]any) error {
	tx, err := c.Begin(ctx)
	if err != nil {
		return err
	}
	for _, params := range paramBatches {
		if _, err := tx.Execute(ctx, sql, params...); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}
	return tx.Commit(ctx)
}

func (c *postgresConn) Begin(ctx context.Context) (Tx, error) {
	if c.tx != nil {
		return &postgresTx{conn: c, tx: c.tx, nested: true}, nil
	}
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	c.tx = tx
	return &postgresTx{conn: c, tx: tx}, nil
}

func (c *postgresConn) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.Execute(ctx, `SELECT [table_name] FROM information_schema.tables WHERE table_schema = 'public'`)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, r := range rows {
		names = append(names, fmt.Sprintf("%v", r["table_name"]))
	}
	return names, nil
}

func (c *postgresConn) ListColumns(ctx context.Context, table string) ([]ColumnInfo, error) {
	rows, err := c.Execute(ctx, `SELECT [column_name], [data_type] FROM information_schema.columns WHERE table_name = ? ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	cols := make([]ColumnInfo, 0, len(rows))
	for _, r := range rows {
		cols = append(cols, ColumnInfo{Name: fmt.Sprintf("%v", r["column_name"]), Type: fmt.Sprintf("%v", r["data_type"])})
	}
	return cols, nil
}

func (c *postgresConn) TableExists(ctx context.Context, table string) (bool, error) {
	rows, err := c.Execute(ctx, `SELECT [table_name] FROM information_schema.tables WHERE table_schema = 'public' AND table_name = ?`, table)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (c *postgresConn) Close(ctx context.Context) error {
	// Open transaction left on release is committed as a safety net rather
	// than silently rolled back or leaked.
	if c.tx != nil {
		_ = c.tx.Commit(ctx)
		c.tx = nil
	}
	c.conn.Release()
	return nil
}

type postgresTx struct {
	conn   *postgresConn
	tx     pgx.Tx
	nested bool
}

func (t *postgresTx) Execute(ctx context.Context, sql string, params ...any) (Rows, error) {
	return t.conn.Execute(ctx, sql, params...)
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if t.nested {
		return nil
	}
	err := t.tx.Commit(ctx)
	t.conn.tx = nil
	return err
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	if t.nested {
		return nil
	}
	err := t.tx.Rollback(ctx)
	t.conn.tx = nil
	return err
}
