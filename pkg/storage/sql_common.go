package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// sqlPool implements Pool on top of database/sql, shared by the MySQL and
// SQLite backends (Postgres uses pgxpool directly for its richer native
// pooling and COPY/binary protocol support).
type sqlPool struct {
	db         *sql.DB
	backend    Backend
	gen        SqlGenerator
	paramStyle ParamStyle
}

func (p *sqlPool) Backend() Backend { return p.backend }

func (p *sqlPool) Generator() SqlGenerator { return p.gen }

func (p *sqlPool) Acquire(ctx context.Context, timeout time.Duration) (Connection, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := p.db.Conn(acquireCtx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w: %w", ErrPoolTimeout, err)
	}
	return &sqlConn{conn: conn, gen: p.gen, paramStyle: p.paramStyle}, nil
}

func (p *sqlPool) Release(conn Connection) { _ = conn.Close(context.Background()) }

func (p *sqlPool) Close() { _ = p.db.Close() }

// DBRaw exposes the underlying *sql.DB for callers that need it directly.
func (p *sqlPool) DBRaw() *sql.DB { return p.db }

type sqlExecer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type sqlConn struct {
	conn       *sql.Conn
	tx         *sql.Tx
	gen        SqlGenerator
	paramStyle ParamStyle
}

func (c *sqlConn) execer() sqlExecer {
	if c.tx != nil {
		return c.tx
	}
	return c.conn
}

func (c *sqlConn) Execute(ctx context.Context, query string, params ...any) (Rows, error) {
	native := Translate(c.gen, query, c.paramStyle)
	var rows *sql.Rows
	var err error
	err = withLockRetry(ctx, func() error {
		rows, err = c.execer().QueryContext(ctx, native, params...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()
	return scanSQLRows(rows)
}

func scanSQLRows(rows *sql.Rows) (Rows, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}
	var out Rows
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		row := make(Row, len(cols))
		for i, name := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[name] = string(b)
			} else {
				row[name] = vals[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

func (c *sqlConn) ExecuteMany(ctx context.Context, query string, paramBatches [][]any) error {
	tx, err := c.Begin(ctx)
	if err != nil {
		return err
	}
	for _, params := range paramBatches {
		if _, err := tx.Execute(ctx, query, params...); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}
	return tx.Commit(ctx)
}

func (c *sqlConn) Begin(ctx context.Context) (Tx, error) {
	if c.tx != nil {
		return &sqlTx{conn: c, nested: true}, nil
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	c.tx = tx
	return &sqlTx{conn: c}, nil
}

func (c *sqlConn) ListTables(ctx context.Context) ([]string, error) {
	var query string
	switch c.gen.(type) {
	case mysqlGenerator:
		query = `SELECT [table_name] FROM information_schema.tables WHERE table_schema = DATABASE()`
	default:
		query = `SELECT [name] FROM sqlite_master WHERE type = 'table'`
	}
	rows, err := c.Execute(ctx, query)
	if err != nil {
		return nil, err
	}
	var names []string
	key := "table_name"
	if _, ok := c.gen.(mysqlGenerator); !ok {
		key = "name"
	}
	for _, r := range rows {
		names = append(names, fmt.Sprintf("%v", r[key]))
	}
	return names, nil
}

func (c *sqlConn) ListColumns(ctx context.Context, table string) ([]ColumnInfo, error) {
	if _, ok := c.gen.(mysqlGenerator); ok {
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

	// SQLite: PRAGMA table_info does not accept a bound parameter, and its
	// result column order (cid, name, type, notnull, dflt_value, pk) is
	// authoritative — named explicitly below rather than relied upon
	// positionally.
	quoted := c.gen.QuoteIdent(table)
	native := fmt.Sprintf("PRAGMA table_info(%s)", quoted)
	rows, err := c.execRaw(ctx, native)
	if err != nil {
		return nil, err
	}
	cols := make([]ColumnInfo, 0, len(rows))
	for _, r := range rows {
		cols = append(cols, ColumnInfo{Name: fmt.Sprintf("%v", r["name"]), Type: fmt.Sprintf("%v", r["type"])})
	}
	return cols, nil
}

// execRaw runs query verbatim with no neutral-SQL translation, for
// backend-specific statements (PRAGMA) that have no neutral equivalent.
func (c *sqlConn) execRaw(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := c.execer().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing raw query: %w", err)
	}
	defer rows.Close()
	return scanSQLRows(rows)
}

func (c *sqlConn) TableExists(ctx context.Context, table string) (bool, error) {
	tables, err := c.ListTables(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if t == table {
			return true, nil
		}
	}
	return false, nil
}

func (c *sqlConn) Close(ctx context.Context) error {
	if c.tx != nil {
		_ = c.tx.Commit()
		c.tx = nil
	}
	return c.conn.Close()
}

type sqlTx struct {
	conn   *sqlConn
	nested bool
}

func (t *sqlTx) Execute(ctx context.Context, query string, params ...any) (Rows, error) {
	return t.conn.Execute(ctx, query, params...)
}

func (t *sqlTx) Commit(ctx context.Context) error {
	if t.nested {
		return nil
	}
	err := t.conn.tx.Commit()
	t.conn.tx = nil
	return err
}

func (t *sqlTx) Rollback(ctx context.Context) error {
	if t.nested {
		return nil
	}
	err := t.conn.tx.Rollback()
	t.conn.tx = nil
	return err
}
