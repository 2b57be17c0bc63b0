package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

type mysqlGenerator struct{}

func (mysqlGenerator) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (mysqlGenerator) Placeholder(int) string { return "?" }

func (g mysqlGenerator) CreateTable(table string, columns []ColumnInfo, ifNotExists bool) string {
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

func (g mysqlGenerator) AddColumn(table, column, neutralType string, nullable bool) string {
	s := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", g.QuoteIdent(table), g.QuoteIdent(column), g.NativeColumnType(neutralType))
	if !nullable {
		s += " NOT NULL DEFAULT ''"
	}
	return s
}

func (g mysqlGenerator) AddIndex(table, indexName string, columns []string, unique bool) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = g.QuoteIdent(c)
	}
	kw := "INDEX"
	if unique {
		kw = "UNIQUE INDEX"
	}
	return fmt.Sprintf("CREATE %s %s ON %s (%s)", kw, g.QuoteIdent(indexName), g.QuoteIdent(table), strings.Join(quoted, ", "))
}

func (g mysqlGenerator) DropColumn(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", g.QuoteIdent(table), g.QuoteIdent(column))
}

func (g mysqlGenerator) DropTable(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", g.QuoteIdent(table))
}

func (mysqlGenerator) NativeColumnType(neutralType string) string {
	switch neutralType {
	case "bigserial":
		return "BIGINT AUTO_INCREMENT PRIMARY KEY"
	case "timestamp":
		return "DATETIME(6)"
	default:
		return "TEXT"
	}
}

// NewMySQLPool opens a database/sql pool against dsn using the MySQL
// driver, applying minConns/maxConns as idle/open connection bounds.
func NewMySQLPool(ctx context.Context, dsn string, minConns, maxConns int) (Pool, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql pool: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if minConns > 0 {
		db.SetMaxIdleConns(minConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging mysql: %w", err)
	}
	return &sqlPool{db: db, backend: BackendMySQL, gen: mysqlGenerator{}, paramStyle: ParamStyleQuestion}, nil
}
