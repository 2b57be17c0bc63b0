package migration

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// ApplyFileDir is the escape hatch described in SPEC_FULL.md §4.C.1: the
// schema-diff Engine is the system of record and the only thing that runs
// automatically at process start, but an operator can hand-author a
// one-off DDL file (a data-only backfill, say, that isn't expressible as
// an entity change) and apply it with golang-migrate directly against a
// Postgres-family backend (postgres or mysql; sqlite has no golang-migrate
// driver in this stack). dir must contain migration files named per
// golang-migrate's `{version}_{title}.up.sql` convention; databaseURL is
// the raw DSN, not the neutral-SQL connection.
func ApplyFileDir(databaseURL, dir string) error {
	m, err := migrate.New(fmt.Sprintf("file://%s", dir), databaseURL)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migration file: %w", err)
	}
	return nil
}
