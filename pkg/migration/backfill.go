package migration

import (
	"context"
	"fmt"

	"github.com/wisbric/kernel/pkg/storage"
)

// backfillRenames runs unconditionally on every start. For each field or
// table carrying a RenamedFrom hint it issues an idempotent UPDATE that
// copies values from the old name into the new one wherever the new one is
// still null — catching rows written by an old instance during a
// blue-green switchover.
func (e *Engine) backfillRenames(ctx context.Context, conn storage.Connection) error {
	for _, d := range e.registry.All() {
		if d.RenamedFromTable != "" {
			exists, err := conn.TableExists(ctx, d.RenamedFromTable)
			if err != nil {
				return fmt.Errorf("checking rename source table %s: %w", d.RenamedFromTable, err)
			}
			if exists {
				sql := fmt.Sprintf(
					"INSERT INTO [%s] SELECT * FROM [%s] WHERE [id] NOT IN (SELECT [id] FROM [%s])",
					d.TableName, d.RenamedFromTable, d.TableName,
				)
				if _, err := conn.Execute(ctx, sql); err != nil {
					return fmt.Errorf("backfilling renamed table %s <- %s: %w", d.TableName, d.RenamedFromTable, err)
				}
			}
		}

		for _, f := range d.Fields {
			if f.RenamedFrom == "" {
				continue
			}
			if err := e.backfillColumn(ctx, conn, d.TableName, f.Name, f.RenamedFrom); err != nil {
				return err
			}
			if d.KeepHistory {
				if err := e.backfillColumn(ctx, conn, d.HistoryTableName(), f.Name, f.RenamedFrom); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (e *Engine) backfillColumn(ctx context.Context, conn storage.Connection, table, newCol, oldCol string) error {
	hasOld, err := hasColumn(ctx, conn, table, oldCol)
	if err != nil || !hasOld {
		return err
	}
	sql := fmt.Sprintf(
		"UPDATE [%s] SET [%s] = [%s] WHERE [%s] IS NULL AND [%s] IS NOT NULL",
		table, newCol, oldCol, newCol, oldCol,
	)
	if _, err := conn.Execute(ctx, sql); err != nil {
		return fmt.Errorf("backfilling %s.%s <- %s: %w", table, newCol, oldCol, err)
	}
	return nil
}

func hasColumn(ctx context.Context, conn storage.Connection, table, column string) (bool, error) {
	cols, err := conn.ListColumns(ctx, table)
	if err != nil {
		return false, fmt.Errorf("listing columns for %s: %w", table, err)
	}
	for _, c := range cols {
		if c.Name == column {
			return true, nil
		}
	}
	return false, nil
}
