package migration

import (
	"context"
	"fmt"
	"strings"

	"github.com/wisbric/kernel/pkg/entity"
	"github.com/wisbric/kernel/pkg/storage"
)

// diff compares every registered entity against the live database and
// returns the additive operations needed to bring it up to date. Renames
// are detected by matching an entity's (or field's) RenamedFrom against a
// still-present old name; the old table/column is always kept.
func (e *Engine) diff(ctx context.Context, conn storage.Connection) ([]Operation, error) {
	liveTables, err := conn.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing live tables: %w", err)
	}
	liveSet := toSet(liveTables)

	var ops []Operation
	for _, d := range e.registry.All() {
		tableOps, err := e.diffEntity(ctx, conn, d, liveSet)
		if err != nil {
			return nil, err
		}
		ops = append(ops, tableOps...)
	}

	if e.policy.AllowTableDeletion {
		ops = append(ops, e.diffDroppedTables(liveTables)...)
	}
	return ops, nil
}

// diffDroppedTables finds live tables that no longer correspond to any
// registered entity (or its history table) and generates a drop_table
// operation for each, gated on e.policy.AllowTableDeletion by the caller.
// A table still referenced as a rename source is protected even when
// deletion is allowed, mirroring diffEntity's column-level guard.
func (e *Engine) diffDroppedTables(liveTables []string) []Operation {
	known := make(map[string]bool, len(liveTables))
	for _, d := range e.registry.All() {
		known[d.TableName] = true
		if d.KeepHistory {
			known[d.HistoryTableName()] = true
		}
	}

	var ops []Operation
	for _, table := range liveTables {
		if table == schemaMigrationsTable || known[table] {
			continue
		}
		if e.isRenameSourceTable(table) {
			continue
		}
		ops = append(ops, Operation{
			SQL:         e.gen.DropTable(table),
			Description: fmt.Sprintf("drop table %s", table),
		})
	}
	return ops
}

// isRenameSourceTable reports whether table is still named as the
// RenamedFromTable of some registered entity, in which case it holds data
// the rename backfill still needs and must never be dropped.
func (e *Engine) isRenameSourceTable(table string) bool {
	for _, d := range e.registry.All() {
		if d.RenamedFromTable == table {
			return true
		}
	}
	return false
}

func (e *Engine) diffEntity(ctx context.Context, conn storage.Connection, d entity.Descriptor, liveSet map[string]bool) ([]Operation, error) {
	var ops []Operation

	if !liveSet[d.TableName] {
		if d.RenamedFromTable != "" && liveSet[d.RenamedFromTable] {
			// Table rename: create the new table, data migration happens
			// via the unconditional rename backfill, not here.
			ops = append(ops, e.createTableOp(d)...)
		} else {
			ops = append(ops, e.createTableOp(d)...)
		}
		return ops, nil
	}

	// Table exists: diff columns.
	liveCols, err := conn.ListColumns(ctx, d.TableName)
	if err != nil {
		return nil, fmt.Errorf("listing columns for %s: %w", d.TableName, err)
	}
	liveColSet := make(map[string]bool, len(liveCols))
	for _, c := range liveCols {
		liveColSet[c.Name] = true
	}

	for _, f := range d.Fields {
		if liveColSet[f.Name] {
			continue
		}
		ops = append(ops, Operation{
			SQL:         e.gen.AddColumn(d.TableName, f.Name, f.DeclaredType, f.Nullable),
			Description: fmt.Sprintf("add column %s.%s", d.TableName, f.Name),
		})
		if f.Indexed {
			idxName := fmt.Sprintf("idx_%s_%s", d.TableName, f.Name)
			ops = append(ops, Operation{
				SQL:         e.gen.AddIndex(d.TableName, idxName, []string{f.Name}, f.Unique),
				Description: fmt.Sprintf("index %s on %s.%s", idxName, d.TableName, f.Name),
			})
		}
	}

	if e.policy.AllowColumnDeletion {
		declared := make(map[string]bool, len(d.Fields))
		for _, f := range d.Fields {
			declared[f.Name] = true
		}
		for _, c := range liveCols {
			if entity.SystemColumn(c.Name) || declared[c.Name] {
				continue
			}
			if e.isRenameSource(d, c.Name) {
				continue // rename sources are protected even when deletion is allowed
			}
			ops = append(ops, Operation{
				SQL:         e.gen.DropColumn(d.TableName, c.Name),
				Description: fmt.Sprintf("drop column %s.%s", d.TableName, c.Name),
			})
		}
	}

	if d.KeepHistory {
		historyOps, err := e.diffHistoryTable(ctx, conn, d, liveSet)
		if err != nil {
			return nil, err
		}
		ops = append(ops, historyOps...)
	}

	return ops, nil
}

func (e *Engine) createTableOp(d entity.Descriptor) []Operation {
	cols := []storage.ColumnInfo{
		{Name: "id", Type: "TEXT PRIMARY KEY"},
		{Name: "created_at", Type: "TEXT"},
		{Name: "updated_at", Type: "TEXT"},
		{Name: "deleted_at", Type: "TEXT"},
		{Name: "created_by", Type: "TEXT"},
		{Name: "updated_by", Type: "TEXT"},
	}
	for _, f := range d.Fields {
		cols = append(cols, storage.ColumnInfo{Name: f.Name, Type: "TEXT"})
	}
	ops := []Operation{{
		SQL:         e.gen.CreateTable(d.TableName, cols, true),
		Description: fmt.Sprintf("create table %s", d.TableName),
	}}
	if d.KeepHistory {
		histCols := append([]storage.ColumnInfo{}, cols...)
		// CHECK/UNIQUE/DEFAULT/NOT NULL are stripped on history tables —
		// the copied columns are bare TEXT, and version is INTEGER.
		histCols = append(histCols,
			storage.ColumnInfo{Name: "version", Type: "INTEGER"},
			storage.ColumnInfo{Name: "history_timestamp", Type: "TEXT"},
			storage.ColumnInfo{Name: "history_user_id", Type: "TEXT"},
			storage.ColumnInfo{Name: "history_comment", Type: "TEXT"},
		)
		ops = append(ops, Operation{
			SQL:         e.gen.CreateTable(d.HistoryTableName(), histCols, true),
			Description: fmt.Sprintf("create history table %s", d.HistoryTableName()),
		})
	}
	return ops
}

func (e *Engine) diffHistoryTable(ctx context.Context, conn storage.Connection, d entity.Descriptor, liveSet map[string]bool) ([]Operation, error) {
	histTable := d.HistoryTableName()
	if !liveSet[histTable] {
		histCols := []storage.ColumnInfo{
			{Name: "id", Type: "TEXT"}, {Name: "created_at", Type: "TEXT"}, {Name: "updated_at", Type: "TEXT"},
			{Name: "deleted_at", Type: "TEXT"}, {Name: "created_by", Type: "TEXT"}, {Name: "updated_by", Type: "TEXT"},
		}
		for _, f := range d.Fields {
			histCols = append(histCols, storage.ColumnInfo{Name: f.Name, Type: "TEXT"})
		}
		histCols = append(histCols,
			storage.ColumnInfo{Name: "version", Type: "INTEGER"},
			storage.ColumnInfo{Name: "history_timestamp", Type: "TEXT"},
			storage.ColumnInfo{Name: "history_user_id", Type: "TEXT"},
			storage.ColumnInfo{Name: "history_comment", Type: "TEXT"},
		)
		return []Operation{{
			SQL:         e.gen.CreateTable(histTable, histCols, true),
			Description: fmt.Sprintf("create history table %s", histTable),
		}}, nil
	}

	liveCols, err := conn.ListColumns(ctx, histTable)
	if err != nil {
		return nil, fmt.Errorf("listing columns for %s: %w", histTable, err)
	}
	liveColSet := make(map[string]bool, len(liveCols))
	for _, c := range liveCols {
		liveColSet[c.Name] = true
	}
	var ops []Operation
	for _, f := range d.Fields {
		if liveColSet[f.Name] {
			continue
		}
		ops = append(ops, Operation{
			SQL:         e.gen.AddColumn(histTable, f.Name, f.DeclaredType, true),
			Description: fmt.Sprintf("add column %s.%s", histTable, f.Name),
		})
	}
	return ops, nil
}

func (e *Engine) isRenameSource(d entity.Descriptor, columnName string) bool {
	for _, f := range d.Fields {
		if f.RenamedFrom == columnName {
			return true
		}
	}
	return false
}

// apply executes ops sequentially. An error is swallowed (logged, skipped)
// only when it looks like an idempotent "already applied" condition;
// anything else aborts and propagates.
func (e *Engine) apply(ctx context.Context, conn storage.Connection, ops []Operation) error {
	for _, op := range ops {
		_, err := conn.Execute(ctx, op.SQL)
		if err == nil {
			continue
		}
		if isIdempotentDDLError(err) {
			e.logger.Debug("skipping idempotent migration op", "description", op.Description, "error", err)
			continue
		}
		return fmt.Errorf("applying %q: %w", op.Description, err)
	}
	return nil
}

func isIdempotentDDLError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"already exists", "duplicate column", "duplicate key", "no such table"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}
