package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/kernel/pkg/entity"
	"github.com/wisbric/kernel/pkg/kerrors"
)

// maxInClauseSize caps how many ids are placed in one IN(...) clause,
// staying well under every supported backend's bound parameter limit.
const maxInClauseSize = 900

// EntityStore implements the generic CRUD operations every entity gets for
// free on top of the neutral storage interface: get/find/save/soft-delete/
// restore/count plus history-table read access for historied entities.
type EntityStore struct {
	registry *entity.Registry
}

// NewEntityStore creates an EntityStore bound to registry.
func NewEntityStore(registry *entity.Registry) *EntityStore {
	return &EntityStore{registry: registry}
}

func (s *EntityStore) descriptor(table string) (entity.Descriptor, error) {
	d, ok := s.registry.Get(table)
	if !ok {
		return entity.Descriptor{}, kerrors.Internalf(nil, "no entity registered for table %q", table)
	}
	return d, nil
}

// serialize converts application values to the TEXT representation every
// column is stored as. []any and map[string]any values are JSON-encoded;
// everything else uses its natural string form via fmt, except nils which
// pass through.
func serialize(v any) (any, error) {
	switch v.(type) {
	case nil, string:
		return v, nil
	}
	switch v.(type) {
	case []any, map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("serializing value: %w", err)
		}
		return string(b), nil
	}
	return fmt.Sprintf("%v", v), nil
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// GetEntity fetches one row by id, naming every column explicitly rather
// than relying on driver-returned "SELECT *" column order.
func (s *EntityStore) GetEntity(ctx context.Context, q Queryer, table, id string) (Row, error) {
	d, err := s.descriptor(table)
	if err != nil {
		return nil, err
	}
	cols := quotedColumnList(d.AllColumnNames())
	rows, err := q.Execute(ctx, fmt.Sprintf("SELECT %s FROM [%s] WHERE [id] = ?", cols, table), id)
	if err != nil {
		return nil, fmt.Errorf("getting entity: %w", err)
	}
	if len(rows) == 0 {
		return nil, kerrors.NotFoundf("%s %s not found", table, id)
	}
	return rows[0], nil
}

// GetEntities fetches many rows by id, chunking the IN(...) list to stay
// under the backend parameter-count cap, and transparently handles lists
// far larger than any single query could hold.
func (s *EntityStore) GetEntities(ctx context.Context, q Queryer, table string, ids []string) (Rows, error) {
	d, err := s.descriptor(table)
	if err != nil {
		return nil, err
	}
	cols := quotedColumnList(d.AllColumnNames())

	var out Rows
	for start := 0; start < len(ids); start += maxInClauseSize {
		end := start + maxInClauseSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := make([]string, len(chunk))
		params := make([]any, len(chunk))
		for i, id := range chunk {
			placeholders[i] = "?"
			params[i] = id
		}
		sql := fmt.Sprintf("SELECT %s FROM [%s] WHERE [id] IN (%s)", cols, table, joinCSV(placeholders))
		rows, err := q.Execute(ctx, sql, params...)
		if err != nil {
			return nil, fmt.Errorf("getting entities chunk: %w", err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// FindOptions parameterize FindEntities.
type FindOptions struct {
	Where          string // fragment using neutral ? placeholders, no "WHERE" keyword
	Params         []any
	OrderBy        string
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// FindEntities runs a filtered, paginated query against table.
func (s *EntityStore) FindEntities(ctx context.Context, q Queryer, table string, opts FindOptions) (Rows, error) {
	d, err := s.descriptor(table)
	if err != nil {
		return nil, err
	}
	cols := quotedColumnList(d.AllColumnNames())

	sql := fmt.Sprintf("SELECT %s FROM [%s]", cols, table)
	var conditions []string
	params := append([]any{}, opts.Params...)
	if !opts.IncludeDeleted {
		conditions = append(conditions, "[deleted_at] IS NULL")
	}
	if opts.Where != "" {
		conditions = append(conditions, "("+opts.Where+")")
	}
	if len(conditions) > 0 {
		sql += " WHERE " + joinAND(conditions)
	}
	if opts.OrderBy != "" {
		sql += " ORDER BY " + opts.OrderBy
	}
	if opts.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}
	return q.Execute(ctx, sql, params...)
}

// Count returns the number of rows matching opts (Limit/Offset ignored).
func (s *EntityStore) Count(ctx context.Context, q Queryer, table string, opts FindOptions) (int64, error) {
	sql := fmt.Sprintf("SELECT COUNT(*) AS [n] FROM [%s]", table)
	var conditions []string
	params := append([]any{}, opts.Params...)
	if !opts.IncludeDeleted {
		conditions = append(conditions, "[deleted_at] IS NULL")
	}
	if opts.Where != "" {
		conditions = append(conditions, "("+opts.Where+")")
	}
	if len(conditions) > 0 {
		sql += " WHERE " + joinAND(conditions)
	}
	rows, err := q.Execute(ctx, sql, params...)
	if err != nil {
		return 0, fmt.Errorf("counting entities: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return toInt64(rows[0]["n"]), nil
}

// SaveEntity upserts one row by id, stamping timestamps and appending a
// history row (at max(version)+1) when the entity is historied. It always
// calls conn.Begin: when conn already has an open transaction the write
// joins it; otherwise the upsert + history-insert pair gets its own.
func (s *EntityStore) SaveEntity(ctx context.Context, conn Connection, table string, data Row) (Row, error) {
	saved, err := s.SaveEntities(ctx, conn, table, []Row{data})
	if err != nil {
		return nil, err
	}
	return saved[0], nil
}

// SaveEntities upserts a batch of rows inside a single transaction: one
// upsert per row, a single version lookup per row, and one history insert
// per row — still far cheaper than N independent round trips.
func (s *EntityStore) SaveEntities(ctx context.Context, conn Connection, table string, batch []Row) (Rows, error) {
	d, err := s.descriptor(table)
	if err != nil {
		return nil, err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning save transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	out := make(Rows, 0, len(batch))
	now := nowISO()
	for _, data := range batch {
		row := Row{}
		for k, v := range data {
			row[k] = v
		}
		if row["id"] == nil || row["id"] == "" {
			row["id"] = uuid.NewString()
		}
		if row["created_at"] == nil {
			row["created_at"] = now
		}
		row["updated_at"] = now

		saved, err := s.upsertRow(ctx, tx, table, d, row)
		if err != nil {
			return nil, err
		}

		if d.KeepHistory {
			if err := s.appendHistory(ctx, tx, d, saved, ""); err != nil {
				return nil, err
			}
		}
		out = append(out, saved)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing save transaction: %w", err)
	}
	committed = true
	return out, nil
}

// upsertRow inserts or updates exactly the columns present in row. row is
// never the caller's raw input alone — SaveEntities first merges in id,
// created_at, and updated_at — but it deliberately omits every column the
// caller didn't touch, so a partial SaveEntity call (password change,
// invite-status flip, PATCH) must never overwrite those omitted columns
// with NULL on conflict. Only cols actually present in row go into either
// the INSERT column list or the UPDATE SET clause.
func (s *EntityStore) upsertRow(ctx context.Context, tx Tx, table string, d entity.Descriptor, row Row) (Row, error) {
	all := d.AllColumnNames()
	cols := make([]string, 0, len(all))
	for _, c := range all {
		if _, present := row[c]; present {
			cols = append(cols, c)
		}
	}

	placeholders := make([]string, 0, len(cols))
	params := make([]any, 0, len(cols)*2)
	updateAssignments := make([]string, 0, len(cols))
	for _, c := range cols {
		v, err := serialize(row[c])
		if err != nil {
			return nil, err
		}
		placeholders = append(placeholders, "?")
		params = append(params, v)
		if c != "id" && c != "created_at" {
			updateAssignments = append(updateAssignments, fmt.Sprintf("[%s] = ?", c))
			params = append(params, v)
		}
	}

	sql := fmt.Sprintf(
		"INSERT INTO [%s] (%s) VALUES (%s) ON CONFLICT ([id]) DO UPDATE SET %s",
		table, quotedColumnList(cols), joinCSV(placeholders), joinCSV(updateAssignments),
	)
	if _, err := tx.Execute(ctx, sql, params...); err != nil {
		return nil, fmt.Errorf("upserting %s: %w", table, err)
	}

	id, _ := row["id"].(string)
	saved, err := s.GetEntity(ctx, tx, table, id)
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *EntityStore) appendHistory(ctx context.Context, tx Tx, d entity.Descriptor, row Row, comment string) error {
	version, err := s.nextVersion(ctx, tx, d, fmt.Sprintf("%v", row["id"]))
	if err != nil {
		return err
	}

	cols := append([]string{}, d.AllColumnNames()...)
	cols = append(cols, "version", "history_timestamp")
	params := make([]any, 0, len(cols)+1)
	placeholders := make([]string, 0, len(cols))
	for _, c := range d.AllColumnNames() {
		v, err := serialize(row[c])
		if err != nil {
			return err
		}
		params = append(params, v)
		placeholders = append(placeholders, "?")
	}
	params = append(params, version, nowISO())
	placeholders = append(placeholders, "?", "?")

	sql := fmt.Sprintf("INSERT INTO [%s] (%s) VALUES (%s)", d.HistoryTableName(), quotedColumnList(cols), joinCSV(placeholders))
	if _, err := tx.Execute(ctx, sql, params...); err != nil {
		return fmt.Errorf("inserting history row for %s: %w", d.TableName, err)
	}
	return nil
}

func (s *EntityStore) nextVersion(ctx context.Context, tx Tx, d entity.Descriptor, id string) (int, error) {
	rows, err := tx.Execute(ctx, fmt.Sprintf("SELECT MAX([version]) AS [v] FROM [%s] WHERE [id] = ?", d.HistoryTableName()), id)
	if err != nil {
		return 0, fmt.Errorf("reading max version: %w", err)
	}
	if len(rows) == 0 || rows[0]["v"] == nil {
		return 1, nil
	}
	return int(toInt64(rows[0]["v"])) + 1, nil
}

// SoftDelete marks a row deleted without removing it, appending a history
// row when historied.
func (s *EntityStore) SoftDelete(ctx context.Context, conn Connection, table, id string) error {
	_, err := s.SaveEntity(ctx, conn, table, Row{"id": id, "deleted_at": nowISO()})
	return err
}

// Restore clears deleted_at on a soft-deleted row.
func (s *EntityStore) Restore(ctx context.Context, conn Connection, table, id string) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Execute(ctx, fmt.Sprintf("UPDATE [%s] SET [deleted_at] = NULL, [updated_at] = ? WHERE [id] = ?", table), nowISO(), id); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("restoring %s %s: %w", table, id, err)
	}
	return tx.Commit(ctx)
}

// GetHistory returns every history row for id, oldest first.
func (s *EntityStore) GetHistory(ctx context.Context, q Queryer, table, id string) (Rows, error) {
	d, err := s.descriptor(table)
	if err != nil {
		return nil, err
	}
	cols := append([]string{}, d.AllColumnNames()...)
	cols = append(cols, "version", "history_timestamp")
	sql := fmt.Sprintf("SELECT %s FROM [%s] WHERE [id] = ? ORDER BY [version] ASC", quotedColumnList(cols), d.HistoryTableName())
	return q.Execute(ctx, sql, id)
}

// GetVersion returns the history row for id at the greatest version whose
// history_timestamp is <= asOf, or nil if none exists (the row did not yet
// exist at that time).
func (s *EntityStore) GetVersion(ctx context.Context, q Queryer, table, id string, asOf time.Time) (Row, error) {
	d, err := s.descriptor(table)
	if err != nil {
		return nil, err
	}
	cols := append([]string{}, d.AllColumnNames()...)
	cols = append(cols, "version", "history_timestamp")
	sql := fmt.Sprintf(
		"SELECT %s FROM [%s] WHERE [id] = ? AND [history_timestamp] <= ? ORDER BY [history_timestamp] DESC",
		quotedColumnList(cols), d.HistoryTableName(),
	)
	rows, err := q.Execute(ctx, sql, id, asOf.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("reading version as of %s: %w", asOf, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func quotedColumnList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = "[" + c + "]"
	}
	return joinCSV(out)
}

func joinCSV(items []string) string { return joinWith(items, ", ") }
func joinAND(items []string) string { return joinWith(items, " AND ") }

func joinWith(items []string, sep string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += sep
		}
		out += it
	}
	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		var n64 int64
		_, _ = fmt.Sscanf(n, "%d", &n64)
		return n64
	default:
		return 0
	}
}
