// Package migration implements the kernel's schema-diff migration engine:
// it hashes the registered entity schema, diffs it against the live
// database, generates additive neutral-SQL DDL, records what it applied,
// and unconditionally runs an idempotent rename backfill on every start.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/wisbric/kernel/pkg/entity"
	"github.com/wisbric/kernel/pkg/storage"
)

// Operation is one neutral-SQL statement the engine generated and (unless
// swallowed as idempotent) executed.
type Operation struct {
	SQL         string `json:"sql"`
	Description string `json:"description"`
}

// Policy gates destructive schema changes. Column/table drops are never
// generated unless the corresponding flag is set.
type Policy struct {
	AllowColumnDeletion bool
	AllowTableDeletion  bool
}

// Engine owns the migration algorithm described in the component design:
// ensure the record table, compute the fingerprint, diff, generate DDL,
// write an audit file, apply, record, then run the rename backfill.
type Engine struct {
	registry *entity.Registry
	gen      storage.SqlGenerator
	store    *storage.EntityStore
	policy   Policy
	auditDir string
	logger   *slog.Logger
}

// NewEngine constructs a migration Engine.
func NewEngine(registry *entity.Registry, gen storage.SqlGenerator, policy Policy, auditDir string, logger *slog.Logger) *Engine {
	return &Engine{
		registry: registry,
		gen:      gen,
		store:    storage.NewEntityStore(registry),
		policy:   policy,
		auditDir: auditDir,
		logger:   logger,
	}
}

const schemaMigrationsTable = "_schema_migrations"

// Run executes the full algorithm against conn. It is safe to call on
// every process start: if the current fingerprint has already been
// recorded, steps 4-8 are skipped and only the rename backfill (step 9)
// runs.
func (e *Engine) Run(ctx context.Context, conn storage.Connection) error {
	if err := e.ensureMigrationsTable(ctx, conn); err != nil {
		return fmt.Errorf("ensuring migrations table: %w", err)
	}

	hash, err := e.registry.Fingerprint()
	if err != nil {
		return fmt.Errorf("computing schema fingerprint: %w", err)
	}

	applied, err := e.isApplied(ctx, conn, hash)
	if err != nil {
		return fmt.Errorf("checking applied migrations: %w", err)
	}

	if !applied {
		ops, err := e.diff(ctx, conn)
		if err != nil {
			return fmt.Errorf("diffing schema: %w", err)
		}

		if len(ops) > 0 {
			if err := e.writeAuditFile(hash, ops); err != nil {
				return fmt.Errorf("writing migration audit file: %w", err)
			}
			if err := e.apply(ctx, conn, ops); err != nil {
				return fmt.Errorf("applying migration: %w", err)
			}
		}

		if err := e.record(ctx, conn, hash, ops); err != nil {
			return fmt.Errorf("recording migration: %w", err)
		}
		e.logger.Info("schema migration applied", "schema_hash", hash, "operations", len(ops))
	} else {
		e.logger.Debug("schema already at current fingerprint", "schema_hash", hash)
	}

	if err := e.backfillRenames(ctx, conn); err != nil {
		return fmt.Errorf("running rename backfill: %w", err)
	}
	return nil
}

// AppliedMigration is one row of the migration record table, surfaced to
// the admin HTTP listing.
type AppliedMigration struct {
	SchemaHash string `json:"schema_hash"`
	AppliedAt  string `json:"applied_at"`
	Operations string `json:"operations"`
}

// ListApplied returns every recorded migration, newest first.
func (e *Engine) ListApplied(ctx context.Context, conn storage.Connection) ([]AppliedMigration, error) {
	rows, err := conn.Execute(ctx, fmt.Sprintf("SELECT [schema_hash], [applied_at], [operations] FROM [%s]", schemaMigrationsTable))
	if err != nil {
		return nil, fmt.Errorf("listing applied migrations: %w", err)
	}
	out := make([]AppliedMigration, len(rows))
	for i, r := range rows {
		out[i] = AppliedMigration{
			SchemaHash: fmt.Sprintf("%v", r["schema_hash"]),
			AppliedAt:  fmt.Sprintf("%v", r["applied_at"]),
			Operations: fmt.Sprintf("%v", r["operations"]),
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt > out[j].AppliedAt })
	return out, nil
}

// Backfill runs the idempotent rename backfill on demand, outside the
// normal startup Run path — used by the admin db backfill endpoint to
// retry a backfill that failed partway (e.g. due to a transient connection
// error) without re-running the full diff/apply cycle.
func (e *Engine) Backfill(ctx context.Context, conn storage.Connection) error {
	return e.backfillRenames(ctx, conn)
}

func (e *Engine) ensureMigrationsTable(ctx context.Context, conn storage.Connection) error {
	sql := e.gen.CreateTable(schemaMigrationsTable, []storage.ColumnInfo{
		{Name: "id", Type: e.gen.NativeColumnType("bigserial")},
		{Name: "schema_hash", Type: "TEXT"},
		{Name: "applied_at", Type: "TEXT"},
		{Name: "operations", Type: "TEXT"},
	}, true)
	_, err := conn.Execute(ctx, stripBrackets(sql))
	return err
}

// stripBrackets lets CreateTable's already-native output pass through
// Translate unharmed — CreateTable returns native-quoted SQL directly (it's
// produced by the SqlGenerator, not neutral SQL), so this is a no-op today
// but documents the boundary if that ever changes.
func stripBrackets(s string) string { return s }

func (e *Engine) isApplied(ctx context.Context, conn storage.Connection, hash string) (bool, error) {
	rows, err := conn.Execute(ctx, fmt.Sprintf("SELECT [id] FROM [%s] WHERE [schema_hash] = ?", schemaMigrationsTable), hash)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (e *Engine) record(ctx context.Context, conn storage.Connection, hash string, ops []Operation) error {
	desc := make([]string, len(ops))
	for i, op := range ops {
		desc[i] = op.Description
	}
	_, err := conn.Execute(ctx,
		fmt.Sprintf("INSERT INTO [%s] ([schema_hash], [applied_at], [operations]) VALUES (?, ?, ?)", schemaMigrationsTable),
		hash, time.Now().UTC().Format(time.RFC3339Nano), strings.Join(desc, "; "),
	)
	return err
}
