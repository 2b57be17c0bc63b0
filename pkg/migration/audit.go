package migration

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wisbric/kernel/pkg/storage"
)

// auditFileName follows the original implementation's
// YYYYMMDD_HHMMSS_<hash>.sql convention so backup/restore can locate and
// order audit files by filename alone.
func auditFileName(hash string) string {
	return fmt.Sprintf("%s_%s.sql", time.Now().UTC().Format("20060102_150405"), hash)
}

// writeAuditFile records ops as a portable, human-readable neutral-SQL
// script under e.auditDir, one statement per line with its description as
// a preceding comment. A no-op when auditDir is empty.
func (e *Engine) writeAuditFile(hash string, ops []Operation) error {
	if e.auditDir == "" {
		return nil
	}
	if err := os.MkdirAll(e.auditDir, 0o755); err != nil {
		return fmt.Errorf("creating audit dir: %w", err)
	}

	path := filepath.Join(e.auditDir, auditFileName(hash))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating audit file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, op := range ops {
		fmt.Fprintf(w, "-- %s\n%s;\n", op.Description, op.SQL)
	}
	return w.Flush()
}

// AuditFilesUpToHash returns every audit file under dir in chronological
// (filename) order, stopping after the first file whose hash segment
// matches targetHash. Mirrors the original implementation's
// get_migrations_up_to_hash, used by the backup package's full rollback.
func AuditFilesUpToHash(dir, targetHash string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading audit dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []string
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))

		stem := strings.TrimSuffix(name, ".sql")
		parts := strings.Split(stem, "_")
		if len(parts) >= 3 {
			hashPart := parts[len(parts)-1]
			if hashPart == targetHash || strings.HasPrefix(hashPart, targetHash) {
				break
			}
		}
	}
	return out, nil
}

// AuditFileForHash returns the path and content of the single audit file
// whose name carries targetHash, for the admin db migration-detail
// endpoint. Returns an empty path with no error if no matching file exists.
func AuditFileForHash(dir, targetHash string) (path string, content string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", nil
		}
		return "", "", fmt.Errorf("reading audit dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".sql")
		parts := strings.Split(stem, "_")
		if len(parts) < 3 {
			continue
		}
		hashPart := parts[len(parts)-1]
		if hashPart != targetHash && !strings.HasPrefix(hashPart, targetHash) {
			continue
		}
		full := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(full)
		if err != nil {
			return "", "", fmt.Errorf("reading audit file: %w", err)
		}
		return full, string(raw), nil
	}
	return "", "", nil
}

// ReplayFile executes the neutral-SQL statements in path against conn.
// Statements are delimited by a trailing semicolon; "--" comment lines are
// skipped. Used by the backup package's full-rollback restore path to
// rebuild schema on a backend that may differ from the one the audit file
// was produced on.
func ReplayFile(ctx context.Context, conn storage.Connection, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading migration audit file: %w", err)
	}

	var stmts []string
	var cur []string
	for _, line := range strings.Split(string(raw), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur = append(cur, trimmed)
		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSuffix(strings.Join(cur, " "), ";")
			if strings.TrimSpace(stmt) != "" {
				stmts = append(stmts, stmt)
			}
			cur = nil
		}
	}

	for _, stmt := range stmts {
		if _, err := conn.Execute(ctx, stmt); err != nil {
			return fmt.Errorf("replaying statement %q: %w", stmt, err)
		}
	}
	return nil
}
