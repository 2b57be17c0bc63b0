// Package admindb exposes the admin-only database operations surface spec
// §6 describes: migration history, backup/restore, and schema-drift
// inspection, all mounted behind auth.RequireAdmin.
package admindb

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/kernel/pkg/auth"
	"github.com/wisbric/kernel/pkg/backup"
	"github.com/wisbric/kernel/pkg/httpkernel"
	"github.com/wisbric/kernel/pkg/kerrors"
	"github.com/wisbric/kernel/pkg/migration"
	"github.com/wisbric/kernel/pkg/storage"
)

// Handler exposes /admin/db/* — migrations, backups, restore, and the
// orphan-scan tool — on top of a single storage.Pool and its migration/
// backup managers.
type Handler struct {
	pool      storage.Pool
	engine    *migration.Engine
	backups   *backup.Manager
	auditDir  string
	backupDir string
}

// NewHandler constructs an admindb Handler.
func NewHandler(pool storage.Pool, engine *migration.Engine, backups *backup.Manager, auditDir, backupDir string) *Handler {
	return &Handler{pool: pool, engine: engine, backups: backups, auditDir: auditDir, backupDir: backupDir}
}

// Mount registers every /admin/db/* route onto r, gating the whole group
// behind admin role (spec §6: "Admin DB (admin-only)").
func (h *Handler) Mount(r chi.Router) {
	r.Route("/admin/db", func(r chi.Router) {
		r.Use(auth.RequireAdmin(httpkernel.RespondError))
		r.Get("/migrations", h.listMigrations)
		r.Get("/migrations/{hash}", h.getMigration)
		r.Get("/backups", h.listBackups)
		r.Get("/backups/{name}/download", h.downloadBackup)
		r.Post("/backups/upload", h.uploadBackup)
		r.Get("/schema/orphans", h.orphans)
		r.Post("/backup", h.createBackup)
		r.Post("/backfill", h.backfill)
		r.Post("/restore/full", h.restoreFull)
		r.Post("/restore/csv", h.restoreCSV)
		r.Post("/restore/revert", h.restoreRevert)
	})
}

func (h *Handler) withConn(w http.ResponseWriter, r *http.Request, fn func(conn storage.Connection) error) {
	conn, err := h.pool.Acquire(r.Context(), 10*time.Second)
	if err != nil {
		httpkernel.RespondError(w, r, kerrors.Wrap(kerrors.Unavailable, "storage unavailable", err))
		return
	}
	defer h.pool.Release(conn)

	if err := fn(conn); err != nil {
		httpkernel.RespondError(w, r, err)
	}
}

func (h *Handler) listMigrations(w http.ResponseWriter, r *http.Request) {
	h.withConn(w, r, func(conn storage.Connection) error {
		rows, err := h.engine.ListApplied(r.Context(), conn)
		if err != nil {
			return kerrors.Wrap(kerrors.Internal, "listing migrations", err)
		}
		httpkernel.Respond(w, http.StatusOK, rows)
		return nil
	})
}

func (h *Handler) getMigration(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	path, content, err := migration.AuditFileForHash(h.auditDir, hash)
	if err != nil {
		httpkernel.RespondError(w, r, kerrors.Wrap(kerrors.Internal, "reading migration audit file", err))
		return
	}
	if path == "" {
		httpkernel.RespondError(w, r, kerrors.NotFoundf("no migration audit file for hash %q", hash))
		return
	}
	httpkernel.Respond(w, http.StatusOK, map[string]string{"schema_hash": hash, "file": path, "sql": content})
}

func (h *Handler) listBackups(w http.ResponseWriter, r *http.Request) {
	points, err := backup.ListRestorePoints(h.backupDir, h.auditDir)
	if err != nil {
		httpkernel.RespondError(w, r, kerrors.Wrap(kerrors.Internal, "listing backups", err))
		return
	}
	httpkernel.Respond(w, http.StatusOK, points)
}

// downloadBackup streams a single file under the backup directory —
// either a csv_<ts>_<hash> directory's contents are not individually
// addressable here, so name addresses a top-level file (native snapshot or
// metadata JSON) by basename. Path traversal is rejected by requiring the
// resolved path stay within backupDir.
func (h *Handler) downloadBackup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path := filepath.Join(h.backupDir, filepath.Base(name))
	if filepath.Dir(path) != filepath.Clean(h.backupDir) {
		httpkernel.RespondError(w, r, kerrors.Validationf("invalid backup name"))
		return
	}

	f, err := os.Open(path)
	if err != nil {
		httpkernel.RespondError(w, r, kerrors.NotFoundf("backup %q not found", name))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", "attachment; filename=\""+filepath.Base(path)+"\"")
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, f)
}

// uploadBackup accepts a raw file body and writes it under the backup
// directory, for restoring a backup taken on another instance.
func (h *Handler) uploadBackup(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(r.URL.Query().Get("name"))
	if name == "" || name == "." || name == string(filepath.Separator) {
		httpkernel.RespondError(w, r, kerrors.Validationf("name query parameter is required"))
		return
	}
	if err := os.MkdirAll(h.backupDir, 0o755); err != nil {
		httpkernel.RespondError(w, r, kerrors.Wrap(kerrors.Internal, "creating backup dir", err))
		return
	}

	dst, err := os.Create(filepath.Join(h.backupDir, name))
	if err != nil {
		httpkernel.RespondError(w, r, kerrors.Wrap(kerrors.Internal, "creating backup file", err))
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, r.Body); err != nil {
		httpkernel.RespondError(w, r, kerrors.Wrap(kerrors.Internal, "writing uploaded backup", err))
		return
	}
	httpkernel.Respond(w, http.StatusCreated, map[string]string{"name": name})
}

func (h *Handler) orphans(w http.ResponseWriter, r *http.Request) {
	h.withConn(w, r, func(conn storage.Connection) error {
		report, err := h.backups.ScanOrphans(r.Context(), conn)
		if err != nil {
			return kerrors.Wrap(kerrors.Internal, "scanning orphans", err)
		}
		httpkernel.Respond(w, http.StatusOK, report)
		return nil
	})
}

type createBackupRequest struct {
	Native bool `json:"native"`
	CSV    bool `json:"csv"`
}

func (h *Handler) createBackup(w http.ResponseWriter, r *http.Request) {
	var req createBackupRequest
	_ = httpkernel.DecodeJSON(r, &req) // empty body is valid: defaults to CSV-only
	if !req.Native && !req.CSV {
		req.CSV = true
	}

	h.withConn(w, r, func(conn storage.Connection) error {
		result, err := h.backups.Backup(r.Context(), conn, h.pool, h.backupDir, req.Native, req.CSV)
		if err != nil {
			return kerrors.Wrap(kerrors.Internal, "creating backup", err)
		}
		httpkernel.Respond(w, http.StatusCreated, result)
		return nil
	})
}

func (h *Handler) backfill(w http.ResponseWriter, r *http.Request) {
	h.withConn(w, r, func(conn storage.Connection) error {
		if err := h.engine.Backfill(r.Context(), conn); err != nil {
			return kerrors.Wrap(kerrors.Internal, "running backfill", err)
		}
		httpkernel.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
		return nil
	})
}

type restoreFullRequest struct {
	Target time.Time `json:"target"`
}

func (h *Handler) restoreFull(w http.ResponseWriter, r *http.Request) {
	var req restoreFullRequest
	if err := httpkernel.DecodeJSON(r, &req); err != nil {
		httpkernel.RespondError(w, r, err)
		return
	}

	points, err := backup.ListRestorePoints(h.backupDir, h.auditDir)
	if err != nil {
		httpkernel.RespondError(w, r, kerrors.Wrap(kerrors.Internal, "listing restore points", err))
		return
	}
	rp, err := backup.FindRestorePoint(points, req.Target)
	if err != nil {
		httpkernel.RespondError(w, r, kerrors.Wrap(kerrors.Internal, "finding restore point", err))
		return
	}
	if rp == nil {
		httpkernel.RespondError(w, r, kerrors.NotFoundf("no restore point available"))
		return
	}

	h.withConn(w, r, func(conn storage.Connection) error {
		if err := h.backups.FullRollback(r.Context(), conn, h.auditDir, *rp); err != nil {
			return kerrors.Wrap(kerrors.Internal, "restoring from backup", err)
		}
		httpkernel.Respond(w, http.StatusOK, rp)
		return nil
	})
}

type restoreCSVRequest struct {
	CSVDir string `json:"csv_dir"`
}

func (h *Handler) restoreCSV(w http.ResponseWriter, r *http.Request) {
	var req restoreCSVRequest
	if err := httpkernel.DecodeJSON(r, &req); err != nil {
		httpkernel.RespondError(w, r, err)
		return
	}
	if req.CSVDir == "" {
		httpkernel.RespondError(w, r, kerrors.Validationf("csv_dir is required"))
		return
	}

	h.withConn(w, r, func(conn storage.Connection) error {
		if err := h.backups.AdditiveImport(r.Context(), conn, req.CSVDir); err != nil {
			return kerrors.Wrap(kerrors.Internal, "importing csv backup", err)
		}
		httpkernel.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
		return nil
	})
}

type restoreRevertRequest struct {
	Table string    `json:"table"`
	AsOf  time.Time `json:"as_of"`
}

func (h *Handler) restoreRevert(w http.ResponseWriter, r *http.Request) {
	var req restoreRevertRequest
	if err := httpkernel.DecodeJSON(r, &req); err != nil {
		httpkernel.RespondError(w, r, err)
		return
	}
	if req.Table == "" {
		httpkernel.RespondError(w, r, kerrors.Validationf("table is required"))
		return
	}

	h.withConn(w, r, func(conn storage.Connection) error {
		if err := h.backups.RevertTable(r.Context(), conn, req.Table, req.AsOf); err != nil {
			return kerrors.Wrap(kerrors.Internal, "reverting table", err)
		}
		httpkernel.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
		return nil
	})
}
