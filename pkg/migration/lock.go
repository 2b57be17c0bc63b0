package migration

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/wisbric/kernel/pkg/storage"
)

// StartupLock serializes the migration engine's Run across every process
// that might start concurrently against the same database (spec §5: "never
// run concurrently"). One holder at a time; the rest wait. The bbolt file
// lock gives up once its timeout elapses; the Postgres advisory lock waits
// until ctx is done.
type StartupLock interface {
	Acquire(ctx context.Context) error
	Release() error
}

// NewStartupLock picks the lock strategy for pool's backend: a Postgres
// session-level advisory lock for network backends that support one, or a
// local bbolt file lock for sqlite (no separate server process to ask).
// MySQL falls back to the file lock too — it has no advisory-lock
// primitive as portable as Postgres's.
func NewStartupLock(pool storage.Pool, conn storage.Connection, dataDir string, timeout time.Duration) StartupLock {
	if pool.Backend() == storage.BackendPostgres {
		return &pgAdvisoryLock{conn: conn, key: lockKey("kernel-migration")}
	}
	return &fileLock{path: filepath.Join(dataDir, "migration.lock"), timeout: timeout}
}

// lockKey derives a stable int64 advisory-lock key from name, since
// pg_advisory_lock takes a bigint, not an arbitrary string.
func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// pgAdvisoryLock wraps Postgres's session-level pg_advisory_lock/unlock.
// The lock is held by the database session backing conn, so conn must stay
// acquired from its pool for the lock's entire lifetime.
type pgAdvisoryLock struct {
	conn storage.Connection
	key  int64
}

func (l *pgAdvisoryLock) Acquire(ctx context.Context) error {
	_, err := l.conn.Execute(ctx, "SELECT pg_advisory_lock(?)", l.key)
	if err != nil {
		return fmt.Errorf("acquiring postgres advisory lock: %w", err)
	}
	return nil
}

func (l *pgAdvisoryLock) Release() error {
	_, err := l.conn.Execute(context.Background(), "SELECT pg_advisory_unlock(?)", l.key)
	if err != nil {
		return fmt.Errorf("releasing postgres advisory lock: %w", err)
	}
	return nil
}

// fileLock takes an exclusive flock on a bbolt database file under dataDir.
// bbolt.Open blocks (up to Options.Timeout) waiting for the OS-level file
// lock another process's Open call is holding, giving single-holder
// semantics across processes sharing one data directory without a network
// round trip — the right tradeoff for the embedded/file backend, which by
// definition has no separate database server to ask.
type fileLock struct {
	path    string
	timeout time.Duration
	db      *bolt.DB
}

func (l *fileLock) Acquire(_ context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating lock dir: %w", err)
	}
	db, err := bolt.Open(l.path, 0o600, &bolt.Options{Timeout: l.timeout})
	if err != nil {
		return fmt.Errorf("acquiring migration file lock: %w", err)
	}
	l.db = db
	return nil
}

func (l *fileLock) Release() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}
