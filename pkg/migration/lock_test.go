package migration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileLockRejectsSecondHolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "migration.lock")

	first := &fileLock{path: path, timeout: 50 * time.Millisecond}
	require.NoError(t, first.Acquire(context.Background()))
	defer first.Release()

	second := &fileLock{path: path, timeout: 50 * time.Millisecond}
	err := second.Acquire(context.Background())
	require.Error(t, err, "a second holder must not acquire the same lock file")
}

func TestFileLockReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "migration.lock")

	first := &fileLock{path: path, timeout: 50 * time.Millisecond}
	require.NoError(t, first.Acquire(context.Background()))
	require.NoError(t, first.Release())

	second := &fileLock{path: path, timeout: 50 * time.Millisecond}
	require.NoError(t, second.Acquire(context.Background()))
	require.NoError(t, second.Release())
}

func TestLockKeyIsStable(t *testing.T) {
	require.Equal(t, lockKey("kernel-migration"), lockKey("kernel-migration"))
	require.NotEqual(t, lockKey("kernel-migration"), lockKey("other"))
}
