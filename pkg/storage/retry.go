package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// isLockContention reports whether err looks like a "database is locked" /
// "database is busy" transient error from the embedded or network backends.
// This is a string match because the underlying drivers (mattn-style sqlite
// errors, Postgres "55P03 lock_not_available", MySQL 1205 lock wait
// timeout) don't share a common Go error type.
func isLockContention(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"database is locked", "database is busy", "lock_not_available", "lock wait timeout", "deadlock found"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// withLockRetry retries op on lock-contention errors with capped
// exponential backoff + jitter, up to 5 attempts or 300s total. The retry
// budget runs outside any per-operation deadline placed on ctx by the
// caller, so backoff sleeps are never cut short by the operation's own
// timeout — only ctx cancellation (e.g. process shutdown) stops it early.
func withLockRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 300 * time.Second
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.2 // jitter

	attempts := 0
	retryable := func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if attempts >= 5 || !isLockContention(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(retryable, backoff.WithContext(bo, ctx))
}
