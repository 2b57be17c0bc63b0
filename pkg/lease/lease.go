// Package lease implements the kernel's per-principal concurrent-stream
// cap (spec §4.G): a Redis-backed sorted set per principal where members
// are lease ids scored by their expiry, so "count non-expired leases" is a
// single ZREMRANGEBYSCORE + ZCARD pipeline.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// acquireScript expires stale leases, counts what remains, and — only when
// under the limit — grants the new lease, all as one server-side Lua
// evaluation so the check and the insert can never interleave with a
// concurrent caller's (spec §4.G "within a critical section", invariant 3).
// Returns -1 when the cap is already hit, else the pre-insert count.
var acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[4]) then
	return -1
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return count
`)

// Manager grants and tracks stream leases against a configured per-principal
// limit. All state lives in Redis so multiple API processes share one cap.
type Manager struct {
	rdb    *redis.Client
	prefix string
	limit  int
	ttl    time.Duration
}

// New constructs a Manager. prefix namespaces keys (e.g. "kernel"); limit is
// the maximum concurrent non-expired leases per principal; ttl is how long
// an acquired lease is valid before it must be refreshed.
func New(rdb *redis.Client, prefix string, limit int, ttl time.Duration) *Manager {
	return &Manager{rdb: rdb, prefix: prefix, limit: limit, ttl: ttl}
}

func (m *Manager) key(principal string) string {
	return fmt.Sprintf("%s:stream_leases:%s", m.prefix, principal)
}

// ErrLimitExceeded is returned by Acquire when the principal already holds
// limit non-expired leases.
var ErrLimitExceeded = fmt.Errorf("stream lease limit exceeded")

// Lease is a granted concurrent-stream slot.
type Lease struct {
	ID        string
	Principal string
	ExpiresAt time.Time
}

// Acquire grants a new lease for principal if fewer than limit non-expired
// leases are currently held. The expire, count, and conditional grant run
// as a single Lua evaluation on the Redis server (acquireScript), so a
// concurrent caller can never observe a count taken before this call's
// insert and over-admit past the limit. Returns ErrLimitExceeded when the
// cap is already hit.
func (m *Manager) Acquire(ctx context.Context, principal string) (*Lease, error) {
	key := m.key(principal)
	now := time.Now()
	leaseID := uuid.NewString()
	expiresAt := now.Add(m.ttl)

	count, err := acquireScript.Run(ctx, m.rdb,
		[]string{key},
		now.Unix(),
		expiresAt.Unix(),
		leaseID,
		m.limit,
		int((m.ttl + time.Second).Seconds()),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("granting lease: %w", err)
	}
	if count < 0 {
		return nil, ErrLimitExceeded
	}

	return &Lease{ID: leaseID, Principal: principal, ExpiresAt: expiresAt}, nil
}

// Refresh extends an existing lease's expiry by ttl. Returns false if the
// lease no longer exists (expired and reaped, or never granted).
func (m *Manager) Refresh(ctx context.Context, principal, leaseID string) (bool, error) {
	key := m.key(principal)
	score, err := m.rdb.ZScore(ctx, key, leaseID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading lease score: %w", err)
	}
	if score < float64(time.Now().Unix()) {
		return false, nil
	}

	newExpiry := time.Now().Add(m.ttl)
	if err := m.rdb.ZAdd(ctx, key, redis.Z{Score: float64(newExpiry.Unix()), Member: leaseID}).Err(); err != nil {
		return false, fmt.Errorf("refreshing lease: %w", err)
	}
	return true, nil
}

// Release removes a lease immediately, regardless of its expiry. Callers
// must release on every exit path (success, error, cancellation).
func (m *Manager) Release(ctx context.Context, principal, leaseID string) error {
	if err := m.rdb.ZRem(ctx, m.key(principal), leaseID).Err(); err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return nil
}

// Count returns the number of non-expired leases currently held by
// principal, for diagnostics/admin surfaces.
func (m *Manager) Count(ctx context.Context, principal string) (int, error) {
	key := m.key(principal)
	if err := m.rdb.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", time.Now().Unix())).Err(); err != nil {
		return 0, fmt.Errorf("expiring stale leases: %w", err)
	}
	n, err := m.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("counting leases: %w", err)
	}
	return int(n), nil
}
