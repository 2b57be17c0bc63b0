// Package ratelimit implements the kernel's sliding-window rate limiter
// (spec §4.H): a Redis sorted set per key, scored by request timestamp,
// trimmed and counted in one atomic pipeline on every probe.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Tier names the principal classes the middleware applies different limits
// to (spec §4.H.1 supplement).
type Tier string

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	TierAdmin         Tier = "admin"
)

// Limits maps a Tier to its requests-per-window allowance.
type Limits map[Tier]int

// DefaultLimits returns the spec's default tiered per-minute allowances.
func DefaultLimits() Limits {
	return Limits{
		TierAnonymous:     60,
		TierAuthenticated: 600,
		TierAdmin:         6000,
	}
}

// allowScript trims expired entries, counts what remains, and — only when
// under the limit — records this probe, all as one server-side Lua
// evaluation so the check and the insert can never interleave with a
// concurrent caller's (spec §4.H "single atomic pipeline", invariant 4).
// Returns the pre-insert count; the caller compares it against the limit.
var allowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[4]) then
	return count
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return count
`)

// Limiter enforces a sliding window over a fixed duration per key.
type Limiter struct {
	rdb    *redis.Client
	prefix string
	window time.Duration
	limits Limits
}

// New constructs a Limiter. window is the sliding window duration (e.g. 1m);
// limits maps each Tier to its allowance within that window.
func New(rdb *redis.Client, prefix string, window time.Duration, limits Limits) *Limiter {
	return &Limiter{rdb: rdb, prefix: prefix, window: window, limits: limits}
}

// Result carries the outcome of a single probe, used to populate the
// X-RateLimit-* response headers.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func (l *Limiter) key(scope string) string {
	return fmt.Sprintf("%s:ratelimit:%s", l.prefix, scope)
}

// Allow probes the sliding window for scope (e.g. "user:<id>" or
// "ip:<addr>") at tier's limit. The trim, count, and conditional record run
// as a single Lua evaluation on the Redis server (allowScript), so a
// concurrent caller can never observe a count taken before this probe's
// insert and admit past the limit. Rejected probes are not recorded,
// matching "number of timestamps equals number of accepted requests"
// (invariant 4).
func (l *Limiter) Allow(ctx context.Context, scope string, tier Tier) (Result, error) {
	limit := l.limits[tier]
	if limit <= 0 {
		limit = l.limits[TierAnonymous]
	}

	key := l.key(scope)
	now := time.Now()
	windowStart := now.Add(-l.window)
	resetAt := now.Add(l.window)

	count, err := allowScript.Run(ctx, l.rdb,
		[]string{key},
		windowStart.UnixNano(),
		now.UnixNano(),
		uuid.NewString(),
		limit,
		int((l.window + time.Second).Seconds()),
	).Int64()
	if err != nil {
		return Result{}, fmt.Errorf("probing rate limit: %w", err)
	}

	if int(count) >= limit {
		return Result{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}, nil
	}

	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(count) - 1,
		ResetAt:   resetAt,
	}, nil
}
