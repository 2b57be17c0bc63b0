// Package idempotency implements the kernel's response idempotency cache
// (spec §4.I): a Redis-backed store keyed by client-supplied Idempotency-Key
// plus principal scope, so retried non-safe requests replay the original
// response instead of re-executing the handler.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is the cached response for one idempotency key.
type Record struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers"`
	StoredAt   time.Time           `json:"stored_at"`
}

// Cache stores and replays idempotent responses.
type Cache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// New constructs a Cache. ttl is the default retention for stored responses
// (spec default 24h).
func New(rdb *redis.Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Scope builds the cache key from the client-supplied key and the
// authenticated principal id (empty for anonymous requests).
func Scope(principalID, clientKey string) string {
	return principalID + ":" + clientKey
}

func (c *Cache) key(scope string) string {
	return fmt.Sprintf("%s:idempotency:%s", c.prefix, scope)
}

// Get returns the stored Record for scope, or nil if absent. Errors are
// returned to the caller so it can decide to fail open (spec: cache errors
// never block the handler).
func (c *Cache) Get(ctx context.Context, scope string) (*Record, error) {
	raw, err := c.rdb.Get(ctx, c.key(scope)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading idempotency cache: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding idempotency record: %w", err)
	}
	return &rec, nil
}

// Store saves a response for scope with this Cache's configured TTL. Only
// called for 2xx responses (the decision belongs to the middleware).
func (c *Cache) Store(ctx context.Context, scope string, rec Record) error {
	rec.StoredAt = time.Now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding idempotency record: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key(scope), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing idempotency cache: %w", err)
	}
	return nil
}

// IsStorable reports whether a response status should be cached.
func IsStorable(status int) bool {
	return status >= 200 && status < 300
}

// ReplayedHeader is set on replayed responses so callers can distinguish
// a cache hit from a fresh execution.
const ReplayedHeader = "X-Idempotency-Replayed"

// WriteReplay writes a stored Record back onto w verbatim.
func WriteReplay(w http.ResponseWriter, rec *Record) {
	for k, vs := range rec.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(ReplayedHeader, "true")
	w.WriteHeader(rec.StatusCode)
	_, _ = w.Write(rec.Body)
}
