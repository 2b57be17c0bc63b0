package httpkernel

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/wisbric/kernel/internal/telemetry"
	"github.com/wisbric/kernel/pkg/auth"
	"github.com/wisbric/kernel/pkg/httpresp"
	"github.com/wisbric/kernel/pkg/idempotency"
	"github.com/wisbric/kernel/pkg/kerrors"
	"github.com/wisbric/kernel/pkg/lease"
	"github.com/wisbric/kernel/pkg/ratelimit"
)

// RequestIDFromContext extracts the request ID set by RequestID. Re-exported
// from pkg/httpresp so RespondError (which lives there) and this package's
// own logging middleware read the same value.
func RequestIDFromContext(ctx context.Context) string {
	return httpresp.RequestIDFromContext(ctx)
}

// RequestID assigns a stable request ID for the life of the request,
// honoring an inbound X-Request-ID header if present (spec §4.K, §6).
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(httpresp.NewRequestIDContext(r.Context(), id)))
	})
}

// SecurityHeaders sets the fixed set of response headers every response
// carries regardless of route.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the status code for logging and metrics, matching
// the teacher's middleware.go shape.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs one structured line per request.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestIDFromContext(r.Context()),
			)
		})
	}
}

// Metrics records request duration against the kernel's HTTP histogram
// (component K / internal/telemetry).
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		telemetry.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Observe(time.Since(start).Seconds())
	})
}

// Tracing starts one span per HTTP request (spec's ambient tracing stack).
func Tracing(serviceName string) func(http.Handler) http.Handler {
	tracer := telemetry.Tracer(serviceName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
			defer span.End()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Recoverer turns a panicking handler into a 500 Internal response instead
// of killing the process, delegating to chi's stack-capturing recoverer for
// the underlying mechanics.
func Recoverer(next http.Handler) http.Handler {
	return middleware.Recoverer(next)
}

// peekTier picks a rate-limit tier from the request's bearer token, if any,
// without enforcing authentication — the fixed pipeline order (spec §4.K)
// runs rate limiting before the auth layer, so tier selection can only use
// a best-effort peek, never a verified Identity.
func peekTier(issuer *auth.Issuer) func(*http.Request) ratelimit.Tier {
	return func(r *http.Request) ratelimit.Tier {
		raw, ok := auth.ExtractBearer(r)
		if !ok || issuer == nil {
			return ratelimit.TierAnonymous
		}
		switch issuer.PeekRole(raw) {
		case auth.RoleAdmin:
			return ratelimit.TierAdmin
		case auth.RoleUser:
			return ratelimit.TierAuthenticated
		default:
			return ratelimit.TierAnonymous
		}
	}
}

// rateLimitScope keys the sliding window by subject when a bearer token
// peeks valid, else by client IP (spec §4.H.1).
func rateLimitScope(r *http.Request, issuer *auth.Issuer) string {
	if raw, ok := auth.ExtractBearer(r); ok && issuer != nil {
		if claims, err := issuer.ValidateType(raw, auth.TokenAccess); err == nil {
			return "user:" + claims.SubjectID
		}
	}
	return "ip:" + auth.ClientIP(r)
}

// RateLimit enforces the sliding-window limiter ahead of auth, writing the
// X-RateLimit-* response headers spec §6 requires on every probed request.
func RateLimit(limiter *ratelimit.Limiter, issuer *auth.Issuer) func(http.Handler) http.Handler {
	tierOf := peekTier(issuer)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope := rateLimitScope(r, issuer)
			tier := tierOf(r)

			result, err := limiter.Allow(r.Context(), scope, tier)
			if err != nil {
				RespondError(w, r, kerrors.Wrap(kerrors.Unavailable, "rate limiter unavailable", err))
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				telemetry.RateLimitRejectionsTotal.WithLabelValues(string(tier)).Inc()
				RespondError(w, r, kerrors.New(kerrors.RateLimited, "rate limit exceeded, retry after reset"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// idempotencyBuffer captures a handler's response — headers, status, and
// body — so it can be replayed to the real ResponseWriter afterward and,
// on success, cached for future replay. It never touches the real
// ResponseWriter directly; that happens once, after the handler returns.
type idempotencyBuffer struct {
	header http.Header
	status int
	body   []byte
}

func newIdempotencyBuffer() *idempotencyBuffer {
	return &idempotencyBuffer{header: http.Header{}, status: http.StatusOK}
}

func (b *idempotencyBuffer) Header() http.Header       { return b.header }
func (b *idempotencyBuffer) WriteHeader(code int)      { b.status = code }
func (b *idempotencyBuffer) Write(p []byte) (int, error) {
	b.body = append(b.body, p...)
	return len(p), nil
}

// Idempotency replays a cached response for a repeated Idempotency-Key on
// non-safe methods, and caches successful first responses for future
// replays (spec §4.I). Requests without the header pass through untouched.
func Idempotency(cache *idempotency.Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			principalID := ""
			if id := auth.FromContext(r.Context()); id != nil {
				principalID = id.SubjectID
			}
			scope := idempotency.Scope(principalID, key)

			rec, err := cache.Get(r.Context(), scope)
			if err == nil && rec != nil {
				telemetry.IdempotencyReplaysTotal.Inc()
				idempotency.WriteReplay(w, rec)
				return
			}

			buf := newIdempotencyBuffer()
			next.ServeHTTP(buf, r)

			for k, vs := range buf.header {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(buf.status)
			_, _ = w.Write(buf.body)

			if idempotency.IsStorable(buf.status) {
				_ = cache.Store(r.Context(), scope, idempotency.Record{
					StatusCode: buf.status,
					Body:       buf.body,
					Headers:    buf.header,
				})
			}
		})
	}
}

// StreamLease bounds concurrent streaming handlers per principal (spec
// §4.G). It is not part of the fixed pipeline order (§4.K) — product
// routes that actually stream (SSE, long-poll, chunked transfer) opt in
// by wrapping their own chi.Router with it, acquiring on entry and
// releasing on every exit path per spec's "handler use is always scoped"
// requirement. Anonymous callers are scoped by IP like the rate limiter.
func StreamLease(mgr *lease.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := "ip:" + auth.ClientIP(r)
			if id := auth.FromContext(r.Context()); id != nil {
				principal = id.SubjectID
			}

			lse, err := mgr.Acquire(r.Context(), principal)
			if err != nil {
				if err == lease.ErrLimitExceeded {
					RespondError(w, r, kerrors.New(kerrors.StreamLimitExceeded, "concurrent stream limit exceeded"))
					return
				}
				RespondError(w, r, kerrors.Wrap(kerrors.Unavailable, "stream lease manager unavailable", err))
				return
			}
			defer func() {
				_ = mgr.Release(context.Background(), principal, lse.ID)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
