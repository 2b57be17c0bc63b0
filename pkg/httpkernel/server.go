package httpkernel

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/kernel/pkg/auth"
	"github.com/wisbric/kernel/pkg/idempotency"
	"github.com/wisbric/kernel/pkg/kerrors"
	"github.com/wisbric/kernel/pkg/lease"
	"github.com/wisbric/kernel/pkg/ratelimit"
)

// HealthCheck is one named readiness probe. Check returns a nil error when
// healthy; readyz runs every registered check concurrently (spec §6).
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// ServerConfig holds the parameters NewServer needs, decoupled from the
// binary's own configuration struct.
type ServerConfig struct {
	CORSAllowedOrigins []string
	ServiceName        string
}

// Server owns the chi router, the fixed middleware pipeline (spec §4.K),
// and the health/metrics endpoints. Domain handlers (auth, workspaces,
// jobs, admin db) mount onto AuthRouter, which already carries rate
// limiting, idempotency, and bearer authentication.
type Server struct {
	Router     *chi.Mux
	AuthRouter chi.Router
	Leases     *lease.Manager
	logger     *slog.Logger
	checks     []HealthCheck
	startedAt  time.Time
}

// NewServer builds the router with every pipeline layer attached in the
// fixed order spec §4.K requires: CORS, request-id, security headers,
// structured log, metrics, tracing span, panic/error recovery, rate limit,
// idempotency, auth — in that order, outermost first.
func NewServer(
	cfg ServerConfig,
	logger *slog.Logger,
	metricsReg *prometheus.Registry,
	limiter *ratelimit.Limiter,
	idemCache *idempotency.Cache,
	authenticator *auth.Authenticator,
	issuer *auth.Issuer,
	leases *lease.Manager,
	checks []HealthCheck,
) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Leases:    leases,
		logger:    logger,
		checks:    checks,
		startedAt: time.Now(),
	}

	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", idempotency.ReplayedHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	s.Router.Use(RequestID)
	s.Router.Use(SecurityHeaders)
	s.Router.Use(RequestLogger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(Tracing(cfg.ServiceName))
	s.Router.Use(Recoverer)

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/", func(r chi.Router) {
		r.Use(RateLimit(limiter, issuer))
		r.Use(Idempotency(idemCache))
		r.Use(authenticator.Middleware(RespondError))
		s.AuthRouter = r
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleReadyz runs every registered HealthCheck concurrently and fails
// the whole probe if any one of them does (spec §6: "run concurrently").
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	results := make([]checkResult, len(s.checks))
	done := make(chan struct{})

	if len(s.checks) == 0 {
		Respond(w, http.StatusOK, map[string]any{"status": "healthy", "checks": []checkResult{}})
		return
	}

	for i, c := range s.checks {
		go func(i int, c HealthCheck) {
			if err := c.Check(ctx); err != nil {
				results[i] = checkResult{Name: c.Name, Status: "fail", Error: err.Error()}
			} else {
				results[i] = checkResult{Name: c.Name, Status: "ok"}
			}
			done <- struct{}{}
		}(i, c)
	}
	for range s.checks {
		<-done
	}

	allOK := true
	for _, res := range results {
		if res.Status != "ok" {
			allOK = false
			s.logger.Error("readiness check failed", "check", res.Name, "error", res.Error)
		}
	}

	status, httpStatus := "healthy", http.StatusOK
	if !allOK {
		status, httpStatus = "unhealthy", http.StatusServiceUnavailable
	}
	Respond(w, httpStatus, map[string]any{"status": status, "checks": results})
}

// RequireScope wraps a handler family so only principals whose Identity
// passes pred may reach it, used by admin-only route groups.
func RequireScope(pred func(*auth.Identity) bool, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := auth.FromContext(r.Context())
			if id == nil {
				RespondError(w, r, kerrors.New(kerrors.Unauthenticated, "authentication required"))
				return
			}
			if !pred(id) {
				RespondError(w, r, kerrors.New(kerrors.Forbidden, message))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
