package queue

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/kernel/pkg/auth"
	"github.com/wisbric/kernel/pkg/lease"
)

func newTestHandler(t *testing.T) (*Handler, *Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := New(rdb, "kernel", "default", func(string) bool { return true })
	leases := lease.New(rdb, "kernel", 2, time.Minute)
	return NewHandler(q, leases), q, rdb
}

func withIdentity(r *http.Request, id *auth.Identity) *http.Request {
	return r.WithContext(auth.NewContext(r.Context(), id))
}

func TestHandlerGetRequiresOwnerOrAdmin(t *testing.T) {
	h, q, _ := newTestHandler(t)
	ctx := context.Background()

	j, err := q.Enqueue(ctx, "do_thing", []byte("{}"), EnqueueOptions{UserID: "u1"})
	require.NoError(t, err)

	router := chi.NewRouter()
	h.Mount(router)

	t.Run("owner can view", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/jobs/"+j.JobID, nil)
		req = withIdentity(req, &auth.Identity{SubjectID: "u1", Role: auth.RoleUser})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("other user forbidden", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/jobs/"+j.JobID, nil)
		req = withIdentity(req, &auth.Identity{SubjectID: "u2", Role: auth.RoleUser})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("admin can view", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/jobs/"+j.JobID, nil)
		req = withIdentity(req, &auth.Identity{SubjectID: "admin1", Role: auth.RoleAdmin})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHandlerCancel(t *testing.T) {
	h, q, _ := newTestHandler(t)
	ctx := context.Background()

	j, err := q.Enqueue(ctx, "do_thing", []byte("{}"), EnqueueOptions{UserID: "u1"})
	require.NoError(t, err)

	router := chi.NewRouter()
	h.Mount(router)

	req := httptest.NewRequest(http.MethodPost, "/jobs/"+j.JobID+"/cancel", nil)
	req = withIdentity(req, &auth.Identity{SubjectID: "u1", Role: auth.RoleUser})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	got, err := q.Get(ctx, j.JobID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
}

// TestHandlerStreamEmitsInitialProgress exercises the SSE endpoint through
// a single progress frame, verifying the lease-bounded stream (spec §4.G,
// §4.E) actually relays the job's current progress before the client
// disconnects.
func TestHandlerStreamEmitsInitialProgress(t *testing.T) {
	h, q, _ := newTestHandler(t)
	ctx := context.Background()

	j, err := q.Enqueue(ctx, "do_thing", []byte("{}"), EnqueueOptions{UserID: "u1"})
	require.NoError(t, err)
	got, err := q.Dispatch(ctx)
	require.NoError(t, err)
	require.NoError(t, q.ReportProgress(ctx, got.JobID, "step1", 50))

	router := chi.NewRouter()
	h.Mount(router)

	reqCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+j.JobID+"/stream", nil).WithContext(reqCtx)
	req = withIdentity(req, &auth.Identity{SubjectID: "u1", Role: auth.RoleUser})
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	var sawProgress bool
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "event: progress") {
			sawProgress = true
			break
		}
	}
	require.True(t, sawProgress, "expected at least one progress event, got body: %q", rec.Body.String())
}

func TestHandlerStreamRespectsLeaseLimit(t *testing.T) {
	h, q, _ := newTestHandler(t)
	ctx := context.Background()

	j, err := q.Enqueue(ctx, "do_thing", []byte("{}"), EnqueueOptions{UserID: "u1"})
	require.NoError(t, err)

	router := chi.NewRouter()
	h.Mount(router)

	// The lease manager in newTestHandler caps at 2 concurrent leases per
	// principal; hold both directly so the third request is rejected.
	_, err = h.leases.Acquire(ctx, "u1")
	require.NoError(t, err)
	_, err = h.leases.Acquire(ctx, "u1")
	require.NoError(t, err)

	reqCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/jobs/"+j.JobID+"/stream", nil).WithContext(reqCtx)
	req = withIdentity(req, &auth.Identity{SubjectID: "u1", Role: auth.RoleUser})
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
