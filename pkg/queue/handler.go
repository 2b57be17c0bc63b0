package queue

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/kernel/pkg/auth"
	"github.com/wisbric/kernel/pkg/httpkernel"
	"github.com/wisbric/kernel/pkg/kerrors"
	"github.com/wisbric/kernel/pkg/lease"
)

// Handler exposes the job-status HTTP surface spec §6 describes: a
// principal can check and cancel their own jobs, and an admin can list
// every job in the queue.
type Handler struct {
	queue  *Queue
	leases *lease.Manager
}

// NewHandler constructs a jobs Handler over queue. leases may be nil, in
// which case the progress-stream endpoint (spec §4.G's one concrete use
// of a concurrent stream cap in this repo) is not bounded and always
// admits the request.
func NewHandler(queue *Queue, leases *lease.Manager) *Handler {
	return &Handler{queue: queue, leases: leases}
}

// Mount registers the jobs routes onto r, which must already carry the
// kernel's auth middleware.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/{id}", h.get)
		r.Post("/{id}/cancel", h.cancel)
		r.With(auth.RequireAdmin(httpkernel.RespondError)).Get("/", h.list)

		streamed := r
		if h.leases != nil {
			streamed = r.With(httpkernel.StreamLease(h.leases))
		}
		streamed.Get("/{id}/stream", h.stream)
	})
}

// requireOwnerOrAdmin lets a job's owning principal or any admin see or
// cancel it; jobs with no recorded owner (system-enqueued work) are
// admin-only.
func requireOwnerOrAdmin(id *auth.Identity, j *Job) error {
	if id.IsAdmin() {
		return nil
	}
	if j.UserID != "" && j.UserID == id.SubjectID {
		return nil
	}
	return kerrors.New(kerrors.Forbidden, "not permitted to view this job")
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	jobID := chi.URLParam(r, "id")

	j, err := h.queue.Get(r.Context(), jobID)
	if err != nil {
		httpkernel.RespondError(w, r, err)
		return
	}
	if err := requireOwnerOrAdmin(id, j); err != nil {
		httpkernel.RespondError(w, r, err)
		return
	}
	httpkernel.Respond(w, http.StatusOK, j)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	jobID := chi.URLParam(r, "id")

	j, err := h.queue.Get(r.Context(), jobID)
	if err != nil {
		httpkernel.RespondError(w, r, err)
		return
	}
	if err := requireOwnerOrAdmin(id, j); err != nil {
		httpkernel.RespondError(w, r, err)
		return
	}
	if err := h.queue.Cancel(r.Context(), jobID); err != nil {
		httpkernel.RespondError(w, r, err)
		return
	}
	httpkernel.Respond(w, http.StatusAccepted, nil)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{
		Status:   Status(r.URL.Query().Get("status")),
		TaskName: r.URL.Query().Get("task_name"),
	}

	jobs, err := h.queue.List(r.Context(), filter)
	if err != nil {
		httpkernel.RespondError(w, r, err)
		return
	}
	httpkernel.Respond(w, http.StatusOK, jobs)
}

// stream relays a job's progress updates as Server-Sent Events until the
// client disconnects or the job reaches a terminal status (spec §4.E
// "updates ... published to any subscriber via a pub/sub channel"). It is
// the one concrete streaming endpoint in this repo bounded by the lease
// manager's per-principal concurrent cap (spec §4.G).
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	jobID := chi.URLParam(r, "id")

	j, err := h.queue.Get(r.Context(), jobID)
	if err != nil {
		httpkernel.RespondError(w, r, err)
		return
	}
	if err := requireOwnerOrAdmin(id, j); err != nil {
		httpkernel.RespondError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpkernel.RespondError(w, r, kerrors.New(kerrors.Internal, "streaming unsupported by response writer"))
		return
	}

	sub := h.queue.SubscribeProgress(r.Context(), jobID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if body, err := json.Marshal(j.Progress); err == nil {
		fmt.Fprintf(w, "event: progress\ndata: %s\n\n", body)
		flusher.Flush()
	}

	ch := sub.Channel()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", msg.Payload)
			flusher.Flush()

			current, err := h.queue.Get(ctx, jobID)
			if err != nil || isTerminal(current.Status) {
				return
			}
		}
	}
}

func isTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDead, StatusCancelled:
		return true
	default:
		return false
	}
}
