package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/meetscribe/meetscribe/internal/job"
	"github.com/meetscribe/meetscribe/internal/queue"
)

// Dispatcher starts background processing for a job.
type Dispatcher interface {
	Dispatch(j *job.Job)
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store      job.Store
	queue      *queue.Durable
	dispatcher Dispatcher
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(store job.Store, q *queue.Durable, d Dispatcher) *Handler {
	return &Handler{store: store, queue: q, dispatcher: d}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/meetings", h.CreateMeeting)
	mux.HandleFunc("GET /api/v1/meetings", h.ListMeetings)
	mux.HandleFunc("GET /api/v1/meetings/{id}", h.GetMeeting)
	mux.HandleFunc("DELETE /api/v1/meetings/{id}", h.DeleteMeeting)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// ownerID extracts the caller's owner id. Every meeting route is scoped to it.
func ownerID(r *http.Request) string {
	return r.Header.Get("X-Owner-ID")
}

// CreateMeeting handles POST /api/v1/meetings: persist the job, write the
// durable queue entry, hand it to the dispatcher and respond 202. The
// transcription itself happens in the background.
func (h *Handler) CreateMeeting(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "missing X-Owner-ID header")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB max
	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	j := &job.Job{
		ID:        uuid.New().String(),
		OwnerID:   owner,
		Title:     req.Title,
		SourceRef: req.SourceRef,
		Status:    job.StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(r.Context(), j); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create meeting")
		return
	}
	if err := h.queue.Put(r.Context(), queue.Entry{
		JobID:     j.ID,
		OwnerID:   j.OwnerID,
		SourceRef: j.SourceRef,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue meeting")
		return
	}

	h.dispatcher.Dispatch(j)
	writeJSON(w, http.StatusAccepted, j)
}

// ListMeetings handles GET /api/v1/meetings and responds with the caller's
// meetings, newest first.
func (h *Handler) ListMeetings(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "missing X-Owner-ID header")
		return
	}

	jobs, err := h.store.ListByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list meetings")
		return
	}
	// Return an empty array instead of null when there are no meetings.
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"meetings": jobs})
}

// GetMeeting handles GET /api/v1/meetings/{id}.
func (h *Handler) GetMeeting(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "missing X-Owner-ID header")
		return
	}

	j, err := h.store.Get(r.Context(), r.PathValue("id"), owner)
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "meeting not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get meeting")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// DeleteMeeting handles DELETE /api/v1/meetings/{id} and responds 204. The
// queue entry goes too, so the sweeper never resurrects a deleted meeting.
func (h *Handler) DeleteMeeting(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "missing X-Owner-ID header")
		return
	}

	id := r.PathValue("id")
	err := h.store.Delete(r.Context(), id, owner)
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, "meeting not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete meeting")
		return
	}

	if err := h.queue.Remove(r.Context(), id); err != nil {
		// The sweeper drops orphaned entries on its next pass.
		slog.Warn("remove queue entry on delete", "job_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /api/v1/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data) //nolint:errcheck
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
