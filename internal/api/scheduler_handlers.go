package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/servals/serval-mesh/internal/scheduler"
)

// ClaimantHeader lets a runner identify itself when claiming over HTTP.
const ClaimantHeader = "X-Serval-Peer"

// handleEnqueue accepts a job: the path names the WASM manifest, the
// body is the input payload.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	input, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondBodyError(w, err)
		return
	}

	id := s.queue.Enqueue(name, input)
	s.metrics.JobsEnqueuedTotal.Inc()
	slog.Info("job enqueued", "job", id, "name", name, "input_bytes", len(input))
	respondJSON(w, http.StatusOK, EnqueueResponse{JobID: id})
}

// handleClaim atomically hands the oldest pending job to the caller.
// 404 means the queue is empty; runners poll.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	claimant := uuid.Nil
	if v := r.Header.Get(ClaimantHeader); v != "" {
		if id, err := uuid.Parse(v); err == nil {
			claimant = id
		}
	}

	claim, ok := s.queue.Claim(claimant)
	if !ok {
		respondError(w, http.StatusNotFound, "no pending jobs")
		return
	}
	s.metrics.JobsClaimedTotal.Inc()
	slog.Info("job claimed", "job", claim.ID, "name", claim.Name, "claimant", claimant)
	respondJSON(w, http.StatusOK, ClaimResponse{JobID: claim.ID, Name: claim.Name, Input: claim.Input})
}

// handleComplete stores a finished job's output. The optional status
// query parameter selects completed (default) or failed.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}

	status := scheduler.StatusCompleted
	switch r.URL.Query().Get("status") {
	case "", string(scheduler.StatusCompleted):
	case string(scheduler.StatusFailed):
		status = scheduler.StatusFailed
	default:
		respondError(w, http.StatusBadRequest, "status must be completed or failed")
		return
	}

	output, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondBodyError(w, err)
		return
	}

	if err := s.queue.Complete(id, status, output); err != nil {
		s.respondQueueError(w, err)
		return
	}
	s.metrics.JobsCompletedTotal.WithLabelValues(string(status)).Inc()
	slog.Info("job completed", "job", id, "status", status, "output_bytes", len(output))
	w.WriteHeader(http.StatusOK)
}

// handleTickle is a runner keepalive; the first tickle marks the job
// running.
func (s *Server) handleTickle(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.queue.Tickle(id); err != nil {
		s.respondQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleJobStatus is the read-only job view.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	view, found := s.queue.Get(id)
	if !found {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, JobStatusResponse{Status: view.Status, Output: view.Output})
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "malformed job id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) respondQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrInvalidTransition), errors.Is(err, scheduler.ErrInvalidStatus):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) respondBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(w, http.StatusRequestEntityTooLarge, "request body exceeds 100 MiB")
		return
	}
	respondError(w, http.StatusInternalServerError, "failed to read request body")
}
