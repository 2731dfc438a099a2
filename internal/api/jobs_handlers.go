package api

import (
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/servals/serval-mesh/internal/scheduler"
)

// runPollInterval is how often the synchronous run endpoint re-checks
// job status while waiting for a runner to finish.
const runPollInterval = 250 * time.Millisecond

// handlePing is the liveness check.
func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, "pong")
}

// handleStatus reports the agent's identity, roles, and queue summary.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	roles := s.self.Roles.Roles()
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.String()
	}
	respondJSON(w, http.StatusOK, AgentStatus{
		PeerID:        s.self.PeerID,
		DisplayName:   s.self.DisplayName,
		Version:       s.version + " (go " + runtime.Version() + ")",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Roles:         names,
		Queue:         s.queue.Snapshot(),
		Extensions:    s.exts.Names(),
	})
}

// handleHistory dumps the in-memory job history.
func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.queue.Snapshot())
}

// handleRunJob is the synchronous convenience: enqueue to the scheduler
// (local or relayed), wait for a runner to finish the job, and answer
// with its output bytes. The wait is bounded by the relay timeout so a
// stalled fleet turns into a 504 rather than a hung client.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	input, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondBodyError(w, err)
		return
	}

	ctx := r.Context()
	id, err := s.sched.Enqueue(ctx, name, input)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "failed to enqueue job: "+err.Error())
		return
	}

	deadline := time.NewTimer(relayTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(runPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return // client went away
		case <-deadline.C:
			respondError(w, http.StatusGatewayTimeout, "job did not finish in time")
			return
		case <-ticker.C:
		}

		view, err := s.sched.Status(ctx, id)
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, "lost track of job: "+err.Error())
			return
		}
		if !view.Status.Terminal() {
			continue
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		if view.Status != scheduler.StatusCompleted {
			w.WriteHeader(http.StatusBadGateway)
		}
		w.Write(view.Output)
		return
	}
}
