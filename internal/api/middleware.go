package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// instrument wraps the handler chain with Prometheus request counters
// and latency histograms.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		path := sanitizePath(r.URL.Path)
		status := strconv.Itoa(rec.status)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		s.metrics.HTTPRequestDurationSeconds.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

// limitBody caps request bodies at maxBodySize. Handlers that read past
// the cap observe *http.MaxBytesError and answer 413.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// sanitizePath replaces dynamic path segments with fixed labels to keep
// Prometheus label cardinality bounded. For example:
//
//	/v1/scheduler/4f7e.../status        -> /v1/scheduler/:id/status
//	/v1/scheduler/enqueue/echo          -> /v1/scheduler/enqueue/:name
//	/v1/jobs/echo/run                   -> /v1/jobs/:name/run
//	/v1/storage/manifests/echo          -> /v1/storage/manifests/:name
func sanitizePath(path string) string {
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	if len(parts) < 4 || parts[1] != "v1" {
		return path
	}
	switch parts[2] {
	case "scheduler":
		if parts[3] == "enqueue" && len(parts) == 5 {
			return "/v1/scheduler/enqueue/:name"
		}
		if len(parts) == 5 {
			return "/v1/scheduler/:id/" + parts[4]
		}
	case "jobs":
		if len(parts) == 5 {
			return "/v1/jobs/:name/" + parts[4]
		}
	case "storage":
		if len(parts) == 5 && parts[3] == "manifests" {
			return "/v1/storage/manifests/:name"
		}
		if len(parts) == 7 && parts[3] == "manifests" {
			return "/v1/storage/manifests/:name/executable/:version"
		}
	}
	return path
}
