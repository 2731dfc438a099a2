package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/servals/serval-mesh/internal/extensions"
	"github.com/servals/serval-mesh/internal/scheduler"
	"github.com/servals/serval-mesh/internal/storage"
	"github.com/servals/serval-mesh/internal/telemetry"
	"github.com/servals/serval-mesh/pkg/mesh"
)

// maxBodySize caps inbound request bodies. Oversized uploads get 413.
const maxBodySize = 100 << 20 // 100 MiB

// portScanLimit bounds the upward port scan so a fully exhausted range
// fails instead of spinning.
const portScanLimit = 1000

// RoleFinder is the server's one capability against the mesh: find a
// live peer for a role. The mesh holds no reference back to the server.
type RoleFinder interface {
	FindRole(role mesh.Role) (mesh.PeerMetadata, error)
}

// Params carries the server's collaborators. Self must already include
// the bound HTTP address.
type Params struct {
	Self    mesh.PeerMetadata
	Finder  RoleFinder
	Queue   *scheduler.Queue
	Sched   scheduler.Client
	Store   *storage.Store // nil when the storage role is disabled
	Exts    extensions.Table
	Metrics *telemetry.Metrics
	Version string
}

// Server is the agent's HTTP front door: the handler table, the body
// cap, instrumentation, and the role-routing relay middleware.
type Server struct {
	self    mesh.PeerMetadata
	finder  RoleFinder
	queue   *scheduler.Queue
	sched   scheduler.Client
	store   *storage.Store
	exts    extensions.Table
	metrics *telemetry.Metrics
	version string

	startTime   time.Time
	relayClient *http.Client
	httpServer  *http.Server
}

// New assembles the front door.
func New(p Params) *Server {
	s := &Server{
		self:      p.Self,
		finder:    p.Finder,
		queue:     p.Queue,
		sched:     p.Sched,
		store:     p.Store,
		exts:      p.Exts,
		metrics:   p.Metrics,
		version:   p.Version,
		startTime: time.Now(),
		// Per-relay deadlines come from request contexts; the client
		// itself carries no timeout so streaming bodies aren't cut off.
		relayClient: &http.Client{},
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the fully layered handler: instrumentation outermost,
// then the body cap, then the relay middleware, then the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.instrument(s.limitBody(s.proxyUnavailable(mux)))
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /monitor/ping", s.handlePing)
	mux.HandleFunc("GET /monitor/status", s.handleStatus)
	mux.HandleFunc("GET /monitor/history", s.handleHistory)
	mux.Handle("GET /monitor/metrics", s.metrics.Handler())

	mux.HandleFunc("POST /v1/scheduler/claim", s.handleClaim)
	// enqueue/{name} and {id}/complete would overlap without either being
	// more specific, which ServeMux rejects; one pattern serves all three.
	mux.HandleFunc("POST /v1/scheduler/{id}/{action}", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.PathValue("id") == "enqueue":
			r.SetPathValue("name", r.PathValue("action"))
			s.handleEnqueue(w, r)
		case r.PathValue("action") == "complete":
			s.handleComplete(w, r)
		case r.PathValue("action") == "tickle":
			s.handleTickle(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("GET /v1/scheduler/{id}/status", s.handleJobStatus)

	mux.HandleFunc("POST /v1/jobs/{name}/run", s.handleRunJob)

	mux.HandleFunc("GET /v1/storage/manifests", s.handleListManifests)
	mux.HandleFunc("POST /v1/storage/manifests", s.handleStoreManifest)
	mux.HandleFunc("GET /v1/storage/manifests/{name}", s.handleGetManifest)
	mux.HandleFunc("HEAD /v1/storage/manifests/{name}", s.handleHasManifest)
	mux.HandleFunc("PUT /v1/storage/manifests/{name}/executable/{version}", s.handleStoreExecutable)
	mux.HandleFunc("GET /v1/storage/manifests/{name}/executable/{version}", s.handleGetExecutable)
}

// Listen binds the front door. A non-zero port binds exactly that port;
// zero scans upward from start until a bind succeeds, which is how
// multiple agents share a host without coordination.
func Listen(host string, port, start int) (net.Listener, error) {
	if port != 0 {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return nil, fmt.Errorf("specified port %d is already in use: %w", port, err)
		}
		return l, nil
	}
	for p := start; p < start+portScanLimit; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			return l, nil
		}
	}
	return nil, fmt.Errorf("no free port in [%d, %d)", start, start+portScanLimit)
}

// Serve runs the HTTP server on the listener until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	err := s.httpServer.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- response helpers ---

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}
