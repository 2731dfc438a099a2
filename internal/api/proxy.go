package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/servals/serval-mesh/pkg/mesh"
)

// RelayHeader marks a request as already relayed once and names the
// relaying peer. Relays are limited to one hop: a recipient either
// serves a relayed request locally or refuses it.
const RelayHeader = "X-Relayed-By"

// relayTimeout bounds a whole relay round trip, headers through body.
const relayTimeout = 60 * time.Second

// hopByHopHeaders are stripped in both directions; they describe the
// connection, not the request.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// requiredRole maps a request path to the role whose handlers serve it.
// Monitor endpoints require no role at all.
func requiredRole(path string) (mesh.Role, bool) {
	switch {
	case strings.HasPrefix(path, "/v1/scheduler/"):
		return mesh.RoleScheduler, true
	case strings.HasPrefix(path, "/v1/jobs/"):
		return mesh.RoleRunner, true
	case strings.HasPrefix(path, "/v1/storage/"):
		return mesh.RoleStorage, true
	}
	return 0, false
}

// proxyUnavailable dispatches requests whose required role is installed
// locally, and transparently relays everything else to a peer that
// advertises the role.
func (s *Server) proxyUnavailable(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, ok := requiredRole(r.URL.Path)
		if !ok || s.self.HasRole(role) {
			next.ServeHTTP(w, r)
			return
		}
		s.relay(w, r, role)
	})
}

func (s *Server) relay(w http.ResponseWriter, r *http.Request, role mesh.Role) {
	// Loop and depth guard before anything else. Seeing our own id back
	// means a routing cycle; seeing anyone's means the request already
	// used its one hop.
	if via := r.Header.Values(RelayHeader); len(via) > 0 {
		for _, id := range via {
			if id == s.self.PeerID.String() {
				s.metrics.ProxyErrorsTotal.WithLabelValues("loop").Inc()
				respondError(w, http.StatusLoopDetected,
					fmt.Sprintf("relay loop detected for role %s", role))
				return
			}
		}
		s.metrics.ProxyErrorsTotal.WithLabelValues("depth").Inc()
		respondError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("refusing second relay hop for role %s", role))
		return
	}

	peer, err := s.finder.FindRole(role)
	if err != nil {
		s.metrics.ProxyErrorsTotal.WithLabelValues("no_peer").Inc()
		respondError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("no peer available for role %s", role))
		return
	}

	slog.Info("relaying request", "role", role, "path", r.URL.Path,
		"peer", peer.PeerID, "peer_addr", peer.HTTPAddr)
	s.metrics.ProxyRequestsTotal.WithLabelValues(role.String(), sanitizePath(r.URL.Path)).Inc()

	ctx, cancel := context.WithTimeout(r.Context(), relayTimeout)
	defer cancel()

	target := url.URL{
		Scheme:   "http",
		Host:     peer.HTTPAddr,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	outreq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to build relay request")
		return
	}
	outreq.Header = r.Header.Clone()
	stripHopByHop(outreq.Header)
	outreq.Header.Set(RelayHeader, s.self.PeerID.String())
	outreq.ContentLength = r.ContentLength

	resp, err := s.relayClient.Do(outreq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.metrics.ProxyErrorsTotal.WithLabelValues("timeout").Inc()
			respondError(w, http.StatusGatewayTimeout,
				fmt.Sprintf("relay to peer %s timed out", peer.PeerID))
			return
		}
		s.metrics.ProxyErrorsTotal.WithLabelValues("dial").Inc()
		respondError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("relay to peer %s failed: %v", peer.PeerID, err))
		return
	}
	defer resp.Body.Close()

	// Read ahead one chunk so an upstream that dies between headers and
	// body still gets a clean 502 instead of a truncated 200.
	buf := make([]byte, 32*1024)
	n, readErr := resp.Body.Read(buf)
	if n == 0 && readErr != nil && readErr != io.EOF {
		s.metrics.ProxyErrorsTotal.WithLabelValues("upstream").Inc()
		respondError(w, http.StatusBadGateway,
			fmt.Sprintf("relay upstream %s failed: %v", peer.PeerID, readErr))
		return
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if n > 0 {
		if _, err := w.Write(buf[:n]); err != nil {
			return // client went away; nothing left to do
		}
	}
	if readErr != nil {
		if readErr != io.EOF {
			s.abortRelay(peer, readErr)
		}
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.abortRelay(peer, err)
	}
}

// abortRelay handles a mid-stream upstream failure: the status line is
// long gone, so the only honest move is to drop the client connection.
func (s *Server) abortRelay(peer mesh.PeerMetadata, err error) {
	s.metrics.ProxyErrorsTotal.WithLabelValues("midstream").Inc()
	slog.Warn("relay aborted mid-stream", "peer", peer.PeerID, "error", err)
	panic(http.ErrAbortHandler)
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if http.CanonicalHeaderKey(name) == h {
			return true
		}
	}
	return false
}
