package api

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/servals/serval-mesh/pkg/mesh"
)

// recordedRequest captures what a backend peer actually received.
type recordedRequest struct {
	method string
	path   string
	query  string
	header http.Header
	body   []byte
}

// backendPeer stands in for a role-capable peer: it records the inbound
// request and answers with a fixed response.
func backendPeer(t *testing.T, status int, header http.Header, body []byte) (*httptest.Server, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		rec.header = r.Header.Clone()
		rec.body, _ = io.ReadAll(r.Body)
		for name, values := range header {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(ts.Close)
	return ts, rec
}

func peerFor(ts *httptest.Server, roles mesh.RoleSet) mesh.PeerMetadata {
	u, _ := url.Parse(ts.URL)
	return mesh.PeerMetadata{
		PeerID:      uuid.New(),
		DisplayName: "backend",
		Roles:       roles,
		HTTPAddr:    u.Host,
	}
}

// TestRelayForwardsVerbatim: a request for a role the local peer lacks
// is relayed, and the response comes back bit-identical to asking the
// backend directly, modulo hop-by-hop headers.
func TestRelayForwardsVerbatim(t *testing.T) {
	respHeader := http.Header{}
	respHeader.Set("X-Custom", "yes")
	respHeader.Set("Content-Type", "application/octet-stream")
	backend, rec := backendPeer(t, http.StatusOK, respHeader, []byte{0xAA, 0xBB})
	peer := peerFor(backend, mesh.NewRoleSet(mesh.RoleRunner))

	front, _ := newTestServer(t, mesh.NewRoleSet(mesh.RoleScheduler), staticFinder{peer: peer})
	ts := httptest.NewServer(front.Handler())
	t.Cleanup(ts.Close)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/jobs/hello/run?mode=fast",
		bytes.NewReader([]byte("payload")))
	req.Header.Set("X-Request-Tag", "t1")
	req.Header.Set("Connection", "keep-alive")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("relayed status = %d", resp.StatusCode)
	}
	if !bytes.Equal(body, []byte{0xAA, 0xBB}) {
		t.Fatalf("relayed body = %x", body)
	}
	if resp.Header.Get("X-Custom") != "yes" {
		t.Fatal("upstream response header lost in relay")
	}

	// The backend saw the request verbatim: method, path, query,
	// end-to-end headers, and body, with hop-by-hop stripped and the
	// relay marker added.
	if rec.method != http.MethodPost || rec.path != "/v1/jobs/hello/run" || rec.query != "mode=fast" {
		t.Fatalf("backend saw %s %s?%s", rec.method, rec.path, rec.query)
	}
	if !bytes.Equal(rec.body, []byte("payload")) {
		t.Fatalf("backend body = %q", rec.body)
	}
	if rec.header.Get("X-Request-Tag") != "t1" {
		t.Fatal("end-to-end header lost on relay")
	}
	if rec.header.Get("Connection") != "" {
		t.Fatal("hop-by-hop header leaked through relay")
	}
	if rec.header.Get(RelayHeader) == "" {
		t.Fatal("relay marker missing on forwarded request")
	}
}

// TestRelayNoPeerAvailable: no peer advertises the role.
func TestRelayNoPeerAvailable(t *testing.T) {
	front, _ := newTestServer(t, mesh.NewRoleSet(), staticFinder{err: mesh.ErrNoPeerForRole})
	ts := httptest.NewServer(front.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/v1/scheduler/enqueue/x", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if !strings.Contains(string(body), "scheduler") {
		t.Fatalf("error body does not name the role: %q", body)
	}
}

// TestRelayLoopDetected: a request carrying our own relay marker is
// refused with 508.
func TestRelayLoopDetected(t *testing.T) {
	backend, _ := backendPeer(t, http.StatusOK, nil, nil)
	peer := peerFor(backend, mesh.NewRoleSet(mesh.RoleRunner))
	front, _ := newTestServer(t, mesh.NewRoleSet(mesh.RoleScheduler), staticFinder{peer: peer})
	ts := httptest.NewServer(front.Handler())
	t.Cleanup(ts.Close)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/jobs/x/run", nil)
	req.Header.Set(RelayHeader, front.self.PeerID.String())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusLoopDetected {
		t.Fatalf("status = %d, want 508", resp.StatusCode)
	}
}

// TestRelaySingleHop: a request relayed once already is never relayed
// again, even toward a capable peer.
func TestRelaySingleHop(t *testing.T) {
	backend, rec := backendPeer(t, http.StatusOK, nil, nil)
	peer := peerFor(backend, mesh.NewRoleSet(mesh.RoleRunner))
	front, _ := newTestServer(t, mesh.NewRoleSet(mesh.RoleScheduler), staticFinder{peer: peer})
	ts := httptest.NewServer(front.Handler())
	t.Cleanup(ts.Close)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/jobs/x/run", nil)
	req.Header.Set(RelayHeader, uuid.NewString()) // some other peer relayed this
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if rec.method != "" {
		t.Fatal("request was relayed a second time")
	}
}

// TestRelayUpstreamDown: the chosen peer is unreachable; the relay
// fails before any response bytes, so 503.
func TestRelayUpstreamDown(t *testing.T) {
	dead := mesh.PeerMetadata{
		PeerID:   uuid.New(),
		Roles:    mesh.NewRoleSet(mesh.RoleRunner),
		HTTPAddr: "127.0.0.1:1", // nothing listens here
	}
	front, _ := newTestServer(t, mesh.NewRoleSet(mesh.RoleScheduler), staticFinder{peer: dead})
	ts := httptest.NewServer(front.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/v1/jobs/x/run", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

// TestRelayPropagatesErrorStatus: upstream error statuses pass through
// untouched.
func TestRelayPropagatesErrorStatus(t *testing.T) {
	backend, _ := backendPeer(t, http.StatusNotFound, nil, []byte("no pending jobs"))
	peer := peerFor(backend, mesh.NewRoleSet(mesh.RoleScheduler))
	front, _ := newTestServer(t, mesh.NewRoleSet(), staticFinder{peer: peer})
	ts := httptest.NewServer(front.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/v1/scheduler/claim", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 passed through", resp.StatusCode)
	}
	if string(body) != "no pending jobs" {
		t.Fatalf("body = %q", body)
	}
}

// TestMonitorNeverRelayed: monitor endpoints require no role and are
// always served locally.
func TestMonitorNeverRelayed(t *testing.T) {
	front, _ := newTestServer(t, mesh.NewRoleSet(), staticFinder{err: mesh.ErrNoPeerForRole})
	ts := httptest.NewServer(front.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/monitor/ping")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "pong" {
		t.Fatalf("ping through roleless peer = %q", body)
	}
}

func TestRequiredRoleTable(t *testing.T) {
	tests := []struct {
		path string
		role mesh.Role
		none bool
	}{
		{path: "/v1/scheduler/claim", role: mesh.RoleScheduler},
		{path: "/v1/scheduler/enqueue/echo", role: mesh.RoleScheduler},
		{path: "/v1/jobs/echo/run", role: mesh.RoleRunner},
		{path: "/v1/storage/manifests", role: mesh.RoleStorage},
		{path: "/monitor/ping", none: true},
		{path: "/monitor/status", none: true},
	}
	for _, tc := range tests {
		role, ok := requiredRole(tc.path)
		if tc.none {
			if ok {
				t.Errorf("%s: expected no required role, got %s", tc.path, role)
			}
			continue
		}
		if !ok || role != tc.role {
			t.Errorf("%s: got (%v, %v), want %s", tc.path, role, ok, tc.role)
		}
	}
}
