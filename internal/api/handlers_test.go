package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/servals/serval-mesh/internal/scheduler"
	"github.com/servals/serval-mesh/pkg/mesh"
)

func schedulerServer(t *testing.T) (*httptest.Server, *scheduler.Queue) {
	t.Helper()
	s, queue := newTestServer(t, mesh.NewRoleSet(mesh.RoleScheduler, mesh.RoleRunner, mesh.RoleStorage),
		staticFinder{err: mesh.ErrNoPeerForRole})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, queue
}

func TestEnqueueClaimCompleteOverHTTP(t *testing.T) {
	ts, _ := schedulerServer(t)

	// Enqueue
	resp, err := http.Post(ts.URL+"/v1/scheduler/enqueue/echo", "application/octet-stream",
		bytes.NewReader([]byte{0x68, 0x69}))
	if err != nil {
		t.Fatal(err)
	}
	var enq EnqueueResponse
	mustDecode(t, resp, http.StatusOK, &enq)

	// Claim
	resp, err = http.Post(ts.URL+"/v1/scheduler/claim", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	var claim ClaimResponse
	mustDecode(t, resp, http.StatusOK, &claim)
	if claim.JobID != enq.JobID || claim.Name != "echo" || !bytes.Equal(claim.Input, []byte{0x68, 0x69}) {
		t.Fatalf("claim mismatch: %+v", claim)
	}

	// Complete
	resp, err = http.Post(fmt.Sprintf("%s/v1/scheduler/%s/complete", ts.URL, enq.JobID),
		"application/octet-stream", bytes.NewReader([]byte{0x48, 0x49}))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d", resp.StatusCode)
	}

	// Status
	resp, err = http.Get(fmt.Sprintf("%s/v1/scheduler/%s/status", ts.URL, enq.JobID))
	if err != nil {
		t.Fatal(err)
	}
	var status JobStatusResponse
	mustDecode(t, resp, http.StatusOK, &status)
	if status.Status != scheduler.StatusCompleted || !bytes.Equal(status.Output, []byte{0x48, 0x49}) {
		t.Fatalf("status mismatch: %+v", status)
	}
}

func TestDoubleCompleteOverHTTP(t *testing.T) {
	ts, queue := schedulerServer(t)
	id := queue.Enqueue("echo", nil)
	queue.Claim(uuid.Nil)
	if err := queue.Complete(id, scheduler.StatusCompleted, []byte("done")); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(fmt.Sprintf("%s/v1/scheduler/%s/complete", ts.URL, id), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("double complete status = %d, want 400", resp.StatusCode)
	}
}

func TestClaimEmptyQueueOverHTTP(t *testing.T) {
	ts, _ := schedulerServer(t)
	resp, err := http.Post(ts.URL+"/v1/scheduler/claim", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("claim on empty queue = %d, want 404", resp.StatusCode)
	}
}

func TestCompleteWithFailedStatus(t *testing.T) {
	ts, queue := schedulerServer(t)
	id := queue.Enqueue("echo", nil)
	queue.Claim(uuid.Nil)

	resp, err := http.Post(fmt.Sprintf("%s/v1/scheduler/%s/complete?status=failed", ts.URL, id),
		"application/octet-stream", strings.NewReader("engine exploded"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete?status=failed = %d", resp.StatusCode)
	}

	view, _ := queue.Get(id)
	if view.Status != scheduler.StatusFailed || string(view.Output) != "engine exploded" {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestMalformedAndUnknownJobIDs(t *testing.T) {
	ts, _ := schedulerServer(t)

	resp, _ := http.Post(ts.URL+"/v1/scheduler/not-a-uuid/tickle", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed id = %d, want 400", resp.StatusCode)
	}

	resp, _ = http.Post(fmt.Sprintf("%s/v1/scheduler/%s/tickle", ts.URL, uuid.New()), "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id = %d, want 404", resp.StatusCode)
	}
}

func TestClaimAcceptsClaimantHeader(t *testing.T) {
	ts, queue := schedulerServer(t)
	queue.Enqueue("echo", nil)

	claimant := uuid.New()
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/scheduler/claim", nil)
	req.Header.Set(ClaimantHeader, claimant.String())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim = %d", resp.StatusCode)
	}
}

func TestPing(t *testing.T) {
	ts, _ := schedulerServer(t)
	resp, err := http.Get(ts.URL + "/monitor/ping")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "pong" {
		t.Fatalf("ping body = %q", body)
	}
}

func TestMonitorStatus(t *testing.T) {
	ts, queue := schedulerServer(t)
	queue.Enqueue("echo", nil)

	resp, err := http.Get(ts.URL + "/monitor/status")
	if err != nil {
		t.Fatal(err)
	}
	var status AgentStatus
	mustDecode(t, resp, http.StatusOK, &status)
	if status.Queue.Pending != 1 {
		t.Fatalf("status reports %d pending, want 1", status.Queue.Pending)
	}
	if len(status.Roles) == 0 {
		t.Fatal("status reports no roles")
	}
}

// TestRunJobSynchronous exercises the enqueue+await+return convenience
// endpoint, with an in-test runner standing in for the poll loop.
func TestRunJobSynchronous(t *testing.T) {
	ts, queue := schedulerServer(t)

	// A minimal runner: claim, uppercase, complete.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			if claim, ok := queue.Claim(uuid.Nil); ok {
				queue.Complete(claim.ID, scheduler.StatusCompleted, bytes.ToUpper(claim.Input))
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	resp, err := http.Post(ts.URL+"/v1/jobs/upper/run", "application/octet-stream",
		strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run = %d: %s", resp.StatusCode, body)
	}
	if string(body) != "HELLO" {
		t.Fatalf("run output = %q", body)
	}
}

func TestRunJobFailureMapsToBadGateway(t *testing.T) {
	ts, queue := schedulerServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			if claim, ok := queue.Claim(uuid.Nil); ok {
				queue.Complete(claim.ID, scheduler.StatusFailed, []byte("no such manifest"))
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	resp, err := http.Post(ts.URL+"/v1/jobs/missing/run", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("failed run = %d, want 502", resp.StatusCode)
	}
	if string(body) != "no such manifest" {
		t.Fatalf("failed run body = %q", body)
	}
}

func TestStorageManifestLifecycle(t *testing.T) {
	ts, _ := schedulerServer(t)

	manifest := "name: hello-wasm\nversion: \"1.0.0\"\ndescription: test manifest\n"
	resp, err := http.Post(ts.URL+"/v1/storage/manifests", "application/yaml", strings.NewReader(manifest))
	if err != nil {
		t.Fatal(err)
	}
	var stored StoreResponse
	mustDecode(t, resp, http.StatusCreated, &stored)
	if stored.Name != "hello-wasm" || stored.Integrity == "" {
		t.Fatalf("store response: %+v", stored)
	}

	resp, err = http.Get(ts.URL + "/v1/storage/manifests/hello-wasm")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != manifest {
		t.Fatalf("manifest round trip mismatch: %q", body)
	}

	resp, err = http.Head(ts.URL + "/v1/storage/manifests/hello-wasm")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("HEAD existing = %d", resp.StatusCode)
	}

	resp, err = http.Head(ts.URL + "/v1/storage/manifests/absent")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("HEAD absent = %d", resp.StatusCode)
	}

	var list ManifestListResponse
	resp, err = http.Get(ts.URL + "/v1/storage/manifests")
	if err != nil {
		t.Fatal(err)
	}
	mustDecode(t, resp, http.StatusOK, &list)
	if len(list.Manifests) != 1 || list.Manifests[0] != "hello-wasm" {
		t.Fatalf("list = %v", list.Manifests)
	}
}

func TestStorageExecutableRoundTrip(t *testing.T) {
	ts, _ := schedulerServer(t)

	blob := bytes.Repeat([]byte{0x00, 0x61, 0x73, 0x6d}, 256) // wasm magic, repeated
	req, _ := http.NewRequest(http.MethodPut,
		ts.URL+"/v1/storage/manifests/hello-wasm/executable/1.0.0", bytes.NewReader(blob))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var stored StoreResponse
	mustDecode(t, resp, http.StatusCreated, &stored)

	resp, err = http.Get(ts.URL + "/v1/storage/manifests/hello-wasm/executable/1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Equal(body, blob) {
		t.Fatalf("executable round trip mismatch: %d bytes vs %d", len(body), len(blob))
	}
}

// TestListenScansPastBusyPort covers the dynamic port selection: with
// the scan start occupied, the next port up is chosen.
func TestListenScansPastBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	start := busy.Addr().(*net.TCPAddr).Port

	l, err := Listen("127.0.0.1", 0, start)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	defer l.Close()

	got := l.Addr().(*net.TCPAddr).Port
	if got == start {
		t.Fatalf("bound the busy port %d", start)
	}
	if got < start || got >= start+portScanLimit {
		t.Fatalf("bound port %d outside scan range from %d", got, start)
	}
}

func TestListenExplicitPortConflictFails(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	if _, err := Listen("127.0.0.1", port, 0); err == nil {
		t.Fatal("explicit busy port must fail, not scan")
	}
}

func mustDecode(t *testing.T, resp *http.Response, wantStatus int, out any) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, wantStatus, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
