package api

import (
	"runtime"
	"testing"

	"github.com/servals/serval-mesh/internal/extensions"
	"github.com/servals/serval-mesh/internal/scheduler"
	"github.com/servals/serval-mesh/internal/storage"
	"github.com/servals/serval-mesh/internal/telemetry"
	"github.com/servals/serval-mesh/pkg/mesh"
)

// staticFinder satisfies RoleFinder with a canned answer.
type staticFinder struct {
	peer mesh.PeerMetadata
	err  error
}

func (f staticFinder) FindRole(mesh.Role) (mesh.PeerMetadata, error) {
	return f.peer, f.err
}

// newTestServer builds a front door with the given local roles and
// finder, backed by a fresh queue and a temp-dir store.
func newTestServer(t *testing.T, roles mesh.RoleSet, finder RoleFinder) (*Server, *scheduler.Queue) {
	t.Helper()
	queue := scheduler.NewQueue()
	store, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	self := mesh.NewPeerMetadata("test-agent", roles, "127.0.0.1:0", "")
	s := New(Params{
		Self:    self,
		Finder:  finder,
		Queue:   queue,
		Sched:   &scheduler.LocalClient{Queue: queue},
		Store:   store,
		Exts:    extensions.Table{},
		Metrics: telemetry.New("test", runtime.Version()),
		Version: "test",
	})
	return s, queue
}
