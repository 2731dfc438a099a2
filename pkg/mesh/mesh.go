package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/prometheus/client_golang/prometheus"
)

// leaveTimeout bounds the best-effort departure broadcast on Stop.
const leaveTimeout = 3 * time.Second

// Config controls how a peer participates in the gossip group.
type Config struct {
	// BindAddr is the interface address to gossip on. Defaults to 0.0.0.0.
	BindAddr string

	// BindPort is the gossip port. 0 picks an ephemeral port, which is
	// what one-shot clients want; agents use the fleet-wide mesh port so
	// mDNS-discovered peers can reach them.
	BindPort int

	// Bootstrap lists known gossip addresses to join immediately,
	// bypassing discovery. Mostly used by tests and fixed deployments.
	Bootstrap []string

	// EnableMDNS turns on zeroconf advertisement and the periodic browse
	// loop that feeds discovered peers into the gossip join.
	EnableMDNS bool

	// Registerer receives the mesh's metrics collectors. Nil disables
	// metric registration.
	Registerer prometheus.Registerer
}

// Mesh is a single peer's membership in the LAN gossip group. It wraps
// memberlist for failure detection and metadata dissemination and
// zeroconf mDNS for zero-config bootstrap.
type Mesh struct {
	self  PeerMetadata
	cfg   Config
	ml    *memberlist.Memberlist
	disco *discovery

	// updates is a coalesced membership-change signal. Receivers must
	// treat it as "something changed, re-query Peers()".
	updates chan struct{}

	mu      sync.Mutex
	started bool

	joinsTotal  prometheus.Counter
	leavesTotal prometheus.Counter
}

// New prepares a mesh membership for the given peer identity. Start must
// be called to actually join the group.
func New(self PeerMetadata, cfg Config) *Mesh {
	m := &Mesh{
		self:    self,
		cfg:     cfg,
		updates: make(chan struct{}, 1),
		joinsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serval_mesh_peers_joined_total",
			Help: "Total number of peers observed joining the mesh.",
		}),
		leavesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serval_mesh_peers_left_total",
			Help: "Total number of peers observed leaving the mesh.",
		}),
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(m.joinsTotal, m.leavesTotal)
	}
	return m
}

// Self returns the local peer's metadata.
func (m *Mesh) Self() PeerMetadata {
	return m.self
}

// Start joins the gossip group: binds the memberlist transport, joins any
// bootstrap addresses, and begins mDNS advertisement and browsing when
// enabled. The context governs the discovery loop's lifetime.
func (m *Mesh) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("mesh already started")
	}

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = m.self.PeerID.String()
	if m.cfg.BindAddr != "" {
		cfg.BindAddr = m.cfg.BindAddr
	}
	cfg.BindPort = m.cfg.BindPort
	cfg.AdvertisePort = m.cfg.BindPort
	cfg.Delegate = &nodeDelegate{meta: m.self}
	cfg.Events = &eventTracker{mesh: m}
	cfg.LogOutput = &slogWriter{}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return fmt.Errorf("create gossip member: %w", err)
	}
	m.ml = ml
	m.started = true

	if len(m.cfg.Bootstrap) > 0 {
		if _, err := ml.Join(m.cfg.Bootstrap); err != nil {
			slog.Warn("mesh: bootstrap join failed", "error", err)
		}
	}

	if m.cfg.EnableMDNS {
		gossipPort := int(ml.LocalNode().Port)
		m.disco = newDiscovery(m.self.PeerID.String(), gossipPort, m.joinAddrs)
		if err := m.disco.start(ctx); err != nil {
			ml.Shutdown()
			m.started = false
			return fmt.Errorf("start mdns discovery: %w", err)
		}
	}

	slog.Info("mesh: joined gossip group",
		"peer", m.self.PeerID, "roles", m.self.Roles, "gossip_addr", m.GossipAddr())
	return nil
}

// Stop announces departure, then tears down discovery and the gossip
// transport. Best effort: a crash-equivalent exit just means peers expel
// us after the failure-detection timeout instead.
func (m *Mesh) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false

	if err := m.ml.Leave(leaveTimeout); err != nil {
		slog.Warn("mesh: leave broadcast failed", "error", err)
	}
	if m.disco != nil {
		m.disco.close()
	}
	return m.ml.Shutdown()
}

// GossipAddr returns the address the local peer gossips on.
func (m *Mesh) GossipAddr() string {
	if m.ml == nil {
		return ""
	}
	node := m.ml.LocalNode()
	return net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))
}

// Peers snapshots the currently-live members, including self. Members
// whose metadata cannot be decoded (foreign or future peers) are skipped.
func (m *Mesh) Peers() []PeerMetadata {
	if m.ml == nil {
		return nil
	}
	members := m.ml.Members()
	peers := make([]PeerMetadata, 0, len(members))
	for _, node := range members {
		meta, err := DecodePeerMetadata(node.Meta)
		if err != nil {
			slog.Warn("mesh: skipping member with bad metadata", "node", node.Name, "error", err)
			continue
		}
		peers = append(peers, meta)
	}
	return peers
}

// FindRole returns a live peer advertising the given role, excluding
// self. Selection is uniformly random among candidates so that no peer
// is starved under steady state.
func (m *Mesh) FindRole(role Role) (PeerMetadata, error) {
	if m.ml == nil {
		return PeerMetadata{}, ErrNotStarted
	}
	var candidates []PeerMetadata
	for _, p := range m.Peers() {
		if p.PeerID == m.self.PeerID {
			continue
		}
		if p.HasRole(role) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return PeerMetadata{}, fmt.Errorf("%w %s", ErrNoPeerForRole, role)
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// Updates returns a coalesced membership-change signal: the channel
// receives after peers join, leave, or update. Slow receivers only ever
// miss intermediate states, never the fact that something changed.
func (m *Mesh) Updates() <-chan struct{} {
	return m.updates
}

// Settle blocks until the member count has held steady for three
// consecutive polls, or the context ends. Callers that need a usable
// view right after joining (the CLI's peer listing) wait on this with
// their settling budget as the context deadline.
func (m *Mesh) Settle(ctx context.Context, interval time.Duration) {
	const stablePolls = 3
	nPeers := -1
	stable := 0
	for stable < stablePolls {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		n := m.ml.NumMembers()
		if n == nPeers {
			stable++
		} else {
			stable = 0
			nPeers = n
		}
	}
}

// joinAddrs is handed to the discovery loop; it folds freshly discovered
// gossip addresses into the group.
func (m *Mesh) joinAddrs(addrs []string) {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started || len(addrs) == 0 {
		return
	}
	if _, err := m.ml.Join(addrs); err != nil {
		slog.Debug("mesh: join of discovered peers failed", "addrs", addrs, "error", err)
	}
}

func (m *Mesh) notifyUpdate() {
	select {
	case m.updates <- struct{}{}:
	default: // a signal is already pending
	}
}

// nodeDelegate carries the local peer's encoded metadata in gossip
// payloads. We gossip no application state, so everything but NodeMeta
// is a no-op.
type nodeDelegate struct {
	meta PeerMetadata
}

func (d *nodeDelegate) NodeMeta(limit int) []byte {
	encoded := d.meta.Encode()
	if len(encoded) > limit {
		slog.Error("mesh: encoded metadata exceeds gossip limit, truncating",
			"size", len(encoded), "limit", limit)
		encoded = encoded[:limit]
	}
	return encoded
}

func (d *nodeDelegate) NotifyMsg([]byte)                         {}
func (d *nodeDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte              { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool)   {}

// eventTracker observes membership transitions for logging, metrics,
// and the coalesced update signal.
type eventTracker struct {
	mesh *Mesh
}

func (t *eventTracker) NotifyJoin(n *memberlist.Node) {
	t.mesh.joinsTotal.Inc()
	slog.Info("mesh: peer joined", "node", n.Name, "addr", n.Address())
	t.mesh.notifyUpdate()
}

func (t *eventTracker) NotifyLeave(n *memberlist.Node) {
	t.mesh.leavesTotal.Inc()
	slog.Info("mesh: peer left", "node", n.Name, "addr", n.Address())
	t.mesh.notifyUpdate()
}

func (t *eventTracker) NotifyUpdate(n *memberlist.Node) {
	slog.Debug("mesh: peer updated", "node", n.Name)
	t.mesh.notifyUpdate()
}

// slogWriter routes memberlist's internal log lines to slog at debug
// level; they are chatty and rarely interesting.
type slogWriter struct{}

func (w *slogWriter) Write(b []byte) (int, error) {
	slog.Debug("memberlist", "msg", string(b))
	return len(b), nil
}
