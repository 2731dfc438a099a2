package mesh

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"
)

// MDNSServiceName is the DNS-SD service type used for LAN discovery.
// Fixed for all serval agents.
const MDNSServiceName = "_serval._udp"

const (
	// browseInterval controls how often we re-query the network. Each
	// round creates a fresh multicast socket, working around platforms
	// where a single long-lived Browse stalls silently.
	browseInterval = 15 * time.Second

	// browseTimeout is how long each browse round runs before being
	// canceled and restarted.
	browseTimeout = 5 * time.Second

	// dedupeInterval suppresses repeated join attempts to the same
	// gossip address. mDNS fires multiple events per peer per round.
	dedupeInterval = 30 * time.Second

	// gossipPrefix marks the TXT record carrying a peer's gossip address.
	gossipPrefix = "gossip="
)

// discovery advertises the local gossip endpoint over mDNS and
// periodically browses for other agents, feeding their gossip addresses
// to the join callback. Membership itself (metadata, failure detection)
// is the gossip layer's job; mDNS only solves bootstrap.
type discovery struct {
	instance   string
	gossipPort int
	join       func(addrs []string)

	server *zeroconf.Server
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lastTry map[string]time.Time
}

func newDiscovery(instance string, gossipPort int, join func([]string)) *discovery {
	return &discovery{
		instance:   instance,
		gossipPort: gossipPort,
		join:       join,
		lastTry:    make(map[string]time.Time),
	}
}

// start registers the mDNS service and launches the periodic browse loop.
func (d *discovery) start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	ips := localIPv4s()
	txts := make([]string, 0, len(ips))
	for _, ip := range ips {
		txts = append(txts, gossipPrefix+net.JoinHostPort(ip, strconv.Itoa(d.gossipPort)))
	}

	server, err := zeroconf.RegisterProxy(
		d.instance,
		MDNSServiceName,
		"local.",
		d.gossipPort,
		d.instance,
		ips,
		txts,
		nil,
	)
	if err != nil {
		return err
	}
	d.server = server

	d.wg.Add(1)
	go d.browseLoop()
	return nil
}

// close stops advertising and waits for the browse loop to exit.
func (d *discovery) close() {
	d.cancel()
	if d.server != nil {
		d.server.Shutdown()
	}
	d.wg.Wait()
}

func (d *discovery) browseLoop() {
	defer d.wg.Done()

	// First browse right away so a freshly started peer finds the LAN
	// without waiting a full interval.
	d.runBrowse()

	ticker := time.NewTicker(browseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runBrowse()
		}
	}
}

// runBrowse executes a single bounded browse round and joins any gossip
// addresses found in TXT records.
func (d *discovery) runBrowse() {
	browseCtx, browseCancel := context.WithTimeout(d.ctx, browseTimeout)
	defer browseCancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)

	var browseWG sync.WaitGroup
	browseWG.Add(1)
	go func() {
		defer browseWG.Done()
		for entry := range entries {
			d.processEntry(entry)
		}
	}()

	if err := zeroconf.Browse(browseCtx, MDNSServiceName, "local.", entries); err != nil {
		if d.ctx.Err() == nil {
			slog.Debug("mdns: browse round error", "error", err)
		}
	}
	browseWG.Wait()
}

func (d *discovery) processEntry(entry *zeroconf.ServiceEntry) {
	if entry == nil || entry.Instance == d.instance {
		return
	}

	var addrs []string
	for _, txt := range entry.Text {
		if !strings.HasPrefix(txt, gossipPrefix) {
			continue
		}
		addr := txt[len(gossipPrefix):]
		if _, _, err := net.SplitHostPort(addr); err != nil {
			slog.Debug("mdns: bad gossip address in TXT", "addr", addr, "error", err)
			continue
		}
		if d.recentlyTried(addr) {
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return
	}

	slog.Debug("mdns: discovered agent on LAN", "instance", entry.Instance, "addrs", addrs)
	d.join(addrs)
}

func (d *discovery) recentlyTried(addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastTry[addr]; ok && time.Since(last) < dedupeInterval {
		return true
	}
	d.lastTry[addr] = time.Now()
	return false
}

// PrimaryIPv4 returns the first non-loopback IPv4 address of an active
// interface, or 127.0.0.1 when the host has none. Used when binding the
// wildcard address but advertising something peers can actually dial.
func PrimaryIPv4() string {
	return localIPv4s()[0]
}

// localIPv4s returns the non-loopback IPv4 addresses of all active
// interfaces, for the mDNS A records and gossip TXT records. Falls back
// to 127.0.0.1 so single-host setups still discover themselves.
func localIPv4s() []string {
	var ips []string
	ifaces, err := net.Interfaces()
	if err != nil {
		return []string{"127.0.0.1"}
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || ip4.IsLinkLocalUnicast() {
				continue
			}
			ips = append(ips, ip4.String())
		}
	}
	if len(ips) == 0 {
		ips = append(ips, "127.0.0.1")
	}
	return ips
}
