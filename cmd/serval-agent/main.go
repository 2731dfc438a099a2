// Command serval-agent is the serval mesh agent daemon: an HTTP front
// door for WASM jobs, a LAN gossip membership, and whatever roles this
// host is configured to carry.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/servals/serval-mesh/internal/api"
	"github.com/servals/serval-mesh/internal/config"
	"github.com/servals/serval-mesh/internal/engine"
	"github.com/servals/serval-mesh/internal/extensions"
	"github.com/servals/serval-mesh/internal/runner"
	"github.com/servals/serval-mesh/internal/scheduler"
	"github.com/servals/serval-mesh/internal/storage"
	"github.com/servals/serval-mesh/internal/telemetry"
	"github.com/servals/serval-mesh/pkg/mesh"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0" -o serval-agent ./cmd/serval-agent
var version = "dev"

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(); err != nil {
		slog.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	eng := engine.Default()

	runJobs, err := resolveRunnerRole(cfg.RunnerRole, eng)
	if err != nil {
		return err
	}
	hasStorage := resolveStorageRole(cfg.StorageRole)

	var store *storage.Store
	if hasStorage {
		store, err = storage.New(cfg.BlobStore)
		if err != nil {
			return fmt.Errorf("open blob store: %w", err)
		}
	}

	exts, err := extensions.Load(cfg.ExtensionsPath)
	if err != nil {
		return fmt.Errorf("load extensions: %w", err)
	}

	queue := scheduler.NewQueue()
	metrics := telemetry.New(version, runtime.Version())
	slog.Info("agent configured", "storage", hasStorage, "run_jobs", runJobs)

	listener, err := api.Listen(cfg.Host, cfg.Port, config.DefaultPortScanStart)
	if err != nil {
		return err
	}
	port := listener.Addr().(*net.TCPAddr).Port

	// Advertise a reachable address: the bind host when concrete, the
	// primary LAN address when binding the wildcard.
	advertiseHost := cfg.Host
	if ip := net.ParseIP(cfg.Host); ip == nil || ip.IsUnspecified() {
		advertiseHost = mesh.PrimaryIPv4()
	}
	httpAddr := net.JoinHostPort(advertiseHost, strconv.Itoa(port))
	meshAddr := net.JoinHostPort(advertiseHost, strconv.Itoa(cfg.MeshPort))

	hostname, _ := os.Hostname()
	roles := mesh.NewRoleSet(mesh.RoleScheduler)
	if runJobs {
		roles = roles.With(mesh.RoleRunner)
	}
	if hasStorage {
		roles = roles.With(mesh.RoleStorage)
	}
	// One mesh identity per agent: the role set is the union of what is
	// enabled locally, never a second membership per role.
	self := mesh.NewPeerMetadata("agent@"+hostname, roles, httpAddr, meshAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := mesh.New(self, mesh.Config{
		BindPort:   cfg.MeshPort,
		EnableMDNS: true,
		Registerer: metrics.Registry,
	})
	if err := m.Start(ctx); err != nil {
		listener.Close()
		return err
	}

	sched := &scheduler.LocalClient{Queue: queue}
	server := api.New(api.Params{
		Self:    self,
		Finder:  m,
		Queue:   queue,
		Sched:   sched,
		Store:   store,
		Exts:    exts,
		Metrics: metrics,
		Version: version,
	})

	slog.Info("serval agent daemon listening", "host", cfg.Host, "port", port, "roles", roles)
	if store != nil {
		slog.Info("serval agent blob store mounted", "path", store.Root())
	}
	if len(exts) > 0 {
		slog.Info("extensions loaded", "count", len(exts), "names", exts.Names())
	}
	if runJobs {
		slog.Info("job running enabled")
	} else {
		slog.Info("job running not enabled (or not supported)")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(listener)
	})
	if runJobs {
		g.Go(func() error {
			return runner.New(sched, eng, self.PeerID).Run(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown incomplete", "error", err)
		}
		return m.Stop()
	})
	return g.Wait()
}

// resolveRunnerRole applies RUNNER_ROLE against engine availability.
// always on an unsupported platform is a configuration error, not a
// silent downgrade.
func resolveRunnerRole(mode config.RoleMode, eng engine.Engine) (bool, error) {
	switch mode {
	case config.RoleAlways:
		if !eng.Available() {
			return false, fmt.Errorf("RUNNER_ROLE is set to always, but this platform is not supported by the WASM engine")
		}
		return true, nil
	case config.RoleAuto:
		return eng.Available(), nil
	default:
		return false, nil
	}
}

// resolveStorageRole applies STORAGE_ROLE. auto stays off until
// distributed storage replaces the single-node store.
func resolveStorageRole(mode config.RoleMode) bool {
	return mode == config.RoleAlways
}
