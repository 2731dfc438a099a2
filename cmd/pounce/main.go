// Command pounce interacts with a running serval agent daemon via its
// HTTP API. With no SERVAL_NODE_URL configured it discovers an agent by
// briefly joining the mesh as a client.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/servals/serval-mesh/pkg/mesh"
)

// Exit codes: 0 success, 1 generic failure, 2 mesh discovery failure.
const (
	exitFailure   = 1
	exitDiscovery = 2
)

// discoverySettle bounds how long the client waits for the mesh view to
// produce a usable peer.
const discoverySettle = 5 * time.Second

var version = "dev"

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitFailure)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runJob(os.Args[2:])
	case "status":
		err = jobStatus(os.Args[2:])
	case "results":
		err = jobResults(os.Args[2:])
	case "history":
		err = history()
	case "peers":
		err = listPeers()
	case "version", "--version":
		fmt.Printf("pounce %s (go %s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(exitFailure)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "pounce:", err)
		if isDiscoveryError(err) {
			os.Exit(exitDiscovery)
		}
		os.Exit(exitFailure)
	}
}

func printUsage() {
	fmt.Println("Usage: pounce <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run [-name N] [-sync] [FILE]   Enqueue the input payload as a job; FILE or stdin")
	fmt.Println("  status <job-id>                Get the status of a job in progress")
	fmt.Println("  results <job-id>               Get a finished job's output bytes")
	fmt.Println("  history                        Dump the agent's in-memory job history")
	fmt.Println("  peers                          List peers visible on the mesh")
	fmt.Println("  version                        Print version")
	fmt.Println()
	fmt.Println("Set SERVAL_NODE_URL to skip mesh discovery.")
}

type discoveryError struct{ err error }

func (e discoveryError) Error() string { return "mesh discovery failed: " + e.err.Error() }
func (e discoveryError) Unwrap() error { return e.err }

func isDiscoveryError(err error) bool {
	var de discoveryError
	return errors.As(err, &de)
}

// baseURL finds the agent to talk to: explicit SERVAL_NODE_URL, else a
// one-shot mesh discovery for a scheduler-capable peer.
func baseURL() (string, error) {
	if override := os.Getenv("SERVAL_NODE_URL"); override != "" {
		return strings.TrimRight(override, "/"), nil
	}
	peer, err := discoverPeer(mesh.RoleScheduler)
	if err != nil {
		return "", discoveryError{err}
	}
	return "http://" + peer.HTTPAddr, nil
}

// discoverPeer joins the mesh as a transient client, waits for the view
// to settle enough to answer, and leaves again. The client is not a
// member afterwards.
func discoverPeer(role mesh.Role) (mesh.PeerMetadata, error) {
	hostname, _ := os.Hostname()
	self := mesh.NewPeerMetadata("pounce@"+hostname, mesh.NewRoleSet(mesh.RoleClient), "", "")

	m := mesh.New(self, mesh.Config{
		BindPort:   0, // ephemeral; agents find us irrelevant and we leave anyway
		EnableMDNS: true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), discoverySettle)
	defer cancel()
	if err := m.Start(ctx); err != nil {
		return mesh.PeerMetadata{}, err
	}
	defer m.Stop()

	for {
		if peer, err := m.FindRole(role); err == nil {
			return peer, nil
		}
		select {
		case <-ctx.Done():
			return mesh.PeerMetadata{}, fmt.Errorf("no peer with role %s within %s", role, discoverySettle)
		case <-m.Updates():
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// runJob posts an input payload under a job name. -sync waits for the
// output via the synchronous run endpoint; otherwise the job id is
// printed for later status/results calls.
func runJob(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	name := fs.String("name", "", "job name (defaults to the file name, or \"job\")")
	sync := fs.Bool("sync", false, "wait for the job and write its output to stdout")
	fs.Parse(args)

	input, inputName, err := readInput(fs.Arg(0))
	if err != nil {
		return err
	}
	if *name == "" {
		*name = inputName
	}

	base, err := baseURL()
	if err != nil {
		return err
	}

	if *sync {
		resp, err := http.Post(base+"/v1/jobs/"+*name+"/run", "application/octet-stream", bytes.NewReader(input))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("job failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		_, err = os.Stdout.Write(body)
		return err
	}

	resp, err := http.Post(base+"/v1/scheduler/enqueue/"+*name, "application/octet-stream", bytes.NewReader(input))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("enqueue failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		JobID uuid.UUID `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	fmt.Println(out.JobID)
	return nil
}

// readInput loads the payload from a file, or stdin when no path is
// given.
func readInput(path string) (data []byte, name string, err error) {
	if path == "" {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, "", err
		}
		if len(data) == 0 {
			return nil, "", fmt.Errorf("no input data read from stdin")
		}
		return data, "job", nil
	}
	data, err = os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	base := filepath.Base(path)
	return data, strings.TrimSuffix(base, filepath.Ext(base)), nil
}

func jobStatus(args []string) error {
	id, err := parseJobID(args)
	if err != nil {
		return err
	}
	return printJSON("/v1/scheduler/" + id.String() + "/status")
}

// jobResults writes a finished job's raw output bytes to stdout.
func jobResults(args []string) error {
	id, err := parseJobID(args)
	if err != nil {
		return err
	}
	base, err := baseURL()
	if err != nil {
		return err
	}
	resp, err := http.Get(base + "/v1/scheduler/" + id.String() + "/status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		Status string `json:"status"`
		Output []byte `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	_, err = os.Stdout.Write(out.Output)
	return err
}

func history() error {
	return printJSON("/monitor/history")
}

// listPeers joins the mesh briefly and prints every visible peer other
// than itself.
func listPeers() error {
	hostname, _ := os.Hostname()
	self := mesh.NewPeerMetadata("pounce@"+hostname, mesh.NewRoleSet(mesh.RoleClient), "", "")
	m := mesh.New(self, mesh.Config{BindPort: 0, EnableMDNS: true})

	ctx, cancel := context.WithTimeout(context.Background(), discoverySettle)
	defer cancel()
	if err := m.Start(ctx); err != nil {
		return discoveryError{err}
	}
	defer m.Stop()
	m.Settle(ctx, 500*time.Millisecond)

	peers := m.Peers()
	if len(peers) <= 1 {
		return discoveryError{fmt.Errorf("no other peers visible")}
	}
	for _, p := range peers {
		if p.PeerID == self.PeerID {
			continue
		}
		addr := p.HTTPAddr
		if addr == "" {
			addr = "-"
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", p.PeerID, p.DisplayName, p.Roles, addr)
	}
	return nil
}

func parseJobID(args []string) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.Nil, fmt.Errorf("expected exactly one job id argument")
	}
	return uuid.Parse(args[0])
}

// printJSON fetches a JSON endpoint and pretty-prints it.
func printJSON(path string) error {
	base, err := baseURL()
	if err != nil {
		return err
	}
	resp, err := http.Get(base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		os.Stdout.Write(body)
		return nil
	}
	pretty.WriteByte('\n')
	_, err = os.Stdout.Write(pretty.Bytes())
	return err
}
