package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/servals/serval-mesh/internal/scheduler"
	"github.com/servals/serval-mesh/pkg/mesh"
)

// SchedulerClient implements scheduler.Client against a scheduler peer
// found on the mesh. A peer is looked up per call, so a scheduler that
// restarts or moves is picked up without any session state here.
type SchedulerClient struct {
	finder RoleFinder
	self   uuid.UUID
	client *http.Client
}

var _ scheduler.Client = (*SchedulerClient)(nil)

// NewSchedulerClient builds a mesh-backed scheduler client. self is the
// local peer id, sent as the claimant identity.
func NewSchedulerClient(finder RoleFinder, self uuid.UUID) *SchedulerClient {
	return &SchedulerClient{finder: finder, self: self, client: &http.Client{}}
}

func (c *SchedulerClient) Enqueue(ctx context.Context, name string, input []byte) (uuid.UUID, error) {
	var out EnqueueResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/scheduler/enqueue/"+url.PathEscape(name), input, &out)
	if err != nil {
		return uuid.Nil, err
	}
	if status != http.StatusOK {
		return uuid.Nil, fmt.Errorf("enqueue failed with status %d", status)
	}
	return out.JobID, nil
}

func (c *SchedulerClient) Claim(ctx context.Context, claimant uuid.UUID) (scheduler.Claim, bool, error) {
	var out ClaimResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/scheduler/claim", nil, &out)
	if err != nil {
		return scheduler.Claim{}, false, err
	}
	switch status {
	case http.StatusOK:
		return scheduler.Claim{ID: out.JobID, Name: out.Name, Input: out.Input}, true, nil
	case http.StatusNotFound:
		return scheduler.Claim{}, false, nil
	default:
		return scheduler.Claim{}, false, fmt.Errorf("claim failed with status %d", status)
	}
}

func (c *SchedulerClient) Complete(ctx context.Context, id uuid.UUID, jobStatus scheduler.Status, output []byte) error {
	path := fmt.Sprintf("/v1/scheduler/%s/complete?status=%s", id, jobStatus)
	status, err := c.do(ctx, http.MethodPost, path, output, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", scheduler.ErrNotFound, id)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: job %s", scheduler.ErrInvalidTransition, id)
	default:
		return fmt.Errorf("complete failed with status %d", status)
	}
}

func (c *SchedulerClient) Tickle(ctx context.Context, id uuid.UUID) error {
	status, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/scheduler/%s/tickle", id), nil, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", scheduler.ErrNotFound, id)
	default:
		return fmt.Errorf("tickle failed with status %d", status)
	}
}

func (c *SchedulerClient) Status(ctx context.Context, id uuid.UUID) (scheduler.JobView, error) {
	var out JobStatusResponse
	status, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/scheduler/%s/status", id), nil, &out)
	if err != nil {
		return scheduler.JobView{}, err
	}
	switch status {
	case http.StatusOK:
		return scheduler.JobView{Status: out.Status, Output: out.Output}, nil
	case http.StatusNotFound:
		return scheduler.JobView{}, fmt.Errorf("%w: %s", scheduler.ErrNotFound, id)
	default:
		return scheduler.JobView{}, fmt.Errorf("status query failed with status %d", status)
	}
}

// do finds a scheduler peer, issues one request, and decodes a JSON
// response into out when out is non-nil and the status is 200.
func (c *SchedulerClient) do(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	peer, err := c.finder.FindRole(mesh.RoleScheduler)
	if err != nil {
		return 0, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+peer.HTTPAddr+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set(ClaimantHeader, c.self.String())

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("scheduler peer %s: %w", peer.PeerID, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode scheduler response: %w", err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}
