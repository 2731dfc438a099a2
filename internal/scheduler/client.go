package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Client is the scheduler surface as seen by runners and the synchronous
// run endpoint. The local implementation wraps the in-process queue; the
// HTTP implementation (internal/api) relays to a scheduler peer found on
// the mesh. Context applies only to remote implementations; queue
// operations never suspend.
type Client interface {
	Enqueue(ctx context.Context, name string, input []byte) (uuid.UUID, error)
	Claim(ctx context.Context, claimant uuid.UUID) (Claim, bool, error)
	Complete(ctx context.Context, id uuid.UUID, status Status, output []byte) error
	Tickle(ctx context.Context, id uuid.UUID) error
	Status(ctx context.Context, id uuid.UUID) (JobView, error)
}

// LocalClient serves scheduler operations from the in-process queue.
type LocalClient struct {
	Queue *Queue
}

var _ Client = (*LocalClient)(nil)

func (c *LocalClient) Enqueue(_ context.Context, name string, input []byte) (uuid.UUID, error) {
	return c.Queue.Enqueue(name, input), nil
}

func (c *LocalClient) Claim(_ context.Context, claimant uuid.UUID) (Claim, bool, error) {
	claim, ok := c.Queue.Claim(claimant)
	return claim, ok, nil
}

func (c *LocalClient) Complete(_ context.Context, id uuid.UUID, status Status, output []byte) error {
	return c.Queue.Complete(id, status, output)
}

func (c *LocalClient) Tickle(_ context.Context, id uuid.UUID) error {
	return c.Queue.Tickle(id)
}

func (c *LocalClient) Status(_ context.Context, id uuid.UUID) (JobView, error) {
	view, ok := c.Queue.Get(id)
	if !ok {
		return JobView{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return view, nil
}
