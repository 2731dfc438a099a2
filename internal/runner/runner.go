// Package runner is the job execution loop: claim from the scheduler,
// execute through the engine, keep the claim alive with tickles, and
// report the outcome. The scheduler may be in-process or across the
// mesh; the loop cannot tell the difference.
package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/servals/serval-mesh/internal/engine"
	"github.com/servals/serval-mesh/internal/scheduler"
)

const (
	// defaultPollInterval paces claim attempts against an empty queue.
	defaultPollInterval = time.Second

	// defaultTickleInterval keeps a claim visibly alive during long
	// executions.
	defaultTickleInterval = 10 * time.Second
)

// Runner claims and executes jobs until its context ends.
type Runner struct {
	sched scheduler.Client
	eng   engine.Engine
	self  uuid.UUID

	pollInterval   time.Duration
	tickleInterval time.Duration
}

// New builds a runner identified on the scheduler as the given peer.
func New(sched scheduler.Client, eng engine.Engine, self uuid.UUID) *Runner {
	return &Runner{
		sched:          sched,
		eng:            eng,
		self:           self,
		pollInterval:   defaultPollInterval,
		tickleInterval: defaultTickleInterval,
	}
}

// Run polls for work until ctx is canceled. Claim errors (for example
// no scheduler peer on the mesh yet) are logged and retried on the next
// poll.
func (r *Runner) Run(ctx context.Context) error {
	slog.Info("runner started", "peer", r.self)
	for {
		claim, ok, err := r.sched.Claim(ctx, r.self)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("runner: claim failed", "error", err)
		}
		if err != nil || !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.pollInterval):
			}
			continue
		}
		r.execute(ctx, claim)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// execute runs one claimed job to a terminal status. Engine errors
// become a failed completion carrying the error text as output.
func (r *Runner) execute(ctx context.Context, claim scheduler.Claim) {
	slog.Info("executing job", "job", claim.ID, "name", claim.Name)

	// First tickle marks the job running; the ticker keeps it alive.
	if err := r.sched.Tickle(ctx, claim.ID); err != nil {
		slog.Warn("runner: tickle failed", "job", claim.ID, "error", err)
	}
	tickleCtx, stopTickles := context.WithCancel(ctx)
	defer stopTickles()
	go r.tickleLoop(tickleCtx, claim.ID)

	output, err := r.eng.Execute(ctx, claim.Name, claim.Input)
	stopTickles()

	status := scheduler.StatusCompleted
	if err != nil {
		status = scheduler.StatusFailed
		output = []byte(err.Error())
		slog.Warn("job execution failed", "job", claim.ID, "name", claim.Name, "error", err)
	} else {
		slog.Info("job execution finished", "job", claim.ID, "name", claim.Name, "output_bytes", len(output))
	}

	// Report with a fresh context so a canceled runner still delivers
	// the outcome it already has.
	reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.sched.Complete(reportCtx, claim.ID, status, output); err != nil {
		slog.Error("runner: failed to report completion", "job", claim.ID, "error", err)
	}
}

func (r *Runner) tickleLoop(ctx context.Context, id uuid.UUID) {
	ticker := time.NewTicker(r.tickleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sched.Tickle(ctx, id); err != nil && ctx.Err() == nil {
				slog.Debug("runner: keepalive tickle failed", "job", id, "error", err)
			}
		}
	}
}
