package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue is the in-memory job queue. pending preserves enqueue order and
// holds exactly the ids whose status is pending; byID owns every job
// ever enqueued in this process. All state is volatile.
//
// Every operation runs to completion under one exclusive mutex and never
// blocks on I/O while holding it, so the queue can be shared freely by
// request handlers and the runner poll loop.
type Queue struct {
	mu      sync.Mutex
	pending []uuid.UUID
	byID    map[uuid.UUID]*Job
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{byID: make(map[uuid.UUID]*Job)}
}

// Enqueue stores a new pending job and returns its fresh id. It cannot
// fail short of memory exhaustion.
func (q *Queue) Enqueue(name string, input []byte) uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := &Job{
		ID:         uuid.New(),
		Name:       name,
		Input:      input,
		Status:     StatusPending,
		EnqueuedAt: time.Now(),
	}
	q.byID[job.ID] = job
	q.pending = append(q.pending, job.ID)
	return job.ID
}

// Claim atomically hands the head pending job to the caller, moving it
// to claimed. Exactly one concurrent caller wins any given job; the
// rest see the next job or nothing. The second return is false when the
// queue has no pending jobs. claimant may be the nil UUID when the
// caller did not identify itself.
func (q *Queue) Claim(claimant uuid.UUID) (Claim, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Claim{}, false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]

	job, ok := q.byID[id]
	if !ok || job.Status != StatusPending {
		// pending held a non-pending id; a programmer bug, not client input.
		panic(fmt.Sprintf("scheduler: pending queue corrupt: job %s status %q", id, jobStatus(job)))
	}
	now := time.Now()
	job.Status = StatusClaimed
	job.Claimant = claimant
	job.ClaimedAt = now
	job.LastActivity = now

	return Claim{ID: job.ID, Name: job.Name, Input: job.Input}, true
}

// Complete moves a claimed or running job to the given terminal status
// and stores its output. Completing an unknown job returns ErrNotFound;
// completing a pending or already-terminal job returns
// ErrInvalidTransition.
func (q *Queue) Complete(id uuid.UUID, status Status, output []byte) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status != StatusClaimed && job.Status != StatusRunning {
		return fmt.Errorf("%w: cannot complete job in status %q", ErrInvalidTransition, job.Status)
	}
	now := time.Now()
	job.Status = status
	job.Output = output
	job.Claimant = uuid.Nil
	job.CompletedAt = now
	job.LastActivity = now
	return nil
}

// Tickle is a keepalive from a runner. The first tickle moves a claimed
// job to running; later tickles refresh the activity timestamp. Tickling
// a terminal job is a silent no-op; an unknown id is ErrNotFound.
func (q *Queue) Tickle(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status.Terminal() {
		return nil
	}
	if job.Status == StatusClaimed {
		job.Status = StatusRunning
	}
	job.LastActivity = time.Now()
	return nil
}

// Cancel moves a non-terminal job to cancelled, releasing any claimant.
// Cancelling a terminal job returns ErrInvalidTransition.
func (q *Queue) Cancel(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: cannot cancel job in status %q", ErrInvalidTransition, job.Status)
	}
	if job.Status == StatusPending {
		q.dropPending(id)
	}
	job.Status = StatusCancelled
	job.Claimant = uuid.Nil
	job.CompletedAt = time.Now()
	return nil
}

// Get returns the read-only view of a job, or false for an unknown id.
func (q *Queue) Get(id uuid.UUID) (JobView, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.byID[id]
	if !ok {
		return JobView{}, false
	}
	out := make([]byte, len(job.Output))
	copy(out, job.Output)
	return JobView{Status: job.Status, Output: out}, true
}

// Snapshot summarizes the queue for monitoring: per-status counts and
// every job's id, name, and status in no particular order.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := Snapshot{Counts: make(map[Status]int)}
	for _, job := range q.byID {
		snap.Counts[job.Status]++
		snap.Jobs = append(snap.Jobs, JobSummary{
			ID:         job.ID,
			Name:       job.Name,
			Status:     job.Status,
			EnqueuedAt: job.EnqueuedAt,
		})
	}
	snap.Pending = len(q.pending)
	return snap
}

// Snapshot is a point-in-time summary of the queue.
type Snapshot struct {
	Pending int                `json:"pending"`
	Counts  map[Status]int     `json:"counts"`
	Jobs    []JobSummary       `json:"jobs"`
}

// JobSummary is one job's line in a snapshot.
type JobSummary struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (q *Queue) dropPending(id uuid.UUID) {
	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func jobStatus(job *Job) Status {
	if job == nil {
		return "missing"
	}
	return job.Status
}
