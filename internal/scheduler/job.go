package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// Status is a job's position in its lifecycle. Jobs progress
// monotonically pending → claimed → running → completed/failed, or jump
// to cancelled from any non-terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is the scheduler's core entity: a named WASM task with input bytes
// and, eventually, output bytes. The name is opaque to the scheduler.
type Job struct {
	ID     uuid.UUID
	Name   string
	Input  []byte
	Output []byte
	Status Status

	// Claimant is the peer that claimed the job. The nil UUID means the
	// claimant did not identify itself.
	Claimant uuid.UUID

	EnqueuedAt   time.Time
	ClaimedAt    time.Time
	CompletedAt  time.Time
	LastActivity time.Time
}

// Claim is the identifying triple handed to a runner on a successful
// claim.
type Claim struct {
	ID    uuid.UUID
	Name  string
	Input []byte
}

// JobView is the read-only answer to a status query.
type JobView struct {
	Status Status
	Output []byte
}
