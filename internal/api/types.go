package api

import (
	"github.com/google/uuid"

	"github.com/servals/serval-mesh/internal/scheduler"
)

// EnqueueResponse answers a successful enqueue.
type EnqueueResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

// ClaimResponse hands a runner the identifying triple of a claimed job.
// Input rides as base64 in the JSON encoding.
type ClaimResponse struct {
	JobID uuid.UUID `json:"job_id"`
	Name  string    `json:"name"`
	Input []byte    `json:"input"`
}

// JobStatusResponse answers a status query.
type JobStatusResponse struct {
	Status scheduler.Status `json:"status"`
	Output []byte           `json:"output"`
}

// StoreResponse answers a manifest or executable write with the
// integrity digest of the stored bytes.
type StoreResponse struct {
	Name      string `json:"name"`
	Integrity string `json:"integrity"`
}

// ManifestListResponse lists stored manifest names.
type ManifestListResponse struct {
	Manifests []string `json:"manifests"`
}

// AgentStatus is the monitor endpoint's view of the running agent.
type AgentStatus struct {
	PeerID        uuid.UUID          `json:"peer_id"`
	DisplayName   string             `json:"display_name"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Roles         []string           `json:"roles"`
	Queue         scheduler.Snapshot `json:"queue"`
	Extensions    []string           `json:"extensions"`
}
