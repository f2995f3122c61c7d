package types

import "time"

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// InFlight reports whether a job in this status blocks a new job from starting.
func (s JobStatus) InFlight() bool {
	return s == JobPending || s == JobRunning
}

type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerUpload Trigger = "upload"
)

type ReindexJob struct {
	JobID       string     `json:"job_id"`
	Status      JobStatus  `json:"status"`
	Trigger     Trigger    `json:"trigger"`
	RequestedAt time.Time  `json:"requested_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Fatal       bool       `json:"fatal,omitempty"`
	Mods        int        `json:"mods"`
	Coalesced   int        `json:"coalesced"`
}

// IndexEvent is published to downstream subscribers when a reindex job finishes.
type IndexEvent struct {
	JobID      string    `json:"job_id"`
	Status     JobStatus `json:"status"`
	Mods       int       `json:"mods"`
	Artifacts  []string  `json:"artifacts,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}
