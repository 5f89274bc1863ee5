package model

import "time"

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// FailureKind classifies why a job failed.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

// ScrapeJob is a single scrape attempt against one source. Jobs are never
// resurrected; a retry after a terminal failure is a new job.
type ScrapeJob struct {
	ID               string      `json:"job_id"`
	SourceID         string      `json:"source_id"`
	Status           JobStatus   `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	Error            string      `json:"error,omitempty"`
	FailureKind      FailureKind `json:"failure_kind,omitempty"`
	Attempts         int         `json:"attempts"`
	ObservationCount int         `json:"observation_count"`
	Deferred         int         `json:"deferred"`
}

// JobOutcome carries the terminal details written when a job finishes.
type JobOutcome struct {
	At               time.Time
	Attempts         int
	ObservationCount int
	Deferred         int
	Err              error
	FailureKind      FailureKind
}

// Succeeded reports whether the outcome completes the job.
func (o JobOutcome) Succeeded() bool {
	return o.Err == nil
}
