package store

import (
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultJobMaxAttempts applies when a JobSpec leaves MaxAttempts unset.
const DefaultJobMaxAttempts = 3

// Job is a durable unit of deferred work, such as dialing a scheduled call.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobSpec describes a job to enqueue.
type JobSpec struct {
	Kind        string
	RunAt       time.Time
	PayloadJSON string
	// DedupeKey, when set, prevents a second live job with the same key.
	DedupeKey   string
	MaxAttempts int
}

// JobRepo defines the interface for durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts a new job. If the spec carries a dedupe key and a non-terminal
	// job with that key already exists, the existing job ID is returned instead.
	EnqueueJob(spec JobSpec) (string, error)

	// ClaimDueJobs marks up to limit queued jobs whose run_at <= now as running
	// and returns them.
	ClaimDueJobs(now time.Time, limit int) ([]Job, error)

	CompleteJob(id string) error

	// FailJob records errMsg and reschedules the job at nextRunAt, or marks it
	// permanently failed once its attempts are exhausted.
	FailJob(id string, errMsg string, nextRunAt time.Time) error

	// CancelJobByDedupeKey cancels the live job carrying key, if any.
	CancelJobByDedupeKey(key string) error

	// RequeueStaleRunningJobs resets jobs running since before staleBefore back to queued.
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)

	GetJob(id string) (*Job, error)
}
