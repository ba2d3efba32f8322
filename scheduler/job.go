package scheduler

import (
	"time"

	"github.com/stefanogebara/twin-connector/extractor"
)

// JobState is the lifecycle state of an extraction job.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDelayed   JobState = "delayed"
	StatePaused    JobState = "paused"
	StateCancelled JobState = "cancelled"
)

// Default job parameters.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
	DefaultJobTimeout  = 2 * time.Minute
	DefaultPriority    = 5

	// PriorityConnect is used for the first extraction after a new
	// connection; new connections take precedence over routine re-syncs.
	PriorityConnect = 1
)

// DependentSpec declares a follow-up job to enqueue after this job succeeds.
type DependentSpec struct {
	Provider string        `json:"provider"`
	Priority int           `json:"priority"`
	Delay    time.Duration `json:"delay"`
}

// Job is one scheduled extraction. Mutated only by the scheduler's worker
// loop once enqueued.
type Job struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Provider     string            `json:"provider"`
	Priority     int               `json:"priority"` // lower value runs first
	State        JobState          `json:"state"`
	AttemptsMade int               `json:"attempts_made"`
	MaxAttempts  int               `json:"max_attempts"`
	NextRunAt    time.Time         `json:"next_run_at"`
	CreatedAt    time.Time         `json:"created_at"`
	Timeout      time.Duration     `json:"timeout"`
	Result       *extractor.Result `json:"result,omitempty"`
	FailedReason string            `json:"failed_reason,omitempty"`
	Dependent    *DependentSpec    `json:"dependent,omitempty"`

	// seq breaks FIFO ties between jobs created in the same nanosecond.
	seq uint64
	// cancelRequested is honored at the next pickup check, never mid-run.
	cancelRequested bool
}

// Snapshot is the externally visible view of a job.
type Snapshot struct {
	ID           string            `json:"id"`
	Provider     string            `json:"provider"`
	State        JobState          `json:"state"`
	AttemptsMade int               `json:"attempts_made"`
	Progress     int               `json:"progress"`
	Result       *extractor.Result `json:"result,omitempty"`
	FailedReason string            `json:"failed_reason,omitempty"`
}

// Stats summarizes one provider's queue.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// EnqueueOptions control job placement.
type EnqueueOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Timeout     time.Duration
	Dependent   *DependentSpec
}
