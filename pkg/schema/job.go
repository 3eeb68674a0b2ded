package schema

import (
	"encoding/json"
	"time"
)

// JobType enumerates the closed set of background job kinds.
// Each type maps to a registered handler in the executor.
type JobType string

const (
	JobTypeSingleItem       JobType = "single_item"
	JobTypeBulkItems        JobType = "bulk_items"
	JobTypeScheduledRefresh JobType = "scheduled_refresh"
	JobTypeCleanup          JobType = "cleanup"
)

// KnownJobTypes lists every built-in job type.
var KnownJobTypes = []JobType{
	JobTypeSingleItem,
	JobTypeBulkItems,
	JobTypeScheduledRefresh,
	JobTypeCleanup,
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobPriority is the dispatch lane of a job.
type JobPriority string

const (
	PriorityHigh   JobPriority = "high"
	PriorityNormal JobPriority = "normal"
	PriorityLow    JobPriority = "low"
)

// Rank returns the dispatch ordering of the priority; lower ranks dispatch first.
func (p JobPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Job is a unit of asynchronous, retryable work. The record round-trips
// unchanged through any store implementation; it is the portable contract
// between the enqueueing application and the dispatcher.
type Job struct {
	ID                  string          `json:"id"`
	OrganizationID      string          `json:"organization_id"`
	Type                JobType         `json:"job_type"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	Priority            JobPriority     `json:"priority"`
	Status              JobStatus       `json:"status"`
	Attempts            int             `json:"attempts"`
	MaxRetries          int             `json:"max_retries"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	Result              json.RawMessage `json:"result,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	ScheduledFor        time.Time       `json:"scheduled_for"`
	ProcessingStartedAt *time.Time      `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
	DurationMs          int64           `json:"duration_ms,omitempty"`
}

// Claimable reports whether a dispatcher may claim the job at the given time.
func (j *Job) Claimable(now time.Time) bool {
	if j.Status != JobStatusPending && j.Status != JobStatusRetrying {
		return false
	}
	return !j.ScheduledFor.After(now)
}

// ValidJobTransitions defines the allowed status transitions.
// Claiming is the pending|retrying -> processing edge and must be atomic.
var ValidJobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing},
	JobStatusRetrying:   {JobStatusProcessing},
	JobStatusProcessing: {JobStatusCompleted, JobStatusRetrying, JobStatusFailed},
	JobStatusCompleted:  {},
	JobStatusFailed:     {},
}

// IsValidJobTransition reports whether from -> to is an allowed transition.
func IsValidJobTransition(from, to JobStatus) bool {
	for _, a := range ValidJobTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every status from which the given status may be
// reached. Stores use this to build conditional updates that enforce the
// claim-then-own discipline.
func TransitionSources(to JobStatus) []JobStatus {
	var from []JobStatus
	for src, targets := range ValidJobTransitions {
		for _, t := range targets {
			if t == to {
				from = append(from, src)
			}
		}
	}
	return from
}

const (
	// DefaultMaxRetries is applied when enqueue options leave MaxRetries unset.
	DefaultMaxRetries = 3
)

// EnqueueOptions control scheduling of a newly enqueued job.
type EnqueueOptions struct {
	Priority   JobPriority   `json:"priority,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty"`
	Delay      time.Duration `json:"delay,omitempty"`
}

// Normalize fills defaults for unset option fields.
func (o EnqueueOptions) Normalize() EnqueueOptions {
	if o.Priority == "" {
		o.Priority = PriorityNormal
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}
