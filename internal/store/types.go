package store

import (
	"encoding/json"
	"time"

	"github.com/atlasfit/automation/pkg/schema"
)

// DueFilter selects the claimable jobs for one dispatch cycle.
type DueFilter struct {
	Now            time.Time `json:"now"`
	Limit          int       `json:"limit,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
}

// JobUpdate specifies mutable fields of a job. Nil pointers leave the
// corresponding column untouched.
type JobUpdate struct {
	Status       *schema.JobStatus `json:"status,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	DurationMs   *int64            `json:"duration_ms,omitempty"`
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	OrganizationID string             `json:"organization_id,omitempty"`
	Status         *schema.JobStatus  `json:"status,omitempty"`
	Type           *schema.JobType    `json:"job_type,omitempty"`
	Since          *time.Time         `json:"since,omitempty"`
	Limit          int                `json:"limit,omitempty"`
	Offset         int                `json:"offset,omitempty"`
}

// StatsFilter scopes job statistics.
type StatsFilter struct {
	OrganizationID string     `json:"organization_id,omitempty"`
	Since          *time.Time `json:"since,omitempty"`
}

// JobStats is the aggregated view of the job table.
type JobStats struct {
	TotalJobs           int64                        `json:"total_jobs"`
	ByStatus            map[schema.JobStatus]int64   `json:"by_status"`
	ByType              map[schema.JobType]int64     `json:"by_type"`
	ByPriority          map[schema.JobPriority]int64 `json:"by_priority"`
	AvgProcessingTimeMs float64                      `json:"avg_processing_time_ms"`
}

// Schedule is a cron-triggered recurring job definition.
type Schedule struct {
	ID             string             `json:"id"`
	OrganizationID string             `json:"organization_id"`
	JobType        schema.JobType     `json:"job_type"`
	CronExpression string             `json:"cron_expression"`
	Payload        json.RawMessage    `json:"payload,omitempty"`
	Priority       schema.JobPriority `json:"priority"`
	Enabled        bool               `json:"enabled"`
	LastRunAt      *time.Time         `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time         `json:"next_run_at,omitempty"`
	LastRunStatus  string             `json:"last_run_status,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled        *bool      `json:"enabled,omitempty"`
	CronExpression *string    `json:"cron_expression,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	OrganizationID string `json:"organization_id,omitempty"`
	Enabled        *bool  `json:"enabled,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}
