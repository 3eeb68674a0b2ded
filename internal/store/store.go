package store

import (
	"context"
	"time"

	"github.com/atlasfit/automation/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *schema.Job) error
	GetJob(ctx context.Context, id string) (*schema.Job, error)
	UpdateJob(ctx context.Context, id string, update JobUpdate) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*schema.Job, error)

	// DueJobs returns claimable jobs (pending or retrying, scheduled_for in
	// the past) ordered by priority rank then creation time.
	DueJobs(ctx context.Context, filter DueFilter) ([]*schema.Job, error)

	// ClaimJob atomically moves a claimable job to processing, incrementing
	// its attempt counter. claimed is false when another dispatcher won the
	// race or the job is no longer claimable; that is not an error.
	ClaimJob(ctx context.Context, id string, now time.Time) (job *schema.Job, claimed bool, err error)

	// JobStats aggregates job counts and processing times.
	JobStats(ctx context.Context, filter StatsFilter) (*JobStats, error)

	// DeleteExpired removes terminal jobs completed before the cutoff and
	// returns the number of rows removed.
	DeleteExpired(ctx context.Context, olderThan time.Time) (int64, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Start prepares the store for dispatching: recover jobs left in
	// processing by a previous run so they are not stuck forever.
	Start(ctx context.Context) error

	// Lifecycle
	Close() error
}
