package schedules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atlasfit/automation/internal/store"
	"github.com/atlasfit/automation/pkg/schema"
)

// Enqueuer is the interface the scheduler uses to submit jobs.
// Satisfied by the automation service (avoids import cycle).
type Enqueuer interface {
	Enqueue(ctx context.Context, orgID string, jobType schema.JobType, payload json.RawMessage, opts schema.EnqueueOptions) (*schema.Job, error)
}

// DefaultTickInterval is how often the scheduler checks for due schedules.
const DefaultTickInterval = 60 * time.Second

// Scheduler polls the store for due schedules and enqueues the jobs they
// describe. One schedule never has two overlapping runs from the same process.
type Scheduler struct {
	store    store.Store
	enqueuer Enqueuer
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	nowFn    func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently enqueuing (dedup)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides the polling interval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.nowFn = now
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(st store.Store, enqueuer Enqueuer, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    st,
		enqueuer: enqueuer,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: DefaultTickInterval,
		nowFn:    func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("schedule runner started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("schedule runner stopped")
	return nil
}

// Tick checks all enabled schedules and fires those that are due.
// A schedule with no next_run_at yet fires immediately and gets one.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := s.nowFn()
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue // already firing (dedup)
		}
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.Error("failed to fire schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sched.ID)
	}
}

// fire enqueues the job a due schedule describes and advances its timestamps.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) error {
	s.logger.Info("firing schedule",
		slog.String("schedule_id", sched.ID),
		slog.String("org_id", sched.OrganizationID),
		slog.String("job_type", string(sched.JobType)),
	)

	_, err := s.enqueuer.Enqueue(ctx, sched.OrganizationID, sched.JobType, sched.Payload, schema.EnqueueOptions{
		Priority: sched.Priority,
	})
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled enqueue failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.advance(ctx, sched, now, status)
}

func (s *Scheduler) advance(ctx context.Context, sched *store.Schedule, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(sched.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, err)
	}

	return s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the schedule as in-flight if it is not
// already firing.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

// release removes the schedule from the in-flight set.
func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// RecoverMissed fires schedules whose next_run_at slipped into the past while
// the process was down. Each missed schedule fires once, not once per miss.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := s.nowFn()
	recovered := 0
	for _, sched := range schedules {
		if sched.NextRunAt == nil || !sched.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.Error("failed to recover missed schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
			s.release(sched.ID)
			continue
		}
		s.release(sched.ID)
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
