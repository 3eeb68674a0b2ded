// Package automation is the embedding surface of the automation core: a
// priority job queue with retries plus a condition evaluator for workflow
// triggers. Applications construct a Service over a store, register handlers
// for their job types, and Start it.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atlasfit/automation/internal/conditions"
	"github.com/atlasfit/automation/internal/dispatcher"
	"github.com/atlasfit/automation/internal/logging"
	"github.com/atlasfit/automation/internal/schedules"
	"github.com/atlasfit/automation/internal/stats"
	"github.com/atlasfit/automation/internal/store"
	"github.com/atlasfit/automation/internal/validation"
	"github.com/atlasfit/automation/pkg/schema"
)

// Config tunes the service's background loops.
type Config struct {
	PollInterval     time.Duration // dispatch cycle gap, default 30s
	BatchSize        int           // due jobs per cycle, default 5
	NormalWorkers    int           // normal lane concurrency, default 3
	JobTimeout       time.Duration // per-handler budget, default 2m
	ScheduleInterval time.Duration // schedule check gap, default 60s
}

// Service wires the store, dispatcher, schedule runner, condition evaluator,
// and payload validation into one lifecycle.
type Service struct {
	store      store.Store
	logger     *slog.Logger
	executor   *dispatcher.Executor
	dispatcher *dispatcher.Dispatcher
	scheduler  *schedules.Scheduler
	evaluator  *conditions.Evaluator
	validator  *validation.PayloadValidator
	aggregator *stats.Aggregator
	now        func() time.Time
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	cfg   Config
	now   func() time.Time
	retry *dispatcher.RetryPolicy
}

// WithConfig overrides loop tuning.
func WithConfig(cfg Config) Option {
	return func(o *serviceOptions) {
		o.cfg = cfg
	}
}

// WithClock overrides the time source. Tests use it to control scheduling.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) {
		o.now = now
	}
}

// WithRetryPolicy overrides the retry backoff policy.
func WithRetryPolicy(p dispatcher.RetryPolicy) Option {
	return func(o *serviceOptions) {
		o.retry = &p
	}
}

// New creates a Service over the given store. Migrations run on Start.
func New(st store.Store, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	o := &serviceOptions{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(o)
	}

	validator, err := validation.NewPayloadValidator()
	if err != nil {
		return nil, fmt.Errorf("payload validator: %w", err)
	}

	var execOpts []dispatcher.ExecutorOption
	if o.cfg.JobTimeout > 0 {
		execOpts = append(execOpts, dispatcher.WithJobTimeout(o.cfg.JobTimeout))
	}
	executor := dispatcher.NewExecutor(logger, execOpts...)

	dispOpts := []dispatcher.DispatcherOption{dispatcher.WithDispatchClock(o.now)}
	if o.retry != nil {
		dispOpts = append(dispOpts, dispatcher.WithRetryPolicy(*o.retry))
	}
	disp := dispatcher.NewDispatcher(st, executor, logger, dispatcher.Config{
		PollInterval:  o.cfg.PollInterval,
		BatchSize:     o.cfg.BatchSize,
		NormalWorkers: o.cfg.NormalWorkers,
	}, dispOpts...)

	svc := &Service{
		store:      st,
		logger:     logger,
		executor:   executor,
		dispatcher: disp,
		evaluator:  conditions.NewEvaluator(logger, conditions.WithClock(o.now)),
		validator:  validator,
		aggregator: stats.NewAggregator(st, logger),
		now:        o.now,
	}

	schedOpts := []schedules.Option{schedules.WithClock(o.now)}
	if o.cfg.ScheduleInterval > 0 {
		schedOpts = append(schedOpts, schedules.WithTickInterval(o.cfg.ScheduleInterval))
	}
	svc.scheduler = schedules.NewScheduler(st, svc, logger, schedOpts...)

	svc.registerBuiltins()
	return svc, nil
}

// registerBuiltins wires the handlers the core owns itself.
func (s *Service) registerBuiltins() {
	s.executor.Register(schema.JobTypeCleanup, s.runCleanup)
}

// runCleanup deletes terminal jobs older than the payload's retention window.
func (s *Service) runCleanup(ctx context.Context, job *schema.Job) (json.RawMessage, error) {
	var payload struct {
		RetentionDays int `json:"retention_days"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "cleanup payload is not valid JSON").
			WithCause(err).WithJob(job.ID)
	}
	if payload.RetentionDays <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "retention_days must be positive").
			WithJob(job.ID)
	}

	cutoff := s.now().AddDate(0, 0, -payload.RetentionDays)
	deleted, err := s.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete expired jobs: %w", err)
	}
	return json.Marshal(map[string]any{"deleted": deleted})
}

// RegisterHandler binds a handler to a job type.
func (s *Service) RegisterHandler(jobType schema.JobType, h dispatcher.Handler) {
	s.executor.Register(jobType, h)
}

// RegisterPayloadSchema binds a JSON Schema to a job type so its payloads are
// validated at enqueue time like the built-in types.
func (s *Service) RegisterPayloadSchema(jobType schema.JobType, schemaBytes []byte) error {
	return s.validator.RegisterSchema(jobType, schemaBytes)
}

// Enqueue validates and persists a new job. The job becomes claimable at
// now + opts.Delay.
func (s *Service) Enqueue(ctx context.Context, orgID string, jobType schema.JobType, payload json.RawMessage, opts schema.EnqueueOptions) (*schema.Job, error) {
	if orgID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "organization id is required")
	}
	if err := s.validator.ValidatePayload(jobType, payload); err != nil {
		return nil, err
	}

	opts = opts.Normalize()
	now := s.now()
	job := &schema.Job{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Type:           jobType,
		Payload:        payload,
		Priority:       opts.Priority,
		Status:         schema.JobStatusPending,
		MaxRetries:     opts.MaxRetries,
		CreatedAt:      now,
		ScheduledFor:   now.Add(opts.Delay),
		UpdatedAt:      now,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	logging.LogWith(logging.WithOrgID(ctx, orgID), s.logger).Info("job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(jobType)),
		slog.String("priority", string(job.Priority)),
	)
	return job, nil
}

// EnqueueBulk wraps a batch of items into a single job so the batch is
// admitted atomically; the handler fans out over the payload's items.
func (s *Service) EnqueueBulk(ctx context.Context, orgID string, jobType schema.JobType, items []any, opts schema.EnqueueOptions) (*schema.Job, error) {
	if len(items) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "bulk enqueue needs at least one item")
	}
	payload, err := json.Marshal(map[string]any{"items": items})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "bulk items are not serializable").
			WithCause(err)
	}
	return s.Enqueue(ctx, orgID, jobType, payload, opts)
}

// GetJob returns a job by ID.
func (s *Service) GetJob(ctx context.Context, id string) (*schema.Job, error) {
	return s.store.GetJob(ctx, id)
}

// ListJobs lists jobs matching the filter.
func (s *Service) ListJobs(ctx context.Context, filter store.JobFilter) ([]*schema.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// Stats aggregates queue statistics for the filter scope.
func (s *Service) Stats(ctx context.Context, filter store.StatsFilter) (*stats.Summary, error) {
	return s.aggregator.Summarize(ctx, filter)
}

// Evaluate reports whether the trigger context satisfies the condition tree.
func (s *Service) Evaluate(tree *schema.ConditionGroup, triggerContext map[string]any) bool {
	return s.evaluator.Evaluate(tree, triggerContext)
}

// ValidateConditions checks a condition tree for structural problems before
// it is saved as workflow configuration.
func (s *Service) ValidateConditions(tree *schema.ConditionGroup) error {
	return validation.ValidateConditionTree(tree)
}

// CreateSchedule validates and persists a recurring job definition.
func (s *Service) CreateSchedule(ctx context.Context, sched *store.Schedule) error {
	if sched.OrganizationID == "" {
		return schema.NewError(schema.ErrCodeValidation, "organization id is required")
	}
	if _, err := s.scheduler.CalculateNextRun(sched.CronExpression, s.now()); err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	if err := s.validator.ValidatePayload(sched.JobType, sched.Payload); err != nil {
		return err
	}
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	if sched.Priority == "" {
		sched.Priority = schema.PriorityNormal
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = s.now()
	}
	return s.store.CreateSchedule(ctx, sched)
}

// GetSchedule returns a schedule by ID.
func (s *Service) GetSchedule(ctx context.Context, id string) (*store.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// UpdateSchedule applies a partial update, validating any new cron expression.
func (s *Service) UpdateSchedule(ctx context.Context, id string, update store.ScheduleUpdate) error {
	if update.CronExpression != nil {
		if _, err := s.scheduler.CalculateNextRun(*update.CronExpression, s.now()); err != nil {
			return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
		}
	}
	return s.store.UpdateSchedule(ctx, id, update)
}

// ListSchedules lists schedules matching the filter.
func (s *Service) ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]*store.Schedule, error) {
	return s.store.ListSchedules(ctx, filter)
}

// DeleteSchedule removes a schedule.
func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	return s.store.DeleteSchedule(ctx, id)
}

// Start brings up the background loops: migrations and store recovery first,
// then missed schedule recovery, then the dispatch and schedule loops.
func (s *Service) Start(ctx context.Context) error {
	if err := s.store.Migrate(ctx); err != nil {
		return fmt.Errorf("store migrate: %w", err)
	}
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("store start: %w", err)
	}
	if err := s.scheduler.RecoverMissed(ctx); err != nil {
		s.logger.Warn("missed schedule recovery failed", slog.String("error", err.Error()))
	}
	if err := s.dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := s.scheduler.Start(ctx); err != nil {
		_ = s.dispatcher.Stop()
		return err
	}
	s.logger.Info("automation service started")
	return nil
}

// Stop gracefully shuts down the background loops, waiting for in-flight jobs.
func (s *Service) Stop() error {
	schedErr := s.scheduler.Stop()
	dispErr := s.dispatcher.Stop()
	if dispErr != nil {
		return dispErr
	}
	if schedErr != nil {
		return schedErr
	}
	s.logger.Info("automation service stopped")
	return nil
}

var _ schedules.Enqueuer = (*Service)(nil)
