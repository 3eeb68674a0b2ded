package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atlasfit/automation/internal/logging"
	"github.com/atlasfit/automation/internal/store"
	"github.com/atlasfit/automation/pkg/schema"
)

const (
	// DefaultPollInterval is the gap between dispatch cycles.
	DefaultPollInterval = 30 * time.Second
	// DefaultBatchSize bounds how many due jobs one cycle picks up.
	DefaultBatchSize = 5
	// DefaultNormalWorkers is the concurrency of the normal-priority lane.
	DefaultNormalWorkers = 3
)

// Config tunes the dispatch loop.
type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	NormalWorkers int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.NormalWorkers <= 0 {
		c.NormalWorkers = DefaultNormalWorkers
	}
	return c
}

// Dispatcher polls the store for due jobs, claims them, and runs them through
// the executor on the lane their priority prescribes: high-priority jobs all
// in parallel, normal through a bounded pool, low strictly one at a time.
type Dispatcher struct {
	store    store.Store
	executor *Executor
	retry    RetryPolicy
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	normal *laneLimiter
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchClock overrides the time source used for claiming and
// rescheduling. Tests use it to control the backoff timeline.
func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithRetryPolicy overrides the retry backoff policy.
func WithRetryPolicy(p RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.retry = p
	}
}

// NewDispatcher creates a dispatcher over the given store and executor.
func NewDispatcher(s store.Store, e *Executor, logger *slog.Logger, cfg Config, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		store:    s,
		executor: e,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		normal:   newLaneLimiter(cfg.NormalWorkers),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the background dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(loopCtx)
	d.logger.Info("dispatcher started",
		slog.Duration("poll_interval", d.cfg.PollInterval),
		slog.Int("batch_size", d.cfg.BatchSize),
	)
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	// Run an initial cycle immediately.
	d.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Stop gracefully shuts down the dispatcher, waiting for in-flight jobs.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return nil
	}

	d.cancel()
	<-d.done
	d.cancel = nil
	d.done = nil

	d.logger.Info("dispatcher stopped")
	return nil
}

// Tick runs one dispatch cycle: fetch due jobs, fan them out by priority lane,
// and wait for the whole batch to finish. A cycle that fails to list jobs
// logs and returns; the next tick retries.
func (d *Dispatcher) Tick(ctx context.Context) {
	now := d.now()
	due, err := d.store.DueJobs(ctx, store.DueFilter{Now: now, Limit: d.cfg.BatchSize})
	if err != nil {
		d.logger.Error("failed to list due jobs", slog.String("error", err.Error()))
		return
	}
	if len(due) == 0 {
		return
	}

	var high, normal, low []*schema.Job
	for _, job := range due {
		switch job.Priority {
		case schema.PriorityHigh:
			high = append(high, job)
		case schema.PriorityLow:
			low = append(low, job)
		default:
			normal = append(normal, job)
		}
	}

	var wg sync.WaitGroup

	// High priority: full parallelism.
	for _, job := range high {
		wg.Add(1)
		go func(job *schema.Job) {
			defer wg.Done()
			d.process(ctx, job)
		}(job)
	}

	// Normal priority: bounded lane.
	for _, job := range normal {
		job := job
		if !d.normal.Go(ctx, &wg, func() { d.process(ctx, job) }) {
			// Only happens when the dispatcher is shutting down; the job
			// stays claimable for the next cycle.
			d.logger.Warn("normal lane skipped job", slog.String("job_id", job.ID))
		}
	}

	// Low priority: strictly serial.
	for _, job := range low {
		d.process(ctx, job)
	}

	wg.Wait()
}

// process claims one job and runs it to a terminal or retrying state.
func (d *Dispatcher) process(ctx context.Context, job *schema.Job) {
	ctx = logging.WithOrgID(ctx, job.OrganizationID)
	ctx = logging.WithJobID(ctx, job.ID)
	log := logging.LogWith(ctx, d.logger)

	claimed, ok, err := d.store.ClaimJob(ctx, job.ID, d.now())
	if err != nil {
		log.Error("claim failed", slog.String("error", err.Error()))
		return
	}
	if !ok {
		// Another dispatcher won, or the job was rescheduled meanwhile.
		return
	}

	log.Info("job started",
		slog.String("job_type", string(claimed.Type)),
		slog.String("priority", string(claimed.Priority)),
		slog.Int("attempt", claimed.Attempts),
	)

	started := time.Now()
	result, execErr := d.executor.Execute(ctx, claimed)
	durationMs := time.Since(started).Milliseconds()

	if execErr != nil {
		d.finishFailed(ctx, claimed, execErr, durationMs)
		return
	}
	d.finishCompleted(ctx, claimed, result, durationMs)
}

func (d *Dispatcher) finishCompleted(ctx context.Context, job *schema.Job, result []byte, durationMs int64) {
	log := logging.LogWith(ctx, d.logger)
	now := d.now()
	completed := schema.JobStatusCompleted

	update := store.JobUpdate{
		Status:      &completed,
		Result:      result,
		CompletedAt: &now,
		DurationMs:  &durationMs,
	}
	if err := d.store.UpdateJob(ctx, job.ID, update); err != nil {
		log.Error("failed to record job completion", slog.String("error", err.Error()))
		return
	}
	log.Info("job completed", slog.Int64("duration_ms", durationMs))
}

func (d *Dispatcher) finishFailed(ctx context.Context, job *schema.Job, execErr error, durationMs int64) {
	log := logging.LogWith(ctx, d.logger)
	decision := d.retry.OnFailure(job, execErr, d.now())

	update := store.JobUpdate{
		Status:       &decision.Status,
		ErrorMessage: &decision.ErrorMessage,
		ScheduledFor: decision.ScheduledFor,
		CompletedAt:  decision.CompletedAt,
		DurationMs:   &durationMs,
	}
	if err := d.store.UpdateJob(ctx, job.ID, update); err != nil {
		log.Error("failed to record job failure", slog.String("error", err.Error()))
		return
	}

	switch decision.Status {
	case schema.JobStatusRetrying:
		log.Warn("job failed, retry scheduled",
			slog.String("error", execErr.Error()),
			slog.Int("attempt", job.Attempts),
			slog.Int("max_retries", job.MaxRetries),
			slog.Time("next_run", *decision.ScheduledFor),
		)
	default:
		log.Error("job failed permanently",
			slog.String("error", execErr.Error()),
			slog.Int("attempts", job.Attempts),
		)
	}
}
