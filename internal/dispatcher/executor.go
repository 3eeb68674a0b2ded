package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atlasfit/automation/internal/logging"
	"github.com/atlasfit/automation/pkg/schema"
)

// Handler executes one job and returns its result payload.
// Handlers must respect ctx cancellation; long-running work is cut off by the
// executor's per-job timeout.
type Handler func(ctx context.Context, job *schema.Job) (json.RawMessage, error)

// DefaultJobTimeout bounds a single handler invocation.
const DefaultJobTimeout = 2 * time.Minute

// Executor routes claimed jobs to their registered handlers.
type Executor struct {
	mu       sync.RWMutex
	handlers map[schema.JobType]Handler
	timeout  time.Duration
	logger   *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithJobTimeout overrides the per-job execution timeout.
func WithJobTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewExecutor creates an executor with no handlers registered.
func NewExecutor(logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		handlers: make(map[schema.JobType]Handler),
		timeout:  DefaultJobTimeout,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register binds a handler to a job type, replacing any previous binding.
func (e *Executor) Register(jobType schema.JobType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[jobType] = h
}

// Handles reports whether a handler is registered for the job type.
func (e *Executor) Handles(jobType schema.JobType) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.handlers[jobType]
	return ok
}

// Execute runs the job's handler under the per-job timeout.
// A panicking handler is converted into an execution error rather than
// taking down the dispatcher.
func (e *Executor) Execute(ctx context.Context, job *schema.Job) (result json.RawMessage, err error) {
	e.mu.RLock()
	handler, ok := e.handlers[job.Type]
	e.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownJobType,
			"no handler registered for job type %q", job.Type).WithJob(job.ID)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, e.logger).Error("job handler panicked",
				slog.String("job_type", string(job.Type)),
				slog.Any("panic", r),
			)
			result = nil
			err = schema.NewErrorf(schema.ErrCodeExecution,
				"handler for %q panicked: %v", job.Type, r).WithJob(job.ID)
		}
	}()

	result, err = handler(runCtx, job)
	if err == nil {
		return result, nil
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"job timed out after %s: %s", e.timeout, err.Error()).
			WithJob(job.ID).WithCause(err)
	}
	return nil, fmt.Errorf("execute %s job: %w", job.Type, err)
}
