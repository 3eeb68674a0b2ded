package dispatcher

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/atlasfit/automation/pkg/schema"
)

// IsRetryableError classifies whether a failed job should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: validation errors, unknown job types, typed AutomationErrors
// with non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context deadline exceeded is retryable (handler timeout, not shutdown).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled is NOT retryable — means the dispatcher is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// AutomationError checks its own code.
	var autoErr *schema.AutomationError
	if errors.As(err, &autoErr) {
		return autoErr.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable (conservative — let max_retries limit attempts).
	return true
}

const (
	// DefaultBaseDelay is the wait before the first retry.
	DefaultBaseDelay = 1 * time.Second
	// DefaultMaxDelay caps the exponential backoff.
	DefaultMaxDelay = 5 * time.Minute
)

// RetryPolicy computes backoff delays and failure decisions for jobs.
// The zero value uses the default 1s base doubling up to a 5m cap with no
// jitter; Jitter in (0,1] spreads delays to avoid thundering-herd retries.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
}

// Delay returns how long to wait before the next run of a job that has
// failed the given number of times: base doubling per failure, capped.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0 // deterministic: retry timing is part of the contract
	if p.Jitter > 0 && p.Jitter <= 1 {
		b.RandomizationFactor = p.Jitter
	}
	b.MaxElapsedTime = 0
	b.Reset()

	delay := base
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Decision is the disposition of a failed job run.
type Decision struct {
	Status       schema.JobStatus
	ScheduledFor *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// OnFailure decides what happens to a job whose run just failed.
// Non-retryable errors and exhausted budgets fail the job; everything else
// reschedules it with exponential backoff.
func (p RetryPolicy) OnFailure(job *schema.Job, err error, now time.Time) Decision {
	msg := err.Error()

	if !IsRetryableError(err) {
		return Decision{
			Status:       schema.JobStatusFailed,
			CompletedAt:  &now,
			ErrorMessage: msg,
		}
	}

	if job.Attempts < job.MaxRetries {
		next := now.Add(p.Delay(job.Attempts))
		return Decision{
			Status:       schema.JobStatusRetrying,
			ScheduledFor: &next,
			ErrorMessage: msg,
		}
	}

	return Decision{
		Status:       schema.JobStatusFailed,
		CompletedAt:  &now,
		ErrorMessage: msg,
	}
}
