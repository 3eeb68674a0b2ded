package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasfit/automation/pkg/schema"
)

func TestRetryPolicyDelay_Doubles(t *testing.T) {
	p := RetryPolicy{}

	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
}

func TestRetryPolicyDelay_Cap(t *testing.T) {
	p := RetryPolicy{}

	// 2^20 seconds is far beyond the 5m ceiling.
	assert.Equal(t, 5*time.Minute, p.Delay(20))
}

func TestRetryPolicyDelay_CustomBase(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
	assert.Equal(t, 300*time.Millisecond, p.Delay(4))
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.False(t, IsRetryableError(context.Canceled))

	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeExecution, "boom")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeTimeout, "slow")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeValidation, "bad payload")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeUnknownJobType, "no handler")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeNonRetryable, "permanent")))

	assert.True(t, IsRetryableError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryableError(errors.New("upstream returned 503 service unavailable")))

	// Unclassified errors default to retryable.
	assert.True(t, IsRetryableError(errors.New("something odd happened")))
}

func TestOnFailure_SchedulesRetryWithBackoff(t *testing.T) {
	p := RetryPolicy{}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	job := &schema.Job{ID: "j", Attempts: 1, MaxRetries: 3}
	decision := p.OnFailure(job, errors.New("transient"), now)

	assert.Equal(t, schema.JobStatusRetrying, decision.Status)
	require.NotNil(t, decision.ScheduledFor)
	assert.Equal(t, now.Add(1*time.Second), *decision.ScheduledFor)
	assert.Nil(t, decision.CompletedAt)
	assert.Equal(t, "transient", decision.ErrorMessage)

	job.Attempts = 2
	decision = p.OnFailure(job, errors.New("transient"), now)
	require.NotNil(t, decision.ScheduledFor)
	assert.Equal(t, now.Add(2*time.Second), *decision.ScheduledFor)
}

func TestOnFailure_ExhaustedBudgetFails(t *testing.T) {
	p := RetryPolicy{}
	now := time.Now().UTC()

	job := &schema.Job{ID: "j", Attempts: 3, MaxRetries: 3}
	decision := p.OnFailure(job, errors.New("transient"), now)

	assert.Equal(t, schema.JobStatusFailed, decision.Status)
	assert.Nil(t, decision.ScheduledFor)
	require.NotNil(t, decision.CompletedAt)
}

func TestOnFailure_NonRetryableFailsImmediately(t *testing.T) {
	p := RetryPolicy{}
	now := time.Now().UTC()

	job := &schema.Job{ID: "j", Attempts: 1, MaxRetries: 3}
	decision := p.OnFailure(job, schema.NewError(schema.ErrCodeValidation, "bad payload"), now)

	assert.Equal(t, schema.JobStatusFailed, decision.Status, "budget left but error is permanent")
	assert.Nil(t, decision.ScheduledFor)
	require.NotNil(t, decision.CompletedAt)
}
