package automation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasfit/automation/internal/store"
	"github.com/atlasfit/automation/pkg/schema"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, opts ...Option) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	svc, err := New(st, quietLogger(), opts...)
	require.NoError(t, err)
	return svc, st
}

func TestEnqueue_CreatesPendingJob(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	before := time.Now().UTC()
	job, err := svc.Enqueue(ctx, "org-1", schema.JobTypeSingleItem,
		json.RawMessage(`{"item_id":"item-7"}`), schema.EnqueueOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "org-1", job.OrganizationID)
	assert.Equal(t, schema.JobStatusPending, job.Status)
	assert.Equal(t, schema.PriorityNormal, job.Priority)
	assert.Equal(t, schema.DefaultMaxRetries, job.MaxRetries)
	assert.Zero(t, job.Attempts)
	assert.False(t, job.ScheduledFor.Before(before))

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, stored.ID)
}

func TestEnqueue_RejectsInvalidInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, "", schema.JobTypeSingleItem,
		json.RawMessage(`{"item_id":"x"}`), schema.EnqueueOptions{})
	require.Error(t, err)

	_, err = svc.Enqueue(ctx, "org-1", schema.JobTypeSingleItem,
		json.RawMessage(`{}`), schema.EnqueueOptions{})
	require.Error(t, err)

	var autoErr *schema.AutomationError
	require.ErrorAs(t, err, &autoErr)
	assert.Equal(t, schema.ErrCodeValidation, autoErr.Code)
}

func TestEnqueue_DelayPushesScheduledFor(t *testing.T) {
	svc, _ := newTestService(t)

	job, err := svc.Enqueue(context.Background(), "org-1", schema.JobTypeSingleItem,
		json.RawMessage(`{"item_id":"x"}`),
		schema.EnqueueOptions{Delay: 10 * time.Minute})
	require.NoError(t, err)

	assert.Greater(t, job.ScheduledFor.Sub(job.CreatedAt), 9*time.Minute)
}

func TestEnqueueBulk_CreatesOneJobForTheBatch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.EnqueueBulk(ctx, "org-1", schema.JobTypeBulkItems,
		[]any{"a", "b", "c"}, schema.EnqueueOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.JobTypeBulkItems, job.Type)
	assert.JSONEq(t, `{"items":["a","b","c"]}`, string(job.Payload))

	listed, err := svc.ListJobs(ctx, store.JobFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Len(t, listed, 1, "the whole batch rides one job")
}

func TestEnqueueBulk_RejectsEmptyBatch(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.EnqueueBulk(context.Background(), "org-1", schema.JobTypeBulkItems,
		nil, schema.EnqueueOptions{})
	require.Error(t, err)

	var autoErr *schema.AutomationError
	require.ErrorAs(t, err, &autoErr)
	assert.Equal(t, schema.ErrCodeValidation, autoErr.Code)

	listed, err := svc.ListJobs(context.Background(), store.JobFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestService_RunsRegisteredHandler(t *testing.T) {
	svc, _ := newTestService(t, WithConfig(Config{PollInterval: 20 * time.Millisecond}))
	ctx := context.Background()

	var handled atomic.Int64
	svc.RegisterHandler(schema.JobTypeSingleItem, func(_ context.Context, job *schema.Job) (json.RawMessage, error) {
		handled.Add(1)
		return json.RawMessage(`{"ok":true}`), nil
	})

	job, err := svc.Enqueue(ctx, "org-1", schema.JobTypeSingleItem,
		json.RawMessage(`{"item_id":"item-1"}`), schema.EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.Start(ctx))
	defer svc.Stop() //nolint:errcheck

	require.Eventually(t, func() bool {
		got, err := svc.GetJob(ctx, job.ID)
		return err == nil && got.Status == schema.JobStatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	got, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.EqualValues(t, 1, handled.Load())
}

func TestCleanupJob_DeletesExpiredTerminalJobs(t *testing.T) {
	svc, st := newTestService(t, WithConfig(Config{PollInterval: 20 * time.Millisecond}))
	ctx := context.Background()

	// A completed job well past any retention window.
	old := time.Now().UTC().AddDate(0, 0, -90)
	expired := &schema.Job{
		ID:             "expired-1",
		OrganizationID: "org-1",
		Type:           schema.JobTypeSingleItem,
		Payload:        json.RawMessage(`{"item_id":"x"}`),
		Priority:       schema.PriorityNormal,
		Status:         schema.JobStatusCompleted,
		MaxRetries:     schema.DefaultMaxRetries,
		CreatedAt:      old,
		ScheduledFor:   old,
		CompletedAt:    &old,
		UpdatedAt:      old,
	}
	require.NoError(t, st.CreateJob(ctx, expired))

	cleanup, err := svc.Enqueue(ctx, "org-1", schema.JobTypeCleanup,
		json.RawMessage(`{"retention_days":30}`), schema.EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.Start(ctx))
	defer svc.Stop() //nolint:errcheck

	require.Eventually(t, func() bool {
		got, err := svc.GetJob(ctx, cleanup.ID)
		return err == nil && got.Status == schema.JobStatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	got, err := svc.GetJob(ctx, cleanup.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"deleted":1}`, string(got.Result))

	_, err = st.GetJob(ctx, "expired-1")
	assert.Error(t, err, "expired job should be gone")
}

func TestRegisterPayloadSchema_GuardsCustomTypes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	custom := schema.JobType("custom_export")
	require.NoError(t, svc.RegisterPayloadSchema(custom, []byte(`{
	  "type": "object",
	  "required": ["format"],
	  "properties": { "format": { "type": "string" } }
	}`)))

	_, err := svc.Enqueue(ctx, "org-1", custom, json.RawMessage(`{}`), schema.EnqueueOptions{})
	assert.Error(t, err)

	_, err = svc.Enqueue(ctx, "org-1", custom,
		json.RawMessage(`{"format":"csv"}`), schema.EnqueueOptions{})
	assert.NoError(t, err)
}

func TestCreateSchedule_ValidatesAndDefaults(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sched := &store.Schedule{
		OrganizationID: "org-1",
		JobType:        schema.JobTypeScheduledRefresh,
		CronExpression: "0 3 * * *",
		Payload:        json.RawMessage(`{"scope":"all"}`),
		Enabled:        true,
	}
	require.NoError(t, svc.CreateSchedule(ctx, sched))
	assert.NotEmpty(t, sched.ID)
	assert.Equal(t, schema.PriorityNormal, sched.Priority)

	bad := &store.Schedule{
		OrganizationID: "org-1",
		JobType:        schema.JobTypeScheduledRefresh,
		CronExpression: "not a cron",
	}
	err := svc.CreateSchedule(ctx, bad)
	require.Error(t, err)
	var autoErr *schema.AutomationError
	require.ErrorAs(t, err, &autoErr)
	assert.Equal(t, schema.ErrCodeValidation, autoErr.Code)

	require.Error(t, svc.CreateSchedule(ctx, &store.Schedule{
		JobType:        schema.JobTypeScheduledRefresh,
		CronExpression: "0 3 * * *",
	}), "organization id is required")
}

func TestUpdateSchedule_RejectsBadCron(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sched := &store.Schedule{
		OrganizationID: "org-1",
		JobType:        schema.JobTypeScheduledRefresh,
		CronExpression: "*/5 * * * *",
		Enabled:        true,
	}
	require.NoError(t, svc.CreateSchedule(ctx, sched))

	broken := "sixty * * * *"
	require.Error(t, svc.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		CronExpression: &broken,
	}))

	fixed := "*/10 * * * *"
	require.NoError(t, svc.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		CronExpression: &fixed,
	}))
}

func TestEvaluate_DelegatesToConditionTree(t *testing.T) {
	svc, _ := newTestService(t)

	tree := &schema.ConditionGroup{
		Operator: schema.GroupAnd,
		Conditions: []schema.Node{
			schema.LeafNode(schema.Condition{
				Field:    "trigger.lead.score",
				Type:     schema.FieldTypeNumber,
				Operator: schema.OpGreaterThan,
				Value:    float64(50),
			}),
		},
	}
	triggerContext := map[string]any{
		"trigger": map[string]any{"lead": map[string]any{"score": float64(80)}},
	}

	assert.True(t, svc.Evaluate(tree, triggerContext))
	assert.True(t, svc.Evaluate(nil, triggerContext))

	triggerContext["trigger"].(map[string]any)["lead"].(map[string]any)["score"] = float64(10)
	assert.False(t, svc.Evaluate(tree, triggerContext))
}

func TestStats_ReportsSuccessRate(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	seed := func(id string, status schema.JobStatus) {
		job := &schema.Job{
			ID:             id,
			OrganizationID: "org-1",
			Type:           schema.JobTypeSingleItem,
			Payload:        json.RawMessage(`{"item_id":"x"}`),
			Priority:       schema.PriorityNormal,
			Status:         status,
			MaxRetries:     schema.DefaultMaxRetries,
			CreatedAt:      now,
			ScheduledFor:   now,
			UpdatedAt:      now,
		}
		require.NoError(t, st.CreateJob(ctx, job))
	}
	seed("a", schema.JobStatusCompleted)
	seed("b", schema.JobStatusCompleted)
	seed("c", schema.JobStatusFailed)
	seed("d", schema.JobStatusPending)

	summary, err := svc.Stats(ctx, store.StatsFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), summary.TotalJobs)
	assert.InDelta(t, 2.0/3.0, summary.SuccessRate, 1e-9)
}

func TestStartStop_Lifecycle(t *testing.T) {
	svc, _ := newTestService(t, WithConfig(Config{PollInterval: 50 * time.Millisecond}))

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop())
}
