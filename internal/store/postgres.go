package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/atlasfit/automation/pkg/schema"
)

// PostgresStore implements the Store interface on PostgreSQL via GORM.
// Suited for multi-process deployments where several dispatchers share a queue;
// the conditional-UPDATE claim keeps them from double-processing.
type PostgresStore struct {
	db *gorm.DB
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*gorm.Config)

// WithGormLogger overrides the GORM logger.
func WithGormLogger(l logger.Interface) PostgresOption {
	return func(cfg *gorm.Config) {
		cfg.Logger = l
	}
}

// NewPostgresStore connects to PostgreSQL and ensures the schema exists.
func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	db, err := gorm.Open(postgres.Open(dsn), cfg)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "connect postgres: %s", err.Error()).WithCause(err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates or updates the jobs and schedules tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&jobRow{}, &scheduleRow{})
}

// Start recovers jobs left in processing by a previous run so that an
// interrupted dispatcher does not leave them invisible to dispatch forever.
func (s *PostgresStore) Start(ctx context.Context) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("status = ?", string(schema.JobStatusProcessing)).
		Updates(map[string]any{
			"status":        string(schema.JobStatusFailed),
			"error_message": "interrupted: dispatcher restarted",
			"completed_at":  now,
			"updated_at":    now,
		}).Error
	return s.wrapError(err)
}

func (s *PostgresStore) wrapError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return schema.NewError(schema.ErrCodeNotFound, "record not found")
	}
	return err
}

// runWithRetry retries transient write failures with exponential backoff.
func (s *PostgresStore) runWithRetry(fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return backoff.Retry(fn, b)
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *schema.Job) error {
	row := newJobRow(job)
	err := s.runWithRetry(func() error {
		return s.db.WithContext(ctx).Create(row).Error
	})
	return s.wrapError(err)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*schema.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storeNotFound("job", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toJob(), nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, id string, update JobUpdate) error {
	changes := map[string]any{}
	if update.Status != nil {
		changes["status"] = string(*update.Status)
	}
	if update.Result != nil {
		changes["result"] = string(update.Result)
	}
	if update.ErrorMessage != nil {
		changes["error_message"] = *update.ErrorMessage
	}
	if update.ScheduledFor != nil {
		changes["scheduled_for"] = *update.ScheduledFor
	}
	if update.CompletedAt != nil {
		changes["completed_at"] = *update.CompletedAt
	}
	if update.DurationMs != nil {
		changes["duration_ms"] = *update.DurationMs
	}
	if len(changes) == 0 {
		return nil
	}
	changes["updated_at"] = time.Now().UTC()

	qry := s.db.WithContext(ctx).Model(&jobRow{}).Where("id = ?", id)
	if update.Status != nil {
		sources := schema.TransitionSources(*update.Status)
		states := make([]string, len(sources))
		for i, src := range sources {
			states[i] = string(src)
		}
		qry = qry.Where("status IN ?", states)
	}

	res := qry.Updates(changes)
	if res.Error != nil {
		return s.wrapError(res.Error)
	}
	if res.RowsAffected == 0 {
		if update.Status == nil {
			return storeNotFound("job", id)
		}
		current, err := s.GetJob(ctx, id)
		if err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"job %q: cannot move from %s to %s", id, current.Status, *update.Status)
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*schema.Job, error) {
	qry := s.db.WithContext(ctx).Model(&jobRow{})
	if filter.OrganizationID != "" {
		qry = qry.Where("organization_id = ?", filter.OrganizationID)
	}
	if filter.Status != nil {
		qry = qry.Where("status = ?", string(*filter.Status))
	}
	if filter.Type != nil {
		qry = qry.Where("job_type = ?", string(*filter.Type))
	}
	if filter.Since != nil {
		qry = qry.Where("created_at >= ?", *filter.Since)
	}
	qry = qry.Order("created_at DESC")
	if filter.Limit > 0 {
		qry = qry.Limit(filter.Limit).Offset(filter.Offset)
	}

	var rows []jobRow
	if err := qry.Find(&rows).Error; err != nil {
		return nil, s.wrapError(err)
	}
	jobs := make([]*schema.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toJob()
	}
	return jobs, nil
}

func (s *PostgresStore) DueJobs(ctx context.Context, filter DueFilter) ([]*schema.Job, error) {
	qry := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("status IN ?", []string{string(schema.JobStatusPending), string(schema.JobStatusRetrying)}).
		Where("scheduled_for <= ?", filter.Now)
	if filter.OrganizationID != "" {
		qry = qry.Where("organization_id = ?", filter.OrganizationID)
	}
	qry = qry.Order("CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 WHEN 'low' THEN 2 ELSE 3 END, created_at")
	if filter.Limit > 0 {
		qry = qry.Limit(filter.Limit)
	}

	var rows []jobRow
	if err := qry.Find(&rows).Error; err != nil {
		return nil, s.wrapError(err)
	}
	jobs := make([]*schema.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toJob()
	}
	return jobs, nil
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id string, now time.Time) (*schema.Job, bool, error) {
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ?", id).
		Where("status IN ?", []string{string(schema.JobStatusPending), string(schema.JobStatusRetrying)}).
		Where("scheduled_for <= ?", now).
		Updates(map[string]any{
			"status":                string(schema.JobStatusProcessing),
			"attempts":              gorm.Expr("attempts + 1"),
			"processing_started_at": now,
			"updated_at":            now,
		})
	if res.Error != nil {
		return nil, false, s.wrapError(res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (s *PostgresStore) JobStats(ctx context.Context, filter StatsFilter) (*JobStats, error) {
	scoped := func() *gorm.DB {
		qry := s.db.WithContext(ctx).Model(&jobRow{})
		if filter.OrganizationID != "" {
			qry = qry.Where("organization_id = ?", filter.OrganizationID)
		}
		if filter.Since != nil {
			qry = qry.Where("created_at >= ?", *filter.Since)
		}
		return qry
	}

	stats := &JobStats{
		ByStatus:   make(map[schema.JobStatus]int64),
		ByType:     make(map[schema.JobType]int64),
		ByPriority: make(map[schema.JobPriority]int64),
	}

	type bucket struct {
		Status   string
		JobType  string
		Priority string
		Count    int64
	}
	var buckets []bucket
	err := scoped().
		Select("status, job_type, priority, COUNT(*) AS count").
		Group("status, job_type, priority").
		Scan(&buckets).Error
	if err != nil {
		return nil, s.wrapError(err)
	}
	for _, b := range buckets {
		stats.TotalJobs += b.Count
		stats.ByStatus[schema.JobStatus(b.Status)] += b.Count
		stats.ByType[schema.JobType(b.JobType)] += b.Count
		stats.ByPriority[schema.JobPriority(b.Priority)] += b.Count
	}

	var avg sql.NullFloat64
	err = scoped().
		Where("duration_ms > 0").
		Select("AVG(duration_ms)").
		Scan(&avg).Error
	if err != nil {
		return nil, s.wrapError(err)
	}
	stats.AvgProcessingTimeMs = avg.Float64
	return stats, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(schema.JobStatusCompleted), string(schema.JobStatusFailed)}).
		Where("completed_at IS NOT NULL AND completed_at < ?", olderThan).
		Delete(&jobRow{})
	if res.Error != nil {
		return 0, s.wrapError(res.Error)
	}
	return res.RowsAffected, nil
}

// --- Schedules ---

func (s *PostgresStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	row := newScheduleRow(sched)
	err := s.runWithRetry(func() error {
		return s.db.WithContext(ctx).Create(row).Error
	})
	return s.wrapError(err)
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	var row scheduleRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toSchedule(), nil
}

func (s *PostgresStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	changes := map[string]any{}
	if update.Enabled != nil {
		changes["enabled"] = *update.Enabled
	}
	if update.CronExpression != nil {
		changes["cron_expression"] = *update.CronExpression
	}
	if update.LastRunAt != nil {
		changes["last_run_at"] = *update.LastRunAt
	}
	if update.NextRunAt != nil {
		changes["next_run_at"] = *update.NextRunAt
	}
	if update.LastRunStatus != "" {
		changes["last_run_status"] = update.LastRunStatus
	}
	if len(changes) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&scheduleRow{}).Where("id = ?", id).Updates(changes)
	if res.Error != nil {
		return s.wrapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return storeNotFound("schedule", id)
	}
	return nil
}

func (s *PostgresStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	qry := s.db.WithContext(ctx).Model(&scheduleRow{})
	if filter.OrganizationID != "" {
		qry = qry.Where("organization_id = ?", filter.OrganizationID)
	}
	if filter.Enabled != nil {
		qry = qry.Where("enabled = ?", *filter.Enabled)
	}
	qry = qry.Order("created_at")
	if filter.Limit > 0 {
		qry = qry.Limit(filter.Limit)
	}

	var rows []scheduleRow
	if err := qry.Find(&rows).Error; err != nil {
		return nil, s.wrapError(err)
	}
	schedules := make([]*Schedule, len(rows))
	for i := range rows {
		schedules[i] = rows[i].toSchedule()
	}
	return schedules, nil
}

func (s *PostgresStore) DeleteSchedule(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&scheduleRow{})
	if res.Error != nil {
		return s.wrapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return storeNotFound("schedule", id)
	}
	return nil
}

// --- Row models ---

type jobRow struct {
	ID                  string `gorm:"primaryKey"`
	OrganizationID      string `gorm:"index:idx_jobs_org"`
	JobType             string
	Payload             *string
	Priority            string
	Status              string `gorm:"index:idx_jobs_due"`
	Attempts            int
	MaxRetries          int
	ErrorMessage        *string
	Result              *string
	CreatedAt           time.Time `gorm:"index:idx_jobs_org"`
	ScheduledFor        time.Time `gorm:"index:idx_jobs_due"`
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	UpdatedAt           time.Time
	DurationMs          int64
}

func (jobRow) TableName() string { return "jobs" }

type scheduleRow struct {
	ID             string `gorm:"primaryKey"`
	OrganizationID string `gorm:"index"`
	JobType        string
	CronExpression string
	Payload        *string
	Priority       string
	Enabled        bool `gorm:"index:idx_schedules_enabled_next"`
	LastRunAt      *time.Time
	NextRunAt      *time.Time `gorm:"index:idx_schedules_enabled_next"`
	LastRunStatus  *string
	CreatedAt      time.Time
}

func (scheduleRow) TableName() string { return "schedules" }

func newJobRow(job *schema.Job) *jobRow {
	return &jobRow{
		ID:                  job.ID,
		OrganizationID:      job.OrganizationID,
		JobType:             string(job.Type),
		Payload:             rawToPtr(job.Payload),
		Priority:            string(job.Priority),
		Status:              string(job.Status),
		Attempts:            job.Attempts,
		MaxRetries:          job.MaxRetries,
		ErrorMessage:        strToPtr(job.ErrorMessage),
		Result:              rawToPtr(job.Result),
		CreatedAt:           timeOrNow(job.CreatedAt),
		ScheduledFor:        timeOrNow(job.ScheduledFor),
		ProcessingStartedAt: job.ProcessingStartedAt,
		CompletedAt:         job.CompletedAt,
		UpdatedAt:           timeOrNow(job.UpdatedAt),
		DurationMs:          job.DurationMs,
	}
}

func (r *jobRow) toJob() *schema.Job {
	return &schema.Job{
		ID:                  r.ID,
		OrganizationID:      r.OrganizationID,
		Type:                schema.JobType(r.JobType),
		Payload:             ptrToRaw(r.Payload),
		Priority:            schema.JobPriority(r.Priority),
		Status:              schema.JobStatus(r.Status),
		Attempts:            r.Attempts,
		MaxRetries:          r.MaxRetries,
		ErrorMessage:        ptrToStr(r.ErrorMessage),
		Result:              ptrToRaw(r.Result),
		CreatedAt:           r.CreatedAt,
		ScheduledFor:        r.ScheduledFor,
		ProcessingStartedAt: r.ProcessingStartedAt,
		CompletedAt:         r.CompletedAt,
		UpdatedAt:           r.UpdatedAt,
		DurationMs:          r.DurationMs,
	}
}

func newScheduleRow(sched *Schedule) *scheduleRow {
	return &scheduleRow{
		ID:             sched.ID,
		OrganizationID: sched.OrganizationID,
		JobType:        string(sched.JobType),
		CronExpression: sched.CronExpression,
		Payload:        rawToPtr(sched.Payload),
		Priority:       string(sched.Priority),
		Enabled:        sched.Enabled,
		LastRunAt:      sched.LastRunAt,
		NextRunAt:      sched.NextRunAt,
		LastRunStatus:  strToPtr(sched.LastRunStatus),
		CreatedAt:      timeOrNow(sched.CreatedAt),
	}
}

func (r *scheduleRow) toSchedule() *Schedule {
	return &Schedule{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		JobType:        schema.JobType(r.JobType),
		CronExpression: r.CronExpression,
		Payload:        ptrToRaw(r.Payload),
		Priority:       schema.JobPriority(r.Priority),
		Enabled:        r.Enabled,
		LastRunAt:      r.LastRunAt,
		NextRunAt:      r.NextRunAt,
		LastRunStatus:  ptrToStr(r.LastRunStatus),
		CreatedAt:      r.CreatedAt,
	}
}

func rawToPtr(r json.RawMessage) *string {
	if len(r) == 0 {
		return nil
	}
	s := string(r)
	return &s
}

func ptrToRaw(s *string) json.RawMessage {
	if s == nil || *s == "" {
		return nil
	}
	return json.RawMessage(*s)
}

func strToPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ptrToStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ Store = (*PostgresStore)(nil)
