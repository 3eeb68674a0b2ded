package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/atlasfit/automation/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies any pending schema revisions.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return ensureSchema(ctx, s.db)
}

// Start recovers jobs left in processing by a previous run. Without recovery
// an interrupted dispatcher would leave them invisible to dispatch forever.
func (s *LibSQLStore) Start(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		 WHERE status = ?`,
		string(schema.JobStatusFailed), "interrupted: dispatcher restarted",
		now, now, string(schema.JobStatusProcessing),
	)
	return err
}

// --- Jobs ---

const jobColumns = `id, organization_id, job_type, payload, priority, status, attempts, max_retries, error_message, result, created_at, scheduled_for, processing_started_at, completed_at, updated_at, duration_ms`

func (s *LibSQLStore) CreateJob(ctx context.Context, job *schema.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OrganizationID, string(job.Type), nullRaw(job.Payload),
		string(job.Priority), string(job.Status), job.Attempts, job.MaxRetries,
		nullStr(job.ErrorMessage), nullRaw(job.Result),
		timeOrNow(job.CreatedAt), timeOrNow(job.ScheduledFor),
		nullTime(job.ProcessingStartedAt), nullTime(job.CompletedAt),
		timeOrNow(job.UpdatedAt), job.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetJob(ctx context.Context, id string) (*schema.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("job", id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *LibSQLStore) UpdateJob(ctx context.Context, id string, update JobUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(update.Result))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.ScheduledFor != nil {
		sets = append(sets, "scheduled_for = ?")
		args = append(args, *update.ScheduledFor)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	args = append(args, id)

	// Status changes must follow the lifecycle; guard the update with the
	// allowed source states so a lost race cannot corrupt a terminal job.
	if update.Status != nil {
		sources := schema.TransitionSources(*update.Status)
		placeholders := make([]string, len(sources))
		for i, src := range sources {
			placeholders[i] = "?"
			args = append(args, string(src))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if update.Status == nil {
			return storeNotFound("job", id)
		}
		// Distinguish a missing job from a disallowed transition.
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"job %q: cannot move from %s to %s", id, current.Status, *update.Status)
	}
	return nil
}

func (s *LibSQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]*schema.Job, error) {
	var where []string
	var args []any

	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Type != nil {
		where = append(where, "job_type = ?")
		args = append(args, string(*filter.Type))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*schema.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DueJobs(ctx context.Context, filter DueFilter) ([]*schema.Job, error) {
	var where []string
	var args []any

	where = append(where, "status IN (?, ?)", "scheduled_for <= ?")
	args = append(args, string(schema.JobStatusPending), string(schema.JobStatusRetrying), filter.Now)
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 WHEN 'low' THEN 2 ELSE 3 END, created_at`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*schema.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) ClaimJob(ctx context.Context, id string, now time.Time) (*schema.Job, bool, error) {
	// The claim is a single conditional UPDATE; RowsAffected tells us whether
	// this dispatcher won the race.
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, processing_started_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?) AND scheduled_for <= ?`,
		string(schema.JobStatusProcessing), now, now,
		id, string(schema.JobStatusPending), string(schema.JobStatusRetrying), now,
	)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		// Either missing or no longer claimable; only the former is an error.
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return nil, false, getErr
		}
		return nil, false, nil
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (s *LibSQLStore) JobStats(ctx context.Context, filter StatsFilter) (*JobStats, error) {
	var where []string
	var args []any

	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	stats := &JobStats{
		ByStatus:   make(map[schema.JobStatus]int64),
		ByType:     make(map[schema.JobType]int64),
		ByPriority: make(map[schema.JobPriority]int64),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, job_type, priority, COUNT(*) FROM jobs`+clause+` GROUP BY status, job_type, priority`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status, jobType, priority string
		var count int64
		if err := rows.Scan(&status, &jobType, &priority, &count); err != nil {
			return nil, err
		}
		stats.TotalJobs += count
		stats.ByStatus[schema.JobStatus(status)] += count
		stats.ByType[schema.JobType(jobType)] += count
		stats.ByPriority[schema.JobPriority(priority)] += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG(duration_ms) FROM jobs`+andClause(clause, "duration_ms > 0"),
		args...,
	).Scan(&avg)
	if err != nil {
		return nil, err
	}
	stats.AvgProcessingTimeMs = avg.Float64
	return stats, nil
}

func (s *LibSQLStore) DeleteExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(schema.JobStatusCompleted), string(schema.JobStatusFailed), olderThan,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Schedules ---

const scheduleColumns = `id, organization_id, job_type, cron_expression, payload, priority, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.OrganizationID, string(sched.JobType), sched.CronExpression,
		nullRaw(sched.Payload), string(sched.Priority), sched.Enabled,
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		nullStr(sched.LastRunStatus), timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id,
	)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, err
	}
	return sched, nil
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.CronExpression != nil {
		sets = append(sets, "cron_expression = ?")
		args = append(args, *update.CronExpression)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any

	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Scanning ---

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*schema.Job, error) {
	job := &schema.Job{}
	var (
		jobType, priority, status       string
		payload, result, errMsg         sql.NullString
		processingStarted, completedAt  sql.NullTime
	)
	err := row.Scan(&job.ID, &job.OrganizationID, &jobType, &payload, &priority, &status,
		&job.Attempts, &job.MaxRetries, &errMsg, &result,
		&job.CreatedAt, &job.ScheduledFor, &processingStarted, &completedAt,
		&job.UpdatedAt, &job.DurationMs)
	if err != nil {
		return nil, err
	}
	job.Type = schema.JobType(jobType)
	job.Priority = schema.JobPriority(priority)
	job.Status = schema.JobStatus(status)
	job.Payload = rawOrNil(payload)
	job.Result = rawOrNil(result)
	job.ErrorMessage = errMsg.String
	if processingStarted.Valid {
		job.ProcessingStartedAt = &processingStarted.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

func scanSchedule(row scanner) (*Schedule, error) {
	sched := &Schedule{}
	var (
		jobType, priority    string
		payload, lastStatus  sql.NullString
		lastRun, nextRun     sql.NullTime
	)
	err := row.Scan(&sched.ID, &sched.OrganizationID, &jobType, &sched.CronExpression,
		&payload, &priority, &sched.Enabled, &lastRun, &nextRun, &lastStatus, &sched.CreatedAt)
	if err != nil {
		return nil, err
	}
	sched.JobType = schema.JobType(jobType)
	sched.Priority = schema.JobPriority(priority)
	sched.Payload = rawOrNil(payload)
	sched.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	return sched, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.AutomationError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func andClause(clause, cond string) string {
	if clause == "" {
		return " WHERE " + cond
	}
	return clause + " AND " + cond
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
