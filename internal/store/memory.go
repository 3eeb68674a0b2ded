package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atlasfit/automation/pkg/schema"
)

// MemoryStore is an in-memory Store used by tests and single-process
// deployments that do not need durability.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*schema.Job
	schedules map[string]*Schedule
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*schema.Job),
		schedules: make(map[string]*Schedule),
	}
}

// --- Jobs ---

func (s *MemoryStore) CreateJob(_ context.Context, job *schema.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q already exists", job.ID)
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*schema.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, storeNotFound("job", id)
	}
	return copyJob(job), nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, id string, update JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return storeNotFound("job", id)
	}

	if update.Status != nil {
		if !schema.IsValidJobTransition(job.Status, *update.Status) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"job %q: cannot move from %s to %s", id, job.Status, *update.Status)
		}
		job.Status = *update.Status
	}
	if update.Result != nil {
		job.Result = append([]byte(nil), update.Result...)
	}
	if update.ErrorMessage != nil {
		job.ErrorMessage = *update.ErrorMessage
	}
	if update.ScheduledFor != nil {
		job.ScheduledFor = *update.ScheduledFor
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		job.CompletedAt = &t
	}
	if update.DurationMs != nil {
		job.DurationMs = *update.DurationMs
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*schema.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*schema.Job
	for _, job := range s.jobs {
		if filter.OrganizationID != "" && job.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		if filter.Type != nil && job.Type != *filter.Type {
			continue
		}
		if filter.Since != nil && job.CreatedAt.Before(*filter.Since) {
			continue
		}
		jobs = append(jobs, copyJob(job))
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[filter.Offset:]
	}
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *MemoryStore) DueJobs(_ context.Context, filter DueFilter) ([]*schema.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*schema.Job
	for _, job := range s.jobs {
		if !job.Claimable(filter.Now) {
			continue
		}
		if filter.OrganizationID != "" && job.OrganizationID != filter.OrganizationID {
			continue
		}
		due = append(due, copyJob(job))
	}

	sort.Slice(due, func(i, j int) bool {
		if ri, rj := due[i].Priority.Rank(), due[j].Priority.Rank(); ri != rj {
			return ri < rj
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	if filter.Limit > 0 && len(due) > filter.Limit {
		due = due[:filter.Limit]
	}
	return due, nil
}

func (s *MemoryStore) ClaimJob(_ context.Context, id string, now time.Time) (*schema.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, false, storeNotFound("job", id)
	}
	if !job.Claimable(now) {
		return nil, false, nil
	}

	job.Status = schema.JobStatusProcessing
	job.Attempts++
	started := now
	job.ProcessingStartedAt = &started
	job.UpdatedAt = now
	return copyJob(job), true, nil
}

func (s *MemoryStore) JobStats(_ context.Context, filter StatsFilter) (*JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &JobStats{
		ByStatus:   make(map[schema.JobStatus]int64),
		ByType:     make(map[schema.JobType]int64),
		ByPriority: make(map[schema.JobPriority]int64),
	}

	var durationSum int64
	var durationCount int64
	for _, job := range s.jobs {
		if filter.OrganizationID != "" && job.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Since != nil && job.CreatedAt.Before(*filter.Since) {
			continue
		}
		stats.TotalJobs++
		stats.ByStatus[job.Status]++
		stats.ByType[job.Type]++
		stats.ByPriority[job.Priority]++
		if job.DurationMs > 0 {
			durationSum += job.DurationMs
			durationCount++
		}
	}
	if durationCount > 0 {
		stats.AvgProcessingTimeMs = float64(durationSum) / float64(durationCount)
	}
	return stats, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, job := range s.jobs {
		if !job.Status.Terminal() {
			continue
		}
		if job.CompletedAt != nil && job.CompletedAt.Before(olderThan) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// --- Schedules ---

func (s *MemoryStore) CreateSchedule(_ context.Context, sched *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[sched.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", sched.ID)
	}
	s.schedules[sched.ID] = copySchedule(sched)
	return nil
}

func (s *MemoryStore) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[id]
	if !ok {
		return nil, storeNotFound("schedule", id)
	}
	return copySchedule(sched), nil
}

func (s *MemoryStore) UpdateSchedule(_ context.Context, id string, update ScheduleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return storeNotFound("schedule", id)
	}
	applyScheduleUpdate(sched, update)
	return nil
}

func (s *MemoryStore) ListSchedules(_ context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var schedules []*Schedule
	for _, sched := range s.schedules {
		if filter.OrganizationID != "" && sched.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Enabled != nil && sched.Enabled != *filter.Enabled {
			continue
		}
		schedules = append(schedules, copySchedule(sched))
	}

	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].CreatedAt.Before(schedules[j].CreatedAt)
	})

	if filter.Limit > 0 && len(schedules) > filter.Limit {
		schedules = schedules[:filter.Limit]
	}
	return schedules, nil
}

func (s *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return storeNotFound("schedule", id)
	}
	delete(s.schedules, id)
	return nil
}

// --- Lifecycle ---

func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

// Start is a no-op: a fresh in-memory store cannot hold stale jobs.
func (s *MemoryStore) Start(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// --- Helpers ---

func copyJob(j *schema.Job) *schema.Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	if j.Result != nil {
		cp.Result = append([]byte(nil), j.Result...)
	}
	if j.ProcessingStartedAt != nil {
		t := *j.ProcessingStartedAt
		cp.ProcessingStartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func copySchedule(s *Schedule) *Schedule {
	cp := *s
	if s.Payload != nil {
		cp.Payload = append([]byte(nil), s.Payload...)
	}
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		cp.LastRunAt = &t
	}
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		cp.NextRunAt = &t
	}
	return &cp
}

func applyScheduleUpdate(sched *Schedule, update ScheduleUpdate) {
	if update.Enabled != nil {
		sched.Enabled = *update.Enabled
	}
	if update.CronExpression != nil {
		sched.CronExpression = *update.CronExpression
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		sched.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		sched.NextRunAt = &t
	}
	if update.LastRunStatus != "" {
		sched.LastRunStatus = update.LastRunStatus
	}
}

var _ Store = (*MemoryStore)(nil)
